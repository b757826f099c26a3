// Package findings formats genotyper output: the per-locus Finding tagged
// union, the CountTable "k1:v1,k2:v2" codec used for raw per-allele read
// counts, and JSON/VCF 4.1 encoders for a whole call set.
package findings

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Malformed is returned when a CountTable string fails to parse.
var Malformed = errors.New("malformed count table")

// CountTable maps an observed allele size (repeat-unit count, or 0/1 for a
// small variant's ref/alt) to the number of reads supporting it.
type CountTable map[int]int

// Encode renders a CountTable as "k1:v1,k2:v2,...", keys sorted ascending,
// so the same table always serialises identically (Testable Property 7:
// encode/decode round-trips).
func (c CountTable) Encode() string {
	if len(c) == 0 {
		return ""
	}
	keys := make([]int, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%d:%d", k, c[k])
	}
	return strings.Join(parts, ",")
}

// DecodeCountTable parses the Encode format back into a CountTable. An
// empty string decodes to an empty, non-nil table.
func DecodeCountTable(s string) (CountTable, error) {
	table := CountTable{}
	if s == "" {
		return table, nil
	}
	for _, entry := range strings.Split(s, ",") {
		kv := strings.SplitN(entry, ":", 2)
		if len(kv) != 2 {
			return nil, errors.E(Malformed, fmt.Sprintf("entry %q missing ':'", entry))
		}
		k, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, errors.E(Malformed, fmt.Sprintf("entry %q has non-numeric key", entry))
		}
		v, err := strconv.Atoi(kv[1])
		if err != nil {
			return nil, errors.E(Malformed, fmt.Sprintf("entry %q has non-numeric value", entry))
		}
		table[k] = v
	}
	return table, nil
}

// Kind discriminates the tagged union below.
type Kind string

const (
	KindStr          Kind = "STR"
	KindSmallVariant Kind = "SmallVariant"
)

// Finding is one variant's genotyper output, ready to report. Only the
// fields relevant to Kind are populated; this mirrors the flat,
// JSON-marshal-friendly struct style used throughout the kept encoding
// packages rather than a Go interface, since every Finding ultimately
// round-trips through encoding/json.
type Finding struct {
	Kind      Kind
	LocusID   string
	VariantID string
	Contig    string
	Start     int64
	End       int64

	// VariantType carries the catalog's original type string (RareRepeat,
	// Repeat, SmallVariant, SMN) through to JSON/VCF output.
	VariantType string
	RefSequence string // reference bases spanning [Start,End), "N" if unknown

	// STR fields.
	Motif           string
	HasGenotype     bool
	ShortAllele     int
	LongAllele      int
	ShortAlleleCI   [2]int
	LongAlleleCI    [2]int
	SpanningCounts  CountTable
	FlankingCounts  CountTable
	InrepeatCounts  CountTable

	// Small-variant fields.
	Genotype string // "HOM_REF", "HET", "HOM_ALT", "UNCERTAIN"
	RefCount int
	AltCount int

	// Locus-level stats, duplicated onto every variant of the same locus so
	// each Finding is self-contained.
	Depth       float64
	ReadLength  float64
	AlleleCount int // ploidy used for this call
	LowCoverage bool
}

// jsonVariant is the on-the-wire shape for one Finding.
type jsonVariant struct {
	VariantID      string `json:"VariantId"`
	Coordinates    string `json:"ReferenceRegion"`
	VariantType    string `json:"VariantType,omitempty"`
	Motif          string `json:"RepeatUnit,omitempty"`
	Genotype       string `json:"Genotype"`
	GenotypeCI     string `json:"GenotypeConfidenceInterval,omitempty"`
	SpanningCounts string `json:"CountsOfSpanningReads,omitempty"`
	FlankingCounts string `json:"CountsOfFlankingReads,omitempty"`
	InrepeatCounts string `json:"CountsOfInrepeatReads,omitempty"`
	RefCount       int    `json:"CountOfRefReads,omitempty"`
	AltCount       int    `json:"CountOfAltReads,omitempty"`
}

type jsonLocus struct {
	LocusID     string                 `json:"LocusId"`
	Coverage    float64                `json:"Coverage"`
	ReadLength  float64                `json:"ReadLength"`
	AlleleCount int                    `json:"AlleleCount,omitempty"`
	Variants    map[string]jsonVariant `json:"Variants"`
}

// EncodeJSON renders a whole call set in the nested-by-locus JSON shape
// described in §6: one top-level object keyed by LocusId, each holding a
// Variants object keyed by VariantId.
func EncodeJSON(fs []Finding) ([]byte, error) {
	out := map[string]jsonLocus{}
	for _, f := range fs {
		loc, ok := out[f.LocusID]
		if !ok {
			loc = jsonLocus{
				LocusID:     f.LocusID,
				Coverage:    f.Depth,
				ReadLength:  f.ReadLength,
				AlleleCount: f.AlleleCount,
				Variants:    map[string]jsonVariant{},
			}
		}
		loc.Variants[f.VariantID] = toJSONVariant(f)
		out[f.LocusID] = loc
	}
	return json.MarshalIndent(out, "", "  ")
}

func toJSONVariant(f Finding) jsonVariant {
	v := jsonVariant{
		VariantID:   f.VariantID,
		Coordinates: fmt.Sprintf("%s:%d-%d", f.Contig, f.Start, f.End),
		VariantType: f.VariantType,
		Motif:       f.Motif,
	}
	switch f.Kind {
	case KindStr:
		v.Genotype = "./."
		if f.HasGenotype {
			v.Genotype = fmt.Sprintf("%d/%d", f.ShortAllele, f.LongAllele)
			v.GenotypeCI = fmt.Sprintf("%d-%d/%d-%d", f.ShortAlleleCI[0], f.ShortAlleleCI[1], f.LongAlleleCI[0], f.LongAlleleCI[1])
		}
		v.SpanningCounts = f.SpanningCounts.Encode()
		v.FlankingCounts = f.FlankingCounts.Encode()
		v.InrepeatCounts = f.InrepeatCounts.Encode()
	case KindSmallVariant:
		v.Genotype = f.Genotype
		v.RefCount = f.RefCount
		v.AltCount = f.AltCount
	}
	return v
}

// EncodeVCF writes a VCF 4.1 representation of fs for sampleName, one
// record per variant, sorted by contig then start so output is
// deterministic regardless of input order. STR records use a symbolic
// <STRn> ALT allele (n = the called long allele's repeat-unit count) and
// report the genotype-supporting evidence in ADSP/ADFL/ADIR per §6; small
// variant records write RefSequence as REF, a symbolic <SV> ALT, and the
// ref/alt read counts in AD. No literal ALT sequence and no preceding
// reference base are written.
func EncodeVCF(w io.Writer, fs []Finding, sampleName string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "##fileformat=VCFv4.1")
	fmt.Fprintln(bw, `##INFO=<ID=END,Number=1,Type=Integer,Description="End position of the variant">`)
	fmt.Fprintln(bw, `##INFO=<ID=REF,Number=1,Type=Integer,Description="Reference copy number">`)
	fmt.Fprintln(bw, `##INFO=<ID=RL,Number=1,Type=Integer,Description="Reference allele length in bp">`)
	fmt.Fprintln(bw, `##INFO=<ID=RU,Number=1,Type=String,Description="Repeat unit in the reference orientation">`)
	fmt.Fprintln(bw, `##INFO=<ID=REPID,Number=1,Type=String,Description="Locus identifier">`)
	fmt.Fprintln(bw, `##INFO=<ID=VARID,Number=1,Type=String,Description="Variant identifier">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=SO,Number=1,Type=String,Description="Type of read support for the repeat">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=REPCN,Number=2,Type=Integer,Description="Repeat unit counts (short,long)">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=REPCI,Number=2,Type=String,Description="Repeat unit count credible intervals">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=ADSP,Number=1,Type=Integer,Description="Number of spanning reads">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=ADFL,Number=1,Type=Integer,Description="Number of flanking reads">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=ADIR,Number=1,Type=Integer,Description="Number of in-repeat reads">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=AD,Number=2,Type=Integer,Description="Number of reads supporting the ref,alt alleles">`)
	fmt.Fprintln(bw, `##FORMAT=<ID=LC,Number=1,Type=Float,Description="Locus coverage">`)
	fmt.Fprintf(bw, "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\t%s\n", sampleName)

	sorted := make([]Finding, len(fs))
	copy(sorted, fs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Contig != sorted[j].Contig {
			return sorted[i].Contig < sorted[j].Contig
		}
		return sorted[i].Start < sorted[j].Start
	})

	for _, f := range sorted {
		writeVCFRecord(bw, f)
	}
	return bw.Flush()
}

func writeVCFRecord(bw *bufio.Writer, f Finding) {
	filter := "PASS"
	if f.LowCoverage {
		filter = "LowDepth"
	}
	ref := f.RefSequence
	if ref == "" {
		ref = "N"
	}

	switch f.Kind {
	case KindStr:
		alt := "."
		gt := "./."
		repcn := "."
		repci := "."
		if f.HasGenotype {
			alt = fmt.Sprintf("<STR%d>", f.LongAllele)
			gt = "0/1"
			if f.ShortAllele == f.LongAllele {
				gt = "1/1"
			}
			repcn = fmt.Sprintf("%d,%d", f.ShortAllele, f.LongAllele)
			repci = fmt.Sprintf("%d-%d/%d-%d", f.ShortAlleleCI[0], f.ShortAlleleCI[1], f.LongAlleleCI[0], f.LongAlleleCI[1])
		}
		info := fmt.Sprintf("END=%d;RL=%d;RU=%s;REPID=%s;VARID=%s", f.End, f.End-f.Start, f.Motif, f.LocusID, f.VariantID)
		format := "GT:SO:REPCN:REPCI:ADSP:ADFL:ADIR:LC"
		sample := fmt.Sprintf("%s:%s:%s:%s:%d:%d:%d:%.2f",
			gt, spanningSupportOrigin(f), repcn, repci,
			sumCounts(f.SpanningCounts), sumCounts(f.FlankingCounts), sumCounts(f.InrepeatCounts), f.Depth)
		fmt.Fprintf(bw, "%s\t%d\t%s\t%s\t%s\t.\t%s\t%s\t%s\t%s\n",
			f.Contig, f.Start+1, f.VariantID, ref, alt, filter, info, format, sample)
	default:
		info := fmt.Sprintf("END=%d;REPID=%s;VARID=%s", f.End, f.LocusID, f.VariantID)
		format := "GT:AD:LC"
		sample := fmt.Sprintf("%s:%d,%d:%.2f", genotypeToGT(f.Genotype), f.RefCount, f.AltCount, f.Depth)
		fmt.Fprintf(bw, "%s\t%d\t%s\t%s\t<SV>\t.\t%s\t%s\t%s\t%s\n",
			f.Contig, f.Start+1, f.VariantID, ref, filter, info, format, sample)
	}
}

func sumCounts(c CountTable) int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// spanningSupportOrigin renders the SO (support origin) value: SPANNING if
// any spanning reads were observed, else FLANKING, else INREPEAT, else
// UNKNOWN, the same priority order the classifier itself uses.
func spanningSupportOrigin(f Finding) string {
	switch {
	case sumCounts(f.SpanningCounts) > 0:
		return "SPANNING"
	case sumCounts(f.FlankingCounts) > 0:
		return "FLANKING"
	case sumCounts(f.InrepeatCounts) > 0:
		return "INREPEAT"
	default:
		return "UNKNOWN"
	}
}

func genotypeToGT(genotype string) string {
	switch genotype {
	case "HOM_REF":
		return "0/0"
	case "HET":
		return "0/1"
	case "HOM_ALT":
		return "1/1"
	default:
		return "./."
	}
}
