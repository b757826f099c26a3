// Package locus implements per-locus workflow orchestration (C7): it wires
// one catalog record's graph, seed index, and genotyper parameters into a
// Workflow that consumes read pairs as the dispatch fabric (C9) routes
// them in, and reports findings.Finding values once streaming completes.
//
// A Workflow is not safe for concurrent use by design: the dispatcher
// guarantees a single locus's handler never runs on two goroutines at
// once, so this package carries no locking of its own.
package locus

import (
	"fmt"
	"math"
	"strings"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/errors"

	"github.com/grailbio/strhunter/align"
	"github.com/grailbio/strhunter/catalog"
	"github.com/grailbio/strhunter/classify"
	"github.com/grailbio/strhunter/coverage"
	"github.com/grailbio/strhunter/findings"
	"github.com/grailbio/strhunter/graph"
	"github.com/grailbio/strhunter/gtstr"
	"github.com/grailbio/strhunter/gtsv"
	"github.com/grailbio/strhunter/readsummary"
	"github.com/grailbio/strhunter/refseq"
	"github.com/grailbio/strhunter/seqenc"
)

// Malformed is raised when a catalog record can't be turned into a
// LocusSpec: a variant type inconsistent with its graph feature, or a
// variant count that doesn't match the structure's feature count.
var Malformed = errors.New("malformed locus specification")

// Sex selects the copy-number rule for sex-chromosome loci.
type Sex int

const (
	Female Sex = iota
	Male
)

// CopyNumberRule picks the ploidy to genotype a locus at, per §4.7/§7:
// autosomes are always diploid; chrX is diploid in females and haploid in
// males; chrY is absent in females and haploid in males.
type CopyNumberRule int

const (
	Autosome CopyNumberRule = iota
	ChrX
	ChrY
)

// Ploidy returns the number of alleles to genotype for sex, or 0 when the
// locus doesn't exist in that sex (chrY in a female).
func (r CopyNumberRule) Ploidy(sex Sex) int {
	switch r {
	case ChrX:
		if sex == Male {
			return 1
		}
		return 2
	case ChrY:
		if sex == Male {
			return 1
		}
		return 0
	default:
		return 2
	}
}

// ruleForContig classifies a contig name into the copy-number rule that
// applies to it.
func ruleForContig(contig string) CopyNumberRule {
	switch strings.TrimPrefix(strings.ToLower(contig), "chr") {
	case "x":
		return ChrX
	case "y":
		return ChrY
	default:
		return Autosome
	}
}

// VariantSpec is one catalog.Variant resolved against the built graph.
//
// The catalog names variants by reference region, not by graph node; this
// package resolves the mapping positionally, pairing the locus
// structure's non-flank features (in left-to-right order) with the
// catalog's variant list (also left-to-right, the catalog format's own
// convention) rather than by reference-coordinate arithmetic, since the
// structure string carries no explicit coordinates of its own.
type VariantSpec struct {
	ID     string
	Region catalog.Region
	Type   catalog.VariantType

	// Nodes are every node this variant is defined over: for an STR,
	// exactly one repeat node; for a small variant or SMN site, every node
	// of the Interrupt feature spanning the variant (ref allele included).
	Nodes []graph.NodeID

	HasRefNode bool
	RefNode    graph.NodeID

	// RefSequence is the reference bases spanning Region, fetched at build
	// time when a refseq.Accessor is supplied; empty otherwise.
	RefSequence string
}

// IsSTR reports whether this variant genotypes as a repeat-unit count
// rather than a ref/alt small variant.
func (v VariantSpec) IsSTR() bool {
	return v.Type == catalog.VariantTypeStr || v.Type == catalog.VariantTypeCommonRepeat
}

// IsSMN reports whether this variant is a paralog presence/absence site.
func (v VariantSpec) IsSMN() bool {
	return v.Type == catalog.VariantTypeSMN
}

func nonFlankFeatures(g *graph.Graph) []graph.Feature {
	var out []graph.Feature
	for _, f := range g.Blueprint {
		if f.Kind == graph.LeftFlank || f.Kind == graph.RightFlank {
			continue
		}
		out = append(out, f)
	}
	return out
}

func buildVariantSpec(g *graph.Graph, feat graph.Feature, v catalog.Variant) (VariantSpec, error) {
	spec := VariantSpec{ID: v.ID, Region: v.Region, Type: v.Type}

	if spec.IsSTR() {
		if feat.Kind != graph.Repeat || len(feat.NodeIDs) != 1 {
			return VariantSpec{}, errors.E(Malformed, "STR variant "+v.ID+" must reference exactly one repeat node")
		}
		spec.Nodes = feat.NodeIDs
		return spec, nil
	}

	// Small variant / SMN: every node of the Interrupt feature is a
	// candidate allele. The node whose label length matches the variant's
	// reference span is the reference allele -- possibly the empty string,
	// for a pure insertion, which the graph builder now represents
	// explicitly rather than dropping.
	refLen := int(v.Region.End - v.Region.Start)
	spec.Nodes = feat.NodeIDs
	for _, id := range feat.NodeIDs {
		if len(g.Node(id).Label) == refLen {
			spec.HasRefNode = true
			spec.RefNode = id
			break
		}
	}
	return spec, nil
}

// BuildOpts configures LocusSpec construction beyond the catalog record
// itself.
type BuildOpts struct {
	AlignerConfig align.Config

	// RegionExtensionLength is the size, in bases, of each of the two
	// flanking windows coverage (C8) accumulates over.
	RegionExtensionLength int64

	// MinBaseQual is the phred threshold below which a base is masked
	// before alignment, per seqenc.MaskLowQuality.
	MinBaseQual byte

	// ErrorRate is the background sequencing/mapping error rate gtsv's
	// SMN presence/absence test uses for its "absent" hypothesis.
	ErrorRate float64

	// MinLocusCoverage is the depth below which a locus's genotype is
	// withheld and reported LowCoverage instead, per §4.7/§7.
	MinLocusCoverage float64

	// LikelihoodRatioThreshold is the minimum likelihood-ratio evidence
	// gtsv requires to trust a small-variant or presence/absence call
	// rather than report it Uncertain, per §4.6/§6.
	LikelihoodRatioThreshold float64

	// RefAccessor, if non-nil, is used to populate each VariantSpec's
	// RefSequence (and so Finding.RefSequence) for richer VCF output.
	RefAccessor *refseq.Accessor
}

// DefaultBuildOpts returns reasonable defaults for every BuildOpts field
// except RefAccessor.
func DefaultBuildOpts() BuildOpts {
	return BuildOpts{
		AlignerConfig:            align.DefaultConfig(),
		RegionExtensionLength:    1000,
		MinBaseQual:              20,
		ErrorRate:                0.01,
		MinLocusCoverage:         10,
		LikelihoodRatioThreshold: gtsv.DefaultLikelihoodRatioThreshold,
	}
}

// LocusSpec is one locus's complete, immutable workflow configuration:
// graph, seed index, variant specs, and genotyper parameters.
type LocusSpec struct {
	ID               string
	Graph            *graph.Graph
	TargetRegion     catalog.Region
	OfftargetRegions []catalog.Region
	CopyNumberRule   CopyNumberRule
	Variants         []VariantSpec

	AlignerConfig               align.Config
	RegionExtensionLength       int64
	MinBaseQual                 byte
	ErrorRate                   float64
	MinLocusCoverage            float64
	LogLikelihoodRatioThreshold float64

	seedIndex *align.SeedIndex
}

// Build turns one catalog.Record into a LocusSpec: it builds the sequence
// graph from the locus structure, resolves every catalog variant onto the
// graph's features, and constructs the seed index the aligner needs.
func Build(rec catalog.Record, opts BuildOpts) (*LocusSpec, error) {
	if len(rec.Variants) == 0 {
		return nil, errors.E(Malformed, "locus "+rec.LocusID+" has no variants")
	}
	target := rec.Variants[0].Region
	for _, v := range rec.Variants[1:] {
		if v.Region.Contig != target.Contig {
			return nil, errors.E(Malformed, "locus "+rec.LocusID+" variants span multiple contigs")
		}
		if v.Region.Start < target.Start {
			target.Start = v.Region.Start
		}
		if v.Region.End > target.End {
			target.End = v.Region.End
		}
	}

	g, err := graph.Build(rec.LocusStructure, graph.BuildOpts{RefStart: target.Start})
	if err != nil {
		return nil, errors.E(err, "locus "+rec.LocusID)
	}

	features := nonFlankFeatures(g)
	if len(features) != len(rec.Variants) {
		return nil, errors.E(Malformed, fmt.Sprintf(
			"locus %s: %d catalog variants but %d graph features", rec.LocusID, len(rec.Variants), len(features)))
	}

	errorRate := opts.ErrorRate
	if rec.ErrorRate != nil {
		errorRate = *rec.ErrorRate
	}
	minLocusCoverage := opts.MinLocusCoverage
	if rec.MinimalLocusCoverage != nil {
		minLocusCoverage = *rec.MinimalLocusCoverage
	}
	likelihoodRatioThreshold := opts.LikelihoodRatioThreshold
	if rec.LikelihoodRatioThreshold != nil {
		likelihoodRatioThreshold = *rec.LikelihoodRatioThreshold
	}

	spec := &LocusSpec{
		ID:                          rec.LocusID,
		Graph:                       g,
		TargetRegion:                target,
		OfftargetRegions:            rec.OfftargetRegions,
		CopyNumberRule:              ruleForContig(target.Contig),
		AlignerConfig:               opts.AlignerConfig,
		RegionExtensionLength:       opts.RegionExtensionLength,
		MinBaseQual:                 opts.MinBaseQual,
		ErrorRate:                   errorRate,
		MinLocusCoverage:            minLocusCoverage,
		LogLikelihoodRatioThreshold: math.Log(likelihoodRatioThreshold),
	}
	spec.seedIndex = align.NewSeedIndex(g, opts.AlignerConfig)

	for i, v := range rec.Variants {
		vs, err := buildVariantSpec(g, features[i], v)
		if err != nil {
			return nil, errors.E(err, "locus "+rec.LocusID)
		}
		if opts.RefAccessor != nil {
			if seq, err := opts.RefAccessor.Get(v.Region.Contig, v.Region.Start, v.Region.End); err == nil {
				vs.RefSequence = seq
			}
		}
		spec.Variants = append(spec.Variants, vs)
	}
	return spec, nil
}

type strAccum struct {
	variant    VariantSpec
	repeatNode graph.NodeID
	spanning   findings.CountTable
	flanking   findings.CountTable
	inrepeat   findings.CountTable
	reads      []gtstr.ReadEvidence
}

type smallVariantAccum struct {
	variant            VariantSpec
	refCount, altCount int
}

type window struct {
	Start, End int64
}

// Workflow is one locus's running accumulation state: per-variant read
// evidence plus the flanking-window coverage accumulator, fed by Process
// as reads arrive and reduced to Finding values by Finalise.
type Workflow struct {
	Spec *LocusSpec

	strs []*strAccum
	svs  []*smallVariantAccum

	cov         *coverage.Accumulator
	leftWindow  window
	rightWindow window
}

// NewWorkflow creates the per-locus accumulation state for spec.
func NewWorkflow(spec *LocusSpec) *Workflow {
	w := &Workflow{Spec: spec}
	for _, v := range spec.Variants {
		if v.IsSTR() {
			w.strs = append(w.strs, &strAccum{
				variant:    v,
				repeatNode: v.Nodes[0],
				spanning:   findings.CountTable{},
				flanking:   findings.CountTable{},
				inrepeat:   findings.CountTable{},
			})
			continue
		}
		w.svs = append(w.svs, &smallVariantAccum{variant: v})
	}

	ext := spec.RegionExtensionLength
	w.leftWindow = window{Start: spec.TargetRegion.Start - ext, End: spec.TargetRegion.Start}
	w.rightWindow = window{Start: spec.TargetRegion.End, End: spec.TargetRegion.End + ext}
	w.cov = coverage.NewAccumulator(ext, ext)
	return w
}

// Process realigns read and mate (either may be nil) against the locus
// graph and folds the results into this Workflow's accumulators. Per
// §4.7, a mate whose best alignment doesn't clear the minimum-score
// threshold contributes nothing on its own -- align.Align already drops
// it -- so there's no separate pair-level reject step here.
func (w *Workflow) Process(read, mate *sam.Record) {
	if read != nil {
		w.processOne(read)
	}
	if mate != nil {
		w.processOne(mate)
	}
}

func (w *Workflow) processOne(rec *sam.Record) {
	w.feedCoverage(rec)

	if rec.Seq.Length == 0 {
		return
	}
	seq := string(rec.Seq.Expand())
	masked := seqenc.MaskLowQuality(seq, rec.Qual, w.Spec.MinBaseQual)

	query := masked
	if align.PredictOrientation(w.Spec.seedIndex, masked) {
		query = seqenc.ReverseComplement(masked)
	}

	alignments := align.Align(w.Spec.Graph, query, w.Spec.AlignerConfig)
	if len(alignments) == 0 {
		return
	}

	for _, accum := range w.strs {
		w.accumulateStr(accum, alignments)
	}
	for _, accum := range w.svs {
		w.accumulateSmallVariant(accum, alignments)
	}
}

// feedCoverage implements C8's flanking-window accounting: it runs
// unconditionally on every mapped record touching the target contig,
// independently of whether the graph aligner found anything, using the
// record's own linear alignment rather than the graph realignment.
func (w *Workflow) feedCoverage(rec *sam.Record) {
	if rec.Ref == nil || rec.Ref.Name() != w.Spec.TargetRegion.Contig {
		return
	}
	refLen, _ := rec.Cigar.Lengths()
	if refLen <= 0 {
		return
	}
	start := int64(rec.Pos)
	end := start + int64(refLen)
	switch {
	case start >= w.leftWindow.Start && end <= w.leftWindow.End:
		w.cov.Add(refLen)
	case start >= w.rightWindow.Start && end <= w.rightWindow.End:
		w.cov.Add(refLen)
	}
}

// clippedLength sums the query bases an alignment actually consumed
// (match, mismatch, and inserted bases), i.e. the read length minus any
// soft clip, matching ReadSummaryForStr's ClippedReadLength field.
func clippedLength(ga align.GraphAlignment) int {
	n := 0
	for _, na := range ga.Nodes {
		for _, op := range na.Cigar {
			switch op.Op {
			case align.CigarMatch, align.CigarMismatch, align.CigarInsert:
				n += op.Len
			}
		}
	}
	return n
}

func (w *Workflow) accumulateStr(accum *strAccum, alignments []align.GraphAlignment) {
	candidates := make([]readsummary.StrEntry, 0, len(alignments))
	for _, ga := range alignments {
		res := classify.ClassifySTR(ga, accum.repeatNode)
		if res.Label == classify.NoClassification {
			continue
		}
		if res.Label == classify.InRepeat && !classify.IsInRepeatAgainstMotif(ga, accum.repeatNode) {
			continue
		}
		candidates = append(candidates, readsummary.StrEntry{
			NumUnits:          res.NumUnits,
			Label:             res.Label,
			Score:             ga.Score,
			ClippedReadLength: clippedLength(ga),
		})
	}
	summary := readsummary.SummariseStr(candidates)
	if len(summary) == 0 {
		return
	}

	evid := gtstr.ReadEvidence{ClippedReadLength: summary[0].ClippedReadLength}
	for _, e := range summary {
		evid.Alignments = append(evid.Alignments, gtstr.AlignmentEvidence{PrimaryAllele: e.NumUnits, Label: e.Label})
		switch e.Label {
		case classify.Spanning:
			accum.spanning[e.NumUnits]++
		case classify.Flanking:
			accum.flanking[e.NumUnits]++
		case classify.InRepeat:
			accum.inrepeat[e.NumUnits]++
		}
	}
	accum.reads = append(accum.reads, evid)
}

func primaryVariantNode(ga align.GraphAlignment, nodes []graph.NodeID) (graph.NodeID, bool) {
	in := make(map[graph.NodeID]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}
	for _, na := range ga.Nodes {
		if in[na.Node] {
			return na.Node, true
		}
	}
	return 0, false
}

func isAltNode(v VariantSpec, node graph.NodeID) bool {
	if v.HasRefNode && node == v.RefNode {
		return false
	}
	return true
}

func (w *Workflow) accumulateSmallVariant(accum *smallVariantAccum, alignments []align.GraphAlignment) {
	candidates := make([]readsummary.SmallVariantEntry, 0, len(alignments))
	for _, ga := range alignments {
		label := classify.ClassifySmallVariant(ga, accum.variant.Nodes)
		if label == classify.NoSmallVariantClassification || label == classify.Bypass {
			continue
		}
		node, ok := primaryVariantNode(ga, accum.variant.Nodes)
		if !ok {
			continue
		}
		candidates = append(candidates, readsummary.SmallVariantEntry{
			NodeID:            int32(node),
			Label:             label,
			Score:             ga.Score,
			ClippedReadLength: clippedLength(ga),
		})
	}
	for _, e := range readsummary.SummariseSmallVariant(candidates) {
		if isAltNode(accum.variant, graph.NodeID(e.NodeID)) {
			accum.altCount++
		} else {
			accum.refCount++
		}
	}
}

// regionSizeExcludingRepeat is gtstr's Rsz: the graph's total reference
// length with the variant's own repeat node excised, since the repeat
// tract's true extent is exactly what's being genotyped.
func regionSizeExcludingRepeat(g *graph.Graph, repeatNode graph.NodeID) int {
	n := 0
	for _, node := range g.Nodes {
		if node.ID == repeatNode {
			continue
		}
		n += len(node.Label)
	}
	return n
}

// Finalise reduces every variant's accumulated evidence to a
// findings.Finding, applying sex to pick each locus's ploidy per
// CopyNumberRule. A locus whose flanking coverage never reached
// MinLocusCoverage is still reported, with LowCoverage set and no
// genotype attempted, per §4.7/§7.
func (w *Workflow) Finalise(sex Sex) []findings.Finding {
	stats := w.cov.Finalise()
	ploidy := w.Spec.CopyNumberRule.Ploidy(sex)
	lowCoverage := stats.Depth < w.Spec.MinLocusCoverage

	out := make([]findings.Finding, 0, len(w.strs)+len(w.svs))
	for _, accum := range w.strs {
		out = append(out, w.finaliseStr(accum, ploidy, lowCoverage, stats))
	}
	for _, accum := range w.svs {
		out = append(out, w.finaliseSmallVariant(accum, ploidy, lowCoverage, stats))
	}
	return out
}

func (w *Workflow) finaliseStr(accum *strAccum, ploidy int, lowCoverage bool, stats coverage.Stats) findings.Finding {
	motif := w.Spec.Graph.Node(accum.repeatNode).Label
	f := findings.Finding{
		Kind:           findings.KindStr,
		LocusID:        w.Spec.ID,
		VariantID:      accum.variant.ID,
		Contig:         accum.variant.Region.Contig,
		Start:          accum.variant.Region.Start,
		End:            accum.variant.Region.End,
		VariantType:    string(accum.variant.Type),
		RefSequence:    accum.variant.RefSequence,
		Motif:          classify.MotifName(motif),
		SpanningCounts: accum.spanning,
		FlankingCounts: accum.flanking,
		InrepeatCounts: accum.inrepeat,
		Depth:          stats.Depth,
		ReadLength:     stats.MeanReadLength,
		AlleleCount:    ploidy,
		LowCoverage:    lowCoverage,
	}
	if lowCoverage || ploidy == 0 {
		return f
	}

	params := gtstr.DefaultParams()
	params.Ploidy = ploidy
	params.MotifLength = len(motif)
	params.RegionSize = regionSizeExcludingRepeat(w.Spec.Graph, accum.repeatNode)
	params.ReadLength = int(stats.MeanReadLength)

	gt := gtstr.Genotype(accum.reads, params)
	if gt != nil {
		f.HasGenotype = true
		f.ShortAllele, f.LongAllele = gt.Short, gt.Long
		f.ShortAlleleCI, f.LongAlleleCI = gt.ShortCI, gt.LongCI
	}
	return f
}

func (w *Workflow) finaliseSmallVariant(accum *smallVariantAccum, ploidy int, lowCoverage bool, stats coverage.Stats) findings.Finding {
	f := findings.Finding{
		Kind:        findings.KindSmallVariant,
		LocusID:     w.Spec.ID,
		VariantID:   accum.variant.ID,
		Contig:      accum.variant.Region.Contig,
		Start:       accum.variant.Region.Start,
		End:         accum.variant.Region.End,
		VariantType: string(accum.variant.Type),
		RefSequence: accum.variant.RefSequence,
		RefCount:    accum.refCount,
		AltCount:    accum.altCount,
		Depth:       stats.Depth,
		ReadLength:  stats.MeanReadLength,
		AlleleCount: ploidy,
		LowCoverage: lowCoverage,
		Genotype:    "UNCERTAIN",
	}
	if lowCoverage || ploidy == 0 {
		return f
	}

	haploidDepth := coverage.HaploidDepth(stats.Depth, ploidy)
	params := gtsv.Params{
		Ploidy:                      ploidy,
		HaploidDepth:                haploidDepth,
		MinDepth:                    int(w.Spec.MinLocusCoverage),
		LogLikelihoodRatioThreshold: w.Spec.LogLikelihoodRatioThreshold,
	}

	if accum.variant.IsSMN() {
		res := gtsv.GenotypePresenceAbsence(accum.refCount, accum.altCount, w.Spec.ErrorRate, params)
		switch {
		case res.Uncertain:
			f.Genotype = "UNCERTAIN"
		case res.Present:
			f.Genotype = "HET"
		default:
			f.Genotype = "HOM_REF"
		}
		return f
	}

	res := gtsv.GenotypeSmallVariant(accum.refCount, accum.altCount, params)
	f.Genotype = res.Genotype.String()
	return f
}
