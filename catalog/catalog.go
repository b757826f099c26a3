// Package catalog parses the locus catalog: the JSON document that lists,
// for every locus to genotype, its structure string, reference region(s),
// and variant type(s), per §6.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Malformed is the sentinel error for a catalog entry that fails to parse
// or fails a structural check (region doesn't parse, count mismatch
// between ReferenceRegion and VariantType, etc).
var Malformed = errors.New("malformed catalog entry")

// VariantType names how a locus's (or a locus's Nth) variant should be
// genotyped.
type VariantType string

const (
	VariantTypeStr           VariantType = "RareRepeat"
	VariantTypeCommonRepeat  VariantType = "Repeat"
	VariantTypeSmallVariant  VariantType = "SmallVariant"
	VariantTypeSMN           VariantType = "SMN"
)

// Region is a parsed 0-based half-open genomic interval.
type Region struct {
	Contig     string
	Start, End int64
}

func (r Region) String() string {
	return fmt.Sprintf("%s:%d-%d", r.Contig, r.Start, r.End)
}

// ParseRegion parses the "chr:start-end" format used throughout the
// catalog. Per §6, ReferenceRegion is already 0-based half-open, matching
// this package's own Region convention, so start and end are taken as
// written with no shift.
func ParseRegion(s string) (Region, error) {
	contigAndRange := strings.SplitN(s, ":", 2)
	if len(contigAndRange) != 2 {
		return Region{}, errors.E(Malformed, fmt.Sprintf("region %q missing ':'", s))
	}
	startEnd := strings.SplitN(contigAndRange[1], "-", 2)
	if len(startEnd) != 2 {
		return Region{}, errors.E(Malformed, fmt.Sprintf("region %q missing '-'", s))
	}
	start, err := strconv.ParseInt(startEnd[0], 10, 64)
	if err != nil {
		return Region{}, errors.E(Malformed, fmt.Sprintf("region %q has non-numeric start", s))
	}
	end, err := strconv.ParseInt(startEnd[1], 10, 64)
	if err != nil {
		return Region{}, errors.E(Malformed, fmt.Sprintf("region %q has non-numeric end", s))
	}
	if end < start {
		return Region{}, errors.E(Malformed, fmt.Sprintf("region %q has end before start", s))
	}
	return Region{Contig: contigAndRange[0], Start: start, End: end}, nil
}

// stringOrSlice accepts a catalog field given either as a bare string (a
// locus with one variant) or as a JSON array of strings (a locus with
// several), which is how the real-world catalog format disambiguates
// single- vs multi-variant loci without a separate count field.
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = stringOrSlice{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = stringOrSlice(many)
	return nil
}

// rawRecord holds the catalog JSON fields the parser reads. Other fields,
// TargetRegion among them, are ignored.
type rawRecord struct {
	LocusID          string        `json:"LocusId"`
	LocusStructure   string        `json:"LocusStructure"`
	ReferenceRegion  stringOrSlice `json:"ReferenceRegion"`
	VariantType      stringOrSlice `json:"VariantType"`
	VariantID        stringOrSlice `json:"VariantId"`
	OfftargetRegions []string      `json:"OfftargetRegions"`

	// LikelihoodRatioThreshold, ErrorRate, and MinimalLocusCoverage are
	// §6's optional per-locus overrides of the genotyper's default
	// parameters; nil (the field absent from the JSON) means "use the
	// tool-wide default".
	LikelihoodRatioThreshold *float64 `json:"LikelihoodRatioThreshold"`
	ErrorRate                *float64 `json:"ErrorRate"`
	MinimalLocusCoverage     *float64 `json:"MinimalLocusCoverage"`
}

// Variant is one of a locus's reference-region/type pairs.
type Variant struct {
	ID     string
	Region Region
	Type   VariantType
}

// Record is a fully parsed catalog entry.
type Record struct {
	LocusID          string
	LocusStructure   string
	Variants         []Variant
	OfftargetRegions []Region

	// LikelihoodRatioThreshold, ErrorRate, and MinimalLocusCoverage
	// override the tool-wide genotyper defaults for this locus when
	// non-nil, per §6.
	LikelihoodRatioThreshold *float64
	ErrorRate                *float64
	MinimalLocusCoverage     *float64
}

// Parse reads a JSON array of catalog entries from r.
func Parse(r io.Reader) ([]Record, error) {
	var raws []rawRecord
	if err := json.NewDecoder(r).Decode(&raws); err != nil {
		return nil, errors.E(Malformed, err.Error())
	}
	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := parseOne(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseOne(raw rawRecord) (Record, error) {
	if raw.LocusID == "" {
		return Record{}, errors.E(Malformed, "missing LocusId")
	}
	if len(raw.ReferenceRegion) != len(raw.VariantType) {
		return Record{}, errors.E(Malformed, fmt.Sprintf(
			"locus %s: %d reference regions but %d variant types", raw.LocusID,
			len(raw.ReferenceRegion), len(raw.VariantType)))
	}
	rec := Record{
		LocusID:                  raw.LocusID,
		LocusStructure:           raw.LocusStructure,
		LikelihoodRatioThreshold: raw.LikelihoodRatioThreshold,
		ErrorRate:                raw.ErrorRate,
		MinimalLocusCoverage:     raw.MinimalLocusCoverage,
	}
	if raw.LikelihoodRatioThreshold != nil && *raw.LikelihoodRatioThreshold <= 0 {
		return Record{}, errors.E(Malformed, fmt.Sprintf(
			"locus %s: LikelihoodRatioThreshold must be positive", raw.LocusID))
	}
	for i, regionStr := range raw.ReferenceRegion {
		region, err := ParseRegion(regionStr)
		if err != nil {
			return Record{}, err
		}
		id := raw.LocusID
		if i < len(raw.VariantID) {
			id = raw.VariantID[i]
		}
		rec.Variants = append(rec.Variants, Variant{
			ID:     id,
			Region: region,
			Type:   VariantType(raw.VariantType[i]),
		})
	}
	for _, regionStr := range raw.OfftargetRegions {
		region, err := ParseRegion(regionStr)
		if err != nil {
			return Record{}, err
		}
		rec.OfftargetRegions = append(rec.OfftargetRegions, region)
	}
	return rec, nil
}
