// Package classify implements the alignment classifier (C3): it maps a
// graph alignment to a variant-specific label and counts repeat units
// traversed.
package classify

import (
	"strings"

	"github.com/grailbio/strhunter/align"
	"github.com/grailbio/strhunter/graph"
)

// StrLabel is the classification of a read's alignment against one STR
// variant.
type StrLabel int

const (
	// NoClassification means the alignment touched neither flank
	// sufficiently nor the repeat node in a way that says anything about
	// this variant; it contributes to stats only.
	NoClassification StrLabel = iota
	Spanning
	Flanking
	InRepeat
)

func (l StrLabel) String() string {
	switch l {
	case Spanning:
		return "SPANNING"
	case Flanking:
		return "FLANKING"
	case InRepeat:
		return "INREPEAT"
	default:
		return "NONE"
	}
}

// SmallVariantLabel is the classification of a read's alignment against one
// small-variant (insertion/deletion/swap/SMN) variant.
type SmallVariantLabel int

const (
	NoSmallVariantClassification SmallVariantLabel = iota
	UpstreamFlank
	SVSpanning                         // spans the whole variant block
	DownstreamFlank
	Bypass
)

func (l SmallVariantLabel) String() string {
	switch l {
	case UpstreamFlank:
		return "UPSTREAM_FLANK"
	case SVSpanning:
		return "SPANNING"
	case DownstreamFlank:
		return "DOWNSTREAM_FLANK"
	case Bypass:
		return "BYPASS"
	default:
		return "NONE"
	}
}

// MinMatch is the minimum number of matched flank bases required to call a
// flank "crossed", per §4.3.
const MinMatch = 10

// OfftargetPurityThreshold is the minimum weighted-purity score (against the
// STR motif) required for an off-target in-repeat alignment to count as
// "paired-IRR" evidence. §9 keeps this a parameter rather than a hard-coded
// constant.
const OfftargetPurityThreshold = 0.90

// matchedBases returns the number of CigarMatch bases in c.
func matchedBases(c align.Cigar) int {
	n := 0
	for _, op := range c {
		if op.Op == align.CigarMatch {
			n += op.Len
		}
	}
	return n
}

// StrResult is the outcome of classifying one GraphAlignment against one
// STR variant: its label and the number of repeat units the alignment
// traverses (self-loop visits of the repeat node).
type StrResult struct {
	Label    StrLabel
	NumUnits int
}

// ClassifySTR implements §4.3's STR classification rule: repeatNode is the
// single graph.NodeID the variant is defined over.
func ClassifySTR(ga align.GraphAlignment, repeatNode graph.NodeID) StrResult {
	var leftMatches, rightMatches, repeatUnits int
	seenRepeat := false
	for _, na := range ga.Nodes {
		m := matchedBases(na.Cigar)
		switch {
		case na.Node == repeatNode:
			seenRepeat = true
			repeatUnits++
		case !seenRepeat:
			leftMatches += m
		default:
			rightMatches += m
		}
	}

	switch {
	case leftMatches >= MinMatch && rightMatches >= MinMatch:
		return StrResult{Label: Spanning, NumUnits: repeatUnits}
	case leftMatches >= MinMatch || rightMatches >= MinMatch:
		return StrResult{Label: Flanking, NumUnits: repeatUnits}
	case repeatUnits > 0:
		return StrResult{Label: InRepeat, NumUnits: repeatUnits}
	default:
		return StrResult{Label: NoClassification}
	}
}

// WeightedPurity scores how well the portion of the alignment inside the
// repeat node agrees with the motif: the fraction of matched (non-
// mismatch, non-indel) bases among all repeat-node bases touched.
func WeightedPurity(ga align.GraphAlignment, repeatNode graph.NodeID) float64 {
	matched, total := 0, 0
	for _, na := range ga.Nodes {
		if na.Node != repeatNode {
			continue
		}
		for _, op := range na.Cigar {
			switch op.Op {
			case align.CigarMatch:
				matched += op.Len
				total += op.Len
			case align.CigarMismatch, align.CigarInsert, align.CigarDelete:
				total += op.Len
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

// IsInRepeatAgainstMotif refines an InRepeat classification with the
// motif-purity check named in §4.3: the alignment must agree with the motif
// at weighted-purity >= 0.90.
func IsInRepeatAgainstMotif(ga align.GraphAlignment, repeatNode graph.NodeID) bool {
	return WeightedPurity(ga, repeatNode) >= OfftargetPurityThreshold
}

// ClassifySmallVariant projects an alignment onto a small variant's node
// block (an ordered, contiguous set of graph.NodeID) and labels it per
// §4.3: upstream-flank / spanning / downstream-flank / bypass.
func ClassifySmallVariant(ga align.GraphAlignment, variantNodes []graph.NodeID) SmallVariantLabel {
	inBlock := make(map[graph.NodeID]bool, len(variantNodes))
	for _, id := range variantNodes {
		inBlock[id] = true
	}

	var firstIdx, lastIdx = -1, -1
	touchesBlock := false
	for i, na := range ga.Nodes {
		if inBlock[na.Node] {
			touchesBlock = true
			if firstIdx == -1 {
				firstIdx = i
			}
			lastIdx = i
		}
	}

	if !touchesBlock {
		return NoSmallVariantClassification
	}

	startsBefore := firstIdx > 0
	endsAfter := lastIdx < len(ga.Nodes)-1

	switch {
	case startsBefore && endsAfter:
		return SVSpanning
	case !startsBefore && endsAfter:
		return UpstreamFlank
	case startsBefore && !endsAfter:
		return DownstreamFlank
	default:
		// firstIdx==0 and lastIdx==len(ga.Nodes)-1: the alignment's first and
		// last nodes are both inside the block, so it lies entirely within
		// the variant block. No distinct label for this case; spanning is
		// the closest fit.
		return SVSpanning
	}
}

// IsBypass reports whether ga threads past the variant block entirely without
// touching any of its nodes (it visited nodes both strictly before and
// strictly after the block's position in the blueprint, skipping it).
func IsBypass(ga align.GraphAlignment, variantNodes []graph.NodeID, featureIndexOf func(graph.NodeID) int) bool {
	if len(ga.Nodes) == 0 || len(variantNodes) == 0 {
		return false
	}
	variantFeature := featureIndexOf(variantNodes[0])
	sawBefore, sawAfter, sawBlock := false, false, false
	blockSet := make(map[graph.NodeID]bool, len(variantNodes))
	for _, id := range variantNodes {
		blockSet[id] = true
	}
	for _, na := range ga.Nodes {
		if blockSet[na.Node] {
			sawBlock = true
			continue
		}
		if featureIndexOf(na.Node) < variantFeature {
			sawBefore = true
		} else if featureIndexOf(na.Node) > variantFeature {
			sawAfter = true
		}
	}
	return sawBefore && sawAfter && !sawBlock
}

// MotifName is a small convenience used by logging/findings code: it
// canonicalises a motif string to upper case for display.
func MotifName(motif string) string {
	return strings.ToUpper(motif)
}
