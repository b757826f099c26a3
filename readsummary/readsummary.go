// Package readsummary implements the per-read summary aggregator (C4): for
// each read, the best-scoring (allele-size, label, score, clipped length)
// tuples it can support for a given variant.
package readsummary

import "github.com/grailbio/strhunter/classify"

// StrEntry is one (numUnits, label, score, clippedReadLength) tuple for an
// STR variant, per the ReadSummaryForStr data-model entry in §3.
type StrEntry struct {
	NumUnits         int
	Label            classify.StrLabel
	Score            int
	ClippedReadLength int
}

// SmallVariantEntry is the small-variant analogue, keyed by graph node
// instead of repeat-unit count.
type SmallVariantEntry struct {
	NodeID            int32
	Label             classify.SmallVariantLabel
	Score             int
	ClippedReadLength int
}

// maxEditSlack is the "within 1 edit of the maximum" tolerance named in
// §4.4: entries scoring within this many alignment-score points of the best
// alignment for the read are all retained, not just the single best.
const maxEditSlack = 1 // in match-score units already folded into Score by the caller's scoring scheme; see DESIGN.md

// SummariseStr collects, from all of a read's graph alignments classified
// against one STR variant, the entries to retain per §4.4: keep the ones
// whose score is within maxEditSlack of the best, coalescing duplicates
// (same NumUnits, same Label) by keeping the higher score.
func SummariseStr(candidates []StrEntry) []StrEntry {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score > best {
			best = c.Score
		}
	}
	type key struct {
		numUnits int
		label    classify.StrLabel
	}
	kept := map[key]StrEntry{}
	for _, c := range candidates {
		if c.Score < best-maxEditSlack {
			continue
		}
		k := key{c.NumUnits, c.Label}
		if existing, ok := kept[k]; !ok || c.Score > existing.Score {
			kept[k] = c
		}
	}
	out := make([]StrEntry, 0, len(kept))
	for _, v := range kept {
		out = append(out, v)
	}
	return out
}

// SummariseSmallVariant is the small-variant analogue of SummariseStr.
func SummariseSmallVariant(candidates []SmallVariantEntry) []SmallVariantEntry {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score > best {
			best = c.Score
		}
	}
	type key struct {
		nodeID int32
		label  classify.SmallVariantLabel
	}
	kept := map[key]SmallVariantEntry{}
	for _, c := range candidates {
		if c.Score < best-maxEditSlack {
			continue
		}
		k := key{c.NodeID, c.Label}
		if existing, ok := kept[k]; !ok || c.Score > existing.Score {
			kept[k] = c
		}
	}
	out := make([]SmallVariantEntry, 0, len(kept))
	for _, v := range kept {
		out = append(out, v)
	}
	return out
}
