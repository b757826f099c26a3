package align

import (
	"github.com/grailbio/strhunter/graph"
)

// template is one linearised candidate path through the graph: its node
// sequence, the concatenated reference string, and the cumulative (end-
// offset) boundary of each node within that string.
type template struct {
	nodes      []graph.NodeID
	boundaries []int
	ref        string
}

type partial struct {
	nodes []graph.NodeID
	ref   string
}

// enumerateTemplates linearises the graph's cycles (repeat self-loops) into
// a bounded set of candidate paths: every repeat feature contributes one
// branch per allele-unit-count in [minUnits, cfg.MaxRepeatUnits], and every
// swap/IUPAC-expansion feature contributes one branch per parallel node.
// Enumeration is capped at cfg.MaxTemplates partials at every step to avoid
// combinatorial blowup on loci that stack several ambiguous blocks next to a
// long repeat; this is the "path" aligner's defining simplification (see
// DESIGN.md) and is shared by the "dag" variant too.
func enumerateTemplates(g *graph.Graph, cfg Config) []template {
	partials := []partial{{}}
	for _, feat := range g.Blueprint {
		var next []partial
		if feat.Kind == graph.Repeat {
			minUnits := 1
			if feat.Skippable {
				minUnits = 0
			}
			node := feat.NodeIDs[0]
			label := g.Node(node).Label
			for _, p := range partials {
				for units := minUnits; units <= cfg.MaxRepeatUnits; units++ {
					nodes := append(append([]graph.NodeID{}, p.nodes...), repeatN(node, units)...)
					ref := p.ref
					for u := 0; u < units; u++ {
						ref += label
					}
					next = append(next, partial{nodes: nodes, ref: ref})
					if len(next) >= cfg.MaxTemplates {
						break
					}
				}
				if len(next) >= cfg.MaxTemplates {
					break
				}
			}
		} else {
			for _, p := range partials {
				for _, node := range feat.NodeIDs {
					nodes := append(append([]graph.NodeID{}, p.nodes...), node)
					ref := p.ref + g.Node(node).Label
					next = append(next, partial{nodes: nodes, ref: ref})
					if len(next) >= cfg.MaxTemplates {
						break
					}
				}
				if len(next) >= cfg.MaxTemplates {
					break
				}
			}
		}
		partials = next
	}

	templates := make([]template, 0, len(partials))
	for _, p := range partials {
		boundaries := make([]int, len(p.nodes))
		cum := 0
		for i, id := range p.nodes {
			cum += len(g.Node(id).Label)
			boundaries[i] = cum
		}
		templates = append(templates, template{nodes: p.nodes, boundaries: boundaries, ref: p.ref})
	}
	return templates
}

func repeatN(node graph.NodeID, n int) []graph.NodeID {
	out := make([]graph.NodeID, n)
	for i := range out {
		out[i] = node
	}
	return out
}

// mapCigarToNodes splits a template-global Cigar (with ref/query offsets
// from a local alignment) into one Cigar per template position it touches,
// so that each traversed copy of a repeat node gets its own NodeAlignment
// and a zero-length node the alignment crosses (an empty deletion allele)
// is recorded with an empty Cigar. Insertions (which consume no reference)
// go to whichever node the reference cursor currently sits in, and soft
// clips to the first and last touched node.
func mapCigarToNodes(tmpl template, res dpResult, queryLen int) []NodeAlignment {
	if len(res.cigar) == 0 {
		return nil
	}

	// Find the node index containing refStart.
	nodeIdx := 0
	for nodeIdx < len(tmpl.boundaries) && tmpl.boundaries[nodeIdx] <= res.refStart {
		nodeIdx++
	}
	if nodeIdx >= len(tmpl.boundaries) {
		nodeIdx = len(tmpl.boundaries) - 1
	}
	nodeStart := 0
	if nodeIdx > 0 {
		nodeStart = tmpl.boundaries[nodeIdx-1]
	}

	type bucket struct {
		idx   int
		node  graph.NodeID
		cigar Cigar
	}
	var buckets []bucket
	ensureBucket := func(idx int) *bucket {
		if len(buckets) == 0 || buckets[len(buckets)-1].idx != idx {
			buckets = append(buckets, bucket{idx: idx, node: tmpl.nodes[idx]})
		}
		return &buckets[len(buckets)-1]
	}

	if res.qryStart > 0 {
		b := ensureBucket(nodeIdx)
		b.cigar.add(CigarSoftClip, res.qryStart)
	}

	refCursor := res.refStart
	_ = nodeStart
	for _, op := range res.cigar {
		remaining := op.Len
		switch op.Op {
		case CigarMatch, CigarMismatch, CigarDelete:
			for remaining > 0 {
				if nodeIdx >= len(tmpl.boundaries) {
					b := ensureBucket(len(tmpl.nodes) - 1)
					b.cigar.add(op.Op, remaining)
					remaining = 0
					break
				}
				spaceInNode := tmpl.boundaries[nodeIdx] - refCursor
				take := remaining
				if take > spaceInNode {
					take = spaceInNode
				}
				if take <= 0 {
					if nodeIdx > 0 && tmpl.boundaries[nodeIdx] == tmpl.boundaries[nodeIdx-1] {
						ensureBucket(nodeIdx)
					}
					nodeIdx++
					continue
				}
				b := ensureBucket(nodeIdx)
				b.cigar.add(op.Op, take)
				refCursor += take
				remaining -= take
				if refCursor >= tmpl.boundaries[nodeIdx] && nodeIdx < len(tmpl.boundaries)-1 {
					nodeIdx++
				}
			}
		case CigarInsert:
			idx := nodeIdx
			if idx >= len(tmpl.nodes) {
				idx = len(tmpl.nodes) - 1
			}
			b := ensureBucket(idx)
			b.cigar.add(CigarInsert, op.Len)
		}
	}

	trailingClip := queryLen - res.qryEnd
	if trailingClip > 0 {
		idx := nodeIdx
		if idx >= len(tmpl.nodes) {
			idx = len(tmpl.nodes) - 1
		}
		if len(buckets) > 0 {
			idx = buckets[len(buckets)-1].idx
		}
		b := ensureBucket(idx)
		b.cigar.add(CigarSoftClip, trailingClip)
	}

	out := make([]NodeAlignment, len(buckets))
	for i, b := range buckets {
		out[i] = NodeAlignment{Node: b.node, Cigar: b.cigar}
	}
	return out
}
