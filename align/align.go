// Package align implements the seeded graph aligner (C2): it produces the
// set of distinct highest-scoring alignments of a read against a locus
// graph, together with the orientation predictor that decides whether to
// feed the read forward or reverse-complemented.
package align

import (
	"math"

	"github.com/grailbio/strhunter/graph"
	"github.com/grailbio/strhunter/seqenc"
)

// AlignerType selects how the graph's cycles (repeat self-loops) are turned
// into the linear candidate sequences the DP core aligns against.
type AlignerType int

const (
	// Path linearises a bounded set of common paths (repeat-unit counts up
	// to Config.MaxRepeatUnits) for speed.
	Path AlignerType = iota
	// Dag is accepted as a configuration value, but the aligner does not
	// read AlignerType: both variants enumerate the same paths, bounded by
	// Config.MaxRepeatUnits, and share the same path-enumeration + affine-gap
	// DP core, per DESIGN.md's note on why a full graph-NFA aligner wasn't
	// built.
	Dag
)

// Config configures the aligner, matching §4.2's named options.
type Config struct {
	AlignerType    AlignerType
	KmerLen        int
	PaddingLength  int
	SeedAffixTrim  int
	Scores         Scores
	MaxRepeatUnits int
	// MaxTemplates bounds the number of linear path templates enumerated per
	// alignment call, guarding against combinatorial blowup on loci with
	// several swap/IUPAC-expansion nodes stacked next to a long repeat.
	MaxTemplates int
}

// DefaultConfig returns the §4.2 defaults.
func DefaultConfig() Config {
	return Config{
		AlignerType:    Path,
		KmerLen:        14,
		PaddingLength:  10,
		SeedAffixTrim:  14,
		Scores:         DefaultScores,
		MaxRepeatUnits: 40,
		MaxTemplates:   512,
	}
}

// NodeAlignment is one node's contribution to a GraphAlignment.
type NodeAlignment struct {
	Node  graph.NodeID
	Cigar Cigar
}

// GraphAlignment is an ordered list of per-node alignments plus its total
// score, matching the GraphAlignment data-model entry in §3.
type GraphAlignment struct {
	Nodes []NodeAlignment
	Score int
}

// RefLen returns the summed reference length across all nodes.
func (a GraphAlignment) RefLen() int {
	n := 0
	for _, na := range a.Nodes {
		n += na.Cigar.RefLen()
	}
	return n
}

// QueryLen returns the summed query length (including soft clips) across all
// nodes; by construction only the first and last node carry soft clips.
func (a GraphAlignment) QueryLen() int {
	n := 0
	for _, na := range a.Nodes {
		n += na.Cigar.QueryLen()
	}
	return n
}

// NodePath returns the node IDs touched by this alignment, in order.
func (a GraphAlignment) NodePath() []graph.NodeID {
	ids := make([]graph.NodeID, len(a.Nodes))
	for i, na := range a.Nodes {
		ids[i] = na.Node
	}
	return ids
}

// minScoreThreshold implements the post-alignment filter of §4.2:
// max(10, ceil(readLength/7.5)) * matchScore.
func minScoreThreshold(readLength int, sc Scores) int {
	t := int(math.Ceil(float64(readLength) / 7.5))
	if t < 10 {
		t = 10
	}
	return t * sc.Match
}

// PredictOrientation decides whether read should be fed forward or
// reverse-complemented: whichever orientation produces at least one seed
// hit against the graph's k-mer index wins; ties (including "neither")
// default to forward, per §4.2.
func PredictOrientation(idx *SeedIndex, read string) (revComp bool) {
	if idx.hasSeed(read) {
		return false
	}
	if idx.hasSeed(seqenc.ReverseComplement(read)) {
		return true
	}
	return false
}

// Align returns the list of distinct highest-scoring GraphAlignments of
// query (already oriented and low-quality-masked by the caller) against g,
// per §4.2. Ties at the top score are all retained. An empty result means
// nothing cleared the minimum-score filter; Align does no seed lookup of its
// own.
func Align(g *graph.Graph, query string, cfg Config) []GraphAlignment {
	if len(query) == 0 {
		return nil
	}
	templates := enumerateTemplates(g, cfg)
	threshold := minScoreThreshold(len(query), cfg.Scores)

	var best []GraphAlignment
	bestScore := threshold - 1
	seen := map[string]bool{}
	for _, tmpl := range templates {
		res := localAffineAlign(tmpl.ref, query, cfg.Scores)
		if res.score < threshold || res.score == 0 {
			continue
		}
		ga := mapToGraphAlignment(tmpl, res, len(query))
		key := alignmentKey(ga)
		if seen[key] {
			continue
		}
		if res.score > bestScore {
			bestScore = res.score
			best = []GraphAlignment{ga}
			seen = map[string]bool{key: true}
		} else if res.score == bestScore {
			best = append(best, ga)
			seen[key] = true
		}
	}
	return best
}

func alignmentKey(ga GraphAlignment) string {
	b := make([]byte, 0, len(ga.Nodes)*8)
	for _, na := range ga.Nodes {
		b = append(b, byte(na.Node), byte(na.Node>>8))
		b = append(b, na.Cigar.String()...)
		b = append(b, ';')
	}
	return string(b)
}

func mapToGraphAlignment(tmpl template, res dpResult, queryLen int) GraphAlignment {
	perNode := mapCigarToNodes(tmpl, res, queryLen)
	return GraphAlignment{Nodes: perNode, Score: res.score}
}
