package graph

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/strhunter/seqenc"
)

// MalformedStructure and FlankTooAmbiguous are the two init-time error
// sentinels this package raises; wrap them with errors.E so callers get both
// the locus-structure context and a value they can compare with errors.Is.
var (
	// MalformedStructure: unbalanced parentheses, or an empty token.
	MalformedStructure = errors.New("malformed locus structure")
	// FlankTooAmbiguous: a flank sequence has more than 5 ambiguous bases,
	// making it unfit to seed alignment against.
	FlankTooAmbiguous = errors.New(flankTooAmbiguousMsg)
)

// maxFlankNs is the maximum number of ambiguous 'N' bases tolerated in a
// flank sequence before it's rejected as too uninformative to seed against.
const maxFlankNs = 5

// flankTooAmbiguousMsg is reused by both flank checks so the two call sites
// produce an identical, greppable error message.
const flankTooAmbiguousMsg = "flank sequence has more than 5 ambiguous bases"

// token is one lexical unit of a locus structure string: either a bare
// literal run, or a parenthesized group with an optional trailing '*'/'+'.
type token struct {
	content   string
	repeatOp  byte // '*', '+', or 0
	paren     bool
}

func tokenize(structure string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(structure)
	for i < n {
		if structure[i] == '(' {
			depth := 1
			j := i + 1
			for j < n && depth > 0 {
				switch structure[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
				if depth > 0 {
					j++
				}
			}
			if depth != 0 {
				return nil, errors.E(MalformedStructure, "unbalanced parentheses in locus structure")
			}
			content := structure[i+1 : j]
			if content == "" {
				return nil, errors.E(MalformedStructure, "empty token in locus structure")
			}
			op := byte(0)
			k := j + 1
			if k < n && (structure[k] == '*' || structure[k] == '+') {
				op = structure[k]
				k++
			}
			tokens = append(tokens, token{content: content, repeatOp: op, paren: true})
			i = k
		} else {
			k := i
			for k < n && structure[k] != '(' {
				k++
			}
			content := structure[i:k]
			if content == "" {
				return nil, errors.E(MalformedStructure, "empty token in locus structure")
			}
			tokens = append(tokens, token{content: content})
			i = k
		}
	}
	if len(tokens) == 0 {
		return nil, errors.E(MalformedStructure, "empty locus structure")
	}
	return tokens, nil
}

// BuildOpts configures graph construction beyond the bare structure string.
type BuildOpts struct {
	// RefStart is the 0-based reference coordinate of the first base of the
	// structure, used to populate Node.RefStart/RefEnd.
	RefStart int64
}

// Build parses a locus structure string (e.g. "AAAACC(CCG)*ATTT" or
// "ATC(A|G)CAT(CAG)+GGT") into a Graph, per §4.1. The first and last tokens
// are always the left and right flanks; every token in between becomes
// either a Repeat feature (has a trailing '*' or '+') or an Interrupt
// feature (a literal run, or a swap/IUPAC block).
func Build(structure string, opts BuildOpts) (*Graph, error) {
	tokens, err := tokenize(structure)
	if err != nil {
		return nil, err
	}

	g := &Graph{}
	refPos := opts.RefStart
	var prevIDs []NodeID

	for ti, tok := range tokens {
		kind := Interrupt
		if ti == 0 {
			kind = LeftFlank
		} else if ti == len(tokens)-1 {
			kind = RightFlank
		}
		if tok.repeatOp != 0 {
			kind = Repeat
		}

		if kind == LeftFlank || kind == RightFlank {
			if seqenc.CountAmbiguous(tok.content) > maxFlankNs {
				return nil, errors.E(FlankTooAmbiguous, flankTooAmbiguousMsg)
			}
		}

		var alleles []string
		if kind == Repeat {
			// A repeat's motif is used verbatim: self-loop traversal counts
			// depend on the motif being a single concrete string.
			alleles = []string{tok.content}
		} else if containsSwap(tok.content) {
			for _, alt := range splitSwap(tok.content) {
				if alt == "" {
					// An empty swap part models a deletion allele; ExpandIUPAC
					// would return nil for it and silently drop the allele.
					alleles = append(alleles, "")
					continue
				}
				alleles = append(alleles, seqenc.ExpandIUPAC(alt)...)
			}
		} else {
			alleles = seqenc.ExpandIUPAC(tok.content)
		}
		if len(alleles) == 0 {
			return nil, errors.E(MalformedStructure, "token produced no concrete alleles")
		}

		featureIdx := len(g.Blueprint)
		skippable := tok.repeatOp == '*'
		var ids []NodeID
		for _, allele := range alleles {
			id := g.addNode(Node{
				Label:        allele,
				Feature:      kind,
				Skippable:    skippable,
				FeatureIndex: featureIdx,
				RefStart:     refPos,
				RefEnd:       refPos + int64(len(allele)),
			})
			ids = append(ids, id)
		}
		if kind != Repeat {
			// Only advance the reference cursor for non-repeat features: a
			// repeat's reference extent depends on the (unknown at graph-
			// build time) allele size, so callers add motifLen*units
			// themselves when they need the tract's full reference span.
			refPos += int64(len(alleles[0]))
		}

		for _, from := range prevIDs {
			for _, to := range ids {
				g.addEdge(from, to)
			}
		}
		if kind == Repeat {
			for _, id := range ids {
				g.addEdge(id, id) // self-loop: one more motif copy
			}
			if skippable {
				// Bypass edge recorded lazily below once we know the next
				// feature's nodes; stash prevIDs from *before* the repeat so
				// the next iteration can also wire prevIDs (skip) -> next.
				g.Blueprint = append(g.Blueprint, Feature{Kind: kind, NodeIDs: ids, Skippable: true})
				// prevIDs becomes the union of the repeat nodes and the
				// pre-repeat nodes, so both "entered the repeat" and
				// "skipped it" are wired to whatever comes next.
				prevIDs = append(append([]NodeID{}, prevIDs...), ids...)
				continue
			}
		}
		g.Blueprint = append(g.Blueprint, Feature{Kind: kind, NodeIDs: ids, Skippable: skippable})
		prevIDs = ids
	}
	return g, nil
}

func containsSwap(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return true
		}
	}
	return false
}

func splitSwap(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
