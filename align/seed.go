package align

import (
	"strings"

	"github.com/grailbio/strhunter/graph"
)

// SeedIndex is a k-mer seed index over a bounded set of the graph's
// linearised paths, used by PredictOrientation to decide whether a read
// should be fed forward or reverse-complemented before the full affine-gap
// alignment pass (§4.2).
type SeedIndex struct {
	kmerLen int
	kmers   map[string]bool
}

// NewSeedIndex builds a SeedIndex for g. It reuses the same path-
// linearisation enumerateTemplates uses for full alignment, but over a
// small, fixed repeat-unit range: seeding only needs to know whether *any*
// k-mer from the graph's vocabulary appears in the read, not an exhaustive
// enumeration of every possible allele size.
func NewSeedIndex(g *graph.Graph, cfg Config) *SeedIndex {
	seedCfg := cfg
	if seedCfg.MaxRepeatUnits > 6 {
		seedCfg.MaxRepeatUnits = 6
	}
	if seedCfg.MaxTemplates > 64 {
		seedCfg.MaxTemplates = 64
	}
	idx := &SeedIndex{kmerLen: cfg.KmerLen, kmers: map[string]bool{}}
	if idx.kmerLen <= 0 {
		idx.kmerLen = 14
	}
	for _, tmpl := range enumerateTemplates(g, seedCfg) {
		idx.addString(tmpl.ref)
	}
	return idx
}

func (idx *SeedIndex) addString(s string) {
	s = strings.ToUpper(s)
	k := idx.kmerLen
	if len(s) < k {
		if len(s) > 0 {
			idx.kmers[s] = true
		}
		return
	}
	for i := 0; i+k <= len(s); i++ {
		idx.kmers[s[i:i+k]] = true
	}
}

// hasSeed reports whether any k-mer of read (uppercased) is present in the
// index.
func (idx *SeedIndex) hasSeed(read string) bool {
	s := strings.ToUpper(read)
	k := idx.kmerLen
	if len(s) < k {
		return idx.kmers[s]
	}
	for i := 0; i+k <= len(s); i++ {
		if idx.kmers[s[i:i+k]] {
			return true
		}
	}
	return false
}
