package align

import (
	"testing"

	"github.com/grailbio/strhunter/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSTRGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Build("AAAACC(CCG)*ATTT", graph.BuildOpts{})
	require.NoError(t, err)
	return g
}

func TestAlignSpanningRead(t *testing.T) {
	g := buildSTRGraph(t)
	cfg := DefaultConfig()
	// AAAACC + 5 copies of CCG + ATTT
	query := "AAAACC" + "CCGCCGCCGCCGCCG" + "ATTT"
	alns := Align(g, query, cfg)
	require.NotEmpty(t, alns)
	best := alns[0]
	assert.Equal(t, len(query), best.QueryLen())

	repeatUnits := 0
	for _, na := range best.Nodes {
		if g.Node(na.Node).Feature == graph.Repeat {
			repeatUnits++
		}
	}
	assert.Equal(t, 5, repeatUnits)
}

func TestAlignNoSeedDropsRead(t *testing.T) {
	g := buildSTRGraph(t)
	cfg := DefaultConfig()
	alns := Align(g, "GGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", cfg)
	assert.Empty(t, alns)
}

func TestPredictOrientation(t *testing.T) {
	g := buildSTRGraph(t)
	cfg := DefaultConfig()
	idx := NewSeedIndex(g, cfg)

	fwd := "AAAACCCCGCCGATTT"
	assert.False(t, PredictOrientation(idx, fwd))
}

func TestCigarInvariant(t *testing.T) {
	g := buildSTRGraph(t)
	cfg := DefaultConfig()
	query := "AAAACCCCGCCGCCGATTT"
	alns := Align(g, query, cfg)
	require.NotEmpty(t, alns)
	for _, a := range alns {
		assert.Equal(t, len(query), a.QueryLen(), "query length invariant (Testable Property 1)")
	}
}
