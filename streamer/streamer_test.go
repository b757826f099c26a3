package streamer

import (
	"context"
	"testing"

	"github.com/biogo/hts/sam"
	gbam "github.com/grailbio/strhunter/encoding/bam"
	"github.com/grailbio/strhunter/encoding/bamprovider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(name string, ref *sam.Reference, pos int, mateRef *sam.Reference, matePos int, flags sam.Flags) *sam.Record {
	r := gbam.CastUp(gbam.GetFromFreePool())
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MateRef = mateRef
	r.MatePos = matePos
	r.Flags = flags
	return r
}

func testHeader(t *testing.T) (*sam.Header, *sam.Reference) {
	chr1, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{chr1})
	require.NoError(t, err)
	return header, chr1
}

func TestSequentialReaderPairsMates(t *testing.T) {
	header, chr1 := testHeader(t)
	r1 := newRecord("readA", chr1, 100, chr1, 200, sam.Read1)
	r2 := newRecord("readA", chr1, 200, chr1, 100, sam.Read2)
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{r1, r2})

	var got []Pair
	err := NewSequential(provider).Stream(context.Background(), func(ctx context.Context, p Pair) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "readA", got[0].Read.Name)
	require.NotNil(t, got[0].Mate)
	assert.Equal(t, "readA", got[0].Mate.Name)
}

func TestSequentialReaderEmitsUnpairedReads(t *testing.T) {
	header, chr1 := testHeader(t)
	orphan := newRecord("lonely", chr1, 50, nil, -1, sam.Read1)
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{orphan})

	var got []Pair
	err := NewSequential(provider).Stream(context.Background(), func(ctx context.Context, p Pair) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Mate)
}

func TestSequentialReaderSkipsSecondaryAlignments(t *testing.T) {
	header, chr1 := testHeader(t)
	secondary := newRecord("dup", chr1, 10, nil, -1, sam.Read1|sam.Secondary)
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{secondary})

	var got []Pair
	err := NewSequential(provider).Stream(context.Background(), func(ctx context.Context, p Pair) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}
