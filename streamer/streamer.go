// Package streamer implements the read/mate-pairing front end (C10): it
// turns a bamprovider.Provider into a sequence of read pairs for the
// dispatch fabric (C9), either by streaming the whole file once (sequential
// mode) or by seeking directly to each locus's region and recovering
// off-region mates afterward (seeking mode).
package streamer

import (
	"context"
	"fmt"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/errors"
	gbam "github.com/grailbio/strhunter/encoding/bam"
	"github.com/grailbio/strhunter/encoding/bamprovider"
)

// Pair is one read and its mate. Mate is nil when no mate could be
// recovered (unpaired read, or mate genuinely missing from the input).
type Pair struct {
	Read *sam.Record
	Mate *sam.Record
}

// Emit is called once per pair produced by either reader. Returning an
// error stops the stream.
type Emit func(ctx context.Context, p Pair) error

func isPrimary(r *sam.Record) bool {
	return r.Flags&sam.Secondary == 0 && r.Flags&sam.Supplementary == 0
}

func orderPair(r, other *sam.Record) Pair {
	if r.Flags&sam.Read1 != 0 {
		return Pair{Read: r, Mate: other}
	}
	return Pair{Read: other, Mate: r}
}

// SequentialReader streams an entire BAM/PAM file once, pairing mates with
// an in-memory name→record map, adapted from
// encoding/bamprovider/pair_iterator.go's single-shard pairing loop but
// without that file's sharding/goroutine fan-out — C9's dispatcher is
// what provides concurrency here, so the reader itself stays a plain
// single pass.
type SequentialReader struct {
	provider bamprovider.Provider
}

// NewSequential wraps provider for a single linear pass.
func NewSequential(provider bamprovider.Provider) *SequentialReader {
	return &SequentialReader{provider: provider}
}

// Stream reads every record once, in coordinate order, emitting a Pair as
// soon as both mates have been seen. Any records left unpaired at the end
// of the file are emitted with Mate == nil.
func (s *SequentialReader) Stream(ctx context.Context, emit Emit) error {
	header, err := s.provider.GetHeader()
	if err != nil {
		return errors.E(err, "streamer: reading header")
	}
	shard := gbam.UniversalShard(header)
	it := s.provider.NewIterator(shard)
	defer it.Close()

	pending := make(map[string]*sam.Record)
	for it.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec := it.Record()
		if !isPrimary(rec) {
			continue
		}
		if mate, ok := pending[rec.Name]; ok {
			delete(pending, rec.Name)
			if err := emit(ctx, orderPair(rec, mate)); err != nil {
				return err
			}
			continue
		}
		pending[rec.Name] = rec
	}
	if err := it.Err(); err != nil {
		return errors.E(err, "streamer: scanning records")
	}
	for _, rec := range pending {
		if err := emit(ctx, Pair{Read: rec}); err != nil {
			return err
		}
	}
	return nil
}

// Region names a single genomic interval to seek to, 0-based half-open.
type Region struct {
	Contig     string
	Start, End int
}

// SeekingReader visits only the given regions (one shard per region,
// padded), rather than streaming the whole file, for the common case of a
// small locus catalog against a large BAM. Reads whose mate falls outside
// every requested region are recovered with a second, targeted seek to the
// mate's own coordinate — the same two-pass shape as the deleted
// encoding/bampair package's distant-mate recovery, simplified from its
// global concurrent-map design (appropriate there for whole-genome
// sharded scans) down to a single lookup per missing mate, since a locus
// catalog's region count is small enough that redundant single-record
// seeks are cheap.
type SeekingReader struct {
	provider bamprovider.Provider
	padding  int
}

// NewSeeking wraps provider for locus-by-locus region seeks, padding each
// region by padding bases to catch mates/reads overhanging the boundary.
func NewSeeking(provider bamprovider.Provider, padding int) *SeekingReader {
	return &SeekingReader{provider: provider, padding: padding}
}

func (s *SeekingReader) findRef(header *sam.Header, contig string) (*sam.Reference, error) {
	for _, ref := range header.Refs() {
		if ref.Name() == contig {
			return ref, nil
		}
	}
	return nil, errors.New(fmt.Sprintf("streamer: contig %q not found in header", contig))
}

// StreamRegion visits one region, pairing mates found within the padded
// region directly and recovering out-of-region mates with a targeted
// single-record seek.
func (s *SeekingReader) StreamRegion(ctx context.Context, region Region, emit Emit) error {
	header, err := s.provider.GetHeader()
	if err != nil {
		return errors.E(err, "streamer: reading header")
	}
	ref, err := s.findRef(header, region.Contig)
	if err != nil {
		return err
	}
	start := region.Start - s.padding
	if start < 0 {
		start = 0
	}
	end := region.End + s.padding

	shard := gbam.Shard{StartRef: ref, EndRef: ref, Start: start, End: end}
	it := s.provider.NewIterator(shard)
	defer it.Close()

	pending := make(map[string]*sam.Record)
	for it.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec := it.Record()
		if !isPrimary(rec) {
			continue
		}
		if mate, ok := pending[rec.Name]; ok {
			delete(pending, rec.Name)
			if err := emit(ctx, orderPair(rec, mate)); err != nil {
				return err
			}
			continue
		}
		pending[rec.Name] = rec
	}
	if err := it.Err(); err != nil {
		return errors.E(err, "streamer: scanning region")
	}

	for _, rec := range pending {
		mate, err := s.recoverMate(rec)
		if err != nil {
			return err
		}
		if err := emit(ctx, orderPair(rec, mate)); err != nil {
			return err
		}
	}
	return nil
}

// recoverMate seeks directly to rec's mate coordinate and scans for a
// single matching record by name. Returns a nil mate (not an error) if
// none is found, e.g. the mate is itself unmapped with no recorded
// position.
func (s *SeekingReader) recoverMate(rec *sam.Record) (*sam.Record, error) {
	if rec.MateRef == nil {
		return nil, nil
	}
	shard := gbam.Shard{StartRef: rec.MateRef, EndRef: rec.MateRef, Start: rec.MatePos, End: rec.MatePos + 1}
	it := s.provider.NewIterator(shard)
	defer it.Close()
	for it.Scan() {
		candidate := it.Record()
		if candidate.Name == rec.Name && candidate != rec {
			return candidate, nil
		}
	}
	if err := it.Err(); err != nil {
		return nil, errors.E(err, "streamer: recovering mate")
	}
	return nil, nil
}
