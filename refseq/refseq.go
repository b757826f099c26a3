// Package refseq is the reference-sequence accessor: it wraps the kept
// fasta.Fasta reader with the genomic-coordinate and contig-metadata API
// the locus workflow (C7) and the graph builder need — signed 0-based
// positions, contig lengths, and a by-name sex-chromosome flag.
package refseq

import (
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/strhunter/encoding/fasta"
	"github.com/grailbio/strhunter/seqenc"
)

// NotFound is returned when a requested contig isn't present in the
// reference.
var NotFound = errors.New("contig not found in reference")

// ContigInfo describes one reference contig: its length and whether its
// name marks it as chrX or chrY. The flag covers the whole contig; there is
// no pseudoautosomal-region handling.
type ContigInfo struct {
	Name      string
	Length    int64
	IsSexChrom bool
}

// Accessor resolves genomic intervals to upper-cased, IUPAC-preserved
// reference sequence, and reports contig metadata.
type Accessor struct {
	fa     fasta.Fasta
	contigs map[string]ContigInfo
}

// New builds an Accessor over an already-opened fasta.Fasta (typically
// fasta.New with OptIndex, for random-access reads across many loci).
func New(fa fasta.Fasta) *Accessor {
	a := &Accessor{fa: fa, contigs: map[string]ContigInfo{}}
	for _, name := range fa.SeqNames() {
		length, err := fa.Len(name)
		if err != nil {
			continue
		}
		a.contigs[name] = ContigInfo{
			Name:       name,
			Length:     int64(length),
			IsSexChrom: isSexChromName(name),
		}
	}
	return a
}

func isSexChromName(name string) bool {
	n := strings.TrimPrefix(strings.ToLower(name), "chr")
	return n == "x" || n == "y"
}

// Get returns the reference bases for [start, end) on contig, 0-based
// half-open, upper-cased (callers apply low-quality masking themselves
// once they have read qualities; the reference itself carries none).
func (a *Accessor) Get(contig string, start, end int64) (string, error) {
	s, err := a.fa.Get(contig, uint64(start), uint64(end))
	if err != nil {
		return "", errors.E(err, "refseq.Get")
	}
	return seqenc.ToUpper(s), nil
}

// Contig returns contig metadata, or NotFound.
func (a *Accessor) Contig(name string) (ContigInfo, error) {
	c, ok := a.contigs[name]
	if !ok {
		return ContigInfo{}, errors.E(NotFound, name)
	}
	return c, nil
}

// Contigs returns every known contig's metadata, in FASTA file order.
func (a *Accessor) Contigs() []ContigInfo {
	out := make([]ContigInfo, 0, len(a.contigs))
	for _, name := range a.fa.SeqNames() {
		if c, ok := a.contigs[name]; ok {
			out = append(out, c)
		}
	}
	return out
}
