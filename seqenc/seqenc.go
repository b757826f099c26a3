// Package seqenc holds the small nucleotide-encoding helpers shared by the
// graph model, the aligner, and the reference accessor: base enums, IUPAC
// ambiguity expansion, and reverse-complement.
package seqenc

import "strings"

// Base enums mirror the .bam seq nibble encoding used elsewhere in this
// codebase (see encoding/bamprovider), so the same packed representation can
// be reused if a component ever wants it; most of this package however just
// works directly on ASCII.
const (
	BaseA byte = iota
	BaseC
	BaseG
	BaseT
	BaseX
)

// EnumToASCIITable is the A/C/G/T/X -> ASCII mapping, with X rendered as 'N'.
var EnumToASCIITable = [...]byte{'A', 'C', 'G', 'T', 'N'}

// Seq8ToEnumTable is the .bam seq nibble -> A/C/G/T/X enum mapping.
var Seq8ToEnumTable = [...]byte{BaseX, BaseA, BaseC, BaseX, BaseG, BaseX, BaseX, BaseX, BaseT, BaseX, BaseX, BaseX, BaseX, BaseX, BaseX, BaseX}

var complement = map[byte]byte{
	'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A', 'N': 'N',
	'a': 't', 'c': 'g', 'g': 'c', 't': 'a', 'n': 'n',
	'R': 'Y', 'Y': 'R', 'S': 'S', 'W': 'W', 'K': 'M', 'M': 'K',
	'B': 'V', 'V': 'B', 'D': 'H', 'H': 'D',
}

// ReverseComplement returns the reverse complement of seq, preserving the
// case of each base (used to keep lowercase low-quality masking intact
// across orientation flips).
func ReverseComplement(seq string) string {
	n := len(seq)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		c, ok := complement[seq[n-1-i]]
		if !ok {
			c = 'N'
		}
		out[i] = c
	}
	return string(out)
}

// iupacExpansions maps an IUPAC ambiguity code to the concrete bases it can
// stand for. Plain A/C/G/T are not included: callers should special-case
// them before consulting this table.
var iupacExpansions = map[byte]string{
	'R': "AG", 'Y': "CT", 'S': "GC", 'W': "AT", 'K': "GT", 'M': "AC",
	'B': "CGT", 'D': "AGT", 'H': "ACT", 'V': "ACG", 'N': "ACGT",
}

// IsIUPACAmbiguous reports whether b is an IUPAC ambiguity code other than
// plain A/C/G/T; N counts as ambiguous.
func IsIUPACAmbiguous(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T', 'a', 'c', 'g', 't':
		return false
	}
	_, ok := iupacExpansions[toUpper(b)]
	return ok
}

func toUpper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// ExpandIUPAC returns every concrete A/C/G/T sequence that seq, read as an
// IUPAC-coded string, can resolve to. A plain, unambiguous sequence is
// returned as a single-element slice. The result is empty if seq is empty.
//
// This is used by the graph builder (C1) to turn an ambiguous flank or
// small-variant token into one node per concrete allele.
func ExpandIUPAC(seq string) []string {
	if seq == "" {
		return nil
	}
	results := []string{""}
	for i := 0; i < len(seq); i++ {
		b := toUpper(seq[i])
		var options string
		switch b {
		case 'A', 'C', 'G', 'T':
			options = string(b)
		default:
			var ok bool
			options, ok = iupacExpansions[b]
			if !ok {
				options = "N"
			}
		}
		next := make([]string, 0, len(results)*len(options))
		for _, prefix := range results {
			for _, opt := range options {
				next = append(next, prefix+string(opt))
			}
		}
		results = next
	}
	return results
}

// CountAmbiguous returns the number of IUPAC ambiguity codes (including N)
// in seq.
func CountAmbiguous(seq string) int {
	n := 0
	for i := 0; i < len(seq); i++ {
		if IsIUPACAmbiguous(seq[i]) {
			n++
		}
	}
	return n
}

// ToUpper upper-cases seq; it is a thin wrapper around strings.ToUpper.
func ToUpper(seq string) string {
	return strings.ToUpper(seq)
}

// MaskLowQuality lowercases every base in seq whose corresponding phred
// quality score (qual, same length as seq) is <= the given threshold. This
// mirrors the archive reader's documented contract: low-quality bases are
// lowercased before alignment so the aligner can skip them at zero score.
func MaskLowQuality(seq string, qual []byte, threshold byte) string {
	if len(qual) == 0 {
		return seq
	}
	out := []byte(seq)
	for i := 0; i < len(out) && i < len(qual); i++ {
		if qual[i] <= threshold {
			if out[i] >= 'A' && out[i] <= 'Z' {
				out[i] += 'a' - 'A'
			}
		}
	}
	return string(out)
}
