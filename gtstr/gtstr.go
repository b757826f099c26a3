// Package gtstr implements the probabilistic STR genotyper (C5): given all
// per-read summaries at one STR, it enumerates candidate haploid or diploid
// genotypes, computes a log-posterior over them including a per-repeat-unit
// stutter term and a mis-map mixture, and returns the MAP genotype with a
// credible interval.
//
// All posterior arithmetic stays in natural-log space via gonum's
// logsumexp, per §4.5's numerical contract: never exponentiate before
// normalising.
package gtstr

import (
	"math"
	"sort"

	"github.com/grailbio/strhunter/classify"
	"gonum.org/v1/gonum/floats"
)

// AlignmentEvidence is one graph alignment a read produced against the STR,
// reduced to the fields the genotyper's scoring function needs: the primary
// allele size it's consistent with, and its classification label.
type AlignmentEvidence struct {
	PrimaryAllele int
	Label         classify.StrLabel
}

// ReadEvidence is one read's full set of alignment evidence for this STR,
// i.e. the per-read summary C4 produced (§3's ReadSummaryForStr), grouped by
// read.
type ReadEvidence struct {
	ClippedReadLength int
	Alignments        []AlignmentEvidence
}

// Params bundles the inputs named in §4.5.
type Params struct {
	Ploidy             int     // 1 or 2
	MotifLength        int     // L
	RegionSize         int     // Rsz: graph length with the STR excised
	ReadLength         int     // Lr: expected read length
	MaxAlleleUnits     int     // Amax
	StutterLogProb     float64 // σ < 0
	RandomBaseLogProb  float64 // β <= 0
	MisMapPrior        float64 // π in [0,1]
	// ClippedBasePenalty is the natural-log per-clipped-base contribution to
	// an alignment's prior term. §9 flags a comment in the source asking
	// whether this should be 5+log(1/4) instead of the distilled core's 0;
	// kept configurable rather than hard-coded, default 0.
	ClippedBasePenalty float64
	// Alpha is the credible-interval significance level, default 0.05.
	Alpha float64
}

// DefaultParams gives reasonable, documented defaults; callers normally
// override Ploidy/MotifLength/RegionSize/ReadLength/MaxAlleleUnits per
// locus.
func DefaultParams() Params {
	return Params{
		Ploidy:             2,
		MaxAlleleUnits:     100,
		StutterLogProb:     -3.0,
		RandomBaseLogProb:  math.Log(0.25),
		MisMapPrior:        0.01,
		ClippedBasePenalty: 0,
		Alpha:              0.05,
	}
}

// RepeatGenotype is the §3 data-model entry: a haploid genotype has
// Short == Long.
type RepeatGenotype struct {
	MotifLength        int
	Short, Long        int
	HasCredibleInterval bool
	ShortCI, LongCI    [2]int
}

func positions(allele, clippedLen int, p Params) float64 {
	v := float64(clippedLen + p.RegionSize + allele*p.MotifLength - 1)
	if v < 1 {
		v = 1
	}
	return v
}

// alignedLogLikelihood is ℓ_aligned(read|a): logsumexp over the read's
// alignments of the alignment-prior + stutter + (for in-repeat reads
// compatible with a longer allele) the extra position-count term, per §4.5.
func alignedLogLikelihood(read ReadEvidence, allele int, p Params) float64 {
	if len(read.Alignments) == 0 {
		return math.Inf(-1)
	}
	terms := make([]float64, len(read.Alignments))
	for i, al := range read.Alignments {
		posStar := positions(al.PrimaryAllele, read.ClippedReadLength, p)
		term := -math.Log(posStar)
		term += math.Abs(float64(al.PrimaryAllele-allele)) * p.StutterLogProb
		if al.Label == classify.InRepeat && allele > al.PrimaryAllele {
			pos := positions(allele, read.ClippedReadLength, p)
			term += math.Log(pos / posStar)
		}
		term += p.ClippedBasePenalty * float64(read.ClippedReadLength)
		terms[i] = term
	}
	return floats.LogSumExp(terms)
}

// readLogLikelihood is ℓ(read|a): the aligned likelihood mixed with the
// mis-map alternative under prior π, per §4.5.
func readLogLikelihood(read ReadEvidence, allele int, p Params) float64 {
	misMap := math.Log(p.MisMapPrior) + float64(p.ReadLength)*p.RandomBaseLogProb
	aligned := math.Log(1-p.MisMapPrior) + alignedLogLikelihood(read, allele, p)
	return floats.LogSumExp([]float64{misMap, aligned})
}

// alleleBias is the diploid mixture weight for sampling a read from a1
// rather than a2: positions(a1)/(positions(a1)+positions(a2)), per §4.5.
func alleleBias(a1, a2, clippedLen int, p Params) (w1, w2 float64) {
	p1 := positions(a1, clippedLen, p)
	p2 := positions(a2, clippedLen, p)
	w1 = p1 / (p1 + p2)
	return w1, 1 - w1
}

// GenotypeHaploid implements §4.5 for ploidy 1.
func GenotypeHaploid(reads []ReadEvidence, p Params) *RepeatGenotype {
	if len(reads) == 0 {
		return nil
	}
	n := p.MaxAlleleUnits + 1
	logPrior := -math.Log(float64(n))
	scores := make([]float64, n)
	for a := 0; a < n; a++ {
		s := logPrior
		for _, r := range reads {
			s += readLogLikelihood(r, a, p)
		}
		scores[a] = s
	}
	norm := floats.LogSumExp(scores)
	posterior := make([]float64, n)
	mapAllele := 0
	for a, s := range scores {
		posterior[a] = s - norm
		if posterior[a] > posterior[mapAllele] {
			mapAllele = a
		}
	}
	lo, hi := credibleIntervalHaploid(posterior, mapAllele, p.Alpha)
	return &RepeatGenotype{
		MotifLength:         p.MotifLength,
		Short:               mapAllele,
		Long:                mapAllele,
		HasCredibleInterval: true,
		ShortCI:             [2]int{lo, hi},
		LongCI:              [2]int{lo, hi},
	}
}

// credibleIntervalHaploid greedily grows the interval outward from mapAllele,
// at each step extending toward whichever neighbour carries more posterior
// mass, until the absorbed mass reaches 1-alpha (Testable Property 4: the
// MAP value always lies within the returned interval by construction).
func credibleIntervalHaploid(posterior []float64, mapAllele int, alpha float64) (lo, hi int) {
	lo, hi = mapAllele, mapAllele
	mass := math.Exp(posterior[mapAllele])
	target := 1 - alpha
	for mass < target && (lo > 0 || hi < len(posterior)-1) {
		leftMass, rightMass := -1.0, -1.0
		if lo > 0 {
			leftMass = posterior[lo-1]
		}
		if hi < len(posterior)-1 {
			rightMass = posterior[hi+1]
		}
		if hi < len(posterior)-1 && (lo == 0 || rightMass >= leftMass) {
			hi++
			mass += math.Exp(rightMass)
		} else {
			lo--
			mass += math.Exp(leftMass)
		}
	}
	return lo, hi
}

type diploidCandidate struct {
	a1, a2 int
	score  float64
}

// GenotypeDiploid implements §4.5 for ploidy 2.
func GenotypeDiploid(reads []ReadEvidence, p Params) *RepeatGenotype {
	if len(reads) == 0 {
		return nil
	}
	n := p.MaxAlleleUnits + 1
	numPairs := n * (n + 1) / 2
	logPrior := -math.Log(float64(numPairs))

	candidates := make([]diploidCandidate, 0, numPairs)
	for a1 := 0; a1 < n; a1++ {
		for a2 := a1; a2 < n; a2++ {
			prior := logPrior
			if a1 == a2 {
				prior += math.Log(0.5) // avoid double-counting the homozygote
			}
			s := prior
			for _, r := range reads {
				w1, w2 := alleleBias(a1, a2, r.ClippedReadLength, p)
				ll1 := math.Log(w1) + readLogLikelihood(r, a1, p)
				ll2 := math.Log(w2) + readLogLikelihood(r, a2, p)
				s += floats.LogSumExp([]float64{ll1, ll2})
			}
			candidates = append(candidates, diploidCandidate{a1: a1, a2: a2, score: s})
		}
	}

	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = c.score
	}
	norm := floats.LogSumExp(scores)

	mapIdx := 0
	for i := range candidates {
		candidates[i].score -= norm
		if candidates[i].score > candidates[mapIdx].score {
			mapIdx = i
		}
	}
	mapA1, mapA2 := candidates[mapIdx].a1, candidates[mapIdx].a2

	shortLo, shortHi, longLo, longHi := credibleIntervalDiploid(candidates, mapIdx, p.Alpha)

	return &RepeatGenotype{
		MotifLength:         p.MotifLength,
		Short:               mapA1,
		Long:                mapA2,
		HasCredibleInterval: true,
		ShortCI:             [2]int{shortLo, shortHi},
		LongCI:              [2]int{longLo, longHi},
	}
}

// credibleIntervalDiploid returns the smallest-rank-ordered rectangle
// [shortLo,shortHi]x[longLo,longHi] that absorbs posterior mass >= 1-alpha:
// sort every candidate pair by posterior descending, starting from the MAP,
// and grow the bounding box of (a1,a2) over included pairs until the
// accumulated mass clears the target.
func credibleIntervalDiploid(candidates []diploidCandidate, mapIdx int, alpha float64) (shortLo, shortHi, longLo, longHi int) {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return candidates[order[i]].score > candidates[order[j]].score })

	shortLo, shortHi = candidates[mapIdx].a1, candidates[mapIdx].a1
	longLo, longHi = candidates[mapIdx].a2, candidates[mapIdx].a2
	mass := 0.0
	target := 1 - alpha
	for _, idx := range order {
		c := candidates[idx]
		mass += math.Exp(c.score)
		if c.a1 < shortLo {
			shortLo = c.a1
		}
		if c.a1 > shortHi {
			shortHi = c.a1
		}
		if c.a2 < longLo {
			longLo = c.a2
		}
		if c.a2 > longHi {
			longHi = c.a2
		}
		if mass >= target {
			break
		}
	}
	return shortLo, shortHi, longLo, longHi
}

// Genotype dispatches on p.Ploidy. Returns nil (no genotype, per §4.5's
// failure semantics) when reads is empty.
func Genotype(reads []ReadEvidence, p Params) *RepeatGenotype {
	if p.Ploidy == 1 {
		return GenotypeHaploid(reads, p)
	}
	return GenotypeDiploid(reads, p)
}
