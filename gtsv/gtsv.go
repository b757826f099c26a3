// Package gtsv implements the small-variant genotyper (C6): given the
// number of reads supporting the reference and alternate alleles of a
// small variant (or, for SMN-style loci, the number of reads supporting
// presence vs. absence of a paralog-specific site), it chooses the most
// likely copy-number genotype under a Poisson read-depth model.
package gtsv

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Genotype is the called small-variant genotype, expressed as copy number
// of the alternate allele out of Params.Ploidy.
type Genotype int

const (
	HomRef Genotype = iota
	Het
	HomAlt
	Uncertain
)

func (g Genotype) String() string {
	switch g {
	case HomRef:
		return "HOM_REF"
	case Het:
		return "HET"
	case HomAlt:
		return "HOM_ALT"
	default:
		return "UNCERTAIN"
	}
}

// DefaultLikelihoodRatioThreshold is §6's default LikelihoodRatioThreshold
// catalog field: a call is trusted only once the best hypothesis is at
// least this many times more likely than the runner-up.
const DefaultLikelihoodRatioThreshold = 10000

// Params bundles the inputs named in §4.6.
type Params struct {
	Ploidy int // 1 (haploid, e.g. chrX/chrY in males) or 2

	// HaploidDepth is the expected read depth contributed by one copy of
	// the locus, normally the coverage estimator's (C8) output.
	HaploidDepth float64

	// MinDepth is the total (ref+alt) read count below which a call is
	// downgraded to Uncertain rather than trusted, per §4.6.
	MinDepth int

	// LogLikelihoodRatioThreshold is log(LikelihoodRatioThreshold), the
	// minimum log-odds margin between the best and second-best hypothesis
	// needed to trust a call rather than report Uncertain, per §4.6/§6.
	// Zero (the unset value) falls back to log(DefaultLikelihoodRatioThreshold).
	LogLikelihoodRatioThreshold float64
}

func (p Params) logThreshold() float64 {
	if p.LogLikelihoodRatioThreshold > 0 {
		return p.LogLikelihoodRatioThreshold
	}
	return math.Log(DefaultLikelihoodRatioThreshold)
}

// Result is one small-variant genotype call with its supporting likelihood
// margin, used by findings (C-findings) to report a QUAL-like confidence.
type Result struct {
	Genotype   Genotype
	AltCopies  int // 0..Ploidy, meaningful only when Genotype != Uncertain
	LogOdds    float64
}

// poissonLogPMF wraps distuv.Poisson so a zero-mean or non-positive lambda
// degenerates gracefully (observing 0 is certain, anything else impossible)
// instead of panicking inside gonum.
func poissonLogPMF(lambda, x float64) float64 {
	if lambda <= 0 {
		if x == 0 {
			return 0
		}
		return math.Inf(-1)
	}
	return distuv.Poisson{Lambda: lambda}.LogProb(x)
}

// GenotypeSmallVariant scores every copy-number hypothesis k in [0, Ploidy] — k alt
// copies out of Ploidy — under independent Poisson models for the ref and
// alt read counts, and returns the MAP hypothesis. Per §4.6, a call whose
// total depth doesn't clear MinDepth, or whose log-odds margin over the
// second-best hypothesis is too thin, is reported Uncertain rather than
// forced.
func GenotypeSmallVariant(refCount, altCount int, p Params) Result {
	total := refCount + altCount
	if total < p.MinDepth {
		return Result{Genotype: Uncertain}
	}

	totalDepth := p.HaploidDepth * float64(p.Ploidy)
	scores := make([]float64, p.Ploidy+1)
	for k := 0; k <= p.Ploidy; k++ {
		expectedAlt := totalDepth * float64(k) / float64(p.Ploidy)
		expectedRef := totalDepth * float64(p.Ploidy-k) / float64(p.Ploidy)
		scores[k] = poissonLogPMF(expectedAlt, float64(altCount)) + poissonLogPMF(expectedRef, float64(refCount))
	}

	best, second := 0, -1
	for k := 1; k <= p.Ploidy; k++ {
		if scores[k] > scores[best] {
			second = best
			best = k
		} else if second == -1 || scores[k] > scores[second] {
			second = k
		}
	}
	margin := math.Inf(1)
	if second != -1 {
		margin = scores[best] - scores[second]
	}

	genotype := Het
	switch {
	case best == 0:
		genotype = HomRef
	case best == p.Ploidy:
		genotype = HomAlt
	}
	if margin < p.logThreshold() { // thin margin: the two best hypotheses are nearly tied
		return Result{Genotype: Uncertain, AltCopies: best, LogOdds: margin}
	}
	return Result{Genotype: genotype, AltCopies: best, LogOdds: margin}
}

// PresenceResult is the SMN-style call: whether a paralog-specific site's
// alternate allele is present at all, without trying to resolve a full
// copy-number genotype.
type PresenceResult struct {
	Present    bool
	Uncertain  bool
	LogOdds    float64
}

// GenotypePresenceAbsence implements the SMN-locus special case named in
// §4.6: rather than a full Poisson copy-number genotype, paralog-specific
// sites are scored as a simple two-hypothesis test (absent: alt reads are
// all sequencing/mapping error; present: alt reads reflect a real paralog
// copy) since SMN callers report presence/absence per paralog, not exact
// dosage.
func GenotypePresenceAbsence(refCount, altCount int, errorRate float64, p Params) PresenceResult {
	total := refCount + altCount
	if total < p.MinDepth {
		return PresenceResult{Uncertain: true}
	}
	totalDepth := p.HaploidDepth * float64(p.Ploidy)
	absentLambda := totalDepth * errorRate
	presentLambda := totalDepth * (1.0 / float64(p.Ploidy))

	absentScore := poissonLogPMF(absentLambda, float64(altCount))
	presentScore := poissonLogPMF(presentLambda, float64(altCount))

	margin := presentScore - absentScore
	if math.Abs(margin) < p.logThreshold() {
		return PresenceResult{Uncertain: true, LogOdds: margin}
	}
	return PresenceResult{Present: margin > 0, LogOdds: margin}
}
