package dispatch

import "sort"

// RegionTag distinguishes a locus's target region from its off-target
// regions when the same interval index answers both concerns.
type RegionTag int

const (
	// Target is a locus's primary genomic region.
	Target RegionTag = iota
	// Offtarget is a region a locus also wants reads from (e.g. a paralog
	// site) without it driving routing decisions the way a target hit does.
	Offtarget
)

// Hit is one region index result: a locus, and whether the region that
// matched is that locus's target or one of its off-targets.
type Hit struct {
	LocusIndex int
	Tag        RegionTag
}

type interval struct {
	start, end int64 // [start, end), half-open
	hit        Hit
}

// RegionIndex answers "which loci have a target or off-target region
// overlapping this interval", per §4.9's per-contig interval tree. Built
// once from the locus catalogue and read-only thereafter, so queries need
// no locking.
type RegionIndex struct {
	byContig map[string][]interval
	built    bool
}

// NewRegionIndex returns an empty index; call AddRegion for every locus
// region, then Build once before Querying.
func NewRegionIndex() *RegionIndex {
	return &RegionIndex{byContig: map[string][]interval{}}
}

// AddRegion registers one locus region. start/end follow the catalog's
// half-open convention.
func (ri *RegionIndex) AddRegion(contig string, start, end int64, locusIndex int, tag RegionTag) {
	ri.byContig[contig] = append(ri.byContig[contig], interval{
		start: start, end: end,
		hit: Hit{LocusIndex: locusIndex, Tag: tag},
	})
}

// Build sorts each contig's intervals by start, enabling Query's binary
// search. Must be called after every AddRegion and before any Query.
func (ri *RegionIndex) Build() {
	for _, ivs := range ri.byContig {
		sort.Slice(ivs, func(i, j int) bool { return ivs[i].start < ivs[j].start })
	}
	ri.built = true
}

// Query returns every Hit whose region overlaps [start, end) on contig.
// The result carries duplicate LocusIndex entries if a locus registered
// both a target and an off-target region overlapping the query.
func (ri *RegionIndex) Query(contig string, start, end int64) []Hit {
	ivs := ri.byContig[contig]
	if len(ivs) == 0 {
		return nil
	}
	// Every interval starting before end is a candidate; a linear scan
	// bounded by that cutoff keeps this simple while still skipping
	// regions that start well past the query, which is the case that
	// matters for a catalogue with thousands of widely separated loci.
	cut := sort.Search(len(ivs), func(i int) bool { return ivs[i].start >= end })
	var out []Hit
	for _, iv := range ivs[:cut] {
		if iv.end > start {
			out = append(out, iv.hit)
		}
	}
	return out
}

// Mode tags how a ReadPair's two mates were routed to a locus, mirroring
// §4.9's both/read-only/mate-only classes.
type Mode int

const (
	ModeBoth Mode = iota
	ModeReadOnly
	ModeMateOnly
)

func (m Mode) String() string {
	switch m {
	case ModeReadOnly:
		return "read-only"
	case ModeMateOnly:
		return "mate-only"
	default:
		return "both"
	}
}

// RouteTarget is one (locus, mode) routing decision for a mate pair.
type RouteTarget struct {
	LocusIndex int
	Mode       Mode
}

// nearbyDistance is the same-contig proximity §4.9 and §4.10 both use to
// decide whether an unresolved mate is "nearby" rather than worth a seek.
const nearbyDistance = 1000

func hasTargetHit(hits []Hit) bool {
	for _, h := range hits {
		if h.Tag == Target {
			return true
		}
	}
	return false
}

func locusSet(hits []Hit) map[int]bool {
	set := make(map[int]bool, len(hits))
	for _, h := range hits {
		set[h.LocusIndex] = true
	}
	return set
}

func intersectTargets(readHits, mateHits []Hit) []Hit {
	mateLoci := locusSet(mateHits)
	var out []Hit
	seen := map[int]bool{}
	for _, h := range readHits {
		if mateLoci[h.LocusIndex] && !seen[h.LocusIndex] {
			seen[h.LocusIndex] = true
			out = append(out, h)
		}
	}
	return out
}

func union(readHits, mateHits []Hit) []RouteTarget {
	seen := map[int]bool{}
	var out []RouteTarget
	for _, h := range readHits {
		if !seen[h.LocusIndex] {
			seen[h.LocusIndex] = true
			out = append(out, RouteTarget{LocusIndex: h.LocusIndex, Mode: ModeBoth})
		}
	}
	for _, h := range mateHits {
		if !seen[h.LocusIndex] {
			seen[h.LocusIndex] = true
			out = append(out, RouteTarget{LocusIndex: h.LocusIndex, Mode: ModeBoth})
		}
	}
	return out
}

// Route implements §4.9's pair-to-locus routing rule for a mate pair at
// (readContig,readStart,readEnd) and (mateContig,mateStart,mateEnd):
//
//  1. Look up both mates in ri.
//  2. If the intersection of their locus sets contains a target hit, route
//     the pair with both mates (mode both) to every locus in that
//     intersection.
//  3. Else, if the mates' start coordinates are within nearbyDistance bp
//     on the same contig, route each mate's target-only hits on their
//     own, tagged read-only or mate-only.
//  4. Else, route both mates (mode both) to the union of loci either hit.
func Route(ri *RegionIndex, readContig string, readStart, readEnd int64, mateContig string, mateStart, mateEnd int64) []RouteTarget {
	readHits := ri.Query(readContig, readStart, readEnd)
	mateHits := ri.Query(mateContig, mateStart, mateEnd)

	if inter := intersectTargets(readHits, mateHits); hasTargetHit(inter) {
		out := make([]RouteTarget, 0, len(inter))
		for _, h := range inter {
			out = append(out, RouteTarget{LocusIndex: h.LocusIndex, Mode: ModeBoth})
		}
		return out
	}

	nearby := readContig == mateContig && absInt64(readStart-mateStart) < nearbyDistance
	if nearby {
		seen := map[int]bool{}
		var out []RouteTarget
		for _, h := range readHits {
			if h.Tag == Target && !seen[h.LocusIndex] {
				seen[h.LocusIndex] = true
				out = append(out, RouteTarget{LocusIndex: h.LocusIndex, Mode: ModeReadOnly})
			}
		}
		for _, h := range mateHits {
			if h.Tag == Target && !seen[h.LocusIndex] {
				seen[h.LocusIndex] = true
				out = append(out, RouteTarget{LocusIndex: h.LocusIndex, Mode: ModeMateOnly})
			}
		}
		return out
	}

	return union(readHits, mateHits)
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
