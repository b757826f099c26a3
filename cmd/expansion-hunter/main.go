package main

// See doc.go for documentation.
import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"

	"github.com/grailbio/strhunter/align"
	"github.com/grailbio/strhunter/catalog"
	"github.com/grailbio/strhunter/dispatch"
	"github.com/grailbio/strhunter/encoding/bamprovider"
	"github.com/grailbio/strhunter/encoding/fasta"
	"github.com/grailbio/strhunter/findings"
	"github.com/grailbio/strhunter/gtsv"
	"github.com/grailbio/strhunter/locus"
	"github.com/grailbio/strhunter/refseq"
	"github.com/grailbio/strhunter/streamer"
)

var (
	readsPath      = flag.String("reads", "", "Input BAM or PAM path (required)")
	referencePath  = flag.String("reference", "", "Reference FASTA path; enables REF output fields when set")
	referenceIndex = flag.String("reference-index", "", "Reference .fai path; defaults to -reference + \".fai\"")
	catalogPath    = flag.String("variant-catalog", "", "Locus catalog JSON path (required)")
	outputPrefix   = flag.String("output-prefix", "", "Output path prefix; writes PREFIX.vcf and PREFIX.json (required)")
	sampleName     = flag.String("sample-name", "sample", "Sample name recorded in the VCF header and genotype column")
	sex            = flag.String("sex", "female", "Sample sex, \"male\" or \"female\"; governs chrX/chrY ploidy")
	threads        = flag.Int("threads", 0, "Worker threads for locus init/finalise; up to threads+5 locus queues are dispatched concurrently; 0 = runtime.NumCPU()")
	analysisMode   = flag.String("analysis-mode", "seeking", "\"seeking\" (query each locus's regions) or \"streaming\" (scan the whole file once)")
	aligner        = flag.String("aligner", "path", "Aligner variant, \"path\" or \"dag\"")
	regionExtLen   = flag.Int64("region-extension-length", 1000, "Size in bases of each locus's flanking coverage window")
	minBaseQual    = flag.Int("min-base-qual", 20, "Bases below this phred quality are masked before alignment")
	errorRate      = flag.Float64("error-rate", 0.01, "Background sequencing/mapping error rate used by the SMN presence/absence test")
	minLocusCov    = flag.Float64("min-locus-coverage", 10, "Loci with flanking depth below this are reported LowCoverage with no genotype")
	seekPadding    = flag.Int("seek-padding", 1000, "Bases of padding applied to each region seek in -analysis-mode=seeking")
	llrThreshold   = flag.Float64("likelihood-ratio-threshold", gtsv.DefaultLikelihoodRatioThreshold, "Minimum likelihood-ratio evidence to call a small-variant genotype rather than report it Uncertain")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if err := run(); err != nil {
		log.Error.Printf("%v", err)
		shutdown()
		os.Exit(1)
	}
}

func run() error {
	if *readsPath == "" || *catalogPath == "" || *outputPrefix == "" {
		return errors.New("expansion-hunter: -reads, -variant-catalog, and -output-prefix are all required")
	}
	sampleSex, err := parseSex(*sex)
	if err != nil {
		return err
	}
	numWorkers := *threads
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	catalogFile, err := os.Open(*catalogPath)
	if err != nil {
		return errors.E(err, "expansion-hunter: opening catalog")
	}
	defer catalogFile.Close()
	records, err := catalog.Parse(catalogFile)
	if err != nil {
		return errors.E(err, "expansion-hunter: parsing catalog")
	}
	if len(records) == 0 {
		return errors.New("expansion-hunter: catalog has no loci")
	}

	refAccessor, err := openReference(*referencePath, *referenceIndex)
	if err != nil {
		return err
	}

	buildOpts := locus.DefaultBuildOpts()
	buildOpts.AlignerConfig.AlignerType, err = parseAligner(*aligner)
	if err != nil {
		return err
	}
	buildOpts.RegionExtensionLength = *regionExtLen
	buildOpts.MinBaseQual = byte(*minBaseQual)
	buildOpts.ErrorRate = *errorRate
	buildOpts.MinLocusCoverage = *minLocusCov
	buildOpts.LikelihoodRatioThreshold = *llrThreshold
	buildOpts.RefAccessor = refAccessor

	specs, err := buildLocusSpecs(records, buildOpts, numWorkers)
	if err != nil {
		return err
	}

	regionIndex := newRegionIndex(specs)
	workflows := make([]*locus.Workflow, len(specs))
	for i, spec := range specs {
		workflows[i] = locus.NewWorkflow(spec)
	}

	provider := bamprovider.NewProvider(*readsPath)
	defer provider.Close()

	if err := dispatchReads(provider, regionIndex, workflows, numWorkers); err != nil {
		return err
	}

	fs := finaliseAll(workflows, sampleSex, numWorkers)
	return writeOutputs(fs, *outputPrefix, *sampleName)
}

func parseSex(s string) (locus.Sex, error) {
	switch s {
	case "male", "Male", "M", "m":
		return locus.Male, nil
	case "female", "Female", "F", "f":
		return locus.Female, nil
	default:
		return 0, errors.New(fmt.Sprintf("expansion-hunter: unrecognised -sex %q", s))
	}
}

func parseAligner(s string) (align.AlignerType, error) {
	switch s {
	case "path", "":
		return align.Path, nil
	case "dag":
		return align.Dag, nil
	default:
		return 0, errors.New(fmt.Sprintf("expansion-hunter: unrecognised -aligner %q", s))
	}
}

func openReference(path, indexPath string) (*refseq.Accessor, error) {
	if path == "" {
		return nil, nil
	}
	if indexPath == "" {
		indexPath = path + ".fai"
	}
	fastaFile, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "expansion-hunter: opening reference")
	}
	indexFile, err := os.Open(indexPath)
	if err != nil {
		fastaFile.Close()
		return nil, errors.E(err, "expansion-hunter: opening reference index")
	}
	defer indexFile.Close()

	fa, err := fasta.NewIndexed(fastaFile, indexFile)
	if err != nil {
		fastaFile.Close()
		return nil, errors.E(err, "expansion-hunter: reading reference index")
	}
	return refseq.New(fa), nil
}

// buildLocusSpecs runs locus.Build across numWorkers goroutines, each
// claiming catalog indices from a shared atomic counter, matching the
// embarrassingly-parallel locus-initialisation phase: a worker that hits a
// failure stops claiming indices, the others run until the catalog is
// exhausted, and the first failure recorded is returned once every worker
// has stopped.
func buildLocusSpecs(records []catalog.Record, opts locus.BuildOpts, numWorkers int) ([]*locus.LocusSpec, error) {
	specs := make([]*locus.LocusSpec, len(records))
	var next int64 = -1
	var failure errors.Once
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= len(records) {
					return
				}
				spec, err := locus.Build(records[i], opts)
				if err != nil {
					failure.Set(errors.E(err, "expansion-hunter: building locus "+records[i].LocusID))
					return
				}
				specs[i] = spec
			}
		}()
	}
	wg.Wait()
	if err := failure.Err(); err != nil {
		return nil, err
	}
	return specs, nil
}

func newRegionIndex(specs []*locus.LocusSpec) *dispatch.RegionIndex {
	ri := dispatch.NewRegionIndex()
	for i, spec := range specs {
		t := spec.TargetRegion
		ri.AddRegion(t.Contig, t.Start, t.End, i, dispatch.Target)
		for _, off := range spec.OfftargetRegions {
			ri.AddRegion(off.Contig, off.Start, off.End, i, dispatch.Offtarget)
		}
	}
	ri.Build()
	return ri
}

func routeTargets(ri *dispatch.RegionIndex, p streamer.Pair) []dispatch.RouteTarget {
	if p.Read == nil || p.Read.Ref == nil {
		return nil
	}
	readEnd := recordRefEnd(p.Read)

	if p.Mate == nil || p.Mate.Ref == nil {
		hits := ri.Query(p.Read.Ref.Name(), int64(p.Read.Pos), readEnd)
		var out []dispatch.RouteTarget
		seen := map[int]bool{}
		for _, h := range hits {
			if h.Tag == dispatch.Target && !seen[h.LocusIndex] {
				seen[h.LocusIndex] = true
				out = append(out, dispatch.RouteTarget{LocusIndex: h.LocusIndex, Mode: dispatch.ModeReadOnly})
			}
		}
		return out
	}

	mateEnd := recordRefEnd(p.Mate)
	return dispatch.Route(ri,
		p.Read.Ref.Name(), int64(p.Read.Pos), readEnd,
		p.Mate.Ref.Name(), int64(p.Mate.Pos), mateEnd)
}

func recordRefEnd(rec *sam.Record) int64 {
	refLen, _ := rec.Cigar.Lengths()
	return int64(rec.Pos) + int64(refLen)
}

func toReadPair(locusIndex int, mode dispatch.Mode, p streamer.Pair) dispatch.ReadPair {
	rp := dispatch.ReadPair{LocusIndex: locusIndex}
	switch mode {
	case dispatch.ModeReadOnly:
		rp.Read = p.Read
	case dispatch.ModeMateOnly:
		rp.Mate = p.Mate
	default:
		rp.Read = p.Read
		rp.Mate = p.Mate
	}
	return rp
}

func dispatchReads(provider bamprovider.Provider, ri *dispatch.RegionIndex, workflows []*locus.Workflow, numWorkers int) error {
	handler := func(ctx context.Context, rp dispatch.ReadPair) error {
		read, _ := rp.Read.(*sam.Record)
		mate, _ := rp.Mate.(*sam.Record)
		workflows[rp.LocusIndex].Process(read, mate)
		return nil
	}
	// maxActiveQueues >= T+5 per the dispatch fabric's concurrency budget;
	// never more than there are loci to run queues for.
	maxActiveQueues := numWorkers + 5
	if maxActiveQueues > len(workflows) {
		maxActiveQueues = len(workflows)
	}
	if maxActiveQueues < 1 {
		maxActiveQueues = 1
	}
	d := dispatch.New(len(workflows), maxActiveQueues, handler)
	ctx := context.Background()

	switch *analysisMode {
	case "streaming":
		emit := func(ctx context.Context, p streamer.Pair) error {
			for _, t := range routeTargets(ri, p) {
				if err := d.Dispatch(ctx, toReadPair(t.LocusIndex, t.Mode, p)); err != nil {
					return err
				}
			}
			return nil
		}
		if err := streamer.NewSequential(provider).Stream(ctx, emit); err != nil {
			return err
		}
	case "seeking":
		reader := streamer.NewSeeking(provider, *seekPadding)
		for i, regions := range allLocusRegions(workflows) {
			emit := func(ctx context.Context, p streamer.Pair) error {
				for _, t := range routeTargets(ri, p) {
					if t.LocusIndex != i {
						continue
					}
					return d.Dispatch(ctx, toReadPair(i, t.Mode, p))
				}
				return nil
			}
			for _, region := range regions {
				if err := reader.StreamRegion(ctx, region, emit); err != nil {
					return err
				}
			}
		}
	default:
		return errors.New(fmt.Sprintf("expansion-hunter: unrecognised -analysis-mode %q", *analysisMode))
	}
	return d.Wait()
}

func allLocusRegions(workflows []*locus.Workflow) [][]streamer.Region {
	out := make([][]streamer.Region, len(workflows))
	for i, wf := range workflows {
		t := wf.Spec.TargetRegion
		regions := []streamer.Region{{Contig: t.Contig, Start: int(t.Start), End: int(t.End)}}
		for _, off := range wf.Spec.OfftargetRegions {
			regions = append(regions, streamer.Region{Contig: off.Contig, Start: int(off.Start), End: int(off.End)})
		}
		out[i] = regions
	}
	return out
}

// finaliseAll reduces every workflow's accumulated evidence in parallel,
// the finalisation phase's embarrassingly-parallel counterpart to
// buildLocusSpecs.
func finaliseAll(workflows []*locus.Workflow, sampleSex locus.Sex, numWorkers int) []findings.Finding {
	results := make([][]findings.Finding, len(workflows))
	var next int64 = -1
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= len(workflows) {
					return
				}
				results[i] = workflows[i].Finalise(sampleSex)
			}
		}()
	}
	wg.Wait()

	var all []findings.Finding
	for _, fs := range results {
		all = append(all, fs...)
	}
	return all
}

func writeOutputs(fs []findings.Finding, prefix, sample string) error {
	vcfFile, err := os.Create(prefix + ".vcf")
	if err != nil {
		return errors.E(err, "expansion-hunter: creating VCF output")
	}
	defer vcfFile.Close()
	if err := findings.EncodeVCF(vcfFile, fs, sample); err != nil {
		return errors.E(err, "expansion-hunter: writing VCF output")
	}

	jsonData, err := findings.EncodeJSON(fs)
	if err != nil {
		return errors.E(err, "expansion-hunter: encoding JSON output")
	}
	if err := os.WriteFile(prefix+".json", jsonData, 0o644); err != nil {
		return errors.E(err, "expansion-hunter: writing JSON output")
	}
	return nil
}
