package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roibench/pkg/bdrate"
	"github.com/cyclopcam/roibench/pkg/bench"
	"github.com/cyclopcam/roibench/pkg/resultsdb"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("roibench", "ROI adaptive video encoding experiments")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Experiment configuration file (JSON)", Required: true})
	experiment := parser.String("e", "experiment", &argparse.Options{Help: "Experiment to run: baseline, binary, temporal, hierarchical, full, all", Default: "all"})
	sequence := parser.String("s", "sequence", &argparse.Options{Help: "Run a single dataset sequence instead of all", Default: ""})
	qpList := parser.String("q", "qp", &argparse.Options{Help: "Comma-separated base QP values, eg 22,27,32,37", Default: ""})
	maxFrames := parser.Int("", "max-frames", &argparse.Options{Help: "Limit frames per sequence (0 = all)", Default: 0})
	keyframeInterval := parser.Int("k", "keyframe-interval", &argparse.Options{Help: "Detector cadence for the temporal experiments", Default: 0})
	compare := parser.String("", "compare", &argparse.Options{Help: "Compare two stored experiments as anchor:test (eg baseline:full) and print BD metrics", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := bench.LoadConfig(*configFile)
	check(err)
	if *maxFrames != 0 {
		cfg.Dataset.MaxFrames = *maxFrames
	}
	if *keyframeInterval != 0 {
		cfg.Temporal.KeyframeInterval = *keyframeInterval
	}
	if *qpList != "" {
		qps, err := parseQPList(*qpList)
		check(err)
		cfg.QP.BaseQPs = qps
	}

	b, err := bench.New(logger, cfg)
	check(err)
	defer b.Close()

	if *compare != "" {
		check(runComparison(logger, b, *compare))
		return
	}

	ctx := context.Background()
	switch *experiment {
	case "baseline":
		err = b.RunBaseline(ctx, *sequence)
	case "binary":
		err = b.RunBinaryROI(ctx, *sequence)
	case "temporal":
		err = b.RunTemporalROI(ctx, *sequence)
	case "hierarchical":
		err = b.RunHierarchical(ctx, *sequence)
	case "full":
		err = b.RunFullSystem(ctx, *sequence)
	case "all":
		err = b.RunAll(ctx, *sequence)
	default:
		err = fmt.Errorf("unknown experiment '%v'", *experiment)
	}
	check(err)
	logger.Infof("Done")
}

func parseQPList(s string) ([]int, error) {
	qps := []int{}
	for _, part := range strings.Split(s, ",") {
		qp, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid QP value '%v'", part)
		}
		qps = append(qps, qp)
	}
	return qps, nil
}

// runComparison prints BD-Rate, BD-PSNR, and time saving between two stored
// experiments, averaged per rate point across sequences.
func runComparison(logger logs.Log, b *bench.Bench, spec string) error {
	anchorName, testName, ok := strings.Cut(spec, ":")
	if !ok {
		return fmt.Errorf("compare spec must be anchor:test, eg baseline:full")
	}
	anchor, err := b.DB().Experiment(anchorName)
	if err != nil {
		return err
	}
	test, err := b.DB().Experiment(testName)
	if err != nil {
		return err
	}
	if len(anchor) == 0 || len(test) == 0 {
		return fmt.Errorf("no stored results for '%v' and/or '%v'", anchorName, testName)
	}

	eval := bdrate.NewEvaluator(logger)
	bdRate, err := eval.BDRate(rdCurve(anchor), rdCurve(test))
	if err != nil {
		return err
	}
	bdPSNR, err := eval.BDPSNR(rdCurve(anchor), rdCurve(test))
	if err != nil {
		return err
	}
	timeSaving := eval.TimeSaving(encodeTimes(anchor), encodeTimes(test))

	fmt.Printf("%v vs %v:\n", testName, anchorName)
	fmt.Printf("  BD-Rate:     %+.2f %%\n", bdRate)
	fmt.Printf("  BD-PSNR:     %+.3f dB\n", bdPSNR)
	fmt.Printf("  Time saving: %+.1f %%\n", timeSaving)
	return nil
}

// rdCurve averages the stored rows into one (rate, PSNR) point per QP.
func rdCurve(rows []resultsdb.Encode) []bdrate.RDPoint {
	type acc struct {
		rate, psnr float64
		n          int
	}
	byQP := map[int]*acc{}
	for _, r := range rows {
		a := byQP[r.QP]
		if a == nil {
			a = &acc{}
			byQP[r.QP] = a
		}
		a.rate += r.Bitrate
		a.psnr += r.PSNRY
		a.n++
	}
	points := []bdrate.RDPoint{}
	for _, a := range byQP {
		points = append(points, bdrate.RDPoint{
			Rate: a.rate / float64(a.n),
			PSNR: a.psnr / float64(a.n),
		})
	}
	return points
}

func encodeTimes(rows []resultsdb.Encode) []float64 {
	times := make([]float64, len(rows))
	for i, r := range rows {
		times[i] = r.EncodingTime
	}
	return times
}
