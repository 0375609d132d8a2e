// Package bdrate computes Bjøntegaard delta metrics between two
// rate-distortion curves: the average bitrate difference at equal quality
// (BD-Rate) and the average quality difference at equal bitrate (BD-PSNR).
package bdrate

import (
	"fmt"
	"math"
	"sort"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roibench/pkg/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/interp"
)

// Samples along the common range when integrating the fitted curves.
const integrationSamples = 1000

// RDPoint is one operating point of a rate-distortion curve.
type RDPoint struct {
	Rate float64 // kbps
	PSNR float64 // dB
}

// Evaluator compares rate-distortion curves.
type Evaluator struct {
	log logs.Log
}

func NewEvaluator(log logs.Log) *Evaluator {
	return &Evaluator{log: log}
}

// BDRate is the average bitrate difference of test over anchor at equal
// PSNR, in percent. Negative means the test curve needs fewer bits.
// Curves with no overlapping PSNR range compare as 0.
func (e *Evaluator) BDRate(anchor, test []RDPoint) (float64, error) {
	aPSNR, aRate, err := sortedByPSNR(anchor)
	if err != nil {
		return 0, fmt.Errorf("anchor curve: %w", err)
	}
	tPSNR, tRate, err := sortedByPSNR(test)
	if err != nil {
		return 0, fmt.Errorf("test curve: %w", err)
	}

	lo := math.Max(aPSNR[0], tPSNR[0])
	hi := math.Min(aPSNR[len(aPSNR)-1], tPSNR[len(tPSNR)-1])
	if lo >= hi {
		e.log.Warnf("BD-Rate: no overlapping PSNR range (anchor %.2f-%.2f, test %.2f-%.2f)",
			aPSNR[0], aPSNR[len(aPSNR)-1], tPSNR[0], tPSNR[len(tPSNR)-1])
		return 0, nil
	}

	// Bjøntegaard: fit log(rate) as a function of PSNR, monotone cubic
	aInt, err := integrateFit(aPSNR, logOf(aRate), lo, hi)
	if err != nil {
		return 0, err
	}
	tInt, err := integrateFit(tPSNR, logOf(tRate), lo, hi)
	if err != nil {
		return 0, err
	}

	avgDiff := (tInt - aInt) / (hi - lo)
	return (math.Exp(avgDiff) - 1) * 100, nil
}

// BDPSNR is the average PSNR difference of test over anchor at equal
// bitrate, in dB. Positive means the test curve is better. Curves with no
// overlapping rate range compare as 0.
func (e *Evaluator) BDPSNR(anchor, test []RDPoint) (float64, error) {
	aRate, aPSNR, err := sortedByRate(anchor)
	if err != nil {
		return 0, fmt.Errorf("anchor curve: %w", err)
	}
	tRate, tPSNR, err := sortedByRate(test)
	if err != nil {
		return 0, fmt.Errorf("test curve: %w", err)
	}

	aLogRate := logOf(aRate)
	tLogRate := logOf(tRate)
	lo := math.Max(aLogRate[0], tLogRate[0])
	hi := math.Min(aLogRate[len(aLogRate)-1], tLogRate[len(tLogRate)-1])
	if lo >= hi {
		e.log.Warnf("BD-PSNR: no overlapping rate range")
		return 0, nil
	}

	aInt, err := integrateFit(aLogRate, aPSNR, lo, hi)
	if err != nil {
		return 0, err
	}
	tInt, err := integrateFit(tLogRate, tPSNR, lo, hi)
	if err != nil {
		return 0, err
	}

	return (tInt - aInt) / (hi - lo), nil
}

// TimeSaving is the mean encoding time difference of test over anchor, in
// percent. Negative means the test configuration is faster.
func (e *Evaluator) TimeSaving(anchorTimes, testTimes []float64) float64 {
	if len(anchorTimes) == 0 || len(testTimes) == 0 {
		return 0
	}
	anchor := stats.Mean(anchorTimes)
	if anchor == 0 {
		return 0
	}
	return (stats.Mean(testTimes) - anchor) / anchor * 100
}

// integrateFit fits a monotone cubic through (xs, ys) and integrates it over
// [lo, hi] by trapezoidal sampling.
func integrateFit(xs, ys []float64, lo, hi float64) (float64, error) {
	fit := interp.FritschButland{}
	if err := fit.Fit(xs, ys); err != nil {
		return 0, err
	}
	grid := make([]float64, integrationSamples)
	floats.Span(grid, lo, hi)
	vals := make([]float64, len(grid))
	for i, x := range grid {
		vals[i] = fit.Predict(x)
	}
	return integrate.Trapezoidal(grid, vals), nil
}

func logOf(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = math.Log(v)
	}
	return out
}

func sortedByPSNR(points []RDPoint) (psnr, rate []float64, err error) {
	return sortCurve(points, func(p RDPoint) float64 { return p.PSNR }, func(p RDPoint) float64 { return p.Rate })
}

func sortedByRate(points []RDPoint) (rate, psnr []float64, err error) {
	return sortCurve(points, func(p RDPoint) float64 { return p.Rate }, func(p RDPoint) float64 { return p.PSNR })
}

// sortCurve orders the points by the key axis and validates that the curve
// is usable: at least two points, positive rates, and no duplicate keys
// (the monotone fit needs strictly increasing abscissae).
func sortCurve(points []RDPoint, key, val func(RDPoint) float64) ([]float64, []float64, error) {
	if len(points) < 2 {
		return nil, nil, fmt.Errorf("need at least 2 rate-distortion points, have %v", len(points))
	}
	sorted := make([]RDPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return key(sorted[i]) < key(sorted[j]) })

	keys := make([]float64, len(sorted))
	vals := make([]float64, len(sorted))
	for i, p := range sorted {
		if p.Rate <= 0 {
			return nil, nil, fmt.Errorf("non-positive bitrate %v", p.Rate)
		}
		keys[i] = key(p)
		vals[i] = val(p)
		if i > 0 && keys[i] <= keys[i-1] {
			return nil, nil, fmt.Errorf("duplicate operating point at %v", keys[i])
		}
	}
	return keys, vals, nil
}
