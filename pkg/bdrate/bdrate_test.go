package bdrate

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

var anchorCurve = []RDPoint{
	{Rate: 1000, PSNR: 30},
	{Rate: 2000, PSNR: 35},
	{Rate: 4000, PSNR: 40},
	{Rate: 8000, PSNR: 45},
}

func scaleRates(points []RDPoint, factor float64) []RDPoint {
	out := make([]RDPoint, len(points))
	for i, p := range points {
		out[i] = RDPoint{Rate: p.Rate * factor, PSNR: p.PSNR}
	}
	return out
}

func TestBDRateIdentity(t *testing.T) {
	e := NewEvaluator(logs.NewTestingLog(t))
	bd, err := e.BDRate(anchorCurve, anchorCurve)
	require.NoError(t, err)
	require.InDelta(t, 0, bd, 1e-9)
}

// A curve that spends 10% more bits at every quality level must report a
// BD-Rate of exactly +10%.
func TestBDRateUniformScale(t *testing.T) {
	e := NewEvaluator(logs.NewTestingLog(t))

	bd, err := e.BDRate(anchorCurve, scaleRates(anchorCurve, 1.1))
	require.NoError(t, err)
	require.InDelta(t, 10, bd, 1e-6)

	// And 10% fewer bits is roughly -10%
	bd, err = e.BDRate(anchorCurve, scaleRates(anchorCurve, 0.9))
	require.NoError(t, err)
	require.InDelta(t, -10, bd, 1e-6)
}

func TestBDPSNRUniformShift(t *testing.T) {
	e := NewEvaluator(logs.NewTestingLog(t))
	test := make([]RDPoint, len(anchorCurve))
	for i, p := range anchorCurve {
		test[i] = RDPoint{Rate: p.Rate, PSNR: p.PSNR + 1}
	}
	bd, err := e.BDPSNR(anchorCurve, test)
	require.NoError(t, err)
	require.InDelta(t, 1, bd, 1e-6)
}

func TestBDRateNoOverlap(t *testing.T) {
	e := NewEvaluator(logs.NewTestingLog(t))
	test := []RDPoint{
		{Rate: 500, PSNR: 50},
		{Rate: 900, PSNR: 55},
	}
	bd, err := e.BDRate(anchorCurve, test)
	require.NoError(t, err)
	require.Equal(t, 0.0, bd)
}

func TestBDRateInvalidCurves(t *testing.T) {
	e := NewEvaluator(logs.NewTestingLog(t))

	_, err := e.BDRate(anchorCurve[:1], anchorCurve)
	require.Error(t, err)

	dup := []RDPoint{{Rate: 1000, PSNR: 30}, {Rate: 2000, PSNR: 30}}
	_, err = e.BDRate(dup, anchorCurve)
	require.Error(t, err)

	zeroRate := []RDPoint{{Rate: 0, PSNR: 30}, {Rate: 2000, PSNR: 35}}
	_, err = e.BDRate(zeroRate, anchorCurve)
	require.Error(t, err)
}

func TestTimeSaving(t *testing.T) {
	e := NewEvaluator(logs.NewTestingLog(t))
	require.InDelta(t, 20, e.TimeSaving([]float64{10, 20}, []float64{12, 24}), 1e-9)
	require.Equal(t, 0.0, e.TimeSaving(nil, []float64{1}))
	require.Equal(t, 0.0, e.TimeSaving([]float64{0, 0}, []float64{1}))
}
