package propagate

import (
	"fmt"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roibench/pkg/frames"
	"github.com/cyclopcam/roibench/pkg/motion"
	"github.com/cyclopcam/roibench/pkg/roi"
	"github.com/stretchr/testify/require"
)

// stubEstimator returns a constant displacement field.
type stubEstimator struct {
	dx, dy float32
}

func (e *stubEstimator) Estimate(prev, cur *frames.Gray) (*motion.Field, error) {
	f := motion.NewField(prev.Width, prev.Height)
	for i := range f.DX {
		f.DX[i] = e.dx
		f.DY[i] = e.dy
	}
	return f, nil
}

// stubDetector returns a fixed DetectionSet and counts invocations.
type stubDetector struct {
	boxes roi.DetectionSet
	calls int
	fail  bool
}

func (d *stubDetector) Detect(frameIndex int, img *cimg.Image) (roi.DetectionSet, error) {
	d.calls++
	if d.fail {
		return roi.DetectionSet{}, fmt.Errorf("detector crashed")
	}
	return d.boxes, nil
}

func (d *stubDetector) Close() {
}

func testFrames(n, width, height int) []*cimg.Image {
	imgs := make([]*cimg.Image, n)
	for i := range imgs {
		imgs[i] = cimg.NewImage(width, height, cimg.PixelFormatRGB)
	}
	return imgs
}

func oneBox() roi.DetectionSet {
	d := roi.DetectionSet{}
	d.Add(roi.Box{X1: 30, Y1: 40, X2: 80, Y2: 90}, 0.9, 0)
	return d
}

func newTestPropagator(t *testing.T, cfg Config, est motion.Estimator) *Propagator {
	p, err := NewPropagator(logs.NewTestingLog(t), cfg, est)
	require.NoError(t, err)
	return p
}

// At zero motion, propagated boxes must equal the detected boxes exactly.
func TestZeroMotionNoDrift(t *testing.T) {
	det := &stubDetector{boxes: oneBox()}
	p := newTestPropagator(t, Config{KeyframeInterval: 10}, &stubEstimator{})

	sets, origins, err := p.PropagateSequence(testFrames(5, 160, 120), det)
	require.NoError(t, err)
	require.Len(t, sets, 5)
	require.Equal(t, OriginDetected, origins[0])
	for i := 1; i < 5; i++ {
		require.Equal(t, OriginPropagated, origins[i])
		require.Equal(t, oneBox().Boxes, sets[i].Boxes)
		require.Equal(t, oneBox().Scores, sets[i].Scores)
	}
	// Only the keyframe ran the detector
	require.Equal(t, 1, det.calls)
}

func TestPropagationFollowsMotion(t *testing.T) {
	det := &stubDetector{boxes: oneBox()}
	p := newTestPropagator(t, Config{KeyframeInterval: 10}, &stubEstimator{dx: 5, dy: -3})

	sets, origins, err := p.PropagateSequence(testFrames(3, 160, 120), det)
	require.NoError(t, err)
	require.Equal(t, OriginPropagated, origins[1])
	require.Equal(t, roi.Box{X1: 35, Y1: 37, X2: 85, Y2: 87}, sets[1].Boxes[0])
	// Displacement accumulates frame over frame
	require.Equal(t, roi.Box{X1: 40, Y1: 34, X2: 90, Y2: 84}, sets[2].Boxes[0])
}

// A motion field above the threshold must force fresh detection.
func TestRedetectionOnLargeMotion(t *testing.T) {
	det := &stubDetector{boxes: oneBox()}
	p := newTestPropagator(t, Config{KeyframeInterval: 10, RedetectionThreshold: 50}, &stubEstimator{dx: 60})

	sets, origins, err := p.PropagateSequence(testFrames(3, 160, 120), det)
	require.NoError(t, err)
	require.Equal(t, OriginDetected, origins[0])
	require.Equal(t, OriginRedetected, origins[1])
	require.Equal(t, OriginRedetected, origins[2])
	require.Equal(t, 3, det.calls)
	require.Equal(t, oneBox().Boxes, sets[2].Boxes)
}

// A box pushed mostly out of the frame triggers re-detection even when the
// overall motion is below the threshold.
func TestRedetectionOnOutOfBounds(t *testing.T) {
	det := &stubDetector{}
	det.boxes.Add(roi.Box{X1: 110, Y1: 40, X2: 150, Y2: 90}, 0.9, 0)
	p := newTestPropagator(t, Config{KeyframeInterval: 10, RedetectionThreshold: 50}, &stubEstimator{dx: 30})

	_, origins, err := p.PropagateSequence(testFrames(2, 160, 120), det)
	require.NoError(t, err)
	// Box moves to x 140..180 in a 160 wide frame: 20px overhang of a 40px
	// box is 50% > 30%
	require.Equal(t, OriginRedetected, origins[1])
}

func TestRedetectionOnDegenerateBox(t *testing.T) {
	det := &stubDetector{}
	det.boxes.Add(roi.Box{X1: 10, Y1: 10, X2: 18, Y2: 60}, 0.9, 0) // 8px wide
	p := newTestPropagator(t, Config{KeyframeInterval: 10, MinBoxSize: 10}, &stubEstimator{})

	_, origins, err := p.PropagateSequence(testFrames(2, 160, 120), det)
	require.NoError(t, err)
	require.Equal(t, OriginRedetected, origins[1])
}

// Detector failures become empty sets, and the frame after an empty set goes
// down the fresh-detection path instead of propagating.
func TestDetectorFailure(t *testing.T) {
	det := &stubDetector{boxes: oneBox(), fail: true}
	p := newTestPropagator(t, Config{KeyframeInterval: 10}, &stubEstimator{})

	sets, origins, err := p.PropagateSequence(testFrames(3, 160, 120), det)
	require.NoError(t, err)
	for i := range sets {
		require.True(t, sets[i].IsEmpty())
		require.Equal(t, OriginDetected, origins[i])
	}
	require.Equal(t, 3, det.calls)
}

func TestStatistics(t *testing.T) {
	det := &stubDetector{boxes: oneBox()}
	p := newTestPropagator(t, Config{KeyframeInterval: 10}, &stubEstimator{})

	sets, _, err := p.PropagateSequence(testFrames(100, 160, 120), det)
	require.NoError(t, err)

	s := p.Statistics(sets)
	require.Equal(t, 100, s.TotalFrames)
	require.Equal(t, 10, s.Keyframes)
	require.Equal(t, 90, s.Propagations)
	require.InDelta(t, 90.0, s.DetectionReduction, 1e-9)
	require.InDelta(t, 1.0, s.MeanDetections, 1e-9)

	require.Equal(t, Statistics{}, p.Statistics(nil))
}

func TestConfigValidation(t *testing.T) {
	_, err := NewPropagator(logs.NewTestingLog(t), Config{KeyframeInterval: -1}, &stubEstimator{})
	require.Error(t, err)
	_, err = NewPropagator(logs.NewTestingLog(t), Config{}, nil)
	require.Error(t, err)
}
