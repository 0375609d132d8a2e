// Package propagate produces a DetectionSet for every frame of a sequence
// while running the object detector only at keyframes. Between keyframes,
// boxes are carried forward along the dense motion field, and fresh detection
// is triggered when motion or box geometry suggests tracking has failed.
package propagate

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roibench/pkg/frames"
	"github.com/cyclopcam/roibench/pkg/motion"
	"github.com/cyclopcam/roibench/pkg/roi"
	"github.com/cyclopcam/roibench/pkg/stats"
)

// FrameOrigin says how a frame's DetectionSet was produced.
type FrameOrigin int

const (
	// OriginDetected: detector ran because the frame is a keyframe, or there
	// was nothing to propagate.
	OriginDetected FrameOrigin = iota
	// OriginRedetected: detector ran because a re-detection trigger fired.
	OriginRedetected
	// OriginPropagated: boxes carried forward from the previous frame.
	OriginPropagated
)

func (o FrameOrigin) String() string {
	switch o {
	case OriginDetected:
		return "detected"
	case OriginRedetected:
		return "redetected"
	case OriginPropagated:
		return "propagated"
	}
	return "?"
}

// Config configures a Propagator.
type Config struct {
	KeyframeInterval     int     `json:"keyframeInterval"`     // Detector cadence. Default 10.
	RedetectionThreshold float32 `json:"redetectionThreshold"` // Max flow magnitude before re-detecting. Default 50.
	MinBoxSize           float32 `json:"minBoxSize"`           // Boxes narrower than this trigger re-detection. Default 10.
	OutOfBoundsRatio     float32 `json:"outOfBoundsRatio"`     // Overhang fraction before re-detecting. Default 0.3.
}

func (c *Config) validate() error {
	if c.KeyframeInterval == 0 {
		c.KeyframeInterval = 10
	}
	if c.RedetectionThreshold == 0 {
		c.RedetectionThreshold = 50
	}
	if c.MinBoxSize == 0 {
		c.MinBoxSize = 10
	}
	if c.OutOfBoundsRatio == 0 {
		c.OutOfBoundsRatio = 0.3
	}
	if c.KeyframeInterval < 1 || c.RedetectionThreshold < 0 || c.MinBoxSize < 0 || c.OutOfBoundsRatio < 0 {
		return fmt.Errorf("invalid propagation config: interval %v, threshold %v, minBoxSize %v, oobRatio %v",
			c.KeyframeInterval, c.RedetectionThreshold, c.MinBoxSize, c.OutOfBoundsRatio)
	}
	return nil
}

// Propagator runs the per-frame detect/propagate state machine.
type Propagator struct {
	log       logs.Log
	cfg       Config
	estimator motion.Estimator
}

func NewPropagator(log logs.Log, cfg Config, estimator motion.Estimator) (*Propagator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if estimator == nil {
		return nil, fmt.Errorf("propagator needs a motion estimator")
	}
	return &Propagator{
		log:       log,
		cfg:       cfg,
		estimator: estimator,
	}, nil
}

// PropagateSequence returns one DetectionSet per frame, and per frame the
// origin of that set. The detector runs at frame 0 and at every
// KeyframeInterval'th frame; elsewhere the previous frame's boxes are moved
// along the motion field unless a re-detection trigger fires. A detector
// failure is logged and yields an empty set for that frame; the next frame
// then falls into the fresh-detection path.
func (p *Propagator) PropagateSequence(imgs []*cimg.Image, detector roi.Detector) ([]roi.DetectionSet, []FrameOrigin, error) {
	sets := make([]roi.DetectionSet, 0, len(imgs))
	origins := make([]FrameOrigin, 0, len(imgs))
	var prevGray *frames.Gray

	for i, img := range imgs {
		gray := frames.ToGray(img)

		if i == 0 || i%p.cfg.KeyframeInterval == 0 {
			sets = append(sets, p.detect(detector, i, img))
			origins = append(origins, OriginDetected)
			prevGray = gray
			continue
		}

		if prevGray != nil && !sets[len(sets)-1].IsEmpty() {
			field, err := p.estimator.Estimate(prevGray, gray)
			if err != nil {
				return nil, nil, fmt.Errorf("motion estimation failed at frame %v: %w", i, err)
			}
			prev := sets[len(sets)-1]
			moved := transformBoxes(prev, field)
			if p.needRedetection(field, moved, img.Width, img.Height) {
				sets = append(sets, p.detect(detector, i, img))
				origins = append(origins, OriginRedetected)
			} else {
				out := moved.ClipToFrame(img.Width, img.Height)
				sets = append(sets, out)
				origins = append(origins, OriginPropagated)
			}
		} else {
			sets = append(sets, p.detect(detector, i, img))
			origins = append(origins, OriginDetected)
		}

		prevGray = gray
	}
	return sets, origins, nil
}

// detect invokes the detector and converts a failure into an empty set.
func (p *Propagator) detect(detector roi.Detector, frameIndex int, img *cimg.Image) roi.DetectionSet {
	d, err := detector.Detect(frameIndex, img)
	if err != nil {
		p.log.Warnf("Detector failed on frame %v: %v", frameIndex, err)
		return roi.DetectionSet{}
	}
	return d
}

// transformBoxes moves every box by the motion field displacement sampled at
// the box center. The returned boxes are not clipped: re-detection triggers
// look at how far they left the frame.
func transformBoxes(d roi.DetectionSet, field *motion.Field) roi.DetectionSet {
	out := roi.DetectionSet{}
	for i, b := range d.Boxes {
		cx, cy := b.Center()
		sx := stats.Clamp(int(cx), 0, field.Width-1)
		sy := stats.Clamp(int(cy), 0, field.Height-1)
		dx, dy := field.At(sx, sy)
		moved := b
		moved.Offset(dx, dy)
		out.Add(moved, d.Scores[i], d.Classes[i])
	}
	return out
}

// needRedetection decides whether the transformed boxes are trustworthy.
func (p *Propagator) needRedetection(field *motion.Field, moved roi.DetectionSet, width, height int) bool {
	if field.MaxMagnitude() > p.cfg.RedetectionThreshold {
		p.log.Debugf("Re-detection: max flow %.1f exceeds %.1f", field.MaxMagnitude(), p.cfg.RedetectionThreshold)
		return true
	}
	w := float32(width)
	h := float32(height)
	for _, b := range moved.Boxes {
		if b.Width() < p.cfg.MinBoxSize || b.Height() < p.cfg.MinBoxSize {
			p.log.Debugf("Re-detection: degenerate box %vx%v", b.Width(), b.Height())
			return true
		}
		if b.X1 < 0 || b.Y1 < 0 || b.X2 > w || b.Y2 > h {
			overhang := math32.Max(
				math32.Max(0, -b.X1)+math32.Max(0, b.X2-w),
				math32.Max(0, -b.Y1)+math32.Max(0, b.Y2-h),
			) / math32.Max(b.Width(), b.Height())
			if overhang > p.cfg.OutOfBoundsRatio {
				p.log.Debugf("Re-detection: box out of frame by %.0f%%", overhang*100)
				return true
			}
		}
	}
	return false
}

// Statistics summarizes a propagation run. Keyframes is the interval census,
// independent of how often re-detection actually fired.
type Statistics struct {
	TotalFrames        int
	Keyframes          int
	Propagations       int
	DetectionReduction float64 // percent of frames that avoided the detector
	MeanDetections     float64
}

func (p *Propagator) Statistics(sets []roi.DetectionSet) Statistics {
	n := len(sets)
	if n == 0 {
		return Statistics{}
	}
	keyframes := (n + p.cfg.KeyframeInterval - 1) / p.cfg.KeyframeInterval
	propagations := n - keyframes
	counts := make([]int, n)
	for i, s := range sets {
		counts[i] = s.Len()
	}
	return Statistics{
		TotalFrames:        n,
		Keyframes:          keyframes,
		Propagations:       propagations,
		DetectionReduction: float64(propagations) / float64(n) * 100,
		MeanDetections:     stats.Mean(counts),
	}
}
