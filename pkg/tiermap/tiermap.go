// Package tiermap classifies frame pixels into three quality tiers: the
// detected object boxes (core), an adaptive ring around them (context), and
// everything else (background).
package tiermap

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roibench/pkg/motion"
	"github.com/cyclopcam/roibench/pkg/roi"
	"github.com/cyclopcam/roibench/pkg/stats"
)

// Tier is the quality class of a pixel. Higher value = more important.
type Tier uint8

const (
	TierBackground Tier = 0
	TierContext    Tier = 1
	TierCore       Tier = 2
)

const NumTiers = 3

// Map is a per-pixel tier grid, row-major.
type Map struct {
	Width  int
	Height int
	Pix    []Tier
}

func NewMap(width, height int) *Map {
	return &Map{
		Width:  width,
		Height: height,
		Pix:    make([]Tier, width*height),
	}
}

func (m *Map) At(x, y int) Tier {
	return m.Pix[y*m.Width+x]
}

func (m *Map) Set(x, y int, t Tier) {
	m.Pix[y*m.Width+x] = t
}

// Config configures a Classifier.
type Config struct {
	RingRatio    float32 `json:"ringRatio"`    // Context ring width as a fraction of object size. Default 0.2.
	MinRingWidth int     `json:"minRingWidth"` // Default 10.
	MaxRingWidth int     `json:"maxRingWidth"` // Default 50.
	MotionFactor float32 `json:"motionFactor"` // Ring growth per unit of normalized box motion. Default 0.3.
	FixedRing    bool    `json:"fixedRing"`    // Use a fixed size ratio instead of the adaptive sqrt(area) ring
}

func (c *Config) validate() error {
	if c.RingRatio == 0 {
		c.RingRatio = 0.2
	}
	if c.MinRingWidth == 0 {
		c.MinRingWidth = 10
	}
	if c.MaxRingWidth == 0 {
		c.MaxRingWidth = 50
	}
	if c.MotionFactor == 0 {
		c.MotionFactor = 0.3
	}
	if c.RingRatio < 0 || c.MinRingWidth < 0 || c.MaxRingWidth < c.MinRingWidth || c.MotionFactor < 0 {
		return fmt.Errorf("invalid ring config: ratio %v, width [%v,%v], motionFactor %v",
			c.RingRatio, c.MinRingWidth, c.MaxRingWidth, c.MotionFactor)
	}
	return nil
}

// Classifier turns detections into tier maps.
type Classifier struct {
	log logs.Log
	cfg Config
}

func NewClassifier(log logs.Log, cfg Config) (*Classifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Classifier{
		log: log,
		cfg: cfg,
	}, nil
}

// Generate builds the tier map of one frame. Boxes are processed in input
// order. For each box the context ring is written only over background, so
// it never downgrades core or context laid down by an earlier box; the box
// interior is then written as core unconditionally. motionField may be nil.
func (c *Classifier) Generate(ds roi.DetectionSet, width, height int, motionField *motion.Field) *Map {
	m := NewMap(width, height)

	for _, b := range ds.Boxes {
		x1 := stats.Clamp(int(b.X1), 0, width-1)
		y1 := stats.Clamp(int(b.Y1), 0, height-1)
		x2 := stats.Clamp(int(b.X2), 0, width)
		y2 := stats.Clamp(int(b.Y2), 0, height)
		if x2 <= x1 || y2 <= y1 {
			continue
		}

		ringWidth := c.ringWidth(b, x1, y1, x2, y2, motionField)

		// Context ring, only where still background
		ctxX1 := max(0, x1-ringWidth)
		ctxY1 := max(0, y1-ringWidth)
		ctxX2 := min(width, x2+ringWidth)
		ctxY2 := min(height, y2+ringWidth)
		for y := ctxY1; y < ctxY2; y++ {
			row := m.Pix[y*width:]
			for x := ctxX1; x < ctxX2; x++ {
				if row[x] == TierBackground {
					row[x] = TierContext
				}
			}
		}

		// Core overwrites
		for y := y1; y < y2; y++ {
			row := m.Pix[y*width:]
			for x := x1; x < x2; x++ {
				row[x] = TierCore
			}
		}
	}
	return m
}

// ringWidth computes the context ring width for one box. The adaptive ring
// scales with sqrt(box area) and grows with the mean motion inside the box;
// the fixed ring is a ratio of the mean box edge.
func (c *Classifier) ringWidth(b roi.Box, x1, y1, x2, y2 int, motionField *motion.Field) int {
	var w int
	if c.cfg.FixedRing {
		w = int(float32(x2-x1+y2-y1) / 2 * c.cfg.RingRatio)
	} else {
		w = int(math32.Sqrt(b.Width()*b.Height()) * c.cfg.RingRatio)
		if motionField != nil {
			avgMotion := motionField.MeanMagnitudeInRect(x1, y1, x2, y2)
			w = int(float32(w) * (1 + c.cfg.MotionFactor*(avgMotion/10)))
		}
	}
	return stats.Clamp(w, c.cfg.MinRingWidth, c.cfg.MaxRingWidth)
}

// ToCTUMap downsamples a pixel tier map to coding unit granularity by
// majority vote within each cell. Ties go to the lowest tier.
func ToCTUMap(m *Map, ctuSize int) *Map {
	ctuW := (m.Width + ctuSize - 1) / ctuSize
	ctuH := (m.Height + ctuSize - 1) / ctuSize
	out := NewMap(ctuW, ctuH)

	for cy := 0; cy < ctuH; cy++ {
		for cx := 0; cx < ctuW; cx++ {
			y2 := min((cy+1)*ctuSize, m.Height)
			x2 := min((cx+1)*ctuSize, m.Width)
			counts := [NumTiers]int{}
			for y := cy * ctuSize; y < y2; y++ {
				for x := cx * ctuSize; x < x2; x++ {
					counts[m.At(x, y)]++
				}
			}
			best := 0
			for t := 1; t < NumTiers; t++ {
				if counts[t] > counts[best] {
					best = t
				}
			}
			out.Set(cx, cy, Tier(best))
		}
	}
	return out
}

// LevelStats reports the coverage of one tier.
type LevelStats struct {
	Pixels     int
	Percentage float64
}

// LevelStatistics returns pixel count and percentage per tier, indexed by
// Tier value.
func LevelStatistics(m *Map) [NumTiers]LevelStats {
	counts := [NumTiers]int{}
	for _, t := range m.Pix {
		counts[t]++
	}
	out := [NumTiers]LevelStats{}
	total := len(m.Pix)
	for t := 0; t < NumTiers; t++ {
		out[t] = LevelStats{
			Pixels:     counts[t],
			Percentage: float64(counts[t]) / float64(total) * 100,
		}
	}
	return out
}

// MergeMaps combines per-frame tier maps into one. With nil weights each
// pixel takes the median tier across frames; otherwise the weighted sum is
// rounded to the nearest tier. All maps must have equal dimensions.
func MergeMaps(maps []*Map, weights []float64) (*Map, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("no tier maps to merge")
	}
	if len(maps) == 1 {
		return maps[0], nil
	}
	for _, m := range maps[1:] {
		if m.Width != maps[0].Width || m.Height != maps[0].Height {
			return nil, fmt.Errorf("tier map sizes disagree: %vx%v vs %vx%v", m.Width, m.Height, maps[0].Width, maps[0].Height)
		}
	}
	if weights != nil && len(weights) != len(maps) {
		return nil, fmt.Errorf("have %v weights for %v maps", len(weights), len(maps))
	}

	out := NewMap(maps[0].Width, maps[0].Height)
	vals := make([]Tier, len(maps))
	for i := range out.Pix {
		if weights == nil {
			for j, m := range maps {
				vals[j] = m.Pix[i]
			}
			sort.Slice(vals, func(a, b int) bool { return vals[a] < vals[b] })
			mid := len(vals) / 2
			if len(vals)%2 == 1 {
				out.Pix[i] = vals[mid]
			} else {
				out.Pix[i] = Tier((float64(vals[mid-1]) + float64(vals[mid])) / 2)
			}
		} else {
			sum := 0.0
			for j, m := range maps {
				sum += float64(m.Pix[i]) * weights[j]
			}
			out.Pix[i] = Tier(stats.Clamp(int(sum+0.5), 0, NumTiers-1))
		}
	}
	return out, nil
}
