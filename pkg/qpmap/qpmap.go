// Package qpmap turns tier maps into quantization parameter maps around a
// base QP, optionally adapted to local texture and motion, and aggregates
// them to coding unit granularity.
package qpmap

import (
	"fmt"
	"math"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roibench/pkg/frames"
	"github.com/cyclopcam/roibench/pkg/motion"
	"github.com/cyclopcam/roibench/pkg/roi"
	"github.com/cyclopcam/roibench/pkg/stats"
	"github.com/cyclopcam/roibench/pkg/tiermap"
)

// Map is a per-pixel QP grid, row-major.
type Map struct {
	Width  int
	Height int
	QP     []int32
}

func NewMap(width, height int) *Map {
	return &Map{
		Width:  width,
		Height: height,
		QP:     make([]int32, width*height),
	}
}

func (m *Map) At(x, y int) int32 {
	return m.QP[y*m.Width+x]
}

func (m *Map) Set(x, y int, qp int32) {
	m.QP[y*m.Width+x] = qp
}

// CTUMap is a QP grid at coding unit granularity.
type CTUMap struct {
	Width   int // CTUs per row
	Height  int // CTU rows
	CTUSize int // pixels per CTU edge
	QP      []int32
}

func NewCTUMap(width, height, ctuSize int) *CTUMap {
	return &CTUMap{
		Width:   width,
		Height:  height,
		CTUSize: ctuSize,
		QP:      make([]int32, width*height),
	}
}

func (m *CTUMap) At(x, y int) int32 {
	return m.QP[y*m.Width+x]
}

func (m *CTUMap) Set(x, y int, qp int32) {
	m.QP[y*m.Width+x] = qp
}

// Config configures a Controller. Use DefaultConfig as the starting point:
// the zero value disables adaptation and normalization.
type Config struct {
	BaseAlphaCore    float64 `json:"baseAlphaCore"`    // QP reduction for core pixels. Default 8.
	BaseAlphaContext float64 `json:"baseAlphaContext"` // QP reduction for context pixels. Default 4.
	BaseAlphaBG      float64 `json:"baseAlphaBG"`      // QP increase for background pixels. Default 6.
	Adaptive         bool    `json:"adaptive"`         // Scale alphas by texture/motion complexity
	TextureWeight    float64 `json:"textureWeight"`    // Default 0.3.
	MotionWeight     float64 `json:"motionWeight"`     // Default 0.2.
	Normalize        bool    `json:"normalize"`        // Drive the weighted QP delta sum toward zero
	QPMin            int32   `json:"qpMin"`            // Default 0.
	QPMax            int32   `json:"qpMax"`            // Default 51.
}

func DefaultConfig() Config {
	return Config{
		BaseAlphaCore:    8,
		BaseAlphaContext: 4,
		BaseAlphaBG:      6,
		Adaptive:         true,
		TextureWeight:    0.3,
		MotionWeight:     0.2,
		Normalize:        true,
		QPMin:            0,
		QPMax:            51,
	}
}

func (c *Config) validate() error {
	if c.BaseAlphaCore == 0 {
		c.BaseAlphaCore = 8
	}
	if c.BaseAlphaContext == 0 {
		c.BaseAlphaContext = 4
	}
	if c.BaseAlphaBG == 0 {
		c.BaseAlphaBG = 6
	}
	if c.TextureWeight == 0 {
		c.TextureWeight = 0.3
	}
	if c.MotionWeight == 0 {
		c.MotionWeight = 0.2
	}
	if c.QPMax == 0 {
		c.QPMax = 51
	}
	if c.BaseAlphaCore < 0 || c.BaseAlphaContext < 0 || c.BaseAlphaBG < 0 ||
		c.QPMin < 0 || c.QPMax <= c.QPMin {
		return fmt.Errorf("invalid QP config: alphas %v/%v/%v, range [%v,%v]",
			c.BaseAlphaCore, c.BaseAlphaContext, c.BaseAlphaBG, c.QPMin, c.QPMax)
	}
	return nil
}

// Alpha bounds and normalization tuning. The 0.7/0.3 split and the floors
// are heuristics, not derived from a rate model.
const (
	alphaCoreMin    = 2
	alphaCoreMax    = 15
	alphaContextMin = 1
	alphaContextMax = 10
	alphaBGMin      = 2
	alphaBGMax      = 12

	normalizeCoreShare    = 0.7
	normalizeContextShare = 0.3
)

// Alphas are the per-tier QP deltas. Core and Context are subtracted from
// the base QP, BG is added.
type Alphas struct {
	Core    float64
	Context float64
	BG      float64
}

// Controller maps tier maps to QP maps.
type Controller struct {
	log logs.Log
	cfg Config
}

func NewController(log logs.Log, cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Controller{
		log: log,
		cfg: cfg,
	}, nil
}

// Generate builds the per-pixel QP map for one frame. gray and motionField
// feed the content adaptation and may be nil; without a gray frame the base
// alphas are used unmodified.
func (c *Controller) Generate(tm *tiermap.Map, baseQP int, gray *frames.Gray, motionField *motion.Field) *Map {
	var alphas Alphas
	if c.cfg.Adaptive && gray != nil {
		alphas = c.adaptiveAlphas(tm, gray, motionField)
	} else {
		alphas = Alphas{
			Core:    c.cfg.BaseAlphaCore,
			Context: c.cfg.BaseAlphaContext,
			BG:      c.cfg.BaseAlphaBG,
		}
	}

	base := float64(baseQP)
	m := NewMap(tm.Width, tm.Height)
	for i, tier := range tm.Pix {
		var qp float64
		switch tier {
		case tiermap.TierCore:
			qp = base - alphas.Core
		case tiermap.TierContext:
			qp = base - alphas.Context
		default:
			qp = base + alphas.BG
		}
		qp = math.Min(math.Max(qp, float64(c.cfg.QPMin)), float64(c.cfg.QPMax))
		m.QP[i] = int32(qp)
	}
	return m
}

// adaptiveAlphas computes the content-adapted per-tier deltas, normalized
// toward rate neutrality when enabled.
func (c *Controller) adaptiveAlphas(tm *tiermap.Map, gray *frames.Gray, motionField *motion.Field) Alphas {
	total := float64(len(tm.Pix))
	levels := tiermap.LevelStatistics(tm)
	dCore := float64(levels[tiermap.TierCore].Pixels) / total
	dContext := float64(levels[tiermap.TierContext].Pixels) / total
	dBG := float64(levels[tiermap.TierBackground].Pixels) / total

	lap := laplacian(gray)
	texCore := textureComplexity(lap, tm, tiermap.TierCore)
	texContext := textureComplexity(lap, tm, tiermap.TierContext)
	texBG := textureComplexity(lap, tm, tiermap.TierBackground)

	motionComplexity := 0.5
	if motionField != nil {
		motionComplexity = math.Min(float64(motionField.MeanMagnitude())/50, 1)
	}

	a := Alphas{
		Core:    c.cfg.BaseAlphaCore * (1 + c.cfg.TextureWeight*texCore) * (1 + c.cfg.MotionWeight*motionComplexity),
		Context: c.cfg.BaseAlphaContext * (1 + 0.5*c.cfg.TextureWeight*texContext),
		BG:      c.cfg.BaseAlphaBG * (1 - 0.5*c.cfg.TextureWeight*texBG),
	}

	if c.cfg.Normalize && dCore > 0 {
		a = normalizeAlphas(a, dCore, dContext, dBG)
	}

	a.Core = math.Min(math.Max(a.Core, alphaCoreMin), alphaCoreMax)
	a.Context = math.Min(math.Max(a.Context, alphaContextMin), alphaContextMax)
	a.BG = math.Min(math.Max(a.BG, alphaBGMin), alphaBGMax)
	return a
}

// normalizeAlphas drives the area-weighted signed QP delta
// dCore*(-core) + dContext*(-context) + dBG*(+bg) toward zero, so that a
// quality boost in the ROI is paid for by the background rather than by
// extra bitrate. A negative sum (too many bits spent) is absorbed entirely
// by raising the background alpha. A positive sum (too few bits spent) is
// returned to core and context in a 0.7/0.3 split of the excess; since the
// split never exceeds the excess, the magnitude of the sum strictly shrinks.
func normalizeAlphas(a Alphas, dCore, dContext, dBG float64) Alphas {
	weightedSum := dCore*(-a.Core) + dContext*(-a.Context) + dBG*a.BG
	if weightedSum < 0 {
		if dBG > 0 {
			a.BG += -weightedSum / dBG
		}
	} else if weightedSum > 0 {
		if dCore+dContext > 0 {
			factor := weightedSum / (dCore + dContext)
			a.Core += factor * normalizeCoreShare
			a.Context += factor * normalizeContextShare
		}
	}
	return a
}

// WeightedDeltaSum is the signed rate-neutrality measure for the given
// alphas and tier densities. Zero means the QP deltas are area balanced.
func WeightedDeltaSum(a Alphas, dCore, dContext, dBG float64) float64 {
	return dCore*(-a.Core) + dContext*(-a.Context) + dBG*a.BG
}

// laplacian computes the 4-neighbor Laplacian response of the image, with
// mirrored borders.
func laplacian(g *frames.Gray) []float64 {
	out := make([]float64, g.Width*g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			c := int(g.At(x, y))
			up := int(g.At(x, reflect(y-1, g.Height)))
			down := int(g.At(x, reflect(y+1, g.Height)))
			left := int(g.At(reflect(x-1, g.Width), y))
			right := int(g.At(reflect(x+1, g.Width), y))
			out[y*g.Width+x] = float64(up + down + left + right - 4*c)
		}
	}
	return out
}

// reflect mirrors an out-of-range coordinate back into [0,n) without
// repeating the edge sample.
func reflect(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - 2 - i
	}
	return i
}

// textureComplexity is the variance of the Laplacian response over one
// tier's pixels, scaled into [0,1]. Empty tiers report a neutral 0.5.
func textureComplexity(lap []float64, tm *tiermap.Map, tier tiermap.Tier) float64 {
	vals := []float64{}
	for i, t := range tm.Pix {
		if t == tier {
			vals = append(vals, lap[i])
		}
	}
	if len(vals) == 0 {
		return 0.5
	}
	_, variance := stats.MeanVar(vals)
	return math.Min(variance/1000, 1)
}

// ToCTUMap downsamples a per-pixel QP map to coding unit granularity: each
// cell takes the rounded mean of its pixels, clipped to the QP range.
func (c *Controller) ToCTUMap(m *Map, ctuSize int) *CTUMap {
	ctuW := (m.Width + ctuSize - 1) / ctuSize
	ctuH := (m.Height + ctuSize - 1) / ctuSize
	out := NewCTUMap(ctuW, ctuH, ctuSize)

	for cy := 0; cy < ctuH; cy++ {
		for cx := 0; cx < ctuW; cx++ {
			y2 := min((cy+1)*ctuSize, m.Height)
			x2 := min((cx+1)*ctuSize, m.Width)
			sum := int64(0)
			n := 0
			for y := cy * ctuSize; y < y2; y++ {
				for x := cx * ctuSize; x < x2; x++ {
					sum += int64(m.At(x, y))
					n++
				}
			}
			avg := int32(math.Round(float64(sum) / float64(n)))
			out.Set(cx, cy, stats.Clamp(avg, c.cfg.QPMin, c.cfg.QPMax))
		}
	}
	return out
}

// AverageCTUMaps reduces per-frame CTU maps to a single grid by per-cell
// rounded mean. All maps must have the same dimensions.
func AverageCTUMaps(maps []*CTUMap) (*CTUMap, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("no CTU maps to average")
	}
	first := maps[0]
	for _, m := range maps[1:] {
		if m.Width != first.Width || m.Height != first.Height {
			return nil, fmt.Errorf("CTU map sizes disagree: %vx%v vs %vx%v", m.Width, m.Height, first.Width, first.Height)
		}
	}
	out := NewCTUMap(first.Width, first.Height, first.CTUSize)
	for i := range out.QP {
		sum := int64(0)
		for _, m := range maps {
			sum += int64(m.QP[i])
		}
		out.QP[i] = int32(math.Round(float64(sum) / float64(len(maps))))
	}
	return out, nil
}

// TierQPStats summarizes the QP values of one tier.
type TierQPStats struct {
	Mean float64
	Min  int32
	Max  int32
	Std  float64
}

// Statistics reports per-tier QP statistics, indexed by Tier value. Empty
// tiers report zeroed stats.
func (c *Controller) Statistics(m *Map, tm *tiermap.Map) [tiermap.NumTiers]TierQPStats {
	out := [tiermap.NumTiers]TierQPStats{}
	for tier := 0; tier < tiermap.NumTiers; tier++ {
		vals := []int32{}
		for i, t := range tm.Pix {
			if int(t) == tier {
				vals = append(vals, m.QP[i])
			}
		}
		if len(vals) == 0 {
			continue
		}
		mean, variance := stats.MeanVar(vals)
		lo, hi := stats.MinMax(vals)
		out[tier] = TierQPStats{
			Mean: mean,
			Min:  lo,
			Max:  hi,
			Std:  math.Sqrt(variance),
		}
	}
	return out
}

// BinaryCTUMap builds a coding unit QP grid directly from detections: cells
// overlapping any box get baseQP-deltaQP, the rest get baseQP. A cell counts
// as overlapping if any part of the box touches it.
func BinaryCTUMap(ds roi.DetectionSet, width, height, baseQP, deltaQP, ctuSize int) *CTUMap {
	ctuW := (width + ctuSize - 1) / ctuSize
	ctuH := (height + ctuSize - 1) / ctuSize
	out := NewCTUMap(ctuW, ctuH, ctuSize)
	for i := range out.QP {
		out.QP[i] = int32(baseQP)
	}

	for _, b := range ds.Boxes {
		x1 := stats.Clamp(int(b.X1)/ctuSize, 0, ctuW-1)
		y1 := stats.Clamp(int(b.Y1)/ctuSize, 0, ctuH-1)
		x2 := stats.Clamp(int(b.X2)/ctuSize, 0, ctuW-1)
		y2 := stats.Clamp(int(b.Y2)/ctuSize, 0, ctuH-1)
		for cy := y1; cy <= y2; cy++ {
			for cx := x1; cx <= x2; cx++ {
				out.Set(cx, cy, int32(baseQP-deltaQP))
			}
		}
	}
	return out
}
