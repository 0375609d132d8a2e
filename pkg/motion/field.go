// Package motion estimates a dense 2D motion field between consecutive
// grayscale frames.
package motion

import (
	"github.com/chewxy/math32"
	"github.com/cyclopcam/roibench/pkg/stats"
)

// Field is a dense per-pixel displacement field. DX and DY hold the x and y
// displacement of each pixel, row-major.
type Field struct {
	Width  int
	Height int
	DX     []float32
	DY     []float32
}

func NewField(width, height int) *Field {
	return &Field{
		Width:  width,
		Height: height,
		DX:     make([]float32, width*height),
		DY:     make([]float32, width*height),
	}
}

// At returns the displacement at pixel (x,y).
func (f *Field) At(x, y int) (float32, float32) {
	i := y*f.Width + x
	return f.DX[i], f.DY[i]
}

func (f *Field) MagnitudeAt(x, y int) float32 {
	dx, dy := f.At(x, y)
	return math32.Sqrt(dx*dx + dy*dy)
}

func (f *Field) MaxMagnitude() float32 {
	maxSq := float32(0)
	for i := range f.DX {
		sq := f.DX[i]*f.DX[i] + f.DY[i]*f.DY[i]
		if sq > maxSq {
			maxSq = sq
		}
	}
	return math32.Sqrt(maxSq)
}

func (f *Field) MeanMagnitude() float32 {
	if len(f.DX) == 0 {
		return 0
	}
	sum := float64(0)
	for i := range f.DX {
		sum += float64(math32.Sqrt(f.DX[i]*f.DX[i] + f.DY[i]*f.DY[i]))
	}
	return float32(sum / float64(len(f.DX)))
}

// MeanMagnitudeInRect returns the mean displacement magnitude over the pixel
// rectangle [x1,x2) x [y1,y2), clipped to the field. Returns 0 for an empty
// intersection.
func (f *Field) MeanMagnitudeInRect(x1, y1, x2, y2 int) float32 {
	x1 = stats.Clamp(x1, 0, f.Width)
	x2 = stats.Clamp(x2, 0, f.Width)
	y1 = stats.Clamp(y1, 0, f.Height)
	y2 = stats.Clamp(y2, 0, f.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	sum := float64(0)
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			i := y*f.Width + x
			sum += float64(math32.Sqrt(f.DX[i]*f.DX[i] + f.DY[i]*f.DY[i]))
		}
	}
	return float32(sum / float64((x2-x1)*(y2-y1)))
}

// FieldStats summarizes a motion field.
type FieldStats struct {
	MeanMagnitude float32
	MaxMagnitude  float32
	StdMagnitude  float32
	MeanDX        float32
	MeanDY        float32
}

func (f *Field) Stats() FieldStats {
	if len(f.DX) == 0 {
		return FieldStats{}
	}
	mags := make([]float32, len(f.DX))
	for i := range f.DX {
		mags[i] = math32.Sqrt(f.DX[i]*f.DX[i] + f.DY[i]*f.DY[i])
	}
	mean, variance := stats.MeanVar(mags)
	_, maxMag := stats.MinMax(mags)
	return FieldStats{
		MeanMagnitude: float32(mean),
		MaxMagnitude:  maxMag,
		StdMagnitude:  float32(math32.Sqrt(float32(variance))),
		MeanDX:        float32(stats.Mean(f.DX)),
		MeanDY:        float32(stats.Mean(f.DY)),
	}
}
