// Package roi holds the detection data model and the detector boundary.
package roi

import (
	"github.com/chewxy/math32"
)

// Box is an axis-aligned bounding box in pixel coordinates, X2 > X1, Y2 > Y1.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func (b Box) Width() float32 {
	return b.X2 - b.X1
}

func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

func (b Box) Intersection(c Box) Box {
	return Box{
		X1: math32.Max(b.X1, c.X1),
		Y1: math32.Max(b.Y1, c.Y1),
		X2: math32.Min(b.X2, c.X2),
		Y2: math32.Min(b.Y2, c.Y2),
	}
}

// Intersection over Union
func (b Box) IOU(c Box) float32 {
	i := b.Intersection(c)
	if i.X2 <= i.X1 || i.Y2 <= i.Y1 {
		return 0
	}
	return i.Area() / (b.Area() + c.Area() - i.Area())
}

func (b *Box) Offset(dx, dy float32) {
	b.X1 += dx
	b.X2 += dx
	b.Y1 += dy
	b.Y2 += dy
}

// Clip returns the box clipped to frame bounds [0,width] x [0,height].
func (b Box) Clip(width, height int) Box {
	return Box{
		X1: math32.Max(0, math32.Min(b.X1, float32(width))),
		Y1: math32.Max(0, math32.Min(b.Y1, float32(height))),
		X2: math32.Max(0, math32.Min(b.X2, float32(width))),
		Y2: math32.Max(0, math32.Min(b.Y2, float32(height))),
	}
}

// IsDegenerate is true if the box has no interior.
func (b Box) IsDegenerate() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

// DetectionSet is the output of one detector invocation on one frame.
// Boxes, Scores and Classes are parallel arrays.
type DetectionSet struct {
	Boxes   []Box     `json:"boxes"`
	Scores  []float32 `json:"scores"`
	Classes []int     `json:"classes"`
}

func (d DetectionSet) Len() int {
	return len(d.Boxes)
}

func (d DetectionSet) IsEmpty() bool {
	return len(d.Boxes) == 0
}

// Add appends one detection, keeping the parallel arrays in sync.
func (d *DetectionSet) Add(box Box, score float32, class int) {
	d.Boxes = append(d.Boxes, box)
	d.Scores = append(d.Scores, score)
	d.Classes = append(d.Classes, class)
}

// ClipToFrame clips every box to frame bounds and drops boxes that become
// degenerate after clipping.
func (d DetectionSet) ClipToFrame(width, height int) DetectionSet {
	out := DetectionSet{}
	for i, b := range d.Boxes {
		c := b.Clip(width, height)
		if c.IsDegenerate() {
			continue
		}
		out.Add(c, d.Scores[i], d.Classes[i])
	}
	return out
}

// FilterByClass keeps detections whose class is in 'classes'. A nil or empty
// class list keeps everything.
func (d DetectionSet) FilterByClass(classes []int) DetectionSet {
	if len(classes) == 0 {
		return d
	}
	keep := map[int]bool{}
	for _, c := range classes {
		keep[c] = true
	}
	out := DetectionSet{}
	for i, b := range d.Boxes {
		if keep[d.Classes[i]] {
			out.Add(b, d.Scores[i], d.Classes[i])
		}
	}
	return out
}

// FilterByScore keeps detections with confidence of at least minScore.
func (d DetectionSet) FilterByScore(minScore float32) DetectionSet {
	if minScore <= 0 {
		return d
	}
	out := DetectionSet{}
	for i, b := range d.Boxes {
		if d.Scores[i] >= minScore {
			out.Add(b, d.Scores[i], d.Classes[i])
		}
	}
	return out
}

// FilterBySize keeps detections whose width and height are both at least
// minSize, and (if maxSize > 0) at most maxSize.
func (d DetectionSet) FilterBySize(minSize, maxSize float32) DetectionSet {
	out := DetectionSet{}
	for i, b := range d.Boxes {
		w, h := b.Width(), b.Height()
		if w < minSize || h < minSize {
			continue
		}
		if maxSize > 0 && (w > maxSize || h > maxSize) {
			continue
		}
		out.Add(b, d.Scores[i], d.Classes[i])
	}
	return out
}
