package roi

import (
	flatbush "github.com/bmharper/flatbush-go"
)

// MergeDuplicates removes detections of the same class that overlap an
// already retained detection with IoU >= minIoU, keeping the higher scoring
// one. Detectors frequently emit two boxes for the same object, and double
// counting inflates the core tier area downstream.
func MergeDuplicates(d DetectionSet, minIoU float32) DetectionSet {
	if d.Len() <= 1 {
		return d
	}

	// Spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(d.Len())
	for _, b := range d.Boxes {
		fb.Add(b.X1, b.Y1, b.X2, b.Y2)
	}
	fb.Finish()

	deleted := map[int]bool{}
	nChanged := 1

	for nChanged != 0 {
		nChanged = 0
		for i, b := range d.Boxes {
			if deleted[i] {
				continue
			}
			for _, j := range fb.Search(b.X1, b.Y1, b.X2, b.Y2) {
				if i == j || deleted[j] {
					continue
				}
				if d.Classes[i] != d.Classes[j] {
					continue
				}
				if b.IOU(d.Boxes[j]) >= minIoU && d.Scores[i] >= d.Scores[j] {
					deleted[j] = true
					nChanged++
				}
			}
		}
	}

	out := DetectionSet{}
	for i := range d.Boxes {
		if !deleted[i] {
			out.Add(d.Boxes[i], d.Scores[i], d.Classes[i])
		}
	}
	return out
}
