package roi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/roibench/pkg/shell"
)

// Detector finds objects of interest in a frame. Implementations must be
// safe to call once per keyframe. A failed invocation returns an error; the
// caller treats that as "no detections" and carries on.
type Detector interface {
	// Detect returns the detections for the given frame. frameIndex is the
	// position of the frame in the sequence, for implementations that replay
	// precomputed labels.
	Detect(frameIndex int, img *cimg.Image) (DetectionSet, error)
	Close()
}

// Detection is one labelled object in a frame.
type Detection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// FrameLabels holds the objects of one frame.
type FrameLabels struct {
	Frame   int         `json:"frame,omitempty"`
	Objects []Detection `json:"objects"`
}

// VideoLabels holds precomputed detector output for a whole sequence.
type VideoLabels struct {
	Classes []string       `json:"classes"`
	Frames  []*FrameLabels `json:"frames"`
}

// LabelsDetector replays precomputed per-frame labels from a JSON file.
// It stands in for a live neural detector in offline experiment runs, where
// detections are produced once by an external model and reused across encodes.
type LabelsDetector struct {
	labels  VideoLabels
	byFrame map[int]*FrameLabels
}

// NewLabelsDetector loads a labels JSON file.
func NewLabelsDetector(filename string) (*LabelsDetector, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}
	d := &LabelsDetector{
		byFrame: map[int]*FrameLabels{},
	}
	if err := json.Unmarshal(raw, &d.labels); err != nil {
		return nil, fmt.Errorf("failed to parse labels file %v: %w", filename, err)
	}
	for _, f := range d.labels.Frames {
		d.byFrame[f.Frame] = f
	}
	return d, nil
}

func (d *LabelsDetector) Classes() []string {
	return d.labels.Classes
}

func (d *LabelsDetector) Detect(frameIndex int, img *cimg.Image) (DetectionSet, error) {
	out := DetectionSet{}
	frame := d.byFrame[frameIndex]
	if frame == nil {
		return out, nil
	}
	for _, obj := range frame.Objects {
		out.Add(obj.Box, obj.Confidence, obj.Class)
	}
	return out, nil
}

func (d *LabelsDetector) Close() {
}

// ExecDetector invokes an external detector executable once per keyframe.
// The frame is written to a temporary JPEG, the executable is run with the
// file path as its only argument, and its stdout is parsed as a DetectionSet
// JSON document.
type ExecDetector struct {
	cmd     string
	timeout time.Duration
	tempDir string
}

func NewExecDetector(cmd string, timeout time.Duration) *ExecDetector {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecDetector{
		cmd:     cmd,
		timeout: timeout,
		tempDir: os.TempDir(),
	}
}

func (d *ExecDetector) Detect(frameIndex int, img *cimg.Image) (DetectionSet, error) {
	tmp := filepath.Join(d.tempDir, fmt.Sprintf("roibench-detect-%v-%v.jpg", os.Getpid(), frameIndex))
	if err := img.WriteJPEG(tmp, cimg.MakeCompressParams(cimg.Sampling420, 90, 0), 0644); err != nil {
		return DetectionSet{}, fmt.Errorf("failed to write detector input: %w", err)
	}
	defer os.Remove(tmp)

	stdout, err := shell.RunTimeout(d.timeout, d.cmd, tmp)
	if err != nil {
		return DetectionSet{}, fmt.Errorf("detector failed: %w", err)
	}
	out := DetectionSet{}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		return DetectionSet{}, fmt.Errorf("failed to parse detector output: %w", err)
	}
	if len(out.Scores) != len(out.Boxes) || len(out.Classes) != len(out.Boxes) {
		return DetectionSet{}, fmt.Errorf("detector output arrays disagree: %v boxes, %v scores, %v classes",
			len(out.Boxes), len(out.Scores), len(out.Classes))
	}
	return out, nil
}

func (d *ExecDetector) Close() {
}
