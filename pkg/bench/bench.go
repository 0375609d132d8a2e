// Package bench orchestrates the encoding experiments: it loads dataset
// sequences, runs the detection/propagation/tiering/QP pipeline, drives the
// encoder, and records the results.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roibench/pkg/frames"
	"github.com/cyclopcam/roibench/pkg/motion"
	"github.com/cyclopcam/roibench/pkg/propagate"
	"github.com/cyclopcam/roibench/pkg/qpmap"
	"github.com/cyclopcam/roibench/pkg/resultsdb"
	"github.com/cyclopcam/roibench/pkg/roi"
	"github.com/cyclopcam/roibench/pkg/tiermap"
	"github.com/cyclopcam/roibench/pkg/vvenc"
)

// DatasetConfig locates the image sequences. The layout follows the MOT
// datasets: Root/Name/train/<sequence>/img1/*.jpg.
type DatasetConfig struct {
	Root      string `json:"root"`
	Name      string `json:"name"`
	MaxFrames int    `json:"maxFrames"` // 0 = all frames
}

// DetectionConfig configures the object detector and its output filtering.
// Exactly one of LabelsFile or DetectorCmd must be set.
type DetectionConfig struct {
	LabelsFile  string  `json:"labelsFile"`  // Precomputed detections (JSON)
	DetectorCmd string  `json:"detectorCmd"` // External detector executable
	MinScore    float32 `json:"minScore"`    // Minimum detection confidence
	MinBoxSize  float32 `json:"minBoxSize"`  // Minimum box width/height in pixels
	Classes     []int   `json:"classes"`     // Empty = keep all classes
	MergeIoU    float32 `json:"mergeIoU"`    // Merge duplicate boxes above this IoU. 0 = off.
}

// QPConfig configures QP map generation across experiments.
type QPConfig struct {
	Controller qpmap.Config `json:"controller"` // Tiered QP mapping (hierarchical/full experiments)
	BaseQPs    []int        `json:"baseQPs"`    // Rate points. Default [22,27,32,37].
	DeltaQPROI int          `json:"deltaQPROI"` // QP reduction inside ROI CTUs (binary experiments). Default 5.
}

type OutputConfig struct {
	Dir       string `json:"dir"`       // Working directory for YUV and bitstream files
	ResultsDB string `json:"resultsDB"` // Default <dir>/results.sqlite
}

// Config is the top level experiment configuration, loaded from JSON.
type Config struct {
	Dataset   DatasetConfig    `json:"dataset"`
	Encoder   vvenc.Config     `json:"encoder"`
	Detection DetectionConfig  `json:"detection"`
	Temporal  propagate.Config `json:"temporal"`
	Ring      tiermap.Config   `json:"ring"`
	QP        QPConfig         `json:"qp"`
	Output    OutputConfig     `json:"output"`
}

func (c *Config) validate() error {
	if c.Dataset.Root == "" {
		return fmt.Errorf("dataset root is required")
	}
	if c.Detection.LabelsFile == "" && c.Detection.DetectorCmd == "" {
		return fmt.Errorf("either a labels file or a detector command is required")
	}
	if c.Detection.LabelsFile != "" && c.Detection.DetectorCmd != "" {
		return fmt.Errorf("labels file and detector command are mutually exclusive")
	}
	if c.Temporal.KeyframeInterval == 0 {
		c.Temporal.KeyframeInterval = 10
	}
	if len(c.QP.BaseQPs) == 0 {
		c.QP.BaseQPs = []int{22, 27, 32, 37}
	}
	if c.QP.DeltaQPROI == 0 {
		c.QP.DeltaQPROI = 5
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "encoded"
	}
	if c.Output.ResultsDB == "" {
		c.Output.ResultsDB = filepath.Join(c.Output.Dir, "results.sqlite")
	}
	return nil
}

// LoadConfig reads a JSON config file and fills in defaults.
func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %v: %w", filename, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// encodeBackend is the encoder surface the runners use. Satisfied by
// vvenc.Encoder.
type encodeBackend interface {
	Encode(ctx context.Context, inputFile, outputFile string, qp, width, height int, qpMapFile string) (vvenc.Result, error)
	EncodeWithQPMap(ctx context.Context, inputFile, outputFile string, baseQP int, ctu *qpmap.CTUMap, width, height int) (vvenc.Result, error)
}

// Bench owns the pipeline components and runs the experiments.
type Bench struct {
	log        logs.Log
	cfg        *Config
	encoder    encodeBackend
	detector   roi.Detector
	propagator *propagate.Propagator
	classifier *tiermap.Classifier
	controller *qpmap.Controller
	estimator  motion.Estimator
	db         *resultsdb.DB
}

func New(log logs.Log, cfg *Config) (*Bench, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0770); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%v': %w", cfg.Output.Dir, err)
	}

	encoder, err := vvenc.NewEncoder(log, cfg.Encoder)
	if err != nil {
		return nil, err
	}
	detector, err := newDetector(cfg.Detection)
	if err != nil {
		return nil, err
	}
	estimator, err := motion.NewBlockEstimator(motion.BlockConfig{})
	if err != nil {
		return nil, err
	}
	propagator, err := propagate.NewPropagator(log, cfg.Temporal, estimator)
	if err != nil {
		return nil, err
	}
	classifier, err := tiermap.NewClassifier(log, cfg.Ring)
	if err != nil {
		return nil, err
	}
	qpCfg := cfg.QP.Controller
	if qpCfg == (qpmap.Config{}) {
		qpCfg = qpmap.DefaultConfig()
	}
	controller, err := qpmap.NewController(log, qpCfg)
	if err != nil {
		return nil, err
	}
	db, err := resultsdb.Open(log, cfg.Output.ResultsDB)
	if err != nil {
		return nil, err
	}

	return &Bench{
		log:        log,
		cfg:        cfg,
		encoder:    encoder,
		detector:   detector,
		propagator: propagator,
		classifier: classifier,
		controller: controller,
		estimator:  estimator,
		db:         db,
	}, nil
}

func (b *Bench) Close() {
	b.detector.Close()
}

// DB exposes the results store, for BD-rate comparisons after a run.
func (b *Bench) DB() *resultsdb.DB {
	return b.db
}

func newDetector(cfg DetectionConfig) (roi.Detector, error) {
	var inner roi.Detector
	if cfg.LabelsFile != "" {
		d, err := roi.NewLabelsDetector(cfg.LabelsFile)
		if err != nil {
			return nil, err
		}
		inner = d
	} else {
		inner = roi.NewExecDetector(cfg.DetectorCmd, 2*time.Minute)
	}
	return &filteredDetector{inner: inner, cfg: cfg}, nil
}

// filteredDetector applies the configured confidence, class, and size
// filtering plus duplicate merging to every detector result.
type filteredDetector struct {
	inner roi.Detector
	cfg   DetectionConfig
}

func (d *filteredDetector) Detect(frameIndex int, img *cimg.Image) (roi.DetectionSet, error) {
	ds, err := d.inner.Detect(frameIndex, img)
	if err != nil {
		return ds, err
	}
	ds = ds.FilterByScore(d.cfg.MinScore)
	ds = ds.FilterByClass(d.cfg.Classes)
	ds = ds.FilterBySize(d.cfg.MinBoxSize, 0)
	if d.cfg.MergeIoU > 0 {
		ds = roi.MergeDuplicates(ds, d.cfg.MergeIoU)
	}
	return ds.ClipToFrame(img.Width, img.Height), nil
}

func (d *filteredDetector) Close() {
	d.inner.Close()
}

func (b *Bench) ctuSize() int {
	if b.cfg.Encoder.CTUSize != 0 {
		return b.cfg.Encoder.CTUSize
	}
	return 128
}

// sequences lists the dataset's training sequences, or just the named one.
func (b *Bench) sequences(only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}
	trainDir := filepath.Join(b.cfg.Dataset.Root, b.cfg.Dataset.Name, "train")
	entries, err := os.ReadDir(trainDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset sequences in '%v': %w", trainDir, err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no sequences found in '%v'", trainDir)
	}
	return names, nil
}

func (b *Bench) loadFrames(sequence string) ([]*cimg.Image, error) {
	imgDir := filepath.Join(b.cfg.Dataset.Root, b.cfg.Dataset.Name, "train", sequence, "img1")
	return frames.LoadSequence(imgDir, b.cfg.Dataset.MaxFrames)
}

// writeYUV serializes the sequence to a raw I420 file for the encoder.
func (b *Bench) writeYUV(sequence, experiment string, imgs []*cimg.Image) (string, error) {
	path := filepath.Join(b.cfg.Output.Dir, fmt.Sprintf("%v_%v.yuv", sequence, experiment))
	if err := frames.WriteYUV420(path, imgs); err != nil {
		return "", err
	}
	return path, nil
}

func (b *Bench) bitstreamPath(sequence, experiment string, qp int) string {
	return filepath.Join(b.cfg.Output.Dir, fmt.Sprintf("%v_%v_qp%v.266", sequence, experiment, qp))
}

// forEachSequence runs fn for every selected sequence. A failure in one
// sequence is logged and the loop continues; results already written stay.
func (b *Bench) forEachSequence(only string, fn func(sequence string, imgs []*cimg.Image) error) error {
	names, err := b.sequences(only)
	if err != nil {
		return err
	}
	failed := 0
	for _, name := range names {
		b.log.Infof("Processing sequence %v", name)
		imgs, err := b.loadFrames(name)
		if err != nil {
			b.log.Errorf("Failed to load sequence %v: %v", name, err)
			failed++
			continue
		}
		if err := fn(name, imgs); err != nil {
			b.log.Errorf("Sequence %v failed: %v", name, err)
			failed++
		}
	}
	if failed == len(names) {
		return fmt.Errorf("all %v sequences failed", failed)
	}
	return nil
}
