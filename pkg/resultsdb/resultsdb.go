// Package resultsdb stores encode results in an sqlite database, one row per
// (experiment, sequence, QP) encode, and exports them as CSV for plotting.
package resultsdb

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// BaseModel is our base class for a GORM model.
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Encode is the result of one encoder run.
type Encode struct {
	BaseModel
	Experiment       string      `json:"experiment"`       // eg "baseline", "full"
	Sequence         string      `json:"sequence"`         // Dataset sequence name
	QP               int         `json:"qp"`               // Base QP of the run
	KeyframeInterval int         `json:"keyframeInterval"` // 0 when not applicable
	Bitrate          float64     `json:"bitrate"`          // kbps
	PSNRY            float64     `json:"psnrY"`            // dB
	PSNRU            float64     `json:"psnrU"`
	PSNRV            float64     `json:"psnrV"`
	EncodingTime     float64     `json:"encodingTime"` // seconds
	DetectionTime    float64     `json:"detectionTime"`
	PipelineTime     float64     `json:"pipelineTime"` // Whole per-sequence pipeline, seconds
	Frames           int         `json:"frames"`
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	ROICorePct       float64     `json:"roiCorePct"` // Mean tier coverage over the sequence
	ROIContextPct    float64     `json:"roiContextPct"`
	ROIBackgroundPct float64     `json:"roiBackgroundPct"`
	CreatedAt        dbh.IntTime `json:"createdAt"`
}

func (Encode) TableName() string {
	return "encode"
}

// DB is the encode results store.
type DB struct {
	log logs.Log
	db  *gorm.DB
}

// Open opens or creates the results database at path.
func Open(log logs.Log, path string) (*DB, error) {
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(path), migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open results database %v: %w", path, err)
	}
	return &DB{
		log: log,
		db:  db,
	}, nil
}

// Add writes one encode result. Each row is independent, so a failed
// sequence later in a run never affects rows already written.
func (d *DB) Add(enc *Encode) error {
	if enc.CreatedAt.IsZero() {
		enc.CreatedAt.Set(time.Now())
	}
	return d.db.Create(enc).Error
}

// Experiment returns all rows of one experiment, oldest first.
func (d *DB) Experiment(name string) ([]Encode, error) {
	rows := []Encode{}
	if err := d.db.Where("experiment = ?", name).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Experiments returns the distinct experiment names present in the store.
func (d *DB) Experiments() ([]string, error) {
	names := []string{}
	if err := d.db.Model(&Encode{}).Distinct("experiment").Order("experiment").Pluck("experiment", &names).Error; err != nil {
		return nil, err
	}
	return names, nil
}

// ExportCSV writes one experiment's rows as CSV, for plotting tools.
func (d *DB) ExportCSV(w io.Writer, experiment string) error {
	rows, err := d.Experiment(experiment)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := []string{"experiment", "sequence", "qp", "keyframe_interval", "bitrate",
		"psnr_y", "psnr_u", "psnr_v", "encoding_time", "detection_time", "pipeline_time",
		"frames", "width", "height", "roi_core_pct", "roi_context_pct", "roi_background_pct"}
	if err := cw.Write(header); err != nil {
		return err
	}
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, r := range rows {
		rec := []string{
			r.Experiment,
			r.Sequence,
			strconv.Itoa(r.QP),
			strconv.Itoa(r.KeyframeInterval),
			ff(r.Bitrate),
			ff(r.PSNRY),
			ff(r.PSNRU),
			ff(r.PSNRV),
			ff(r.EncodingTime),
			ff(r.DetectionTime),
			ff(r.PipelineTime),
			strconv.Itoa(r.Frames),
			strconv.Itoa(r.Width),
			strconv.Itoa(r.Height),
			ff(r.ROICorePct),
			ff(r.ROIContextPct),
			ff(r.ROIBackgroundPct),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
