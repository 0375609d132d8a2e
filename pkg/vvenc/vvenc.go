// Package vvenc drives the VVenC command line encoder (vvencapp) as a
// subprocess, with optional coding-unit QP maps.
package vvenc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roibench/pkg/gop"
	"github.com/cyclopcam/roibench/pkg/qpmap"
	"github.com/cyclopcam/roibench/pkg/shell"
)

// Config configures an Encoder. The zero value of most fields gets a usable
// default from validate.
type Config struct {
	Path        string        `json:"path"`        // vvencapp executable. Empty = probe well known locations.
	Preset      string        `json:"preset"`      // Default "medium"
	Threads     int           `json:"threads"`     // Default 8
	Family      gop.Family    `json:"family"`      // AI, RA or LDP. Default AI.
	GOPSize     int           `json:"gopSize"`     // Default 16
	IntraPeriod int           `json:"intraPeriod"` // Default 32
	FrameRate   int           `json:"frameRate"`   // Default 30
	CTUSize     int           `json:"ctuSize"`     // Default 128
	Timeout     time.Duration `json:"timeout"`     // Per-encode limit. Default 3h (all-intra runs are slow).
}

func (c *Config) validate() error {
	if c.Preset == "" {
		c.Preset = "medium"
	}
	if c.Threads == 0 {
		c.Threads = 8
	}
	if c.Family == "" {
		c.Family = gop.FamilyAllIntra
	}
	if c.GOPSize == 0 {
		c.GOPSize = 16
	}
	if c.IntraPeriod == 0 {
		c.IntraPeriod = 32
	}
	if c.FrameRate == 0 {
		c.FrameRate = 30
	}
	if c.CTUSize == 0 {
		c.CTUSize = 128
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Hour
	}
	switch c.Family {
	case gop.FamilyAllIntra, gop.FamilyRandomAccess, gop.FamilyLowDelayP:
	default:
		return fmt.Errorf("unknown coding configuration family '%v'", c.Family)
	}
	return nil
}

// Result holds the statistics of one encode.
type Result struct {
	Bitrate      float64 // kbps
	PSNRY        float64 // dB
	PSNRU        float64
	PSNRV        float64
	EncodingTime float64 // seconds
	Frames       int
	OutputFile   string
}

// Encoder wraps the vvencapp binary.
type Encoder struct {
	log logs.Log
	cfg Config
}

// Locations we try when Config.Path is empty.
var probePaths = []string{
	"vvencapp",
	"vvenc/build/bin/release-static/vvencapp",
}

func NewEncoder(log logs.Log, cfg Config) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		path, err := findVvenc()
		if err != nil {
			return nil, err
		}
		cfg.Path = path
	}
	log.Infof("VVenC encoder: %v (preset %v, %v)", cfg.Path, cfg.Preset, cfg.Family)
	return &Encoder{
		log: log,
		cfg: cfg,
	}, nil
}

func findVvenc() (string, error) {
	for _, path := range probePaths {
		if _, err := shell.RunTimeout(5*time.Second, path, "--version"); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("vvencapp not found in PATH. Install VVenC or set the encoder path explicitly")
}

// Encode runs one encode of a raw YUV 4:2:0 input file. qpMapFile, when not
// empty, names a QP grid file produced by WriteQPMapFile. The vvencapp CLI
// has no QP map option (that requires the library API), so the map is logged
// and the encode proceeds with the uniform base QP.
func (e *Encoder) Encode(ctx context.Context, inputFile, outputFile string, qp, width, height int, qpMapFile string) (Result, error) {
	args := e.buildArgs(inputFile, outputFile, qp, width, height)

	if qpMapFile != "" {
		if _, err := os.Stat(qpMapFile); err == nil {
			e.log.Warnf("QP map %v provided, but the vvencapp CLI cannot apply per-CTU QPs. Encoding with uniform QP %v", qpMapFile, qp)
		}
	}

	e.log.Infof("Encoding %v -> %v (QP %v)", inputFile, outputFile, qp)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.cfg.Path, args...)
	stdout := bytes.Buffer{}
	stderr := bytes.Buffer{}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("encoding %v: %w", inputFile, ctx.Err())
		}
		return Result{}, fmt.Errorf("encoding %v: %w: %v", inputFile, err, stderr.String())
	}
	elapsed := time.Since(start).Seconds()

	// vvencapp writes its statistics to stdout or stderr depending on version
	text := stdout.String()
	if text == "" {
		text = stderr.String()
	}
	res := e.parseOutput(text, elapsed)
	res.OutputFile = outputFile
	e.log.Infof("Encoded %v: %.2f kbps, %.2f dB Y-PSNR, %.2fs", outputFile, res.Bitrate, res.PSNRY, res.EncodingTime)
	return res, nil
}

// EncodeWithQPMap serializes the CTU grid to a temp file, encodes, and
// removes the file.
func (e *Encoder) EncodeWithQPMap(ctx context.Context, inputFile, outputFile string, baseQP int, ctu *qpmap.CTUMap, width, height int) (Result, error) {
	f, err := os.CreateTemp("", "qpmap-*.txt")
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(f.Name())
	if err := e.WriteQPMapFile(f, ctu); err != nil {
		f.Close()
		return Result{}, err
	}
	if err := f.Close(); err != nil {
		return Result{}, err
	}
	return e.Encode(ctx, inputFile, outputFile, baseQP, width, height, f.Name())
}

func (e *Encoder) buildArgs(inputFile, outputFile string, qp, width, height int) []string {
	args := []string{
		"-i", inputFile,
		"-o", outputFile,
	}
	if width > 0 && height > 0 {
		args = append(args, "-s", fmt.Sprintf("%vx%v", width, height))
	}
	args = append(args,
		"-q", strconv.Itoa(qp),
		"-r", strconv.Itoa(e.cfg.FrameRate),
		"--preset", e.cfg.Preset,
	)
	switch e.cfg.Family {
	case gop.FamilyAllIntra:
		args = append(args, "--IntraPeriod", "1")
	case gop.FamilyRandomAccess:
		args = append(args, "--IntraPeriod", strconv.Itoa(e.cfg.IntraPeriod), "--GOPSize", strconv.Itoa(e.cfg.GOPSize))
	case gop.FamilyLowDelayP:
		args = append(args, "--IntraPeriod", strconv.Itoa(e.cfg.IntraPeriod), "--GOPSize", strconv.Itoa(e.cfg.GOPSize), "--LowDelay", "1")
	}
	args = append(args,
		"--threads", strconv.Itoa(e.cfg.Threads),
		"--verbosity", "4", // verbose enough to print the statistics table
	)
	return args
}

// Output formats vary across vvencapp versions, so each statistic is tried
// against several patterns.
var (
	bitratePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)avg_bitrate[=\s]+([\d.]+)\s+kbps`),
		regexp.MustCompile(`(?i)Bitrate\s+([\d.]+)`),
		regexp.MustCompile(`(?i)Total Bitrate:\s+([\d.]+)\s+kbps`),
		regexp.MustCompile(`(?i)bitrate.*?:\s+([\d.]+)\s+kbps`),
		regexp.MustCompile(`(?i)avg bitrate\s+([\d.]+)\s+kbit/s`),
	}
	psnrPatterns = []*regexp.Regexp{
		// Table format: a header row, then "<frames> <a> <bitrate> <Y> <U> <V>"
		regexp.MustCompile(`(?is)Y-PSNR\s+U-PSNR\s+V-PSNR.*?\d+\s+[a-z]?\s+[\d.]+\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)`),
		regexp.MustCompile(`(?is)Y-PSNR[:\s]+([\d.]+)\s+U-PSNR[:\s]+([\d.]+)\s+V-PSNR[:\s]+([\d.]+)`),
		regexp.MustCompile(`(?is)PSNR.*?Y[:\s]+([\d.]+)\s+U[:\s]+([\d.]+)\s+V[:\s]+([\d.]+)`),
	}
	framesPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+)\s+frames`),
		regexp.MustCompile(`(?i)frames.*?:\s*(\d+)`),
	}
	versionPattern = regexp.MustCompile(`vvencapp:\s+([\d.]+)`)
)

// parseOutput extracts the encode statistics from vvencapp's console output.
// Missing fields stay zero; parsing never fails the encode.
func (e *Encoder) parseOutput(text string, elapsed float64) Result {
	res := Result{EncodingTime: elapsed}

	for _, p := range bitratePatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			res.Bitrate, _ = strconv.ParseFloat(m[1], 64)
			break
		}
	}
	for _, p := range psnrPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			res.PSNRY, _ = strconv.ParseFloat(m[1], 64)
			res.PSNRU, _ = strconv.ParseFloat(m[2], 64)
			res.PSNRV, _ = strconv.ParseFloat(m[3], 64)
			break
		}
	}
	for _, p := range framesPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			res.Frames, _ = strconv.Atoi(m[1])
			break
		}
	}

	if res.Bitrate == 0 || res.PSNRY == 0 {
		e.log.Warnf("Failed to parse some encoding statistics (bitrate %v, Y-PSNR %v)", res.Bitrate, res.PSNRY)
	}
	return res
}

// WriteQPMapFile serializes a CTU QP grid as a commented header followed by
// space separated integer rows.
func (e *Encoder) WriteQPMapFile(w io.Writer, ctu *qpmap.CTUMap) error {
	if _, err := fmt.Fprintf(w, "# QP map\n# CTU size: %vx%v\n# Grid: %vx%v\n\n", ctu.CTUSize, ctu.CTUSize, ctu.Height, ctu.Width); err != nil {
		return err
	}
	for y := 0; y < ctu.Height; y++ {
		for x := 0; x < ctu.Width; x++ {
			if _, err := fmt.Fprintf(w, "%v ", ctu.At(x, y)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// Version probes the encoder binary for its version string.
func (e *Encoder) Version() (string, error) {
	out, err := shell.RunTimeout(5*time.Second, e.cfg.Path, "--version")
	if err != nil {
		return "", err
	}
	if m := versionPattern.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	return "unknown", nil
}
