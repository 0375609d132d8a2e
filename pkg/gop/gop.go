// Package gop plans the coding structure of a video sequence: per-frame
// coding roles, temporal layers, reference lists, and the set of frames
// where the object detector runs ("keyframes").
package gop

import (
	"fmt"
	"math"
	"sort"

	"github.com/cyclopcam/logs"
)

// Family is the coding configuration family.
type Family string

const (
	FamilyAllIntra     Family = "AI"  // Every frame is intra coded
	FamilyRandomAccess Family = "RA"  // Hierarchical B with periodic intra frames
	FamilyLowDelayP    Family = "LDP" // P frames referencing the previous frame
)

// FrameRole is the coding role of a single frame.
type FrameRole int

const (
	RoleIntra FrameRole = iota
	RolePredicted
	RoleBidirectional
)

func (r FrameRole) String() string {
	switch r {
	case RoleIntra:
		return "I"
	case RolePredicted:
		return "P"
	case RoleBidirectional:
		return "B"
	}
	return "?"
}

// FrameDescriptor describes one frame of the planned coding structure.
// Descriptors are created once per sequence and are read-only thereafter.
type FrameDescriptor struct {
	Index         int       // Frame index in the sequence
	POC           int       // Picture order count (display order)
	Role          FrameRole // I, P or B
	TemporalLayer int       // 0 is decoded first
	QPOffset      int       // QP offset for this frame's temporal layer
	RefFrames     []int     // Display-order reference frame indices
	IsKeyframe    bool      // True if the detector runs on this frame. Intra frames are always keyframes, even off the KeyframeInterval grid.
}

// Config configures a Planner. All fields are validated by NewPlanner.
type Config struct {
	Family            Family `json:"family"`
	GOPSize           int    `json:"gopSize"`           // Mini-GOP size for RA
	IntraPeriod       int    `json:"intraPeriod"`       // Distance between intra frames (RA, LDP)
	KeyframeInterval  int    `json:"keyframeInterval"`  // Detector cadence. 0 means GOPSize.
	QPOffsets         []int  `json:"qpOffsets"`         // Per temporal layer (RA). Empty means [1,2,3,4].
}

func (c *Config) validate() error {
	switch c.Family {
	case FamilyAllIntra, FamilyRandomAccess, FamilyLowDelayP:
	default:
		return fmt.Errorf("unknown coding configuration family '%v'", c.Family)
	}
	if c.GOPSize <= 0 {
		return fmt.Errorf("gopSize must be positive (have %v)", c.GOPSize)
	}
	if c.IntraPeriod <= 0 {
		return fmt.Errorf("intraPeriod must be positive (have %v)", c.IntraPeriod)
	}
	if c.KeyframeInterval == 0 {
		c.KeyframeInterval = c.GOPSize
	}
	if c.KeyframeInterval < 0 {
		return fmt.Errorf("keyframeInterval must be positive (have %v)", c.KeyframeInterval)
	}
	if len(c.QPOffsets) == 0 {
		c.QPOffsets = []int{1, 2, 3, 4}
	}
	return nil
}

// Planner produces frame structures for a fixed configuration.
type Planner struct {
	log logs.Log
	cfg Config
}

// NewPlanner validates cfg, fills in defaults, and returns a Planner.
func NewPlanner(log logs.Log, cfg Config) (*Planner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Planner{
		log: log,
		cfg: cfg,
	}, nil
}

func (p *Planner) Config() Config {
	return p.cfg
}

// FrameStructure returns one FrameDescriptor per frame, in display order.
func (p *Planner) FrameStructure(nFrames int) []FrameDescriptor {
	switch p.cfg.Family {
	case FamilyAllIntra:
		return p.allIntraStructure(nFrames)
	case FamilyRandomAccess:
		return p.randomAccessStructure(nFrames)
	case FamilyLowDelayP:
		return p.lowDelayStructure(nFrames)
	}
	// Unreachable: family is validated at construction
	return nil
}

func (p *Planner) allIntraStructure(nFrames int) []FrameDescriptor {
	frames := make([]FrameDescriptor, 0, nFrames)
	for i := 0; i < nFrames; i++ {
		frames = append(frames, FrameDescriptor{
			Index:      i,
			POC:        i,
			Role:       RoleIntra,
			IsKeyframe: true,
		})
	}
	return frames
}

func (p *Planner) lowDelayStructure(nFrames int) []FrameDescriptor {
	frames := make([]FrameDescriptor, 0, nFrames)
	for i := 0; i < nFrames; i++ {
		if i%p.cfg.IntraPeriod == 0 {
			frames = append(frames, FrameDescriptor{
				Index:      i,
				POC:        i,
				Role:       RoleIntra,
				IsKeyframe: true,
			})
		} else {
			frames = append(frames, FrameDescriptor{
				Index:      i,
				POC:        i,
				Role:       RolePredicted,
				RefFrames:  []int{i - 1},
				IsKeyframe: i%p.cfg.KeyframeInterval == 0,
			})
		}
	}
	return frames
}

func (p *Planner) randomAccessStructure(nFrames int) []FrameDescriptor {
	frames := []FrameDescriptor{}
	for gopStart := 0; gopStart < nFrames; gopStart += p.cfg.IntraPeriod {
		gopEnd := min(gopStart+p.cfg.IntraPeriod, nFrames)

		frames = append(frames, FrameDescriptor{
			Index:      gopStart,
			POC:        gopStart,
			Role:       RoleIntra,
			IsKeyframe: true,
		})

		maxLayers := int(math.Log2(float64(p.cfg.GOPSize))) + 1
		for miniStart := gopStart + 1; miniStart < gopEnd; miniStart += p.cfg.GOPSize {
			miniEnd := min(miniStart+p.cfg.GOPSize, gopEnd)
			frames = append(frames, p.hierarchicalBFrames(miniStart, miniEnd, 0, maxLayers)...)
		}
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].POC < frames[j].POC })
	return frames
}

// hierarchicalBFrames builds the B frames of one mini-GOP over the half-open
// range [start,end) by recursive bisection. Frames are returned in coding
// order: the midpoint of the range at the current temporal layer, followed by
// the midpoints of the two half-ranges at the next layer, and so on.
func (p *Planner) hierarchicalBFrames(start, end, layer, maxLayers int) []FrameDescriptor {
	if start >= end || layer >= maxLayers {
		return nil
	}
	mid := (start + end) / 2

	var refs []int
	if start > 0 {
		refs = []int{start - 1, end}
	} else {
		refs = []int{end}
	}

	frames := []FrameDescriptor{{
		Index:         mid,
		POC:           mid,
		Role:          RoleBidirectional,
		TemporalLayer: layer,
		QPOffset:      p.cfg.QPOffsets[min(layer, len(p.cfg.QPOffsets)-1)],
		RefFrames:     refs,
		IsKeyframe:    mid%p.cfg.KeyframeInterval == 0,
	}}
	frames = append(frames, p.hierarchicalBFrames(start, mid, layer+1, maxLayers)...)
	frames = append(frames, p.hierarchicalBFrames(mid+1, end, layer+1, maxLayers)...)
	return frames
}

// KeyframeIndices returns the indices of frames where the detector runs.
func (p *Planner) KeyframeIndices(nFrames int) []int {
	keyframes := []int{}
	for _, f := range p.FrameStructure(nFrames) {
		if f.IsKeyframe {
			keyframes = append(keyframes, f.Index)
		}
	}
	return keyframes
}

// GOPBoundary is a half-open frame range [Start,End).
type GOPBoundary struct {
	Start int
	End   int
}

// GOPBoundaries returns the GOP ranges of the sequence. For All-Intra every
// frame is its own GOP; otherwise GOPs are GOPSize frames long.
func (p *Planner) GOPBoundaries(nFrames int) []GOPBoundary {
	boundaries := []GOPBoundary{}
	if p.cfg.Family == FamilyAllIntra {
		for i := 0; i < nFrames; i++ {
			boundaries = append(boundaries, GOPBoundary{i, i + 1})
		}
	} else {
		for start := 0; start < nFrames; start += p.cfg.GOPSize {
			boundaries = append(boundaries, GOPBoundary{start, min(start+p.cfg.GOPSize, nFrames)})
		}
	}
	return boundaries
}

// ReferenceFrames returns the display-order reference indices of frameIdx,
// or nil if the frame has none.
func (p *Planner) ReferenceFrames(frameIdx, nFrames int) []int {
	for _, f := range p.FrameStructure(nFrames) {
		if f.Index == frameIdx {
			return f.RefFrames
		}
	}
	return nil
}

// DumpStructure logs the first frames of the planned structure.
func (p *Planner) DumpStructure(nFrames int) {
	frames := p.FrameStructure(nFrames)
	p.log.Infof("Coding structure %v: gopSize %v, intraPeriod %v, keyframeInterval %v",
		p.cfg.Family, p.cfg.GOPSize, p.cfg.IntraPeriod, p.cfg.KeyframeInterval)
	n := min(len(frames), 50)
	for _, f := range frames[:n] {
		p.log.Infof("frame %4d %v layer %d qpOffset %d refs %v keyframe %v",
			f.Index, f.Role, f.TemporalLayer, f.QPOffset, f.RefFrames, f.IsKeyframe)
	}
	if len(frames) > n {
		p.log.Infof("... (%v more frames)", len(frames)-n)
	}
}
