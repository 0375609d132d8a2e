package motion

import (
	"fmt"

	"github.com/cyclopcam/roibench/pkg/frames"
	"github.com/cyclopcam/roibench/pkg/stats"
)

// Estimator computes the dense motion field from prev to cur.
type Estimator interface {
	Estimate(prev, cur *frames.Gray) (*Field, error)
}

// BlockConfig configures a BlockEstimator.
type BlockConfig struct {
	BlockSize     int `json:"blockSize"`     // Matching block edge in pixels. Default 16.
	SearchRadius  int `json:"searchRadius"`  // Full search radius at the coarsest pyramid level. Default 8.
	RefineRadius  int `json:"refineRadius"`  // Search radius when refining at finer levels. Default 2.
	PyramidLevels int `json:"pyramidLevels"` // Default 3.
}

func (c *BlockConfig) validate() error {
	if c.BlockSize == 0 {
		c.BlockSize = 16
	}
	if c.SearchRadius == 0 {
		c.SearchRadius = 8
	}
	if c.RefineRadius == 0 {
		c.RefineRadius = 2
	}
	if c.PyramidLevels == 0 {
		c.PyramidLevels = 3
	}
	if c.BlockSize < 2 || c.SearchRadius < 1 || c.PyramidLevels < 1 {
		return fmt.Errorf("invalid block matching config: blockSize %v, searchRadius %v, pyramidLevels %v",
			c.BlockSize, c.SearchRadius, c.PyramidLevels)
	}
	return nil
}

// BlockEstimator is a pyramidal SAD block matcher. It computes one motion
// vector per block, coarse to fine, and replicates block vectors to a dense
// per-pixel field. Identical input frames produce an exactly zero field,
// because the zero displacement is searched first and only a strictly lower
// cost can displace it.
type BlockEstimator struct {
	cfg BlockConfig
}

func NewBlockEstimator(cfg BlockConfig) (*BlockEstimator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &BlockEstimator{cfg: cfg}, nil
}

type blockGrid struct {
	w, h   int // blocks
	dx, dy []float32
}

func newBlockGrid(w, h int) *blockGrid {
	return &blockGrid{
		w:  w,
		h:  h,
		dx: make([]float32, w*h),
		dy: make([]float32, w*h),
	}
}

func (e *BlockEstimator) Estimate(prev, cur *frames.Gray) (*Field, error) {
	if prev.Width != cur.Width || prev.Height != cur.Height {
		return nil, fmt.Errorf("frame sizes disagree: %vx%v vs %vx%v", prev.Width, prev.Height, cur.Width, cur.Height)
	}

	// Build pyramids. Stop early if frames get too small to hold one block.
	prevPyr := []*frames.Gray{prev}
	curPyr := []*frames.Gray{cur}
	for level := 1; level < e.cfg.PyramidLevels; level++ {
		p := prevPyr[level-1]
		if p.Width/2 < e.cfg.BlockSize || p.Height/2 < e.cfg.BlockSize {
			break
		}
		prevPyr = append(prevPyr, downsample(p))
		curPyr = append(curPyr, downsample(curPyr[level-1]))
	}

	var grid *blockGrid
	for level := len(prevPyr) - 1; level >= 0; level-- {
		p := prevPyr[level]
		c := curPyr[level]
		nbx := (p.Width + e.cfg.BlockSize - 1) / e.cfg.BlockSize
		nby := (p.Height + e.cfg.BlockSize - 1) / e.cfg.BlockSize
		next := newBlockGrid(nbx, nby)

		for by := 0; by < nby; by++ {
			for bx := 0; bx < nbx; bx++ {
				// Initial guess from the coarser level, doubled
				initDX, initDY := 0, 0
				radius := e.cfg.SearchRadius
				if grid != nil {
					cbx := min(bx/2, grid.w-1)
					cby := min(by/2, grid.h-1)
					initDX = int(2 * grid.dx[cby*grid.w+cbx])
					initDY = int(2 * grid.dy[cby*grid.w+cbx])
					radius = e.cfg.RefineRadius
				}
				dx, dy := e.searchBlock(p, c, bx*e.cfg.BlockSize, by*e.cfg.BlockSize, initDX, initDY, radius)
				next.dx[by*nbx+bx] = float32(dx)
				next.dy[by*nbx+bx] = float32(dy)
			}
		}
		grid = next
	}

	// Replicate block vectors to a dense per-pixel field
	field := NewField(prev.Width, prev.Height)
	for y := 0; y < prev.Height; y++ {
		by := min(y/e.cfg.BlockSize, grid.h-1)
		for x := 0; x < prev.Width; x++ {
			bx := min(x/e.cfg.BlockSize, grid.w-1)
			i := y*prev.Width + x
			field.DX[i] = grid.dx[by*grid.w+bx]
			field.DY[i] = grid.dy[by*grid.w+bx]
		}
	}
	return field, nil
}

// searchBlock finds the displacement of the block at (x0,y0) in prev that
// minimizes SAD against cur, searching a square window around the initial
// guess. The initial guess is evaluated first so that ties keep it.
func (e *BlockEstimator) searchBlock(prev, cur *frames.Gray, x0, y0, initDX, initDY, radius int) (int, int) {
	bestDX, bestDY := initDX, initDY
	bestCost := blockSAD(prev, cur, x0, y0, initDX, initDY, e.cfg.BlockSize)
	for dy := initDY - radius; dy <= initDY+radius; dy++ {
		for dx := initDX - radius; dx <= initDX+radius; dx++ {
			if dx == initDX && dy == initDY {
				continue
			}
			cost := blockSAD(prev, cur, x0, y0, dx, dy, e.cfg.BlockSize)
			if cost < bestCost {
				bestCost = cost
				bestDX, bestDY = dx, dy
			}
		}
	}
	return bestDX, bestDY
}

// blockSAD is the sum of absolute differences between the block at (x0,y0)
// in prev and the block at (x0+dx, y0+dy) in cur. Samples outside the frame
// are clamped to the nearest edge pixel.
func blockSAD(prev, cur *frames.Gray, x0, y0, dx, dy, blockSize int) int {
	sad := 0
	for y := y0; y < y0+blockSize; y++ {
		py := stats.Clamp(y, 0, prev.Height-1)
		cy := stats.Clamp(y+dy, 0, cur.Height-1)
		for x := x0; x < x0+blockSize; x++ {
			px := stats.Clamp(x, 0, prev.Width-1)
			cx := stats.Clamp(x+dx, 0, cur.Width-1)
			d := int(prev.Pix[py*prev.Width+px]) - int(cur.Pix[cy*cur.Width+cx])
			if d < 0 {
				d = -d
			}
			sad += d
		}
	}
	return sad
}

// downsample halves an image by averaging 2x2 pixel groups.
func downsample(g *frames.Gray) *frames.Gray {
	w := g.Width / 2
	h := g.Height / 2
	out := frames.NewGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := int(g.Pix[(y*2)*g.Width+x*2]) +
				int(g.Pix[(y*2)*g.Width+x*2+1]) +
				int(g.Pix[(y*2+1)*g.Width+x*2]) +
				int(g.Pix[(y*2+1)*g.Width+x*2+1])
			out.Pix[y*w+x] = byte(sum / 4)
		}
	}
	return out
}
