package motion

import (
	"testing"

	"github.com/cyclopcam/roibench/pkg/frames"
	"github.com/cyclopcam/roibench/pkg/stats"
	"github.com/stretchr/testify/require"
)

// Smooth pseudo-random texture. Block matching needs low frequency content
// to survive pyramid downsampling, so we blur LCG noise.
func testTexture(width, height int) *frames.Gray {
	seed := uint32(12345)
	noise := frames.NewGray(width, height)
	for i := range noise.Pix {
		seed = seed*1103515245 + 12345
		seed &= 0x7fffffff
		noise.Pix[i] = byte(seed >> 16)
	}
	out := frames.NewGray(width, height)
	r := 3
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sum, n := 0, 0
			for yy := max(0, y-r); yy < min(height, y+r+1); yy++ {
				for xx := max(0, x-r); xx < min(width, x+r+1); xx++ {
					sum += int(noise.At(xx, yy))
					n++
				}
			}
			out.Set(x, y, byte(sum/n))
		}
	}
	return out
}

// Translate the image content by (dx,dy), clamping reads at the edges.
func shift(src *frames.Gray, dx, dy int) *frames.Gray {
	out := frames.NewGray(src.Width, src.Height)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			sx := stats.Clamp(x-dx, 0, src.Width-1)
			sy := stats.Clamp(y-dy, 0, src.Height-1)
			out.Set(x, y, src.At(sx, sy))
		}
	}
	return out
}

func TestZeroMotion(t *testing.T) {
	est, err := NewBlockEstimator(BlockConfig{})
	require.NoError(t, err)

	img := testTexture(64, 64)
	field, err := est.Estimate(img, img)
	require.NoError(t, err)
	for i := range field.DX {
		require.Equal(t, float32(0), field.DX[i])
		require.Equal(t, float32(0), field.DY[i])
	}
	require.Equal(t, float32(0), field.MaxMagnitude())
	require.Equal(t, float32(0), field.MeanMagnitude())
}

func TestGlobalTranslation(t *testing.T) {
	est, err := NewBlockEstimator(BlockConfig{BlockSize: 8, SearchRadius: 8, PyramidLevels: 3})
	require.NoError(t, err)

	prev := testTexture(64, 64)
	cur := shift(prev, 3, 2)
	field, err := est.Estimate(prev, cur)
	require.NoError(t, err)
	for i := range field.DX {
		require.Equal(t, float32(3), field.DX[i])
		require.Equal(t, float32(2), field.DY[i])
	}
}

func TestEstimateSizeMismatch(t *testing.T) {
	est, err := NewBlockEstimator(BlockConfig{})
	require.NoError(t, err)
	_, err = est.Estimate(frames.NewGray(64, 64), frames.NewGray(32, 32))
	require.Error(t, err)
}

func TestFieldHelpers(t *testing.T) {
	f := NewField(4, 4)
	f.DX[5] = 3 // pixel (1,1)
	f.DY[5] = 4

	dx, dy := f.At(1, 1)
	require.Equal(t, float32(3), dx)
	require.Equal(t, float32(4), dy)
	require.Equal(t, float32(5), f.MagnitudeAt(1, 1))
	require.Equal(t, float32(5), f.MaxMagnitude())
	require.InDelta(t, 5.0/16.0, f.MeanMagnitude(), 1e-5)

	require.Equal(t, float32(5), f.MeanMagnitudeInRect(1, 1, 2, 2))
	require.Equal(t, float32(0), f.MeanMagnitudeInRect(2, 2, 2, 2)) // empty
	require.InDelta(t, 5.0/4.0, f.MeanMagnitudeInRect(0, 0, 2, 2), 1e-5)

	s := f.Stats()
	require.Equal(t, float32(5), s.MaxMagnitude)
	require.InDelta(t, 5.0/16.0, s.MeanMagnitude, 1e-5)
	require.InDelta(t, 3.0/16.0, s.MeanDX, 1e-5)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewBlockEstimator(BlockConfig{BlockSize: 1})
	require.Error(t, err)
	_, err = NewBlockEstimator(BlockConfig{SearchRadius: -2})
	require.Error(t, err)
}
