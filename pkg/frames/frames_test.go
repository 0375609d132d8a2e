package frames

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func solidImage(width, height int, r, g, b byte) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			row[x*3] = r
			row[x*3+1] = g
			row[x*3+2] = b
		}
	}
	return img
}

func TestToGray(t *testing.T) {
	// Pure white and pure black hit the extremes of the luma transfer
	white := ToGray(solidImage(8, 8, 255, 255, 255))
	require.Equal(t, byte(255), white.At(0, 0))

	black := ToGray(solidImage(8, 8, 0, 0, 0))
	require.Equal(t, byte(0), black.At(3, 3))

	// Green dominates the luma weights
	green := ToGray(solidImage(8, 8, 0, 255, 0))
	red := ToGray(solidImage(8, 8, 255, 0, 0))
	require.Greater(t, green.At(0, 0), red.At(0, 0))
}

func TestLoadSequence(t *testing.T) {
	dir := t.TempDir()
	params := cimg.MakeCompressParams(cimg.Sampling444, 95, 0)
	require.NoError(t, solidImage(16, 16, 10, 20, 30).WriteJPEG(filepath.Join(dir, "frame_0002.jpg"), params, 0644))
	require.NoError(t, solidImage(16, 16, 40, 50, 60).WriteJPEG(filepath.Join(dir, "frame_0001.jpg"), params, 0644))
	require.NoError(t, solidImage(16, 16, 70, 80, 90).WriteJPEG(filepath.Join(dir, "frame_0003.jpg"), params, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	imgs, err := LoadSequence(dir, 0)
	require.NoError(t, err)
	require.Len(t, imgs, 3)

	imgs, err = LoadSequence(dir, 2)
	require.NoError(t, err)
	require.Len(t, imgs, 2)

	_, err = LoadSequence(t.TempDir(), 0)
	require.Error(t, err)
}

func TestWriteYUV420(t *testing.T) {
	imgs := []*cimg.Image{
		solidImage(16, 8, 255, 255, 255),
		solidImage(16, 8, 0, 0, 0),
	}
	fn := filepath.Join(t.TempDir(), "out.yuv")
	require.NoError(t, WriteYUV420(fn, imgs))

	raw, err := os.ReadFile(fn)
	require.NoError(t, err)
	frameSize := 16*8 + 2*(16*8/4)
	require.Len(t, raw, 2*frameSize)

	// White frame: luma at max, chroma neutral
	require.Equal(t, byte(255), raw[0])
	require.Equal(t, byte(128), raw[16*8]) // U plane start
	// Black frame: luma zero, chroma neutral
	require.Equal(t, byte(0), raw[frameSize])
	require.Equal(t, byte(128), raw[frameSize+16*8])
}
