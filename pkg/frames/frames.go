// Package frames loads image sequences and converts them between the
// colorspaces the pipeline needs: RGB for detection, grayscale for motion
// estimation and texture analysis, planar YUV 4:2:0 for the encoder.
package frames

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// Gray is a single-channel 8-bit image.
type Gray struct {
	Width  int
	Height int
	Pix    []byte
}

func NewGray(width, height int) *Gray {
	return &Gray{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height),
	}
}

func (g *Gray) At(x, y int) byte {
	return g.Pix[y*g.Width+x]
}

func (g *Gray) Set(x, y int, v byte) {
	g.Pix[y*g.Width+x] = v
}

// LoadSequence reads the jpg/png frames of a directory in filename order.
// maxFrames <= 0 means no limit.
func LoadSequence(dir string, maxFrames int) ([]*cimg.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence directory: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if maxFrames > 0 && len(names) > maxFrames {
		names = names[:maxFrames]
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no frames found in %v", dir)
	}

	imgs := make([]*cimg.Image, 0, len(names))
	for _, name := range names {
		img, err := cimg.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %v: %w", name, err)
		}
		imgs = append(imgs, img)
	}
	for _, img := range imgs[1:] {
		if img.Width != imgs[0].Width || img.Height != imgs[0].Height {
			return nil, fmt.Errorf("frame sizes disagree in %v: %vx%v vs %vx%v",
				dir, img.Width, img.Height, imgs[0].Width, imgs[0].Height)
		}
	}
	return imgs, nil
}

// ToGray converts an RGB image to 8-bit luma using integer BT.601 weights.
func ToGray(img *cimg.Image) *Gray {
	g := NewGray(img.Width, img.Height)
	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := g.Pix[y*g.Width:]
		for x := 0; x < img.Width; x++ {
			r := int(src[x*nchan])
			gr := int(src[x*nchan+1])
			b := int(src[x*nchan+2])
			dst[x] = byte((19595*r + 38470*gr + 7471*b) >> 16)
		}
	}
	return g
}

// WriteYUV420 serializes the frames as planar YUV 4:2:0 (I420), one frame
// after the other, which is the raw input format of the external encoder.
// Chroma is point sampled at even pixel positions.
func WriteYUV420(filename string, imgs []*cimg.Image) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create YUV file: %w", err)
	}
	defer f.Close()

	for _, img := range imgs {
		yPlane, uPlane, vPlane := toYUV420(img)
		if _, err := f.Write(yPlane); err != nil {
			return err
		}
		if _, err := f.Write(uPlane); err != nil {
			return err
		}
		if _, err := f.Write(vPlane); err != nil {
			return err
		}
	}
	return nil
}

func toYUV420(img *cimg.Image) (yPlane, uPlane, vPlane []byte) {
	width := img.Width
	height := img.Height
	nchan := img.NChan()
	yPlane = make([]byte, width*height)
	uPlane = make([]byte, width*height/4)
	vPlane = make([]byte, width*height/4)

	for y := 0; y < height; y++ {
		src := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			r := int(src[x*nchan])
			g := int(src[x*nchan+1])
			b := int(src[x*nchan+2])
			yPlane[y*width+x] = byte((19595*r + 38470*g + 7471*b) >> 16)
		}
	}

	for y := 0; y < height/2; y++ {
		src := img.Pixels[y*2*img.Stride:]
		for x := 0; x < width/2; x++ {
			r := int(src[x*2*nchan])
			g := int(src[x*2*nchan+1])
			b := int(src[x*2*nchan+2])
			uPlane[y*width/2+x] = byte(((-11056*r - 21712*g + 32768*b) >> 16) + 128)

			r = int(src[(x*2+1)*nchan])
			g = int(src[(x*2+1)*nchan+1])
			b = int(src[(x*2+1)*nchan+2])
			vPlane[y*width/2+x] = byte(((32768*r - 27440*g - 5328*b) >> 16) + 128)
		}
	}
	return
}
