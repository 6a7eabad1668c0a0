// Package heightmap decodes elevation images into sampled height grids.
package heightmap

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Encoding selects how pixel channels turn into a height value.
type Encoding uint8

const (
	// Grayscale reads red/255, used for local heightmap assets.
	Grayscale Encoding = iota
	// Terrarium reads red*256 + green + blue/256 - offset, used for remote tiles.
	Terrarium
)

func (e Encoding) String() string {
	switch e {
	case Grayscale:
		return "grayscale"
	case Terrarium:
		return "terrarium"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// TerrariumParams convert a Terrarium sample into height units:
// (r*256 + g + b/256 - Offset) / Unit.
type TerrariumParams struct {
	Offset float32
	Unit   float32
}

// DefaultTerrarium yields metres/256 shifted so sea level sits at -128.
var DefaultTerrarium = TerrariumParams{Offset: 32768, Unit: 256}

// Heightmap is an immutable grid of decoded heights, row-major.
type Heightmap struct {
	Width    int
	Height   int
	Encoding Encoding
	Values   []float32
}

// At returns the height at pixel (x, y), clamping out-of-range coordinates to
// the nearest edge.
func (h *Heightmap) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= h.Width {
		x = h.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= h.Height {
		y = h.Height - 1
	}
	return h.Values[y*h.Width+x]
}

// SizeBytes approximates memory held by the sample grid.
func (h *Heightmap) SizeBytes() int64 {
	return int64(len(h.Values)) * 4
}

// Decode parses an encoded image (PNG, JPEG, BMP, TIFF or WebP).
func Decode(data []byte, enc Encoding, tp TerrariumParams) (*Heightmap, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode heightmap: %w", err)
	}
	return FromImage(img, enc, tp)
}

// Load reads and decodes a heightmap file.
func Load(path string, enc Encoding, tp TerrariumParams) (*Heightmap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b, enc, tp)
}

func FromImage(img image.Image, enc Encoding, tp TerrariumParams) (*Heightmap, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("decode heightmap: empty image")
	}
	if enc == Terrarium && tp.Unit == 0 {
		return nil, fmt.Errorf("decode heightmap: terrarium unit must be non-zero")
	}
	out := &Heightmap{Width: w, Height: h, Encoding: enc, Values: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// RGBA() is 16-bit; take the high byte.
			r8, g8, b8 := float32(r>>8), float32(g>>8), float32(bl>>8)
			var v float32
			switch enc {
			case Terrarium:
				v = (r8*256 + g8 + b8/256 - tp.Offset) / tp.Unit
			default:
				v = r8 / 255
			}
			out.Values[y*w+x] = v
		}
	}
	return out, nil
}

// Flat returns a w*h heightmap of zeros.
func Flat(w, h int) *Heightmap {
	return &Heightmap{Width: w, Height: h, Encoding: Grayscale, Values: make([]float32, w*h)}
}
