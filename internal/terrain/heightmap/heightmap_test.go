package heightmap

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDecode_Terrarium(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	// 128*256 + 0 + 0 = 32768 -> sea level.
	img.Set(0, 0, color.NRGBA{R: 128, G: 0, B: 0, A: 255})
	// 129*256 + 16 + 128/256 = 33040.5 -> 272.5m above offset.
	img.Set(1, 0, color.NRGBA{R: 129, G: 16, B: 128, A: 255})

	hm, err := Decode(encodePNG(t, img), Terrarium, TerrariumParams{Offset: 32768, Unit: 1})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hm.At(0, 0) != 0 {
		t.Fatalf("sea level=%v want 0", hm.At(0, 0))
	}
	if hm.At(1, 0) != 272.5 {
		t.Fatalf("elevation=%v want 272.5", hm.At(1, 0))
	}

	scaled, err := Decode(encodePNG(t, img), Terrarium, DefaultTerrarium)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := scaled.At(1, 0); got != 272.5/256 {
		t.Fatalf("scaled elevation=%v want %v", got, 272.5/256)
	}
}

func TestDecode_Grayscale(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.SetGray(0, 0, color.Gray{Y: 0})
	img.SetGray(1, 0, color.Gray{Y: 255})
	img.SetGray(0, 1, color.Gray{Y: 51})
	hm, err := Decode(encodePNG(t, img), Grayscale, DefaultTerrarium)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hm.At(0, 0) != 0 || hm.At(1, 0) != 1 || hm.At(0, 1) != 0.2 {
		t.Fatalf("grayscale values=%v", hm.Values)
	}
}

func TestAt_ClampsOutOfRange(t *testing.T) {
	hm := &Heightmap{Width: 2, Height: 2, Values: []float32{1, 2, 3, 4}}
	if hm.At(-5, -5) != 1 || hm.At(9, 0) != 2 || hm.At(0, 9) != 3 || hm.At(9, 9) != 4 {
		t.Fatalf("clamped reads wrong")
	}
}

func TestDecode_Corrupt(t *testing.T) {
	if _, err := Decode([]byte("not an image"), Terrarium, DefaultTerrarium); err == nil {
		t.Fatalf("expected decode error")
	}
}
