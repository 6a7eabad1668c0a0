package tiles

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestFromChunk_CentersOrigin(t *testing.T) {
	id := FromChunk(Coord{}, 13)
	// (2^13-1)/2 = 4095.5 truncates to 4095.
	if id.X != 4095 || id.Y != 4095 || id.Z != 13 {
		t.Fatalf("origin tile=%v want 13/4095/4095", id)
	}
	if !id.Valid() {
		t.Fatalf("origin tile should be valid")
	}
	next := FromChunk(Coord{X: 1, Z: -1}, 13)
	if next.X != 4096 || next.Y != 4094 {
		t.Fatalf("neighbour tile=%v", next)
	}
}

func TestFromChunk_ClampsToRange(t *testing.T) {
	lo := FromChunk(Coord{X: -100000, Z: -100000}, 4)
	if lo.X != 0 || lo.Y != 0 {
		t.Fatalf("low clamp=%v", lo)
	}
	hi := FromChunk(Coord{X: 100000, Z: 100000}, 4)
	if hi.X != 15 || hi.Y != 15 {
		t.Fatalf("high clamp=%v", hi)
	}
	if !hi.Valid() {
		t.Fatalf("clamped tile should be valid")
	}
}

func TestExpandURL(t *testing.T) {
	got := ExpandURL("https://t.example/{tilesize}/{z}/{x}/{y}.png?k={key}", ID{Z: 13, X: 7, Y: 9}, 256, "abc")
	want := "https://t.example/256/13/7/9.png?k=abc"
	if got != want {
		t.Fatalf("url=%q want %q", got, want)
	}
}

func TestCacheKeyRoundTrip(t *testing.T) {
	c := Coord{X: -3, Z: 12}
	key := CacheKey(c)
	if key != "image_-3_12.png" {
		t.Fatalf("key=%q", key)
	}
	back, ok := ParseCacheKey(key)
	if !ok || back != c {
		t.Fatalf("parse=%v ok=%v", back, ok)
	}
	if _, ok := ParseCacheKey("image_1_2.png.tmp"); ok {
		t.Fatalf("temp file should not parse as a cache key")
	}
}

func TestWindow_OriginDiameter3(t *testing.T) {
	got := Window(Coord{}, 3)
	if len(got) != 9 {
		t.Fatalf("len=%d want 9", len(got))
	}
	if got[0] != (Coord{X: -1, Z: -1}) || got[8] != (Coord{X: 1, Z: 1}) {
		t.Fatalf("window corners=%v %v", got[0], got[8])
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Less(got[i]) {
			t.Fatalf("window not row-major at %d: %v then %v", i, got[i-1], got[i])
		}
	}
}

func TestCenter_RoundsToNearestChunk(t *testing.T) {
	cases := []struct {
		pos  mgl32.Vec3
		want Coord
	}{
		{mgl32.Vec3{0, 50, 0}, Coord{}},
		{mgl32.Vec3{99, 0, -99}, Coord{}},
		{mgl32.Vec3{101, 0, -101}, Coord{X: 1, Z: -1}},
		{mgl32.Vec3{200, 0, 0}, Coord{X: 1}},
	}
	for _, tc := range cases {
		if got := Center(tc.pos, 200); got != tc.want {
			t.Fatalf("center(%v)=%v want %v", tc.pos, got, tc.want)
		}
	}
}

func TestParseCoord(t *testing.T) {
	c, err := ParseCoord(" 4, -2 ")
	if err != nil || c != (Coord{X: 4, Z: -2}) {
		t.Fatalf("parse=%v err=%v", c, err)
	}
	if _, err := ParseCoord("4"); err == nil {
		t.Fatalf("expected error for single component")
	}
}
