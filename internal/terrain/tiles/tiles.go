// Package tiles maps chunk grid coordinates onto disk cache keys and remote
// XYZ elevation tiles.
package tiles

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

// Coord is a chunk position on the horizontal grid. World position is
// Coord * chunk_size on the X/Z plane.
type Coord struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

func (c Coord) String() string {
	return fmt.Sprintf("%d,%d", c.X, c.Z)
}

// Less orders coordinates row-major (Z, then X).
func (c Coord) Less(o Coord) bool {
	if c.Z != o.Z {
		return c.Z < o.Z
	}
	return c.X < o.X
}

// World returns the chunk origin in world space at height y.
func (c Coord) World(chunkSize, y float32) mgl32.Vec3 {
	return mgl32.Vec3{float32(c.X) * chunkSize, y, float32(c.Z) * chunkSize}
}

// ParseCoord accepts "x,z".
func ParseCoord(s string) (Coord, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Coord{}, fmt.Errorf("bad coord %q: want x,z", s)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return Coord{}, fmt.Errorf("bad coord %q: %w", s, err)
	}
	z, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return Coord{}, fmt.Errorf("bad coord %q: %w", s, err)
	}
	return Coord{X: int32(x), Z: int32(z)}, nil
}

// CacheKey is the disk cache file name for a chunk.
func CacheKey(c Coord) string {
	return fmt.Sprintf("image_%d_%d.png", c.X, c.Z)
}

// ParseCacheKey is the inverse of CacheKey.
func ParseCacheKey(name string) (Coord, bool) {
	var x, z int32
	if _, err := fmt.Sscanf(name, "image_%d_%d.png", &x, &z); err != nil {
		return Coord{}, false
	}
	if CacheKey(Coord{X: x, Z: z}) != name {
		return Coord{}, false
	}
	return Coord{X: x, Z: z}, true
}

// ID is an XYZ (slippy map) tile index.
type ID struct {
	Z uint32
	X uint32
	Y uint32
}

func (t ID) Valid() bool {
	return t.Z < 32 && t.X < (1<<t.Z) && t.Y < (1<<t.Z)
}

func (t ID) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// FromChunk maps a chunk onto the tile grid at zoom so that chunk (0,0) lands
// near the middle of the tile range. Chunks past either edge clamp to it.
func FromChunk(c Coord, zoom int) ID {
	maxIdx := math.Exp2(float64(zoom)) - 1
	return ID{
		Z: uint32(zoom),
		X: clampIndex(float64(c.X)+maxIdx*0.5, maxIdx),
		Y: clampIndex(float64(c.Z)+maxIdx*0.5, maxIdx),
	}
}

func clampIndex(v, maxIdx float64) uint32 {
	v = math.Trunc(v)
	if v < 0 {
		return 0
	}
	if v > maxIdx {
		return uint32(maxIdx)
	}
	return uint32(v)
}

// ExpandURL fills {z} {x} {y} {tilesize} and {key} in a URL template.
func ExpandURL(template string, id ID, tileSize int, key string) string {
	r := strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(id.Z), 10),
		"{x}", strconv.FormatUint(uint64(id.X), 10),
		"{y}", strconv.FormatUint(uint64(id.Y), 10),
		"{tilesize}", strconv.Itoa(tileSize),
		"{key}", key,
	)
	return r.Replace(template)
}

// Window returns the d*d coordinates of the square view window around center,
// row-major. Offsets run from -d/2, so odd diameters are centered exactly.
func Window(center Coord, d int) []Coord {
	if d <= 0 {
		return nil
	}
	half := int32(d / 2)
	out := make([]Coord, 0, d*d)
	for j := int32(0); j < int32(d); j++ {
		for i := int32(0); i < int32(d); i++ {
			out = append(out, Coord{X: center.X + i - half, Z: center.Z + j - half})
		}
	}
	return out
}

// Center returns the chunk the viewpoint is in: round(pos / chunk_size) on X/Z.
func Center(viewpoint mgl32.Vec3, chunkSize float32) Coord {
	return Coord{
		X: int32(math.Round(float64(viewpoint.X() / chunkSize))),
		Z: int32(math.Round(float64(viewpoint.Z() / chunkSize))),
	}
}
