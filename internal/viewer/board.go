// Package viewer is a top-down preview of the slot pool. Board and Camera
// have no GUI dependency; the ebiten Game lives behind the ebiten build tag.
package viewer

import (
	"image"
	"image/color"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/terrain/mesh"
)

// Tile is what the board knows about one slot.
type Tile struct {
	Slot    stream.SlotHandle
	Pos     mgl32.Vec3
	Shade   *image.RGBA
	Version uint64
	MinY    float32
	MaxY    float32
}

// Board is a stream.Sink that keeps a shaded thumbnail per slot.
type Board struct {
	thumb     int
	parkDepth float32
	light     mgl32.Vec3

	mu      sync.Mutex
	tiles   map[stream.SlotHandle]*Tile
	version uint64
}

var _ stream.Sink = (*Board)(nil)

func NewBoard(thumb int, parkDepth float32) *Board {
	if thumb < 2 {
		thumb = 2
	}
	return &Board{
		thumb:     thumb,
		parkDepth: parkDepth,
		light:     mgl32.Vec3{-1, 2, -1}.Normalize(),
		tiles:     map[stream.SlotHandle]*Tile{},
	}
}

func (b *Board) tile(slot stream.SlotHandle) *Tile {
	t := b.tiles[slot]
	if t == nil {
		t = &Tile{Slot: slot}
		b.tiles[slot] = t
	}
	return t
}

func (b *Board) Upload(slot stream.SlotHandle, m *mesh.Mesh) {
	img, lo, hi := b.shade(m)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version++
	t := b.tile(slot)
	t.Shade, t.MinY, t.MaxY, t.Version = img, lo, hi, b.version
}

func (b *Board) SetPosition(slot stream.SlotHandle, pos mgl32.Vec3) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tile(slot).Pos = pos
}

// Visible returns copies of the slots that are not parked, ordered by slot.
func (b *Board) Visible() []Tile {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Tile, 0, len(b.tiles))
	for _, t := range b.tiles {
		if t.Pos.Y() <= b.parkDepth/2 || t.Shade == nil {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// shade samples the mesh grid down to thumb x thumb pixels: Lambert term from
// the vertex normal, tinted by relative height.
func (b *Board) shade(m *mesh.Mesh) (*image.RGBA, float32, float32) {
	img := image.NewRGBA(image.Rect(0, 0, b.thumb, b.thumb))
	if m == nil || m.Resolution < 2 || len(m.Positions) != m.Resolution*m.Resolution {
		return img, 0, 0
	}
	lo, hi := m.HeightRange()
	span := hi - lo
	res := m.Resolution
	for py := 0; py < b.thumb; py++ {
		for px := 0; px < b.thumb; px++ {
			i := px * (res - 1) / (b.thumb - 1)
			j := py * (res - 1) / (b.thumb - 1)
			idx := j*res + i
			lambert := m.Normals[idx].Dot(b.light)
			if lambert < 0 {
				lambert = 0
			}
			h := float32(0.5)
			if span > 0 {
				h = (m.Positions[idx].Y() - lo) / span
			}
			lum := 0.25 + 0.75*lambert
			img.SetRGBA(px, py, color.RGBA{
				R: uint8(255 * lum * (0.35 + 0.45*h)),
				G: uint8(255 * lum * (0.55 + 0.25*h)),
				B: uint8(255 * lum * (0.30 + 0.30*h)),
				A: 255,
			})
		}
	}
	return img, lo, hi
}

// Camera is a stream.ViewpointSource moved by the keyboard.
type Camera struct {
	mu  sync.Mutex
	pos mgl32.Vec3
}

var _ stream.ViewpointSource = (*Camera)(nil)

func NewCamera(start mgl32.Vec3) *Camera { return &Camera{pos: start} }

func (c *Camera) Viewpoint() mgl32.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (c *Camera) Move(dx, dz float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos[0] += dx
	c.pos[2] += dz
}

// ToScreen maps a world XZ point to pixels for a top-down view centred on the
// camera, scale pixels per world unit.
func ToScreen(cam, world mgl32.Vec3, scale float32, w, h int) (float32, float32) {
	return float32(w)/2 + (world.X()-cam.X())*scale, float32(h)/2 + (world.Z()-cam.Z())*scale
}
