// Package mesh turns heightmaps into chunk-sized triangle grids.
package mesh

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"terrainstream.ai/internal/terrain/heightmap"
)

// Mesh is an indexed triangle grid centered on the chunk origin.
type Mesh struct {
	Resolution int
	Positions  []mgl32.Vec3
	Normals    []mgl32.Vec3
	Indices    []uint32
}

type Params struct {
	ChunkSize   float32
	Resolution  int
	HeightScale float32
	// Window is the odd side length of the mean filter applied to height samples.
	Window int
}

func (p Params) Validate() error {
	if p.ChunkSize <= 0 {
		return fmt.Errorf("mesh: chunk size must be > 0")
	}
	if p.Resolution < 2 {
		return fmt.Errorf("mesh: resolution must be >= 2")
	}
	if p.Window < 1 || p.Window%2 == 0 {
		return fmt.Errorf("mesh: smoothing window must be odd and >= 1")
	}
	return nil
}

// VertexCount is Resolution².
func (m *Mesh) VertexCount() int { return len(m.Positions) }

// HeightRange returns the min and max vertex Y.
func (m *Mesh) HeightRange() (lo, hi float32) {
	if len(m.Positions) == 0 {
		return 0, 0
	}
	lo, hi = m.Positions[0].Y(), m.Positions[0].Y()
	for _, p := range m.Positions[1:] {
		y := p.Y()
		if y < lo {
			lo = y
		}
		if y > hi {
			hi = y
		}
	}
	return lo, hi
}

// Build samples hm onto a Resolution x Resolution grid spanning ChunkSize.
// A nil heightmap yields Flat(p).
func Build(hm *heightmap.Heightmap, p Params) *Mesh {
	if hm == nil || len(hm.Values) == 0 {
		return Flat(p)
	}
	res := p.Resolution
	m := newGrid(p)

	ratioX := float32(hm.Width) / float32(res)
	ratioY := float32(hm.Height) / float32(res)
	half := p.Window / 2
	samples := float32(p.Window * p.Window)

	// World distance between adjacent texels.
	texelX := p.ChunkSize / float32(hm.Width)
	texelZ := p.ChunkSize / float32(hm.Height)

	for j := 0; j < res; j++ {
		for i := 0; i < res; i++ {
			var sum float32
			for dj := -half; dj <= half; dj++ {
				for di := -half; di <= half; di++ {
					px := int(float32(i+di) * ratioX)
					py := int(float32(j+dj) * ratioY)
					sum += hm.At(px, py)
				}
			}
			idx := j*res + i
			m.Positions[idx][1] = sum / samples * p.HeightScale

			px := int(float32(i) * ratioX)
			py := int(float32(j) * ratioY)
			dx := (hm.At(px+1, py) - hm.At(px-1, py)) * p.HeightScale
			dz := (hm.At(px, py+1) - hm.At(px, py-1)) * p.HeightScale
			tx := mgl32.Vec3{2 * texelX, dx, 0}
			tz := mgl32.Vec3{0, dz, 2 * texelZ}
			m.Normals[idx] = tz.Cross(tx).Normalize()
		}
	}
	return m
}

// Flat is the fallback grid: height zero everywhere, normals straight up.
func Flat(p Params) *Mesh {
	m := newGrid(p)
	for i := range m.Normals {
		m.Normals[i] = mgl32.Vec3{0, 1, 0}
	}
	return m
}

func newGrid(p Params) *Mesh {
	res := p.Resolution
	if res < 2 {
		res = 2
	}
	step := p.ChunkSize / float32(res-1)
	half := p.ChunkSize / 2

	m := &Mesh{
		Resolution: res,
		Positions:  make([]mgl32.Vec3, res*res),
		Normals:    make([]mgl32.Vec3, res*res),
		Indices:    make([]uint32, 0, (res-1)*(res-1)*6),
	}
	for j := 0; j < res; j++ {
		for i := 0; i < res; i++ {
			m.Positions[j*res+i] = mgl32.Vec3{float32(i)*step - half, 0, float32(j)*step - half}
		}
	}
	r := uint32(res)
	for j := uint32(0); j < r-1; j++ {
		for i := uint32(0); i < r-1; i++ {
			v := j*r + i
			m.Indices = append(m.Indices,
				v, v+r, v+r+1,
				v, v+r+1, v+1,
			)
		}
	}
	return m
}

// FaceNormal returns the unnormalized normal of triangle t.
func (m *Mesh) FaceNormal(t int) mgl32.Vec3 {
	a := m.Positions[m.Indices[t*3]]
	b := m.Positions[m.Indices[t*3+1]]
	c := m.Positions[m.Indices[t*3+2]]
	return b.Sub(a).Cross(c.Sub(a))
}

// MaxNormalDeviation is the largest angle in radians between any vertex normal
// and +Y.
func (m *Mesh) MaxNormalDeviation() float64 {
	var worst float64
	up := mgl32.Vec3{0, 1, 0}
	for _, n := range m.Normals {
		d := float64(n.Dot(up))
		if d > 1 {
			d = 1
		}
		if a := math.Acos(d); a > worst {
			worst = a
		}
	}
	return worst
}
