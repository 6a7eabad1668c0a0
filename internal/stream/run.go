package stream

import (
	"context"
	"errors"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"terrainstream.ai/internal/terrain/tiles"
)

// Snapshot is the resumable part of the stream: where the viewpoint was and
// which chunks were resident.
type Snapshot struct {
	Tick      uint64        `json:"tick"`
	Viewpoint [3]float32    `json:"viewpoint"`
	Center    tiles.Coord   `json:"center"`
	Active    []tiles.Coord `json:"active"`
}

type snapshotReq struct {
	resp chan Snapshot
}

// ErrStopped is returned by requests made after Run has exited.
var ErrStopped = errors.New("stream: engine stopped")

// Run ticks at rateHz, reading the viewpoint from src each tick, until ctx is
// done or Stop is called.
func (e *Engine) Run(ctx context.Context, src ViewpointSource, rateHz int) error {
	if rateHz <= 0 {
		rateHz = 60
	}
	interval := time.Second / time.Duration(rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case req := <-e.snapReq:
			req.resp <- e.Snapshot()
		case <-ticker.C:
			if _, err := e.Tick(src.Viewpoint()); err != nil {
				e.log.WithError(err).Error("tick failed")
				return err
			}
		}
	}
}

// Stop ends Run and fails later snapshot requests with ErrStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Snapshot captures the current state. Call it on the tick goroutine; other
// goroutines use RequestSnapshot.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Tick:      e.tick,
		Viewpoint: [3]float32{e.viewpoint[0], e.viewpoint[1], e.viewpoint[2]},
		Center:    e.center,
		Active:    e.state.Active(),
	}
}

// RequestSnapshot asks the running loop for a Snapshot between ticks.
func (e *Engine) RequestSnapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotReq{resp: make(chan Snapshot, 1)}
	select {
	case e.snapReq <- req:
	case <-e.stop:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-req.resp:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Path flies the viewpoint through waypoints at a constant speed in world
// units per tick, looping at the end.
type Path struct {
	points []mgl32.Vec3
	speed  float32
	seg    int
	t      float32
}

func NewPath(points []mgl32.Vec3, speed float32) *Path {
	return &Path{points: points, speed: speed}
}

func (p *Path) Viewpoint() mgl32.Vec3 {
	switch len(p.points) {
	case 0:
		return mgl32.Vec3{}
	case 1:
		return p.points[0]
	}
	a := p.points[p.seg]
	b := p.points[(p.seg+1)%len(p.points)]
	pos := a.Add(b.Sub(a).Mul(p.t))

	if p.speed <= 0 {
		return pos
	}
	length := b.Sub(a).Len()
	if length == 0 {
		p.seg = (p.seg + 1) % len(p.points)
		p.t = 0
		return pos
	}
	p.t += p.speed / length
	for p.t >= 1 {
		p.t -= 1
		p.seg = (p.seg + 1) % len(p.points)
	}
	return pos
}
