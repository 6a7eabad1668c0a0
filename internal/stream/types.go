// Package stream keeps a square window of terrain chunks resident around a
// moving viewpoint.
package stream

import (
	"github.com/go-gl/mathgl/mgl32"

	"terrainstream.ai/internal/stream/pipeline"
	"terrainstream.ai/internal/terrain/mesh"
	"terrainstream.ai/internal/terrain/tiles"
)

// SlotHandle indexes a render-side placeholder owned by the sink.
type SlotHandle int

// Sink is the render side. Both calls happen on the tick goroutine.
type Sink interface {
	Upload(slot SlotHandle, m *mesh.Mesh)
	SetPosition(slot SlotHandle, pos mgl32.Vec3)
}

type ViewpointSource interface {
	Viewpoint() mgl32.Vec3
}

// Scheduler runs chunk jobs off the tick goroutine. Submit is a no-op (false)
// for a coordinate that already has a job in flight.
type Scheduler interface {
	Submit(c tiles.Coord) bool
	Poll() []pipeline.Result
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type TickLogEntry struct {
	Tick      uint64        `json:"tick"`
	Viewpoint [3]float32    `json:"viewpoint"`
	Center    tiles.Coord   `json:"center"`
	Entered   []tiles.Coord `json:"entered,omitempty"`
	Left      []tiles.Coord `json:"left,omitempty"`
	Completed int           `json:"completed,omitempty"`
	Failed    int           `json:"failed,omitempty"`
	Applied   int           `json:"applied,omitempty"`
	Stale     int           `json:"stale,omitempty"`
	Queued    int           `json:"queued"`
}

// FixedViewpoint is a ViewpointSource that never moves.
type FixedViewpoint mgl32.Vec3

func (f FixedViewpoint) Viewpoint() mgl32.Vec3 { return mgl32.Vec3(f) }
