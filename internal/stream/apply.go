package stream

import (
	"terrainstream.ai/internal/terrain/mesh"
	"terrainstream.ai/internal/terrain/tiles"
)

// ApplyEntry is a finished mesh waiting to be handed to the sink.
type ApplyEntry struct {
	Slot  SlotHandle
	Coord tiles.Coord
	Mesh  *mesh.Mesh
	// Fallback marks a stand-in mesh for a chunk whose job produced none.
	Fallback bool
}

// ApplyQueue is a FIFO drained at a bounded rate each tick.
type ApplyQueue struct {
	items []ApplyEntry
	head  int
}

func (q *ApplyQueue) Push(e ApplyEntry) {
	q.items = append(q.items, e)
}

func (q *ApplyQueue) Len() int {
	return len(q.items) - q.head
}

// Drain pops entries in order until limit entries are ready (limit <= 0
// means no limit). Entries whose slot no longer holds their coordinate are
// dropped and counted as stale; they do not use up the limit.
func (q *ApplyQueue) Drain(limit int, current func(SlotHandle) (tiles.Coord, bool)) (ready []ApplyEntry, stale int) {
	for q.head < len(q.items) {
		if limit > 0 && len(ready) >= limit {
			break
		}
		e := q.items[q.head]
		q.items[q.head] = ApplyEntry{}
		q.head++
		if c, ok := current(e.Slot); !ok || c != e.Coord {
			stale++
			continue
		}
		ready = append(ready, e)
	}
	q.compact()
	return ready, stale
}

func (q *ApplyQueue) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}
