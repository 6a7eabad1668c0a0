package stream

import (
	"errors"
	"fmt"
	"sort"

	"terrainstream.ai/internal/terrain/tiles"
)

// ErrPoolExhausted means a chunk entered the window with no free slot. The
// pool is sized to the window, so this is a bookkeeping bug.
var ErrPoolExhausted = errors.New("stream: slot pool exhausted")

type chunkSlot struct {
	coord    tiles.Coord
	assigned bool
	// pending is true until a real mesh has been applied for coord.
	pending bool
	// showing is true once any mesh (real or fallback) is applied for coord.
	showing bool
	// retryAt is the tick a failed job may be resubmitted; 0 means none.
	retryAt uint64
}

// Assignment binds a slot to a chunk coordinate.
type Assignment struct {
	Slot  SlotHandle
	Coord tiles.Coord
}

// Update is the diff produced by one window change. Released is applied
// before Acquired, so a slot may appear in both.
type Update struct {
	Released []Assignment
	Acquired []Assignment
}

// State is the chunk grid bookkeeping: the active coordinate map, the slot
// table and the free list. It is owned by the tick goroutine.
type State struct {
	diameter int
	slots    []chunkSlot
	active   map[tiles.Coord]SlotHandle
	free     []SlotHandle
}

// ValidatePool fails when a pool cannot cover a diameter x diameter window.
func ValidatePool(poolSize, diameter int) error {
	if diameter <= 0 {
		return fmt.Errorf("stream: view diameter must be > 0")
	}
	if poolSize < diameter*diameter {
		return fmt.Errorf("stream: pool of %d slots cannot cover a %dx%d window", poolSize, diameter, diameter)
	}
	return nil
}

func NewState(diameter int) (*State, error) {
	return NewStateWithPool(diameter, diameter*diameter)
}

func NewStateWithPool(diameter, poolSize int) (*State, error) {
	if err := ValidatePool(poolSize, diameter); err != nil {
		return nil, err
	}
	s := &State{
		diameter: diameter,
		slots:    make([]chunkSlot, poolSize),
		active:   make(map[tiles.Coord]SlotHandle, poolSize),
		free:     make([]SlotHandle, 0, poolSize),
	}
	// Pop from the tail, so fill in reverse to hand out slot 0 first.
	for i := poolSize - 1; i >= 0; i-- {
		s.free = append(s.free, SlotHandle(i))
	}
	return s, nil
}

func (s *State) Diameter() int  { return s.diameter }
func (s *State) PoolSize() int  { return len(s.slots) }
func (s *State) FreeCount() int { return len(s.free) }
func (s *State) ActiveCount() int {
	return len(s.active)
}

// Update makes the active set equal to window: coordinates outside it are
// released first, then each new coordinate takes a free slot.
func (s *State) Update(window []tiles.Coord) (Update, error) {
	want := make(map[tiles.Coord]struct{}, len(window))
	for _, c := range window {
		want[c] = struct{}{}
	}

	var up Update
	for c, slot := range s.active {
		if _, ok := want[c]; ok {
			continue
		}
		up.Released = append(up.Released, Assignment{Slot: slot, Coord: c})
	}
	sort.Slice(up.Released, func(i, j int) bool { return up.Released[i].Coord.Less(up.Released[j].Coord) })
	for _, a := range up.Released {
		s.release(a)
	}

	for _, c := range window {
		if _, ok := s.active[c]; ok {
			continue
		}
		slot, err := s.acquire(c)
		if err != nil {
			return up, fmt.Errorf("%w: acquiring %s", err, c)
		}
		up.Acquired = append(up.Acquired, Assignment{Slot: slot, Coord: c})
	}
	return up, nil
}

func (s *State) release(a Assignment) {
	delete(s.active, a.Coord)
	s.slots[a.Slot] = chunkSlot{}
	s.free = append(s.free, a.Slot)
}

func (s *State) acquire(c tiles.Coord) (SlotHandle, error) {
	n := len(s.free)
	if n == 0 {
		return 0, ErrPoolExhausted
	}
	slot := s.free[n-1]
	s.free = s.free[:n-1]
	s.slots[slot] = chunkSlot{coord: c, assigned: true, pending: true}
	s.active[c] = slot
	return slot, nil
}

// Lookup returns the slot holding c.
func (s *State) Lookup(c tiles.Coord) (SlotHandle, bool) {
	slot, ok := s.active[c]
	return slot, ok
}

// SlotCoord returns the coordinate slot is currently assigned to.
func (s *State) SlotCoord(slot SlotHandle) (tiles.Coord, bool) {
	if slot < 0 || int(slot) >= len(s.slots) {
		return tiles.Coord{}, false
	}
	st := s.slots[slot]
	return st.coord, st.assigned
}

// Pending reports whether the chunk at c still waits for a real mesh.
func (s *State) Pending(c tiles.Coord) bool {
	slot, ok := s.active[c]
	return ok && s.slots[slot].pending
}

func (s *State) PendingCount() int {
	n := 0
	for _, slot := range s.active {
		if s.slots[slot].pending {
			n++
		}
	}
	return n
}

// Active lists active coordinates row-major.
func (s *State) Active() []tiles.Coord {
	out := make([]tiles.Coord, 0, len(s.active))
	for c := range s.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (s *State) slot(h SlotHandle) *chunkSlot {
	return &s.slots[h]
}
