package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/stream/pipeline"
	"terrainstream.ai/internal/terrain/mesh"
	"terrainstream.ai/internal/terrain/tiles"
)

type Options struct {
	ChunkSize    float32
	ViewDiameter int
	// ParkDepth is the Y at which slots wait for their mesh.
	ParkDepth float32
	// ApplyPerTick caps sink uploads per tick; 0 means unbounded.
	ApplyPerTick int
	// RetryAfterTicks delays resubmission of a chunk whose job failed
	// transiently; 0 disables retries.
	RetryAfterTicks uint64
	// Placeholder is uploaded to every slot at start. Optional.
	Placeholder *mesh.Mesh
	// Fallback is shown for chunks whose job yields no mesh. Optional; without
	// it such chunks stay parked.
	Fallback *mesh.Mesh

	TickLogger TickLogger
	Logger     logrus.FieldLogger
}

// TickReport summarizes one Tick.
type TickReport struct {
	Tick      uint64
	Center    tiles.Coord
	Entered   []tiles.Coord
	Left      []tiles.Coord
	Submitted int
	Completed int
	Failed    int
	Discarded int
	Retried   int
	Applied   int
	Stale     int
	Queued    int
}

// Engine drives the chunk window: it diffs the grid against the viewpoint,
// submits jobs for entering chunks, and feeds finished meshes to the sink.
// Tick and Start must run on one goroutine.
type Engine struct {
	opts  Options
	sched Scheduler
	sink  Sink
	log   logrus.FieldLogger

	state *State
	queue ApplyQueue

	started   bool
	tick      uint64
	viewpoint mgl32.Vec3
	center    tiles.Coord

	totals  counters
	metrics atomic.Value

	stop     chan struct{}
	stopOnce sync.Once
	snapReq  chan snapshotReq
}

type counters struct {
	entered, left, submitted, completed, failed, discarded, applied, stale uint64
}

func New(sched Scheduler, sink Sink, opts Options) (*Engine, error) {
	if sched == nil || sink == nil {
		return nil, fmt.Errorf("stream: scheduler and sink are required")
	}
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("stream: chunk size must be > 0")
	}
	st, err := NewState(opts.ViewDiameter)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	e := &Engine{
		opts:    opts,
		sched:   sched,
		sink:    sink,
		log:     opts.Logger.WithField("component", "stream"),
		state:   st,
		stop:    make(chan struct{}),
		snapReq: make(chan snapshotReq),
	}
	e.metrics.Store(Metrics{Free: st.FreeCount(), PoolSize: st.PoolSize()})
	return e, nil
}

func (e *Engine) State() *State { return e.state }

// QueueLen is the number of meshes waiting for the sink.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Start uploads the placeholder to every slot and parks it. Tick calls it on
// first use.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	park := mgl32.Vec3{0, e.opts.ParkDepth, 0}
	for i := 0; i < e.state.PoolSize(); i++ {
		slot := SlotHandle(i)
		if e.opts.Placeholder != nil {
			e.sink.Upload(slot, e.opts.Placeholder)
		}
		e.sink.SetPosition(slot, park)
	}
	e.log.WithFields(logrus.Fields{
		"slots":      e.state.PoolSize(),
		"diameter":   e.opts.ViewDiameter,
		"chunk_size": e.opts.ChunkSize,
	}).Info("slot pool ready")
}

// Tick runs one streaming step for viewpoint. An error means the grid
// bookkeeping is broken and the caller should stop.
func (e *Engine) Tick(viewpoint mgl32.Vec3) (TickReport, error) {
	start := time.Now()
	e.Start()
	e.tick++
	e.viewpoint = viewpoint
	rep := TickReport{Tick: e.tick}

	for _, r := range e.sched.Poll() {
		e.handleResult(r, &rep)
	}

	e.center = tiles.Center(viewpoint, e.opts.ChunkSize)
	rep.Center = e.center
	up, err := e.state.Update(tiles.Window(e.center, e.opts.ViewDiameter))
	if err != nil {
		return rep, err
	}
	for _, a := range up.Released {
		rep.Left = append(rep.Left, a.Coord)
	}
	for _, a := range up.Acquired {
		rep.Entered = append(rep.Entered, a.Coord)
		e.sink.SetPosition(a.Slot, a.Coord.World(e.opts.ChunkSize, e.opts.ParkDepth))
		if e.sched.Submit(a.Coord) {
			rep.Submitted++
		}
	}
	e.resubmitDue(&rep)

	ready, stale := e.queue.Drain(e.opts.ApplyPerTick, e.state.SlotCoord)
	rep.Stale = stale
	for _, a := range ready {
		e.apply(a)
	}
	rep.Applied = len(ready)
	rep.Queued = e.queue.Len()

	e.account(rep, time.Since(start))
	if e.opts.TickLogger != nil && (len(rep.Entered) > 0 || len(rep.Left) > 0 || rep.Completed > 0 || rep.Failed > 0 || rep.Applied > 0) {
		if err := e.opts.TickLogger.WriteTick(e.logEntry(rep)); err != nil {
			e.log.WithError(err).Warn("tick log write failed")
		}
	}
	return rep, nil
}

func (e *Engine) handleResult(r pipeline.Result, rep *TickReport) {
	slot, ok := e.state.Lookup(r.Coord)
	if !ok {
		rep.Discarded++
		return
	}
	if r.Mesh != nil {
		rep.Completed++
		e.queue.Push(ApplyEntry{Slot: slot, Coord: r.Coord, Mesh: r.Mesh})
		return
	}

	rep.Failed++
	cs := e.state.slot(slot)
	fields := logrus.Fields{"chunk": r.Coord.String(), "status": r.Status.String()}
	if r.Retryable() && e.opts.RetryAfterTicks > 0 {
		cs.retryAt = e.tick + e.opts.RetryAfterTicks
		fields["retry_at"] = cs.retryAt
	} else {
		// Nothing further will arrive for this coordinate while it stays active.
		cs.pending = false
	}
	entry := e.log.WithFields(fields)
	if r.Err != nil {
		entry = entry.WithError(r.Err)
	}
	switch r.Status {
	case pipeline.StatusFetchFailed, pipeline.StatusDecodeFailed:
		entry.Warn("chunk job produced no mesh")
	default:
		entry.Debug("chunk job produced no mesh")
	}

	if e.opts.Fallback != nil && !cs.showing {
		e.queue.Push(ApplyEntry{Slot: slot, Coord: r.Coord, Mesh: e.opts.Fallback, Fallback: true})
	}
}

func (e *Engine) resubmitDue(rep *TickReport) {
	for i := range e.state.slots {
		cs := &e.state.slots[i]
		if !cs.assigned || !cs.pending || cs.retryAt == 0 || cs.retryAt > e.tick {
			continue
		}
		cs.retryAt = 0
		if e.sched.Submit(cs.coord) {
			rep.Submitted++
			rep.Retried++
		}
	}
}

func (e *Engine) apply(a ApplyEntry) {
	cs := e.state.slot(a.Slot)
	e.sink.Upload(a.Slot, a.Mesh)
	e.sink.SetPosition(a.Slot, a.Coord.World(e.opts.ChunkSize, 0))
	cs.showing = true
	if !a.Fallback {
		cs.pending = false
		cs.retryAt = 0
	}
}

func (e *Engine) account(rep TickReport, took time.Duration) {
	t := &e.totals
	t.entered += uint64(len(rep.Entered))
	t.left += uint64(len(rep.Left))
	t.submitted += uint64(rep.Submitted)
	t.completed += uint64(rep.Completed)
	t.failed += uint64(rep.Failed)
	t.discarded += uint64(rep.Discarded)
	t.applied += uint64(rep.Applied)
	t.stale += uint64(rep.Stale)

	e.metrics.Store(Metrics{
		Tick:           e.tick,
		Center:         e.center,
		Viewpoint:      [3]float32{e.viewpoint[0], e.viewpoint[1], e.viewpoint[2]},
		Active:         e.state.ActiveCount(),
		Pending:        e.state.PendingCount(),
		Free:           e.state.FreeCount(),
		PoolSize:       e.state.PoolSize(),
		QueueDepth:     e.queue.Len(),
		EnteredTotal:   t.entered,
		LeftTotal:      t.left,
		SubmittedTotal: t.submitted,
		CompletedTotal: t.completed,
		FailedTotal:    t.failed,
		DiscardedTotal: t.discarded,
		AppliedTotal:   t.applied,
		StaleTotal:     t.stale,
		StepMS:         float64(took.Microseconds()) / 1000,
	})
}

func (e *Engine) logEntry(rep TickReport) TickLogEntry {
	return TickLogEntry{
		Tick:      rep.Tick,
		Viewpoint: [3]float32{e.viewpoint[0], e.viewpoint[1], e.viewpoint[2]},
		Center:    rep.Center,
		Entered:   rep.Entered,
		Left:      rep.Left,
		Completed: rep.Completed,
		Failed:    rep.Failed,
		Applied:   rep.Applied,
		Stale:     rep.Stale,
		Queued:    rep.Queued,
	}
}
