// Package pipeline runs chunk resolution on a worker pool and hands results
// back to the tick goroutine.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/terrain/tiles"
)

// JobResolver is the worker-side job body.
type JobResolver interface {
	Resolve(ctx context.Context, c tiles.Coord) Result
}

// Recorder observes every finished job from worker goroutines. It must not
// block.
type Recorder interface {
	RecordFetch(r Result)
}

type Options struct {
	Workers   int
	QueueSize int
	Recorder  Recorder
	Logger    logrus.FieldLogger
}

type Stats struct {
	Submitted uint64
	Deduped   uint64
	Completed uint64
	InFlight  int
	Backlog   int
}

// Pipeline owns the in-flight set. Submit and Poll must be called from the
// same goroutine; workers only see coordinates and produce Results.
type Pipeline struct {
	resolver JobResolver
	recorder Recorder
	log      logrus.FieldLogger

	jobs    chan tiles.Coord
	results chan Result

	inflight map[tiles.Coord]struct{}
	backlog  []tiles.Coord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	submitted atomic.Uint64
	deduped   atomic.Uint64
	completed atomic.Uint64
}

func New(r JobResolver, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		resolver: r,
		recorder: opts.Recorder,
		log:      opts.Logger.WithField("component", "pipeline"),
		jobs:     make(chan tiles.Coord, opts.QueueSize),
		results:  make(chan Result, opts.QueueSize),
		inflight: map[tiles.Coord]struct{}{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for c := range p.jobs {
		if p.ctx.Err() != nil {
			return
		}
		res := p.resolver.Resolve(p.ctx, c)
		if p.recorder != nil {
			p.recorder.RecordFetch(res)
		}
		select {
		case p.results <- res:
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit schedules c unless a job for it is already in flight. It never
// blocks: jobs that do not fit the worker queue wait in a backlog that Poll
// flushes.
func (p *Pipeline) Submit(c tiles.Coord) bool {
	if _, ok := p.inflight[c]; ok {
		p.deduped.Add(1)
		return false
	}
	p.inflight[c] = struct{}{}
	p.submitted.Add(1)
	if len(p.backlog) > 0 {
		p.backlog = append(p.backlog, c)
		return true
	}
	select {
	case p.jobs <- c:
	default:
		p.backlog = append(p.backlog, c)
	}
	return true
}

// Poll returns every result completed since the last call and clears their
// in-flight markers, whatever the outcome.
func (p *Pipeline) Poll() []Result {
	p.flushBacklog()
	var out []Result
	for {
		select {
		case r := <-p.results:
			delete(p.inflight, r.Coord)
			p.completed.Add(1)
			out = append(out, r)
		default:
			p.flushBacklog()
			return out
		}
	}
}

func (p *Pipeline) flushBacklog() {
	n := 0
	for n < len(p.backlog) {
		select {
		case p.jobs <- p.backlog[n]:
			n++
			continue
		default:
		}
		break
	}
	if n > 0 {
		p.backlog = append(p.backlog[:0], p.backlog[n:]...)
	}
}

func (p *Pipeline) InFlight(c tiles.Coord) bool {
	_, ok := p.inflight[c]
	return ok
}

// Pending is the number of coordinates awaiting a result.
func (p *Pipeline) Pending() int {
	return len(p.inflight)
}

// Settle polls until nothing is in flight or ctx ends. It is meant for
// batch callers such as prefetch and tests, not the tick loop.
func (p *Pipeline) Settle(ctx context.Context, every time.Duration) ([]Result, error) {
	if every <= 0 {
		every = 5 * time.Millisecond
	}
	var out []Result
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		out = append(out, p.Poll()...)
		if p.Pending() == 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Deduped:   p.deduped.Load(),
		Completed: p.completed.Load(),
		InFlight:  len(p.inflight),
		Backlog:   len(p.backlog),
	}
}

// Close stops the workers. Jobs still queued are abandoned.
func (p *Pipeline) Close() {
	p.once.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.log.WithField("abandoned", len(p.inflight)).Debug("pipeline stopped")
	})
}
