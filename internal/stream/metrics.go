package stream

import "terrainstream.ai/internal/terrain/tiles"

// Metrics is a read-only view of the engine, stored after every tick and safe
// to read from any goroutine.
type Metrics struct {
	Tick      uint64      `json:"tick"`
	Center    tiles.Coord `json:"center"`
	Viewpoint [3]float32  `json:"viewpoint"`

	Active     int `json:"active"`
	Pending    int `json:"pending"`
	Free       int `json:"free"`
	PoolSize   int `json:"pool_size"`
	QueueDepth int `json:"queue_depth"`

	EnteredTotal   uint64 `json:"entered_total"`
	LeftTotal      uint64 `json:"left_total"`
	SubmittedTotal uint64 `json:"submitted_total"`
	CompletedTotal uint64 `json:"completed_total"`
	FailedTotal    uint64 `json:"failed_total"`
	DiscardedTotal uint64 `json:"discarded_total"`
	AppliedTotal   uint64 `json:"applied_total"`
	StaleTotal     uint64 `json:"stale_total"`

	StepMS float64 `json:"step_ms"`
}

func (e *Engine) Metrics() Metrics {
	if e == nil {
		return Metrics{}
	}
	m, ok := e.metrics.Load().(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}
