package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/app"
	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/stream/pipeline"
	"terrainstream.ai/internal/transport/ws"
)

type server struct {
	stack  *app.Stack
	engine *stream.Engine
	hub    *ws.Hub
	snaps  *snapshotter
	log    logrus.FieldLogger

	enableAdmin bool
	enablePprof bool
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.handleMetrics)

	if s.enableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", s.handleState)
		mux.HandleFunc("/admin/v1/snapshot", s.handleSnapshot)
	} else {
		s.log.Info("admin endpoints disabled (TERRAIN_ENABLE_ADMIN_HTTP=false)")
	}
	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		s.log.Debug("pprof endpoints disabled (TERRAIN_ENABLE_PPROF_HTTP=false)")
	}
	if s.hub != nil {
		mux.HandleFunc("/v1/ws", s.hub.Handler())
	}
	return mux
}

type stateResponse struct {
	Metrics  stream.Metrics `json:"metrics"`
	Pipeline pipeline.Stats `json:"pipeline"`
	Hub      *ws.HubStats   `json:"hub,omitempty"`
	Config   string         `json:"config_digest"`
}

func (s *server) handleState(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	resp := stateResponse{
		Metrics:  s.engine.Metrics(),
		Pipeline: s.stack.Pipeline.Stats(),
		Config:   s.stack.Config.Digest(),
	}
	if s.hub != nil {
		hs := s.hub.Stats()
		resp.Hub = &hs
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := s.snaps.save(ctx, s.engine)
	rw.Header().Set("Content-Type", "application/json")
	if err != nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": res.Tick, "path": res.Path, "active": res.Active})
}

func (s *server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeStreamMetrics(rw, s.engine.Metrics())
	writePipelineMetrics(rw, s.stack)
	if s.hub != nil {
		writeHubMetrics(rw, s.hub.Stats())
	}
}

// Minimal Prometheus exposition format.
func writeStreamMetrics(w io.Writer, m stream.Metrics) {
	fmt.Fprintf(w, "# HELP terrainstream_tick Current stream tick.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_tick gauge\n")
	fmt.Fprintf(w, "terrainstream_tick %d\n", m.Tick)

	fmt.Fprintf(w, "# HELP terrainstream_center_chunk Chunk coordinate under the viewpoint.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_center_chunk gauge\n")
	fmt.Fprintf(w, "terrainstream_center_chunk{axis=%q} %d\n", "x", m.Center.X)
	fmt.Fprintf(w, "terrainstream_center_chunk{axis=%q} %d\n", "z", m.Center.Z)

	fmt.Fprintf(w, "# HELP terrainstream_slots Render slots by state.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_slots gauge\n")
	fmt.Fprintf(w, "terrainstream_slots{state=%q} %d\n", "active", m.Active)
	fmt.Fprintf(w, "terrainstream_slots{state=%q} %d\n", "pending", m.Pending)
	fmt.Fprintf(w, "terrainstream_slots{state=%q} %d\n", "free", m.Free)
	fmt.Fprintf(w, "terrainstream_slots{state=%q} %d\n", "pool", m.PoolSize)

	fmt.Fprintf(w, "# HELP terrainstream_apply_queue_depth Meshes waiting for the render side.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_apply_queue_depth gauge\n")
	fmt.Fprintf(w, "terrainstream_apply_queue_depth %d\n", m.QueueDepth)

	fmt.Fprintf(w, "# HELP terrainstream_chunks_total Chunk lifecycle events.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_chunks_total counter\n")
	fmt.Fprintf(w, "terrainstream_chunks_total{event=%q} %d\n", "entered", m.EnteredTotal)
	fmt.Fprintf(w, "terrainstream_chunks_total{event=%q} %d\n", "left", m.LeftTotal)
	fmt.Fprintf(w, "terrainstream_chunks_total{event=%q} %d\n", "submitted", m.SubmittedTotal)
	fmt.Fprintf(w, "terrainstream_chunks_total{event=%q} %d\n", "completed", m.CompletedTotal)
	fmt.Fprintf(w, "terrainstream_chunks_total{event=%q} %d\n", "failed", m.FailedTotal)
	fmt.Fprintf(w, "terrainstream_chunks_total{event=%q} %d\n", "discarded", m.DiscardedTotal)
	fmt.Fprintf(w, "terrainstream_chunks_total{event=%q} %d\n", "applied", m.AppliedTotal)
	fmt.Fprintf(w, "terrainstream_chunks_total{event=%q} %d\n", "stale", m.StaleTotal)

	fmt.Fprintf(w, "# HELP terrainstream_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_step_ms gauge\n")
	fmt.Fprintf(w, "terrainstream_step_ms %.3f\n", m.StepMS)
}

func writePipelineMetrics(w io.Writer, st *app.Stack) {
	if st == nil {
		return
	}
	if st.Pipeline != nil {
		p := st.Pipeline.Stats()
		fmt.Fprintf(w, "# HELP terrainstream_jobs_total Worker pool job counters.\n")
		fmt.Fprintf(w, "# TYPE terrainstream_jobs_total counter\n")
		fmt.Fprintf(w, "terrainstream_jobs_total{event=%q} %d\n", "submitted", p.Submitted)
		fmt.Fprintf(w, "terrainstream_jobs_total{event=%q} %d\n", "deduped", p.Deduped)
		fmt.Fprintf(w, "terrainstream_jobs_total{event=%q} %d\n", "completed", p.Completed)

		fmt.Fprintf(w, "# HELP terrainstream_jobs_in_flight Jobs submitted and not yet polled.\n")
		fmt.Fprintf(w, "# TYPE terrainstream_jobs_in_flight gauge\n")
		fmt.Fprintf(w, "terrainstream_jobs_in_flight %d\n", p.InFlight)
		fmt.Fprintf(w, "terrainstream_jobs_backlog %d\n", p.Backlog)
	}
	if st.Disk != nil {
		d := st.Disk.Stats()
		fmt.Fprintf(w, "# HELP terrainstream_cache_total Tile cache lookups and writes.\n")
		fmt.Fprintf(w, "# TYPE terrainstream_cache_total counter\n")
		fmt.Fprintf(w, "terrainstream_cache_total{cache=%q,event=%q} %d\n", "disk", "hit", d.Hits)
		fmt.Fprintf(w, "terrainstream_cache_total{cache=%q,event=%q} %d\n", "disk", "miss", d.Misses)
		fmt.Fprintf(w, "terrainstream_cache_total{cache=%q,event=%q} %d\n", "disk", "write", d.Writes)
		if st.Decoded != nil {
			m := st.Decoded.Stats()
			fmt.Fprintf(w, "terrainstream_cache_total{cache=%q,event=%q} %d\n", "decoded", "hit", m.Hits)
			fmt.Fprintf(w, "terrainstream_cache_total{cache=%q,event=%q} %d\n", "decoded", "miss", m.Misses)
		}
	}
	if st.Index != nil {
		x := st.Index.Stats()
		fmt.Fprintf(w, "# HELP terrainstream_index_queue_depth Pending index writes.\n")
		fmt.Fprintf(w, "# TYPE terrainstream_index_queue_depth gauge\n")
		fmt.Fprintf(w, "terrainstream_index_queue_depth %d\n", x.QueueDepth)

		fmt.Fprintf(w, "# HELP terrainstream_index_total Index writer counters.\n")
		fmt.Fprintf(w, "# TYPE terrainstream_index_total counter\n")
		fmt.Fprintf(w, "terrainstream_index_total{event=%q} %d\n", "written", x.WrittenTotal)
		fmt.Fprintf(w, "terrainstream_index_total{event=%q} %d\n", "write_error", x.WriteErrorTotal)
		fmt.Fprintf(w, "terrainstream_index_total{event=%q} %d\n", "drop_fetch", x.DropFetchTotal)
		fmt.Fprintf(w, "terrainstream_index_total{event=%q} %d\n", "drop_tick", x.DropTickTotal)
		fmt.Fprintf(w, "terrainstream_index_total{event=%q} %d\n", "drop_snapshot", x.DropSnapshotTotal)
	}
	if st.Mirror != nil {
		m := st.Mirror.Stats()
		fmt.Fprintf(w, "# HELP terrainstream_mirror_queue_depth Current bucket mirror queue depth.\n")
		fmt.Fprintf(w, "# TYPE terrainstream_mirror_queue_depth gauge\n")
		fmt.Fprintf(w, "terrainstream_mirror_queue_depth %d\n", m.QueueDepth)
		fmt.Fprintf(w, "terrainstream_mirror_queue_capacity %d\n", m.QueueCapacity)

		fmt.Fprintf(w, "# HELP terrainstream_mirror_total Bucket mirror counters.\n")
		fmt.Fprintf(w, "# TYPE terrainstream_mirror_total counter\n")
		fmt.Fprintf(w, "terrainstream_mirror_total{event=%q} %d\n", "enqueued", m.EnqueuedTotal)
		fmt.Fprintf(w, "terrainstream_mirror_total{event=%q} %d\n", "saturated", m.QueueSaturatedTotal)
		fmt.Fprintf(w, "terrainstream_mirror_total{event=%q} %d\n", "dropped", m.DroppedTotal)
		fmt.Fprintf(w, "terrainstream_mirror_total{event=%q} %d\n", "upload_success", m.UploadSuccessTotal)
		fmt.Fprintf(w, "terrainstream_mirror_total{event=%q} %d\n", "upload_fail", m.UploadFailTotal)

		fmt.Fprintf(w, "# HELP terrainstream_mirror_last_success_unix Unix timestamp of last successful mirror upload.\n")
		fmt.Fprintf(w, "# TYPE terrainstream_mirror_last_success_unix gauge\n")
		fmt.Fprintf(w, "terrainstream_mirror_last_success_unix %d\n", m.LastSuccessUnix)
		fmt.Fprintf(w, "terrainstream_mirror_last_error_unix %d\n", m.LastErrorUnix)
	}
}

func writeHubMetrics(w io.Writer, h ws.HubStats) {
	fmt.Fprintf(w, "# HELP terrainstream_ws_sessions Connected websocket sessions.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_ws_sessions gauge\n")
	fmt.Fprintf(w, "terrainstream_ws_sessions %d\n", h.Sessions)

	fmt.Fprintf(w, "# HELP terrainstream_ws_frames_total Frames queued to sessions.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_ws_frames_total counter\n")
	fmt.Fprintf(w, "terrainstream_ws_frames_total %d\n", h.FramesSent)

	fmt.Fprintf(w, "# HELP terrainstream_ws_kicked_total Sessions dropped for falling behind.\n")
	fmt.Fprintf(w, "# TYPE terrainstream_ws_kicked_total counter\n")
	fmt.Fprintf(w, "terrainstream_ws_kicked_total %d\n", h.KickedTotal)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
