package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/app"
	"terrainstream.ai/internal/config"
	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/transport/ws"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testServer struct {
	srv    *server
	cfg    config.Config
	cancel context.CancelFunc
	done   chan error
}

func newTestServer(t *testing.T, viewpoint mgl32.Vec3) *testServer {
	t.Helper()
	tiles := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(tiles.Close)

	cfg := config.Defaults()
	cfg.ViewDiameter = 3
	cfg.MeshResolution = 4
	cfg.Workers = 2
	cfg.JobQueue = 16
	cfg.MemoryCacheMB = 0
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.TileURLTemplate = tiles.URL + "/{z}/{x}/{y}.png"
	cfg.FetchRatePerSec = 0
	cfg.FetchRetries = 0
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	logger := quietLogger()
	dataDir := t.TempDir()
	st, err := app.Build(cfg, app.Options{DataDir: dataDir, DisableEventLog: true, Logger: logger})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	hub := ws.NewHub(ws.Options{Params: streamParams(cfg), Viewpoint: viewpoint, Logger: logger})
	eng, err := st.NewEngine(hub)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, hub, 200) }()

	ts := &testServer{
		srv: &server{
			stack:  st,
			engine: eng,
			hub:    hub,
			snaps: &snapshotter{
				dir:   filepath.Join(dataDir, "snapshots"),
				keep:  2,
				cfg:   cfg,
				index: st.Index,
				log:   logger,
			},
			log:         logger,
			enableAdmin: true,
		},
		cfg:    cfg,
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() {
		cancel()
		<-done
		st.Close()
	})
	return ts
}

func (ts *testServer) waitTick(t *testing.T, tick uint64) stream.Metrics {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m := ts.srv.engine.Metrics()
		if m.Tick >= tick && m.Pending == 0 {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine did not reach tick %d", tick)
	return stream.Metrics{}
}

func do(t *testing.T, h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestParsePath(t *testing.T) {
	pts, err := parsePath(" 0,0; 400, -200 ;")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pts) != 2 || pts[1] != (mgl32.Vec3{400, 0, -200}) {
		t.Fatalf("points: %v", pts)
	}
	if pts, err := parsePath(""); err != nil || pts != nil {
		t.Fatalf("empty: %v %v", pts, err)
	}
	if _, err := parsePath("1,2,3"); err == nil {
		t.Fatalf("expected error for 3 components")
	}
	if _, err := parsePath("a,2"); err == nil {
		t.Fatalf("expected error for non-number")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, mgl32.Vec3{250, 0, 250})
	ts.waitTick(t, 3)
	mux := ts.srv.routes()

	rec := do(t, mux, http.MethodGet, "/metrics", "10.0.0.5:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`terrainstream_slots{state="pool"} 9`,
		`terrainstream_center_chunk{axis="x"} 1`,
		`terrainstream_chunks_total{event="entered"} 9`,
		`terrainstream_jobs_total{event="submitted"} 9`,
		`terrainstream_index_queue_depth`,
		`terrainstream_ws_sessions 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAdminStateLoopbackOnly(t *testing.T) {
	ts := newTestServer(t, mgl32.Vec3{})
	ts.waitTick(t, 1)
	mux := ts.srv.routes()

	if rec := do(t, mux, http.MethodGet, "/admin/v1/state", "10.0.0.5:1234"); rec.Code != http.StatusForbidden {
		t.Fatalf("remote state: %d", rec.Code)
	}
	rec := do(t, mux, http.MethodGet, "/admin/v1/state", "127.0.0.1:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("local state: %d", rec.Code)
	}
	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Metrics.PoolSize != 9 || resp.Config != ts.cfg.Digest() || resp.Hub == nil {
		t.Fatalf("state: %+v", resp)
	}
}

func TestAdminSnapshotResumes(t *testing.T) {
	ts := newTestServer(t, mgl32.Vec3{650, 0, -250})
	ts.waitTick(t, 2)
	mux := ts.srv.routes()

	if rec := do(t, mux, http.MethodGet, "/admin/v1/snapshot", "127.0.0.1:1234"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET snapshot: %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodPost, "/admin/v1/snapshot", "[::2]:1234"); rec.Code != http.StatusForbidden {
		t.Fatalf("remote snapshot: %d", rec.Code)
	}
	rec := do(t, mux, http.MethodPost, "/admin/v1/snapshot", "[::1]:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK     bool   `json:"ok"`
		Path   string `json:"path"`
		Active int    `json:"active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Active != 9 || filepath.Dir(resp.Path) != ts.srv.snaps.dir {
		t.Fatalf("snapshot resp: %+v", resp)
	}

	vp, ok := resumeViewpoint(ts.srv.snaps.dir, ts.cfg, quietLogger())
	if !ok || vp != [3]float32{650, 0, -250} {
		t.Fatalf("resume: %v %v", vp, ok)
	}

	other := ts.cfg
	other.ChunkSize = 100
	if _, ok := resumeViewpoint(ts.srv.snaps.dir, other, quietLogger()); ok {
		t.Fatalf("resume should ignore a snapshot with a different chunk size")
	}
}

func TestAdminDisabled(t *testing.T) {
	ts := newTestServer(t, mgl32.Vec3{})
	ts.srv.enableAdmin = false
	mux := ts.srv.routes()
	if rec := do(t, mux, http.MethodGet, "/admin/v1/state", "127.0.0.1:1234"); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled state: %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodGet, "/healthz", "10.0.0.5:1"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}
