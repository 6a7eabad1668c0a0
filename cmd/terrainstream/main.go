package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/app"
	"terrainstream.ai/internal/config"
	"terrainstream.ai/internal/protocol"
	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/transport/ws"
)

type options struct {
	addr          string
	configPath    string
	dataDir       string
	disableDB     bool
	disableEvents bool
	path          string
	speed         float64
	resume        bool
	snapshotEvery time.Duration
	snapshotKeep  int
	loopbackWS    bool
}

func main() {
	var o options
	flag.StringVar(&o.addr, "addr", ":8080", "http listen address")
	flag.StringVar(&o.configPath, "config", "./configs/stream.yaml", "stream config (empty for defaults)")
	flag.StringVar(&o.dataDir, "data", "./data", "runtime data directory (index, event logs, snapshots)")
	flag.BoolVar(&o.disableDB, "disable_db", false, "disable the sqlite fetch/tick index")
	flag.BoolVar(&o.disableEvents, "disable_event_log", false, "disable the zstd jsonl tick and fetch logs")
	flag.StringVar(&o.path, "path", "", "fly a waypoint path instead of following the ws controller: \"x,z;x,z;...\"")
	flag.Float64Var(&o.speed, "speed", 20, "path speed in world units per tick")
	flag.BoolVar(&o.resume, "resume", true, "start at the viewpoint of the latest snapshot if present")
	flag.DurationVar(&o.snapshotEvery, "snapshot_every", time.Minute, "periodic snapshot interval (0 to disable)")
	flag.IntVar(&o.snapshotKeep, "snapshot_keep", 16, "snapshots to keep on disk")
	flag.BoolVar(&o.loopbackWS, "loopback_ws", false, "accept ws connections from loopback peers only")
	logLevel := flag.String("log_level", "info", "log level")
	logFile := flag.String("log_file", "", "also write JSON logs to this rotated file")
	flag.Parse()

	_ = godotenv.Load(".env")

	logger, closeLog, err := newLogger(*logLevel, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	err = run(o, logger)
	_ = closeLog()
	if err != nil {
		logger.WithError(err).Error("terrainstream stopped")
		os.Exit(1)
	}
}

func run(o options, logger *logrus.Logger) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	points, err := parsePath(o.path)
	if err != nil {
		return fmt.Errorf("-path: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := app.Build(cfg, app.Options{
		DataDir:         o.dataDir,
		DisableDB:       o.disableDB,
		DisableEventLog: o.disableEvents,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	snaps := &snapshotter{
		dir:   filepath.Join(o.dataDir, "snapshots"),
		keep:  o.snapshotKeep,
		cfg:   cfg,
		index: st.Index,
		log:   logger,
	}

	var start mgl32.Vec3
	if o.resume && len(points) == 0 {
		if vp, ok := resumeViewpoint(snaps.dir, cfg, logger); ok {
			start = mgl32.Vec3(vp)
		}
	}

	hub := ws.NewHub(ws.Options{
		Params:       streamParams(cfg),
		Viewpoint:    start,
		LoopbackOnly: o.loopbackWS,
		Logger:       logger,
	})
	var src stream.ViewpointSource = hub
	if len(points) > 0 {
		src = stream.NewPath(points, float32(o.speed))
		logger.WithField("waypoints", len(points)).Info("flying path; ws viewpoints are ignored")
	}

	eng, err := st.NewEngine(hub)
	if err != nil {
		return err
	}

	// The engine outlives ctx so the shutdown snapshot can be taken.
	engCtx, engCancel := context.WithCancel(context.Background())
	defer engCancel()
	engDone := make(chan error, 1)
	go func() {
		engDone <- eng.Run(engCtx, src, cfg.TickRateHz)
	}()
	go snaps.loop(ctx, eng, o.snapshotEvery)

	s := &server{
		stack:       st,
		engine:      eng,
		hub:         hub,
		snaps:       snaps,
		log:         logger,
		enableAdmin: envBool("TERRAIN_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		enablePprof: envBool("TERRAIN_ENABLE_PPROF_HTTP", false),
	}
	srv := &http.Server{
		Addr:              o.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvDone := make(chan error, 1)
	go func() {
		logger.WithField("addr", o.addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvDone <- err
			return
		}
		srvDone <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-engDone:
		if err != nil {
			runErr = fmt.Errorf("engine: %w", err)
		}
		engDone = nil
	case err := <-srvDone:
		runErr = fmt.Errorf("http: %w", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(ctx2)
	cancel2()

	if engDone != nil {
		ctx3, cancel3 := context.WithTimeout(context.Background(), 5*time.Second)
		if res, err := snaps.save(ctx3, eng); err != nil {
			logger.WithError(err).Warn("shutdown snapshot failed")
		} else {
			logger.WithFields(logrus.Fields{"tick": res.Tick, "path": res.Path}).Info("shutdown snapshot written")
		}
		cancel3()
		eng.Stop()
		<-engDone
	}
	if st.Index != nil {
		ctx4, cancel4 := context.WithTimeout(context.Background(), 2*time.Second)
		_ = st.Index.Flush(ctx4)
		cancel4()
	}
	return runErr
}

func streamParams(cfg config.Config) protocol.StreamParams {
	return protocol.StreamParams{
		ChunkSize:      cfg.ChunkSize,
		ViewDiameter:   cfg.ViewDiameter,
		PoolSize:       cfg.PoolSize(),
		MeshResolution: cfg.MeshResolution,
		ParkDepth:      cfg.ParkDepth,
		TickRateHz:     cfg.TickRateHz,
	}
}

// parsePath reads "x,z;x,z" world-space waypoints at ground level.
func parsePath(s string) ([]mgl32.Vec3, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []mgl32.Vec3
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		xz := strings.Split(part, ",")
		if len(xz) != 2 {
			return nil, fmt.Errorf("waypoint %q: want x,z", part)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xz[0]), 32)
		if err != nil {
			return nil, fmt.Errorf("waypoint %q: %w", part, err)
		}
		z, err := strconv.ParseFloat(strings.TrimSpace(xz[1]), 32)
		if err != nil {
			return nil, fmt.Errorf("waypoint %q: %w", part, err)
		}
		out = append(out, mgl32.Vec3{float32(x), 0, float32(z)})
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
