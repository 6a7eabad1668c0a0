// Package app assembles the streaming stack from a config: caches, tile
// sources, the bucket mirror, the index, the event logs and the worker pool.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/config"
	"terrainstream.ai/internal/fetch"
	"terrainstream.ai/internal/persistence/indexdb"
	persistlog "terrainstream.ai/internal/persistence/log"
	"terrainstream.ai/internal/persistence/r2s3"
	"terrainstream.ai/internal/persistence/tilecache"
	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/stream/pipeline"
	"terrainstream.ai/internal/terrain/heightmap"
	"terrainstream.ai/internal/terrain/mesh"
)

type Options struct {
	DataDir string
	// DisableDB turns off the SQLite index.
	DisableDB bool
	// DisableEventLog turns off the zstd JSONL tick and fetch logs.
	DisableEventLog bool
	Logger          logrus.FieldLogger
}

type Stack struct {
	Config  config.Config
	DataDir string

	Disk     *tilecache.Disk
	Decoded  *tilecache.Decoded
	Source   fetch.Source
	Mirror   *r2s3.Mirror
	Index    *indexdb.SQLiteIndex
	TickLog  *persistlog.TickLogger
	FetchLog *persistlog.FetchLogger
	Resolver *pipeline.Resolver
	Pipeline *pipeline.Pipeline

	log logrus.FieldLogger
}

func Build(cfg config.Config, opts Options) (*Stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if strings.TrimSpace(opts.DataDir) == "" {
		opts.DataDir = "./data"
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}
	s := &Stack{Config: cfg, DataDir: opts.DataDir, log: logger}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.Disk = tilecache.NewDisk(cfg.CacheDir)
	dec, err := tilecache.NewDecoded(int64(cfg.MemoryCacheMB) << 20)
	if err != nil {
		return nil, fmt.Errorf("decoded cache: %w", err)
	}
	s.Decoded = dec

	var bucket *r2s3.Client
	if cfg.Bucket.Enabled() && (cfg.Bucket.Mirror || cfg.Bucket.Source) {
		bucket, err = newBucketClient(cfg.Bucket)
		if err != nil {
			return nil, err
		}
	}

	src, err := s.buildSource(cfg, bucket)
	if err != nil {
		return nil, err
	}
	s.Source = src

	if bucket != nil && cfg.Bucket.Mirror {
		s.Mirror = r2s3.NewMirror(bucket, s.Disk, cfg.Bucket.Prefix, 2, 1024, 50*time.Millisecond, logger)
	}

	if !opts.DisableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(opts.DataDir, "index", "stream.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		s.Index = idx
		if err := idx.UpsertConfig(cfg.Digest(), cfg); err != nil {
			logger.WithError(err).Warn("index: upsert config")
		}
	}
	if !opts.DisableEventLog {
		s.TickLog = persistlog.NewTickLogger(opts.DataDir)
		s.FetchLog = persistlog.NewFetchLogger(opts.DataDir, logger)
	}

	s.Resolver = &pipeline.Resolver{
		Cache:   s.Disk,
		Decoded: s.Decoded,
		Source:  s.Source,
		Mesh:    s.MeshParams(),
		// Remote tiles are always terrarium encoded.
		Encoding:  heightmap.Terrarium,
		Terrarium: heightmap.TerrariumParams{Offset: cfg.TerrariumOffset, Unit: cfg.TerrariumUnit},
		Log:       logger,
	}
	if s.Mirror != nil {
		s.Resolver.OnStored = s.Mirror.Enqueue
	}

	s.Pipeline = pipeline.New(s.Resolver, pipeline.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.JobQueue,
		Recorder:  s.recorders(),
		Logger:    logger,
	})

	logger.WithFields(logrus.Fields{
		"cache_dir": cfg.CacheDir,
		"source":    sourceName(s.Source),
		"workers":   cfg.Workers,
		"mirror":    s.Mirror != nil,
		"index":     s.Index != nil,
	}).Info("stream stack ready")
	ok = true
	return s, nil
}

func (s *Stack) buildSource(cfg config.Config, bucket *r2s3.Client) (fetch.Source, error) {
	var chain fetch.Chain
	if bucket != nil && cfg.Bucket.Source {
		chain = append(chain, r2s3.NewTileSource(bucket, cfg.Bucket.Prefix))
	}
	h, err := fetch.NewHTTP(fetch.HTTPOptions{
		URLTemplate: cfg.TileURLTemplate,
		APIKey:      cfg.APIKey(),
		Zoom:        cfg.Zoom,
		TileSize:    cfg.TileSize,
		Timeout:     time.Duration(cfg.FetchTimeoutMs) * time.Millisecond,
		RatePerSec:  cfg.FetchRatePerSec,
		Burst:       cfg.FetchBurst,
		Retries:     cfg.FetchRetries,
		Logger:      s.log,
	})
	if err != nil {
		return nil, err
	}
	if h.NeedsCredential() && cfg.APIKey() == "" {
		s.log.WithField("env", cfg.APIKeyEnv).Warn("tile credential not set; only cached chunks will have terrain")
	}
	chain = append(chain, h)
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func newBucketClient(b config.Bucket) (*r2s3.Client, error) {
	access := strings.TrimSpace(os.Getenv(b.AccessKeyEnv))
	secret := strings.TrimSpace(os.Getenv(b.SecretKeyEnv))
	if access == "" || secret == "" {
		return nil, fmt.Errorf("bucket enabled but %s/%s are not set", b.AccessKeyEnv, b.SecretKeyEnv)
	}
	return r2s3.New(r2s3.Options{
		Endpoint:        b.Endpoint,
		Region:          b.Region,
		Bucket:          b.Name,
		AccessKeyID:     access,
		SecretAccessKey: secret,
	})
}

func sourceName(src fetch.Source) string {
	if src == nil {
		return "none"
	}
	return src.Name()
}

// recorders fans pipeline results out to the index and the fetch log.
func (s *Stack) recorders() pipeline.Recorder {
	var rs multiRecorder
	if s.Index != nil {
		rs = append(rs, s.Index)
	}
	if s.FetchLog != nil {
		rs = append(rs, s.FetchLog)
	}
	if len(rs) == 0 {
		return nil
	}
	return rs
}

func (s *Stack) MeshParams() mesh.Params {
	return mesh.Params{
		ChunkSize:   s.Config.ChunkSize,
		Resolution:  s.Config.MeshResolution,
		HeightScale: s.Config.HeightScale,
		Window:      s.Config.SmoothingWindow,
	}
}

// Placeholder is the mesh every slot shows before its first real mesh. It
// comes from the configured grayscale heightmap when one is readable.
func (s *Stack) Placeholder() *mesh.Mesh {
	p := s.MeshParams()
	path := strings.TrimSpace(s.Config.PlaceholderHeightmap)
	if path == "" {
		return mesh.Flat(p)
	}
	hm, err := heightmap.Load(path, heightmap.Grayscale, heightmap.TerrariumParams{})
	if err != nil {
		s.log.WithField("path", path).WithError(err).Warn("placeholder heightmap unreadable; using flat grid")
		return mesh.Flat(p)
	}
	return mesh.Build(hm, p)
}

// NewEngine wires an engine to the stack's pipeline and tick logs.
func (s *Stack) NewEngine(sink stream.Sink) (*stream.Engine, error) {
	var tl multiTickLogger
	if s.TickLog != nil {
		tl = append(tl, s.TickLog)
	}
	if s.Index != nil {
		tl = append(tl, s.Index)
	}
	opts := stream.Options{
		ChunkSize:       s.Config.ChunkSize,
		ViewDiameter:    s.Config.ViewDiameter,
		ParkDepth:       s.Config.ParkDepth,
		ApplyPerTick:    s.Config.ApplyPerTick,
		RetryAfterTicks: uint64(s.Config.RetryAfterTicks),
		Placeholder:     s.Placeholder(),
		Fallback:        mesh.Flat(s.MeshParams()),
		Logger:          s.log,
	}
	if len(tl) > 0 {
		opts.TickLogger = tl
	}
	return stream.New(s.Pipeline, sink, opts)
}

// Close stops the workers first so nothing records into closed sinks.
func (s *Stack) Close() {
	if s.Pipeline != nil {
		s.Pipeline.Close()
	}
	if s.Mirror != nil {
		s.Mirror.Close()
	}
	if s.TickLog != nil {
		_ = s.TickLog.Close()
	}
	if s.FetchLog != nil {
		_ = s.FetchLog.Close()
	}
	if s.Index != nil {
		_ = s.Index.Close()
	}
	if s.Decoded != nil {
		s.Decoded.Close()
	}
}

type multiRecorder []pipeline.Recorder

func (m multiRecorder) RecordFetch(r pipeline.Result) {
	for _, rec := range m {
		rec.RecordFetch(r)
	}
}

type multiTickLogger []stream.TickLogger

func (m multiTickLogger) WriteTick(entry stream.TickLogEntry) error {
	for _, l := range m {
		_ = l.WriteTick(entry)
	}
	return nil
}
