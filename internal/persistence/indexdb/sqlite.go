package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"terrainstream.ai/internal/persistence/snapshot"
	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/stream/pipeline"
)

// SQLiteIndex is a queryable secondary index of fetches, ticks and
// snapshots. Writes are queued to a single writer goroutine and dropped when
// the queue is full; the JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFetch    atomic.Uint64
	dropTick     atomic.Uint64
	dropSnapshot atomic.Uint64
	written      atomic.Uint64
	writeErrors  atomic.Uint64
}

type reqKind int

const (
	reqFetch reqKind = iota + 1
	reqTick
	reqSnapshot
)

type req struct {
	kind reqKind

	fetch    fetchRow
	tick     stream.TickLogEntry
	snapshot snapshotRow

	flushAck chan struct{}
}

type fetchRow struct {
	RecordedAt string
	X, Z       int32
	Status     string
	Origin     string
	Bytes      int
	DurationMS float64
	Err        string
}

type snapshotRow struct {
	Tick         uint64
	Path         string
	ConfigDigest string
	CenterX      int32
	CenterZ      int32
	Active       int
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	WrittenTotal      uint64 `json:"written_total"`
	WriteErrorTotal   uint64 `json:"write_error_total"`
	DropFetchTotal    uint64 `json:"drop_fetch_total"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

const defaultQueue = 65536

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, defaultQueue)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fetches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			status TEXT NOT NULL,
			origin TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			duration_ms REAL NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fetches_xz ON fetches(x, z);`,
		`CREATE INDEX IF NOT EXISTS idx_fetches_status ON fetches(status);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			center_x INTEGER NOT NULL,
			center_z INTEGER NOT NULL,
			entered INTEGER NOT NULL,
			left_count INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			applied INTEGER NOT NULL,
			stale INTEGER NOT NULL,
			queued INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			config_digest TEXT NOT NULL,
			center_x INTEGER NOT NULL,
			center_z INTEGER NOT NULL,
			active INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		WrittenTotal:      s.written.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
		DropFetchTotal:    s.dropFetch.Load(),
		DropTickTotal:     s.dropTick.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// RecordFetch is called from pipeline workers.
func (s *SQLiteIndex) RecordFetch(r pipeline.Result) {
	if s == nil || s.closed.Load() {
		return
	}
	row := fetchRow{
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
		X:          r.Coord.X,
		Z:          r.Coord.Z,
		Status:     r.Status.String(),
		Origin:     string(r.Origin),
		Bytes:      r.Bytes,
		DurationMS: float64(r.Duration.Microseconds()) / 1000,
	}
	if r.Err != nil {
		row.Err = r.Err.Error()
	}
	select {
	case s.ch <- req{kind: reqFetch, fetch: row}:
	default:
		s.dropFetch.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(entry stream.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.StreamV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:         snap.Header.Tick,
		Path:         path,
		ConfigDigest: snap.Header.ConfigDigest,
		CenterX:      snap.Center.X,
		CenterZ:      snap.Center.Z,
		Active:       len(snap.Active),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertConfig stores the effective configuration under its digest.
// It writes synchronously and is meant for startup.
func (s *SQLiteIndex) UpsertConfig(digest string, cfg any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('config_digest',?)`, digest); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO config(digest,json,updated_at) VALUES(?,?,?)`, digest, string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

// Flush blocks until everything queued before the call has been committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case s.ch <- req{flushAck: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFetch, _ := s.db.Prepare(`INSERT INTO fetches(recorded_at,x,z,status,origin,bytes,duration_ms,error) VALUES(?,?,?,?,?,?,?,?)`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,center_x,center_z,entered,left_count,completed,failed,applied,stale,queued,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,config_digest,center_x,center_z,active) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFetch, insertTick, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErrors.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
		s.written.Add(1)
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		if r.flushAck != nil {
			commit()
			close(r.flushAck)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFetch:
			f := r.fetch
			var errText any
			if f.Err != "" {
				errText = f.Err
			}
			exec(insertFetch, f.RecordedAt, f.X, f.Z, f.Status, f.Origin, f.Bytes, f.DurationMS, errText)
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick, int64(t.Tick), t.Center.X, t.Center.Z, len(t.Entered), len(t.Left),
				t.Completed, t.Failed, t.Applied, t.Stale, t.Queued, string(raw))
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.ConfigDigest, sn.CenterX, sn.CenterZ, sn.Active)
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
}
