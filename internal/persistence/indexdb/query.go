package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Reader runs the queries behind the admin tooling.
type Reader struct {
	db    *sql.DB
	owned bool
}

// OpenReader opens an index written by another process.
func OpenReader(path string) (*Reader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty db path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db, owned: true}, nil
}

// Reader shares the index connection. Queries wait for the writer's open
// batch to commit.
func (s *SQLiteIndex) Reader() *Reader { return &Reader{db: s.db} }

func (r *Reader) Close() error {
	if r.owned {
		return r.db.Close()
	}
	return nil
}

type FetchRow struct {
	ID         int64   `json:"id"`
	RecordedAt string  `json:"recorded_at"`
	X          int32   `json:"x"`
	Z          int32   `json:"z"`
	Status     string  `json:"status"`
	Origin     string  `json:"origin"`
	Bytes      int     `json:"bytes"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

type FetchFilter struct {
	Status string
	// Chunk restricts to one coordinate when set.
	Chunk *[2]int32
	Limit int
}

// Fetches returns matching rows, newest first.
func (r *Reader) Fetches(ctx context.Context, f FetchFilter) ([]FetchRow, error) {
	q := `SELECT id,recorded_at,x,z,status,origin,bytes,duration_ms,COALESCE(error,'') FROM fetches`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Chunk != nil {
		where = append(where, "x=? AND z=?")
		args = append(args, f.Chunk[0], f.Chunk[1])
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FetchRow
	for rows.Next() {
		var fr FetchRow
		if err := rows.Scan(&fr.ID, &fr.RecordedAt, &fr.X, &fr.Z, &fr.Status, &fr.Origin, &fr.Bytes, &fr.DurationMS, &fr.Error); err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

type StatusCount struct {
	Status string  `json:"status"`
	Origin string  `json:"origin"`
	Count  int     `json:"count"`
	AvgMS  float64 `json:"avg_ms"`
}

// FetchSummary groups every recorded fetch by status and origin.
func (r *Reader) FetchSummary(ctx context.Context) ([]StatusCount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status,origin,COUNT(*),AVG(duration_ms) FROM fetches GROUP BY status,origin ORDER BY status,origin`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Origin, &c.Count, &c.AvgMS); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type TickRow struct {
	Tick      uint64 `json:"tick"`
	CenterX   int32  `json:"center_x"`
	CenterZ   int32  `json:"center_z"`
	Entered   int    `json:"entered"`
	Left      int    `json:"left"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Applied   int    `json:"applied"`
	Stale     int    `json:"stale"`
	Queued    int    `json:"queued"`
}

func (r *Reader) Ticks(ctx context.Context, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT tick,center_x,center_z,entered,left_count,completed,failed,applied,stale,queued FROM ticks ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var t TickRow
		var tick int64
		if err := rows.Scan(&tick, &t.CenterX, &t.CenterZ, &t.Entered, &t.Left, &t.Completed, &t.Failed, &t.Applied, &t.Stale, &t.Queued); err != nil {
			return nil, err
		}
		t.Tick = uint64(tick)
		out = append(out, t)
	}
	return out, rows.Err()
}

type SnapshotRow struct {
	Tick         uint64 `json:"tick"`
	Path         string `json:"path"`
	ConfigDigest string `json:"config_digest"`
	CenterX      int32  `json:"center_x"`
	CenterZ      int32  `json:"center_z"`
	Active       int    `json:"active"`
}

func (r *Reader) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT tick,path,config_digest,center_x,center_z,active FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var s SnapshotRow
		var tick int64
		if err := rows.Scan(&tick, &s.Path, &s.ConfigDigest, &s.CenterX, &s.CenterZ, &s.Active); err != nil {
			return nil, err
		}
		s.Tick = uint64(tick)
		out = append(out, s)
	}
	return out, rows.Err()
}

type ConfigRow struct {
	Digest    string `json:"digest"`
	JSON      string `json:"json"`
	UpdatedAt string `json:"updated_at"`
}

// Configs lists stored configurations, most recently written first.
func (r *Reader) Configs(ctx context.Context) ([]ConfigRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT digest,json,updated_at FROM config ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConfigRow
	for rows.Next() {
		var c ConfigRow
		if err := rows.Scan(&c.Digest, &c.JSON, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
