package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"terrainstream.ai/internal/persistence/indexdb"
	"terrainstream.ai/internal/terrain/tiles"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/stream.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	status := fs.String("status", "", "status filter (fetches)")
	chunk := fs.String("chunk", "", "x,z chunk filter (fetches)")
	_ = fs.Parse(args)

	q := "summary"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "stream.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fatal("open", err)
	}
	r, err := indexdb.OpenReader(path)
	if err != nil {
		fatal("open", err)
	}
	defer r.Close()

	f := indexdb.FetchFilter{Status: strings.TrimSpace(*status), Limit: *limit}
	if strings.TrimSpace(*chunk) != "" {
		c, err := tiles.ParseCoord(*chunk)
		if err != nil {
			fatal("-chunk", err)
		}
		f.Chunk = &[2]int32{c.X, c.Z}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runDBQuery(ctx, os.Stdout, r, q, f); err != nil {
		fatal(q, err)
	}
}

func runDBQuery(ctx context.Context, w io.Writer, r *indexdb.Reader, q string, f indexdb.FetchFilter) error {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	switch q {
	case "fetches":
		rows, err := r.Fetches(ctx, f)
		if err != nil {
			return err
		}
		for _, row := range rows {
			writeJSON(w, row)
		}
	case "summary":
		rows, err := r.FetchSummary(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			writeJSON(w, row)
		}
	case "ticks":
		rows, err := r.Ticks(ctx, f.Limit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			writeJSON(w, row)
		}
	case "snapshots":
		rows, err := r.Snapshots(ctx, f.Limit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			writeJSON(w, row)
		}
	case "config":
		rows, err := r.Configs(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			writeJSON(w, row)
		}
	default:
		return fmt.Errorf("unknown query %q (want fetches|summary|ticks|snapshots|config)", q)
	}
	return nil
}
