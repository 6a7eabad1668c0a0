package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"terrainstream.ai/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "db":
		dbCmd(args)
	case "cache":
		cacheCmd(args)
	case "snapshots":
		snapshotsCmd(args)
	case "prefetch":
		prefetchCmd(args)
	case "state":
		stateCmd(args)
	case "snapshot":
		snapshotCmd(args)
	case "help", "-h", "-help", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: tileadmin <command> [flags]

  db [fetches|summary|ticks|snapshots|config]   query the fetch/tick index
  cache [ls|verify|export|import]               inspect or move the disk tile cache
  snapshots                                     list snapshot files
  prefetch -center x,z -radius r                warm the cache around a chunk
  state                                         GET /admin/v1/state from a running server
  snapshot                                      POST /admin/v1/snapshot to a running server`)
}

func printJSON(v any) {
	writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(w, string(b))
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

// loadConfig falls back to the defaults when the file is missing, so the
// tool works outside a checkout.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "note: %s not found; using defaults\n", path)
		return config.Load("")
	}
	return cfg, err
}
