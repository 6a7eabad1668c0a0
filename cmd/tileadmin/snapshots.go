package main

import (
	"flag"
	"path/filepath"

	"terrainstream.ai/internal/persistence/snapshot"
)

type snapshotEntry struct {
	Path         string `json:"path"`
	Tick         uint64 `json:"tick"`
	Version      int    `json:"version"`
	ConfigDigest string `json:"config_digest"`
	Error        string `json:"error,omitempty"`
}

func snapshotsCmd(args []string) {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	full := fs.Bool("full", false, "decode the newest snapshot and print it")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "snapshots")
	if *full {
		snap, _, err := snapshot.Latest(dir)
		if err != nil {
			fatal("latest", err)
		}
		printJSON(snap)
		return
	}
	entries, err := listSnapshots(dir)
	if err != nil {
		fatal("snapshots", err)
	}
	for _, e := range entries {
		printJSON(e)
	}
}

func listSnapshots(dir string) ([]snapshotEntry, error) {
	paths, err := snapshot.List(dir)
	if err != nil {
		return nil, err
	}
	out := make([]snapshotEntry, 0, len(paths))
	for _, p := range paths {
		e := snapshotEntry{Path: p}
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			e.Error = err.Error()
		} else {
			e.Tick, e.Version, e.ConfigDigest = h.Tick, h.Version, h.ConfigDigest
		}
		out = append(out, e)
	}
	return out, nil
}
