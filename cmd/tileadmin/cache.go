package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"terrainstream.ai/internal/persistence/archive"
	"terrainstream.ai/internal/persistence/tilecache"
	"terrainstream.ai/internal/terrain/heightmap"
	"terrainstream.ai/internal/terrain/tiles"
)

type cacheEntry struct {
	Key   string      `json:"key"`
	Coord tiles.Coord `json:"coord"`
	Bytes int64       `json:"bytes"`
	Size  string      `json:"size"`
}

type verifyResult struct {
	Checked int      `json:"checked"`
	OK      int      `json:"ok"`
	Bad     []string `json:"bad,omitempty"`
	Foreign []string `json:"foreign,omitempty"`
}

func cacheCmd(args []string) {
	sub := "ls"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	fs := flag.NewFlagSet("cache "+sub, flag.ExitOnError)
	configPath := fs.String("config", "./configs/stream.yaml", "stream config (for cache_dir and terrarium params)")
	cacheDir := fs.String("dir", "", "cache directory (overrides config)")
	file := fs.String("file", "", "bundle path (export/import)")
	center := fs.String("center", "", "x,z: export only the window around this chunk")
	radius := fs.Int("radius", 0, "export window radius in chunks")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	dir := cfg.CacheDir
	if strings.TrimSpace(*cacheDir) != "" {
		dir = strings.TrimSpace(*cacheDir)
	}
	disk := tilecache.NewDisk(dir)

	switch sub {
	case "ls":
		entries, err := listCache(disk)
		if err != nil {
			fatal("ls", err)
		}
		for _, e := range entries {
			printJSON(e)
		}
	case "verify":
		res, err := verifyCache(disk, heightmap.TerrariumParams{Offset: cfg.TerrariumOffset, Unit: cfg.TerrariumUnit})
		if err != nil {
			fatal("verify", err)
		}
		printJSON(res)
		if len(res.Bad) > 0 {
			os.Exit(1)
		}
	case "export":
		if strings.TrimSpace(*file) == "" {
			fatal("export", fmt.Errorf("-file is required"))
		}
		keys, err := exportKeys(disk, *center, *radius)
		if err != nil {
			fatal("export", err)
		}
		f, err := os.Create(*file)
		if err != nil {
			fatal("export", err)
		}
		n, err := archive.Export(f, disk, keys, cfg.Digest())
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(*file)
			fatal("export", err)
		}
		printJSON(map[string]any{"file": *file, "written": n, "requested": len(keys)})
	case "import":
		if strings.TrimSpace(*file) == "" {
			fatal("import", fmt.Errorf("-file is required"))
		}
		f, err := os.Open(*file)
		if err != nil {
			fatal("import", err)
		}
		defer f.Close()
		meta, n, err := archive.Import(f, disk)
		if err != nil {
			fatal("import", err)
		}
		if meta.ConfigDigest != "" && meta.ConfigDigest != cfg.Digest() {
			fmt.Fprintln(os.Stderr, "note: bundle was exported under a different config")
		}
		printJSON(map[string]any{"file": *file, "imported": n, "bundle": meta})
	default:
		fatal("cache", fmt.Errorf("unknown subcommand %q (want ls|verify|export|import)", sub))
	}
}

func listCache(disk *tilecache.Disk) ([]cacheEntry, error) {
	keys, err := disk.Keys()
	if err != nil {
		return nil, err
	}
	out := make([]cacheEntry, 0, len(keys))
	for _, k := range keys {
		c, ok := tiles.ParseCacheKey(k)
		if !ok {
			continue
		}
		e := cacheEntry{Key: k, Coord: c}
		if st, err := os.Stat(filepath.Join(disk.Dir(), k)); err == nil {
			e.Bytes = st.Size()
		}
		e.Size = humanize.Bytes(uint64(e.Bytes))
		out = append(out, e)
	}
	return out, nil
}

// verifyCache decodes every entry. Files that are not cache keys are
// reported separately and left alone.
func verifyCache(disk *tilecache.Disk, tp heightmap.TerrariumParams) (verifyResult, error) {
	var res verifyResult
	keys, err := disk.Keys()
	if err != nil {
		return res, err
	}
	for _, k := range keys {
		if _, ok := tiles.ParseCacheKey(k); !ok {
			res.Foreign = append(res.Foreign, k)
			continue
		}
		res.Checked++
		b, err := disk.Get(k)
		if err != nil {
			res.Bad = append(res.Bad, k)
			continue
		}
		if _, err := heightmap.Decode(b, heightmap.Terrarium, tp); err != nil {
			res.Bad = append(res.Bad, k)
			continue
		}
		res.OK++
	}
	return res, nil
}

// exportKeys is the whole cache, or the (2r+1)^2 window around center.
func exportKeys(disk *tilecache.Disk, center string, radius int) ([]string, error) {
	if strings.TrimSpace(center) == "" {
		keys, err := disk.Keys()
		if err != nil {
			return nil, err
		}
		out := keys[:0]
		for _, k := range keys {
			if _, ok := tiles.ParseCacheKey(k); ok {
				out = append(out, k)
			}
		}
		return out, nil
	}
	c, err := tiles.ParseCoord(center)
	if err != nil {
		return nil, err
	}
	if radius < 0 {
		return nil, fmt.Errorf("radius must be >= 0")
	}
	var out []string
	for _, w := range tiles.Window(c, 2*radius+1) {
		out = append(out, tiles.CacheKey(w))
	}
	return out, nil
}
