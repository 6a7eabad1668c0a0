package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/config"
	"terrainstream.ai/internal/persistence/archive"
	"terrainstream.ai/internal/persistence/indexdb"
	"terrainstream.ai/internal/persistence/tilecache"
	"terrainstream.ai/internal/terrain/heightmap"
	"terrainstream.ai/internal/terrain/tiles"
)

func tilePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 10, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

func testConfig(t *testing.T, tileURL string) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ViewDiameter = 3
	cfg.MeshResolution = 4
	cfg.Workers = 2
	cfg.JobQueue = 8
	cfg.MemoryCacheMB = 0
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.TileURLTemplate = tileURL + "/{z}/{x}/{y}.png"
	cfg.FetchRatePerSec = 0
	cfg.FetchRetries = 0
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPrefetchFillsCacheAndIndex(t *testing.T) {
	var hits atomic.Int64
	body := tilePNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = rw.Write(body)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	dataDir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sum, err := prefetch(ctx, cfg, dataDir, tiles.Coord{X: 4, Z: -2}, 1, quietLogger())
	if err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if sum.Requested != 9 || sum.Statuses["ok"] != 9 || sum.Origins["remote"] != 9 || hits.Load() != 9 {
		t.Fatalf("first prefetch: %s", spew.Sdump(sum))
	}

	sum, err = prefetch(ctx, cfg, dataDir, tiles.Coord{X: 4, Z: -2}, 1, quietLogger())
	if err != nil {
		t.Fatalf("prefetch again: %v", err)
	}
	if sum.Origins["disk"] != 9 || hits.Load() != 9 {
		t.Fatalf("second prefetch should be served from disk: %s", spew.Sdump(sum))
	}

	r, err := indexdb.OpenReader(filepath.Join(dataDir, "index", "stream.sqlite"))
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer r.Close()
	var out bytes.Buffer
	if err := runDBQuery(ctx, &out, r, "summary", indexdb.FetchFilter{}); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(out.String(), `"origin":"remote"`) || !strings.Contains(out.String(), `"origin":"disk"`) {
		t.Fatalf("summary output:\n%s", out.String())
	}
	out.Reset()
	if err := runDBQuery(ctx, &out, r, "fetches", indexdb.FetchFilter{Chunk: &[2]int32{4, -2}, Limit: 10}); err != nil {
		t.Fatalf("fetches: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 2 {
		t.Fatalf("fetches for one chunk: %d lines\n%s", n, out.String())
	}
	if err := runDBQuery(ctx, &out, r, "bogus", indexdb.FetchFilter{}); err == nil {
		t.Fatalf("expected error for unknown query")
	}
}

func TestCacheListVerifyAndBundle(t *testing.T) {
	disk := tilecache.NewDisk(t.TempDir())
	body := tilePNG(t)
	for _, c := range tiles.Window(tiles.Coord{}, 3) {
		if err := disk.Put(tiles.CacheKey(c), body); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := disk.Put(tiles.CacheKey(tiles.Coord{X: 9, Z: 9}), []byte("not a png")); err != nil {
		t.Fatalf("put bad: %v", err)
	}
	if err := disk.Put("notes.txt", []byte("hi")); err != nil {
		t.Fatalf("put foreign: %v", err)
	}

	entries, err := listCache(disk)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if len(entries) != 10 || entries[0].Bytes == 0 || !strings.HasSuffix(entries[0].Size, "B") {
		t.Fatalf("ls: %s", spew.Sdump(entries))
	}

	res, err := verifyCache(disk, heightmap.TerrariumParams{Offset: 32768, Unit: 256})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Checked != 10 || res.OK != 9 || len(res.Bad) != 1 || res.Bad[0] != "image_9_9.png" || len(res.Foreign) != 1 {
		t.Fatalf("verify: %s", spew.Sdump(res))
	}

	all, err := exportKeys(disk, "", 0)
	if err != nil || len(all) != 10 {
		t.Fatalf("export all keys: %v %v", all, err)
	}
	window, err := exportKeys(disk, "0,0", 1)
	if err != nil || len(window) != 9 {
		t.Fatalf("export window keys: %v %v", window, err)
	}

	var bundle bytes.Buffer
	n, err := archive.Export(&bundle, disk, window, "digest")
	if err != nil || n != 9 {
		t.Fatalf("export: n=%d err=%v", n, err)
	}
	dst := tilecache.NewDisk(t.TempDir())
	meta, got, err := archive.Import(&bundle, dst)
	if err != nil || got != 9 || meta.ConfigDigest != "digest" {
		t.Fatalf("import: meta=%+v n=%d err=%v", meta, got, err)
	}
	res, _ = verifyCache(dst, heightmap.TerrariumParams{Offset: 32768, Unit: 256})
	if res.OK != 9 || len(res.Bad) != 0 {
		t.Fatalf("imported cache: %s", spew.Sdump(res))
	}
}
