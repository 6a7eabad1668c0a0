package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/terrain/tiles"
)

func sample(tick uint64) stream.Snapshot {
	return stream.Snapshot{
		Tick:      tick,
		Viewpoint: [3]float32{250, 40, -90},
		Center:    tiles.Coord{X: 1, Z: 0},
		Active:    []tiles.Coord{{X: 0, Z: -1}, {X: 1, Z: -1}, {X: 2, Z: -1}},
	}
}

func TestWriteRead_PreservesStream(t *testing.T) {
	dir := t.TempDir()
	p := Path(dir, 42)
	if err := Write(p, FromStream(sample(42), "abc", 200, 3)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	got, err := Read(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header.ConfigDigest != "abc" || got.ViewDiameter != 3 || got.ChunkSize != 200 {
		t.Fatalf("header fields: %+v", got)
	}
	s := got.Stream()
	if s.Tick != 42 || s.Center != (tiles.Coord{X: 1}) || len(s.Active) != 3 || s.Active[2] != (tiles.Coord{X: 2, Z: -1}) {
		t.Fatalf("stream: %+v", s)
	}
	if s.Viewpoint != [3]float32{250, 40, -90} {
		t.Fatalf("viewpoint: %v", s.Viewpoint)
	}

	h, err := ReadHeader(p)
	if err != nil || h.Tick != 42 || h.Version != Version {
		t.Fatalf("header=%+v err=%v", h, err)
	}
}

func TestLatest_PicksHighestTick(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := Latest(dir); !errors.Is(err, ErrNone) {
		t.Fatalf("empty dir: %v", err)
	}
	for _, tick := range []uint64{9, 100, 11} {
		if err := Write(Path(dir, tick), FromStream(sample(tick), "", 200, 3)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	got, path, err := Latest(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Header.Tick != 100 || path != Path(dir, 100) {
		t.Fatalf("latest tick=%d path=%s", got.Header.Tick, path)
	}

	removed, err := Prune(dir, 1)
	if err != nil || removed != 2 {
		t.Fatalf("prune removed=%d err=%v", removed, err)
	}
	paths, _ := List(dir)
	if len(paths) != 1 || paths[0] != Path(dir, 100) {
		t.Fatalf("after prune: %v", paths)
	}
}

func TestRead_RejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.snap.zst")
	_ = os.WriteFile(p, []byte("not zstd"), 0o644)
	if _, err := Read(p); err == nil {
		t.Fatalf("expected error")
	}
}
