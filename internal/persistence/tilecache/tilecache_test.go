package tilecache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"terrainstream.ai/internal/terrain/heightmap"
)

func TestDisk_PutGetHas(t *testing.T) {
	d := NewDisk(filepath.Join(t.TempDir(), "tiles"))
	if d.Has("image_0_0.png") {
		t.Fatalf("empty cache should miss")
	}
	if _, err := d.Get("image_0_0.png"); !errors.Is(err, ErrMiss) {
		t.Fatalf("get on empty cache: %v", err)
	}
	if err := d.Put("image_0_0.png", []byte("abc")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !d.Has("image_0_0.png") {
		t.Fatalf("has after put")
	}
	b, err := d.Get("image_0_0.png")
	if err != nil || string(b) != "abc" {
		t.Fatalf("get=%q err=%v", b, err)
	}
	st := d.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Writes != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestDisk_EntriesAreImmutable(t *testing.T) {
	d := NewDisk(t.TempDir())
	if err := d.Put("image_1_1.png", []byte("first")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := d.Put("image_1_1.png", []byte("second")); err != nil {
		t.Fatalf("second put: %v", err)
	}
	b, _ := d.Get("image_1_1.png")
	if string(b) != "first" {
		t.Fatalf("entry overwritten: %q", b)
	}
}

func TestDisk_KeysSkipTempFiles(t *testing.T) {
	dir := t.TempDir()
	d := NewDisk(dir)
	_ = d.Put("image_2_0.png", []byte("x"))
	_ = d.Put("image_1_0.png", []byte("x"))
	if err := os.WriteFile(filepath.Join(dir, "image_3_0.png.123.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	keys, err := d.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "image_1_0.png" || keys[1] != "image_2_0.png" {
		t.Fatalf("keys=%v", keys)
	}
}

func TestDisk_RejectsPathKeys(t *testing.T) {
	d := NewDisk(t.TempDir())
	if err := d.Put("../escape.png", []byte("x")); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestMemory_CopiesData(t *testing.T) {
	m := NewMemory()
	src := []byte("tile")
	_ = m.Put("k", src)
	src[0] = 'X'
	b, err := m.Get("k")
	if err != nil || string(b) != "tile" {
		t.Fatalf("get=%q err=%v", b, err)
	}
	if m.Len() != 1 || m.Gets() != 1 {
		t.Fatalf("len=%d gets=%d", m.Len(), m.Gets())
	}
}

func TestDecoded_SetGet(t *testing.T) {
	d, err := NewDecoded(1 << 20)
	if err != nil {
		t.Fatalf("new decoded: %v", err)
	}
	defer d.Close()
	hm := heightmap.Flat(4, 4)
	d.Set("image_0_0.png", hm)
	d.Wait()
	got, ok := d.Get("image_0_0.png")
	if !ok || got != hm {
		t.Fatalf("decoded cache miss after wait")
	}
}

func TestDecoded_DisabledIsNil(t *testing.T) {
	d, err := NewDecoded(0)
	if err != nil || d != nil {
		t.Fatalf("zero budget should disable the tier: %v %v", d, err)
	}
	d.Set("k", heightmap.Flat(1, 1))
	if _, ok := d.Get("k"); ok {
		t.Fatalf("nil cache should always miss")
	}
}
