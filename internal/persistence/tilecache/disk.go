package tilecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// Disk is a flat directory of tile files. Writes go through a temp file and a
// rename so readers never observe a partial tile.
type Disk struct {
	dir string

	hits   atomic.Uint64
	misses atomic.Uint64
	writes atomic.Uint64
}

func NewDisk(dir string) *Disk {
	return &Disk{dir: dir}
}

func (d *Disk) Dir() string { return d.dir }

func (d *Disk) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("tilecache: invalid key %q", key)
	}
	return filepath.Join(d.dir, key), nil
}

func (d *Disk) Has(key string) bool {
	p, err := d.path(key)
	if err != nil {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func (d *Disk) Get(key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.misses.Add(1)
			return nil, ErrMiss
		}
		return nil, err
	}
	d.hits.Add(1)
	return b, nil
}

// Put stores data under key unless an entry already exists.
func (d *Disk) Put(key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if d.Has(key) {
		return nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(d.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	d.writes.Add(1)
	return nil
}

// Keys lists the stored entries, sorted. Temp files are skipped.
func (d *Disk) Keys() ([]string, error) {
	ents, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

type DiskStats struct {
	Hits   uint64
	Misses uint64
	Writes uint64
}

func (d *Disk) Stats() DiskStats {
	return DiskStats{Hits: d.hits.Load(), Misses: d.misses.Load(), Writes: d.writes.Load()}
}
