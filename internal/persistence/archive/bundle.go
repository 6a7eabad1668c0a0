// Package archive packs cached tiles into a single zstd-compressed tar so a
// cache can be seeded on another machine without touching the tile service.
package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"terrainstream.ai/internal/terrain/tiles"
)

const metaName = "meta.json"

type BundleMeta struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"created_at"`
	Count        int    `json:"count"`
	ConfigDigest string `json:"config_digest,omitempty"`
}

type TileReader interface {
	Get(key string) ([]byte, error)
}

type TileWriter interface {
	Has(key string) bool
	Put(key string, data []byte) error
}

// Export writes keys from src to w. Keys src cannot read are skipped; the
// returned count covers only what was written.
func Export(w io.Writer, src TileReader, keys []string, configDigest string) (int, error) {
	type entry struct {
		key  string
		data []byte
	}
	var entries []entry
	for _, k := range keys {
		if _, ok := tiles.ParseCacheKey(k); !ok {
			return 0, fmt.Errorf("not a cache key: %q", k)
		}
		b, err := src.Get(k)
		if err != nil {
			continue
		}
		entries = append(entries, entry{key: k, data: b})
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(enc)
	now := time.Now().UTC()

	meta, _ := json.MarshalIndent(BundleMeta{
		Version:      1,
		CreatedAt:    now.Format(time.RFC3339Nano),
		Count:        len(entries),
		ConfigDigest: configDigest,
	}, "", "  ")
	if err := writeFile(tw, metaName, meta, now); err != nil {
		_ = enc.Close()
		return 0, err
	}
	for _, e := range entries {
		if err := writeFile(tw, e.key, e.data, now); err != nil {
			_ = enc.Close()
			return 0, err
		}
	}
	if err := tw.Close(); err != nil {
		_ = enc.Close()
		return 0, err
	}
	return len(entries), enc.Close()
}

func writeFile(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  mod,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// Import copies every tile in the bundle into dst. Existing entries are left
// alone. Members whose names are not cache keys are rejected.
func Import(r io.Reader, dst TileWriter) (BundleMeta, int, error) {
	var meta BundleMeta
	dec, err := zstd.NewReader(r)
	if err != nil {
		return meta, 0, err
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	imported := 0
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return meta, imported, err
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		if h.Name == metaName {
			if err := json.NewDecoder(tr).Decode(&meta); err != nil {
				return meta, imported, fmt.Errorf("bundle meta: %w", err)
			}
			continue
		}
		if _, ok := tiles.ParseCacheKey(h.Name); !ok {
			return meta, imported, fmt.Errorf("bundle member %q is not a cache key", h.Name)
		}
		if dst.Has(h.Name) {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return meta, imported, err
		}
		if err := dst.Put(h.Name, b); err != nil {
			return meta, imported, err
		}
		imported++
	}
	return meta, imported, nil
}
