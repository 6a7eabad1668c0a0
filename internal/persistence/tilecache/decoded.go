package tilecache

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"terrainstream.ai/internal/terrain/heightmap"
)

// Decoded keeps recently decoded heightmaps in memory so a chunk that leaves
// and re-enters the window skips the disk read and image decode. Cost is the
// sample grid size in bytes.
type Decoded struct {
	c *ristretto.Cache[string, *heightmap.Heightmap]
}

// NewDecoded returns nil when maxBytes is zero, which disables the tier.
func NewDecoded(maxBytes int64) (*Decoded, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	// Ristretto wants ~10 counters per expected item; size items as 256² tiles.
	items := maxBytes/(256*256*4) + 1
	c, err := ristretto.NewCache(&ristretto.Config[string, *heightmap.Heightmap]{
		NumCounters: 10 * items,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("decoded tile cache: %w", err)
	}
	return &Decoded{c: c}, nil
}

func (d *Decoded) Get(key string) (*heightmap.Heightmap, bool) {
	if d == nil {
		return nil, false
	}
	return d.c.Get(key)
}

func (d *Decoded) Set(key string, hm *heightmap.Heightmap) {
	if d == nil || hm == nil {
		return
	}
	d.c.Set(key, hm, hm.SizeBytes())
}

// Wait blocks until buffered Sets are visible to Get.
func (d *Decoded) Wait() {
	if d == nil {
		return
	}
	d.c.Wait()
}

func (d *Decoded) Close() {
	if d == nil {
		return
	}
	d.c.Close()
}

type DecodedStats struct {
	Hits   uint64
	Misses uint64
}

func (d *Decoded) Stats() DecodedStats {
	if d == nil || d.c.Metrics == nil {
		return DecodedStats{}
	}
	return DecodedStats{Hits: d.c.Metrics.Hits(), Misses: d.c.Metrics.Misses()}
}
