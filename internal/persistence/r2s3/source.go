package r2s3

import (
	"context"
	"errors"
	"path"

	"terrainstream.ai/internal/fetch"
	"terrainstream.ai/internal/terrain/tiles"
)

// ObjectKey is where a chunk's tile lives in the bucket. The layout mirrors
// the disk cache so one node's mirror can serve as another node's source.
func ObjectKey(prefix, cacheKey string) string {
	if prefix == "" {
		return cacheKey
	}
	return path.Join(prefix, cacheKey)
}

// TileSource serves chunk tiles previously mirrored into the bucket.
type TileSource struct {
	client *Client
	prefix string
}

func NewTileSource(client *Client, prefix string) *TileSource {
	return &TileSource{client: client, prefix: prefix}
}

func (s *TileSource) Name() string { return "bucket" }

func (s *TileSource) Fetch(ctx context.Context, c tiles.Coord) ([]byte, error) {
	b, err := s.client.GetObject(ctx, ObjectKey(s.prefix, tiles.CacheKey(c)))
	if errors.Is(err, ErrNoSuchKey) {
		return nil, fetch.ErrNotFound
	}
	return b, err
}
