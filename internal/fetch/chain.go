package fetch

import (
	"context"
	"errors"
	"strings"

	"terrainstream.ai/internal/terrain/tiles"
)

// Chain tries each source in order. A source answering ErrNotFound or
// ErrNoCredential hands over to the next; any other error stops the chain.
type Chain []Source

func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, s := range c {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (c Chain) Fetch(ctx context.Context, coord tiles.Coord) ([]byte, error) {
	if len(c) == 0 {
		return nil, ErrNoCredential
	}
	var lastErr error
	for _, s := range c {
		b, err := s.Fetch(ctx, coord)
		if err == nil {
			return b, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNoCredential) {
			return nil, err
		}
	}
	return nil, lastErr
}
