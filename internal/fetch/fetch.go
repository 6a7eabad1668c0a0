// Package fetch retrieves raw elevation tiles from remote sources.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"terrainstream.ai/internal/terrain/tiles"
)

var (
	// ErrNoCredential means the source needs an API key and none is configured.
	ErrNoCredential = errors.New("fetch: no credential configured")
	// ErrNotFound means the source answered but has no tile for the chunk.
	ErrNotFound = errors.New("fetch: tile not found")
)

// Source returns the encoded image for a chunk. Implementations must be safe
// for concurrent use by pipeline workers.
type Source interface {
	Name() string
	Fetch(ctx context.Context, c tiles.Coord) ([]byte, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: status=%d url=%s", e.Code, e.URL)
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoCredential) || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	return true
}
