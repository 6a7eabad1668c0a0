package pipeline

import (
	"time"

	"terrainstream.ai/internal/terrain/mesh"
	"terrainstream.ai/internal/terrain/tiles"
)

type Status uint8

const (
	StatusOK Status = iota
	// StatusNoCredential: no remote source is usable. Not retried.
	StatusNoCredential
	// StatusNotFound: the source has no tile for the chunk. Not retried.
	StatusNotFound
	// StatusFetchFailed: transient network or bucket failure.
	StatusFetchFailed
	// StatusDecodeFailed: the tile bytes are not a readable image.
	StatusDecodeFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoCredential:
		return "no_credential"
	case StatusNotFound:
		return "not_found"
	case StatusFetchFailed:
		return "fetch_failed"
	case StatusDecodeFailed:
		return "decode_failed"
	default:
		return "unknown"
	}
}

// Origin is the tier that satisfied a job.
type Origin string

const (
	OriginNone   Origin = "none"
	OriginMemory Origin = "memory"
	OriginDisk   Origin = "disk"
	OriginRemote Origin = "remote"
)

// Result is owned by the receiver once it leaves the worker. Mesh is nil for
// every status but StatusOK.
type Result struct {
	Coord    tiles.Coord
	Mesh     *mesh.Mesh
	Status   Status
	Origin   Origin
	Bytes    int
	Duration time.Duration
	Err      error
}

// Retryable reports whether resubmitting the coordinate later could help.
func (r Result) Retryable() bool {
	return r.Status == StatusFetchFailed || r.Status == StatusDecodeFailed
}
