// Package tilecache stores raw elevation tiles keyed by chunk cache key.
package tilecache

import "errors"

// ErrMiss is returned by Get when no entry exists for the key.
var ErrMiss = errors.New("tilecache: miss")

// Cache is the raw tile store consulted before any network fetch. Entries are
// immutable once written; presence is authoritative.
type Cache interface {
	Has(key string) bool
	Get(key string) ([]byte, error)
	Put(key string, data []byte) error
}
