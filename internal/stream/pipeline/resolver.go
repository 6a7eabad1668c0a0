package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/fetch"
	"terrainstream.ai/internal/persistence/tilecache"
	"terrainstream.ai/internal/terrain/heightmap"
	"terrainstream.ai/internal/terrain/mesh"
	"terrainstream.ai/internal/terrain/tiles"
)

// Resolver turns a chunk coordinate into a mesh: decoded cache, then disk
// cache, then the remote source. It holds no per-job state and is shared by
// all workers.
type Resolver struct {
	Cache     tilecache.Cache
	Decoded   *tilecache.Decoded
	Source    fetch.Source
	Mesh      mesh.Params
	Encoding  heightmap.Encoding
	Terrarium heightmap.TerrariumParams
	// OnStored runs after a remote tile lands in Cache.
	OnStored func(key string)
	Log      logrus.FieldLogger

	noCredOnce sync.Once
}

func (r *Resolver) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

func (r *Resolver) Resolve(ctx context.Context, c tiles.Coord) (res Result) {
	start := time.Now()
	res = Result{Coord: c, Origin: OriginNone}
	defer func() { res.Duration = time.Since(start) }()

	key := tiles.CacheKey(c)
	if hm, ok := r.Decoded.Get(key); ok {
		res.Origin = OriginMemory
		res.Mesh = mesh.Build(hm, r.Mesh)
		return res
	}

	var data []byte
	if r.Cache != nil && r.Cache.Has(key) {
		b, err := r.Cache.Get(key)
		if err != nil {
			r.logger().WithField("key", key).WithError(err).Warn("cache read failed, refetching")
		} else {
			data = b
			res.Origin = OriginDisk
		}
	}

	if data == nil {
		if r.Source == nil {
			r.warnNoCredential()
			res.Status = StatusNoCredential
			res.Err = fetch.ErrNoCredential
			return res
		}
		b, err := r.Source.Fetch(ctx, c)
		switch {
		case errors.Is(err, fetch.ErrNoCredential):
			r.warnNoCredential()
			res.Status = StatusNoCredential
			res.Err = err
			return res
		case errors.Is(err, fetch.ErrNotFound):
			res.Status = StatusNotFound
			res.Err = err
			return res
		case err != nil:
			res.Status = StatusFetchFailed
			res.Err = err
			return res
		}
		data = b
		res.Origin = OriginRemote
		if r.Cache != nil {
			if err := r.Cache.Put(key, data); err != nil {
				r.logger().WithField("key", key).WithError(err).Warn("cache write failed")
			} else if r.OnStored != nil {
				r.OnStored(key)
			}
		}
	}

	res.Bytes = len(data)
	hm, err := heightmap.Decode(data, r.Encoding, r.Terrarium)
	if err != nil {
		res.Status = StatusDecodeFailed
		res.Err = err
		return res
	}
	r.Decoded.Set(key, hm)
	res.Mesh = mesh.Build(hm, r.Mesh)
	res.Status = StatusOK
	return res
}

func (r *Resolver) warnNoCredential() {
	r.noCredOnce.Do(func() {
		r.logger().Warn("no tile credential configured; uncached chunks render flat")
	})
}
