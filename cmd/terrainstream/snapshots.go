package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/config"
	"terrainstream.ai/internal/persistence/indexdb"
	"terrainstream.ai/internal/persistence/snapshot"
	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/terrain/tiles"
)

type snapshotRequester interface {
	RequestSnapshot(ctx context.Context) (stream.Snapshot, error)
}

// snapshotter persists the viewpoint and resident window so a restart can
// resume where it left off.
type snapshotter struct {
	dir   string
	keep  int
	cfg   config.Config
	index *indexdb.SQLiteIndex
	log   logrus.FieldLogger
}

type snapshotResult struct {
	Tick   uint64      `json:"tick"`
	Path   string      `json:"path"`
	Center tiles.Coord `json:"center"`
	Active int         `json:"active"`
}

func (s *snapshotter) save(ctx context.Context, eng snapshotRequester) (snapshotResult, error) {
	snap, err := eng.RequestSnapshot(ctx)
	if err != nil {
		return snapshotResult{}, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return snapshotResult{}, err
	}
	v1 := snapshot.FromStream(snap, s.cfg.Digest(), s.cfg.ChunkSize, s.cfg.ViewDiameter)
	path := snapshot.Path(s.dir, snap.Tick)
	if err := snapshot.Write(path, v1); err != nil {
		return snapshotResult{}, err
	}
	if s.index != nil {
		s.index.RecordSnapshot(path, v1)
	}
	if s.keep > 0 {
		if n, err := snapshot.Prune(s.dir, s.keep); err != nil {
			s.log.WithError(err).Warn("snapshot prune failed")
		} else if n > 0 {
			s.log.WithField("removed", n).Debug("pruned snapshots")
		}
	}
	return snapshotResult{Tick: snap.Tick, Path: path, Center: snap.Center, Active: len(snap.Active)}, nil
}

// loop saves a snapshot every interval until ctx is done.
func (s *snapshotter) loop(ctx context.Context, eng snapshotRequester, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
			res, err := s.save(ctx2, eng)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrStopped) {
					return
				}
				s.log.WithError(err).Warn("periodic snapshot failed")
				continue
			}
			s.log.WithFields(logrus.Fields{"tick": res.Tick, "path": res.Path}).Debug("snapshot written")
		}
	}
}

// resumeViewpoint returns the viewpoint of the newest snapshot written under
// the same chunk size, if any.
func resumeViewpoint(dir string, cfg config.Config, log logrus.FieldLogger) ([3]float32, bool) {
	snap, path, err := snapshot.Latest(dir)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNone) {
			log.WithError(err).Warn("latest snapshot unreadable; starting fresh")
		}
		return [3]float32{}, false
	}
	if snap.ChunkSize != cfg.ChunkSize {
		log.WithFields(logrus.Fields{"path": path, "chunk_size": snap.ChunkSize}).Warn("snapshot chunk size differs; ignoring")
		return [3]float32{}, false
	}
	if snap.Header.ConfigDigest != cfg.Digest() {
		log.WithField("path", path).Info("snapshot written under a different config; resuming viewpoint only")
	}
	log.WithFields(logrus.Fields{"path": path, "tick": snap.Header.Tick, "viewpoint": snap.Viewpoint}).Info("resuming from snapshot")
	return snap.Viewpoint, true
}
