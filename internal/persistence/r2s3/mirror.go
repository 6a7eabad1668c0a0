package r2s3

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

// TileReader is the subset of the tile cache the mirror uploads from.
type TileReader interface {
	Get(key string) ([]byte, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, objectKey string, data []byte) error
}

// Mirror copies freshly fetched tiles into the bucket in the background.
type Mirror struct {
	client objectPutter
	tiles  TileReader
	prefix string
	log    logrus.FieldLogger

	jobs        chan string
	enqueueWait time.Duration
	backoffUnit time.Duration
	wg          sync.WaitGroup

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(client *Client, tiles TileReader, prefix string, workers, queueCapacity int, enqueueWait time.Duration, logger logrus.FieldLogger) *Mirror {
	if client == nil {
		return nil
	}
	return newMirror(client, tiles, prefix, workers, queueCapacity, enqueueWait, logger)
}

func newMirror(client objectPutter, tiles TileReader, prefix string, workers, queueCapacity int, enqueueWait time.Duration, logger logrus.FieldLogger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 2048
	}
	if enqueueWait <= 0 {
		enqueueWait = 25 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Mirror{
		client:      client,
		tiles:       tiles,
		prefix:      prefix,
		log:         logger.WithField("component", "mirror"),
		jobs:        make(chan string, queueCapacity),
		enqueueWait: enqueueWait,
		backoffUnit: 200 * time.Millisecond,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for key := range m.jobs {
				m.uploadOne(key)
			}
		}()
	}
	return m
}

// Enqueue schedules the cached tile under key for upload. It never blocks for
// longer than the configured enqueue wait.
func (m *Mirror) Enqueue(key string) {
	if m == nil || m.client == nil {
		return
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- key:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- key:
		return
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.log.WithFields(logrus.Fields{
			"key":           key,
			"wait_ms":       m.enqueueWait.Milliseconds(),
			"dropped_total": dropped,
		}).Warn("mirror drop: queue saturated")
	}
}

func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(key string) {
	data, err := m.tiles.Get(key)
	if err != nil {
		m.log.WithField("key", key).WithError(err).Warn("mirror skip: tile unreadable")
		return
	}
	objectKey := ObjectKey(m.prefix, key)
	if err := m.uploadWithRetry(objectKey, data); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.log.WithField("object", objectKey).WithError(err).Error("mirror upload failed")
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.log.WithField("object", objectKey).Debug("mirror uploaded")
}

func (m *Mirror) uploadWithRetry(objectKey string, data []byte) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.client.PutObject(ctx, objectKey, data)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt, err)
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.backoffUnit)
		}
	}
	return lastErr
}
