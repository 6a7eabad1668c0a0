package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/stream/pipeline"
	"terrainstream.ai/internal/terrain/tiles"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer

	now func() time.Time
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// Files lists the log files written so far for prefix under baseDir, oldest first.
func Files(baseDir, prefix string) ([]string, error) {
	return filepath.Glob(filepath.Join(baseDir, prefix+"-*.jsonl.zst"))
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// TickLogger writes one JSONL entry per stream tick that changed something.
type TickLogger struct{ w *JSONLZstdWriter }

func NewTickLogger(dataDir string) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "ticks")}
}

func (l *TickLogger) WriteTick(v stream.TickLogEntry) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                          { return l.w.Close() }

// FetchLogEntry is one finished pipeline job.
type FetchLogEntry struct {
	Time       string      `json:"time"`
	Coord      tiles.Coord `json:"coord"`
	Status     string      `json:"status"`
	Origin     string      `json:"origin"`
	Bytes      int         `json:"bytes,omitempty"`
	DurationMS float64     `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// FetchLogger writes one JSONL entry per pipeline result. It is called from
// worker goroutines; the writer mutex serializes them.
type FetchLogger struct {
	w   *JSONLZstdWriter
	log logrus.FieldLogger
}

func NewFetchLogger(dataDir string, logger logrus.FieldLogger) *FetchLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FetchLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "fetches"), log: logger}
}

func (l *FetchLogger) RecordFetch(r pipeline.Result) {
	e := FetchLogEntry{
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Coord:      r.Coord,
		Status:     r.Status.String(),
		Origin:     string(r.Origin),
		Bytes:      r.Bytes,
		DurationMS: float64(r.Duration.Microseconds()) / 1000,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	if err := l.w.Write(e); err != nil {
		l.log.WithError(err).Warn("fetch log write failed")
	}
}

func (l *FetchLogger) Close() error { return l.w.Close() }

// ReadJSONLZstd decodes every line of a compressed log into fn.
func ReadJSONLZstd(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}
