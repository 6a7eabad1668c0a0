package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"terrainstream.ai/internal/terrain/tiles"
)

const maxTileBytes = 16 << 20

type HTTPOptions struct {
	URLTemplate string
	APIKey      string
	Zoom        int
	TileSize    int
	Timeout     time.Duration
	// RatePerSec caps request starts across all workers; 0 disables the limit.
	RatePerSec float64
	Burst      int
	Retries    int
	Client     *http.Client
	Logger     logrus.FieldLogger
}

// HTTP fetches XYZ tiles from a templated URL.
type HTTP struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	if strings.TrimSpace(opts.URLTemplate) == "" {
		return nil, fmt.Errorf("fetch: url template required")
	}
	if _, err := url.Parse(tiles.ExpandURL(opts.URLTemplate, tiles.ID{}, opts.TileSize, "k")); err != nil {
		return nil, fmt.Errorf("fetch: bad url template: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	h := &HTTP{opts: opts, client: client, log: opts.Logger}
	if h.log == nil {
		h.log = logrus.StandardLogger()
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return h, nil
}

func (h *HTTP) Name() string { return "http" }

// NeedsCredential reports whether the template references {key}.
func (h *HTTP) NeedsCredential() bool {
	return strings.Contains(h.opts.URLTemplate, "{key}")
}

func (h *HTTP) Fetch(ctx context.Context, c tiles.Coord) ([]byte, error) {
	if h.NeedsCredential() && h.opts.APIKey == "" {
		return nil, ErrNoCredential
	}
	id := tiles.FromChunk(c, h.opts.Zoom)
	u := tiles.ExpandURL(h.opts.URLTemplate, id, h.opts.TileSize, h.opts.APIKey)

	var lastErr error
	for attempt := 0; attempt <= h.opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		b, err := h.get(ctx, u)
		if err == nil {
			return b, nil
		}
		lastErr = err
		if !Retryable(err) {
			break
		}
		h.log.WithFields(logrus.Fields{
			"chunk":   c.String(),
			"tile":    id.String(),
			"attempt": attempt + 1,
		}).WithError(err).Debug("tile fetch retry")
	}
	return nil, lastErr
}

func (h *HTTP) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = redactKey(ue.URL, h.opts.APIKey)
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 8*1024))
		return nil, &StatusError{Code: resp.StatusCode, URL: redactKey(u, h.opts.APIKey)}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxTileBytes {
		return nil, fmt.Errorf("fetch: tile exceeds %d bytes", maxTileBytes)
	}
	return b, nil
}

func redactKey(u, key string) string {
	if key == "" {
		return u
	}
	return strings.ReplaceAll(u, key, "REDACTED")
}
