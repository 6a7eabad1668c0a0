package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"terrainstream.ai/internal/fetch"
	"terrainstream.ai/internal/persistence/tilecache"
	"terrainstream.ai/internal/terrain/heightmap"
	"terrainstream.ai/internal/terrain/mesh"
	"terrainstream.ai/internal/terrain/tiles"
)

var testMesh = mesh.Params{ChunkSize: 200, Resolution: 4, HeightScale: 5, Window: 1}

func terrariumPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.NRGBA{R: 128, G: uint8(x * 10), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type countingSource struct {
	data  []byte
	err   error
	calls atomic.Int32
}

func (s *countingSource) Name() string { return "counting" }

func (s *countingSource) Fetch(ctx context.Context, c tiles.Coord) ([]byte, error) {
	s.calls.Add(1)
	return s.data, s.err
}

func settle(t *testing.T, p *Pipeline) []Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.Settle(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("settle: %v (pending=%d)", err, p.Pending())
	}
	return out
}

func newResolver(cache tilecache.Cache, src fetch.Source) *Resolver {
	r := &Resolver{
		Cache:     cache,
		Mesh:      testMesh,
		Encoding:  heightmap.Terrarium,
		Terrarium: heightmap.DefaultTerrarium,
	}
	if src != nil {
		r.Source = src
	}
	return r
}

type gateResolver struct {
	gate  chan struct{}
	calls atomic.Int32
}

func (g *gateResolver) Resolve(ctx context.Context, c tiles.Coord) Result {
	g.calls.Add(1)
	<-g.gate
	return Result{Coord: c, Status: StatusNoCredential}
}

func TestSubmit_DedupsInFlight(t *testing.T) {
	g := &gateResolver{gate: make(chan struct{})}
	p := New(g, Options{Workers: 2, QueueSize: 4})
	defer p.Close()

	c := tiles.Coord{X: 1, Z: 2}
	if !p.Submit(c) {
		t.Fatalf("first submit should schedule")
	}
	for i := 0; i < 5; i++ {
		if p.Submit(c) {
			t.Fatalf("duplicate submit %d scheduled a second job", i)
		}
	}
	if !p.InFlight(c) || p.Pending() != 1 {
		t.Fatalf("in-flight=%v pending=%d", p.InFlight(c), p.Pending())
	}
	close(g.gate)
	res := settle(t, p)
	if len(res) != 1 || g.calls.Load() != 1 {
		t.Fatalf("results=%d resolves=%d want 1/1", len(res), g.calls.Load())
	}
	if st := p.Stats(); st.Deduped != 5 || st.Submitted != 1 || st.Completed != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestNoMeshResultClearsInFlight(t *testing.T) {
	p := New(newResolver(tilecache.NewMemory(), nil), Options{Workers: 1})
	defer p.Close()

	c := tiles.Coord{X: 3, Z: 3}
	p.Submit(c)
	res := settle(t, p)
	if len(res) != 1 || res[0].Mesh != nil || res[0].Status != StatusNoCredential {
		t.Fatalf("result=%+v", res)
	}
	if p.InFlight(c) {
		t.Fatalf("in-flight marker should be cleared")
	}
	if !p.Submit(c) {
		t.Fatalf("coordinate should be resubmittable after a no-mesh result")
	}
}

func TestDiskHitNeverFetches(t *testing.T) {
	cache := tilecache.NewMemory()
	c := tiles.Coord{X: -1, Z: 4}
	_ = cache.Put(tiles.CacheKey(c), terrariumPNG(t))
	src := &countingSource{err: errors.New("network should not be used")}

	p := New(newResolver(cache, src), Options{Workers: 1})
	defer p.Close()
	p.Submit(c)
	res := settle(t, p)
	if len(res) != 1 || res[0].Status != StatusOK || res[0].Origin != OriginDisk {
		t.Fatalf("result=%+v", res)
	}
	if res[0].Mesh == nil || res[0].Mesh.VertexCount() != 16 {
		t.Fatalf("expected a 4x4 mesh")
	}
	if src.calls.Load() != 0 {
		t.Fatalf("fetch count=%d want 0", src.calls.Load())
	}
}

func TestRemoteFetchPopulatesCache(t *testing.T) {
	cache := tilecache.NewMemory()
	src := &countingSource{data: terrariumPNG(t)}
	var stored []string
	var mu sync.Mutex
	r := newResolver(cache, src)
	r.OnStored = func(key string) {
		mu.Lock()
		stored = append(stored, key)
		mu.Unlock()
	}

	c := tiles.Coord{X: 7, Z: 0}
	first := r.Resolve(context.Background(), c)
	if first.Status != StatusOK || first.Origin != OriginRemote || first.Bytes == 0 {
		t.Fatalf("first=%+v", first)
	}
	if !cache.Has(tiles.CacheKey(c)) {
		t.Fatalf("remote tile should be written to the disk cache")
	}
	second := r.Resolve(context.Background(), c)
	if second.Origin != OriginDisk {
		t.Fatalf("second origin=%s want disk", second.Origin)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("fetch count=%d want 1", src.calls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stored) != 1 || stored[0] != "image_7_0.png" {
		t.Fatalf("stored=%v", stored)
	}
}

func TestDecodedCacheServesRepeats(t *testing.T) {
	cache := tilecache.NewMemory()
	c := tiles.Coord{}
	_ = cache.Put(tiles.CacheKey(c), terrariumPNG(t))
	dec, err := tilecache.NewDecoded(1 << 20)
	if err != nil {
		t.Fatalf("decoded: %v", err)
	}
	defer dec.Close()
	r := newResolver(cache, nil)
	r.Decoded = dec

	if got := r.Resolve(context.Background(), c); got.Origin != OriginDisk {
		t.Fatalf("first origin=%s", got.Origin)
	}
	dec.Wait()
	if got := r.Resolve(context.Background(), c); got.Origin != OriginMemory || got.Mesh == nil {
		t.Fatalf("second origin=%s mesh=%v", got.Origin, got.Mesh != nil)
	}
	if cache.Gets() != 1 {
		t.Fatalf("disk reads=%d want 1", cache.Gets())
	}
}

func TestFetchFailureIsRetryable(t *testing.T) {
	r := newResolver(tilecache.NewMemory(), &countingSource{err: errors.New("connection reset")})
	res := r.Resolve(context.Background(), tiles.Coord{})
	if res.Status != StatusFetchFailed || !res.Retryable() || res.Mesh != nil {
		t.Fatalf("result=%+v", res)
	}
	nf := newResolver(tilecache.NewMemory(), &countingSource{err: fetch.ErrNotFound})
	if got := nf.Resolve(context.Background(), tiles.Coord{}); got.Status != StatusNotFound || got.Retryable() {
		t.Fatalf("not found result=%+v", got)
	}
}

func TestCorruptTileIsDecodeFailure(t *testing.T) {
	cache := tilecache.NewMemory()
	_ = cache.Put(tiles.CacheKey(tiles.Coord{}), []byte("garbage"))
	res := newResolver(cache, nil).Resolve(context.Background(), tiles.Coord{})
	if res.Status != StatusDecodeFailed || !res.Retryable() {
		t.Fatalf("result=%+v", res)
	}
}

func TestSubmit_BacklogNeverBlocks(t *testing.T) {
	g := &gateResolver{gate: make(chan struct{})}
	p := New(g, Options{Workers: 1, QueueSize: 1})
	defer p.Close()

	done := make(chan struct{})
	go func() {
		for i := int32(0); i < 10; i++ {
			p.Submit(tiles.Coord{X: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("submit blocked with a full worker queue")
	}
	close(g.gate)
	if res := settle(t, p); len(res) != 10 {
		t.Fatalf("results=%d want 10", len(res))
	}
}

type recorderFunc func(Result)

func (f recorderFunc) RecordFetch(r Result) { f(r) }

func TestRecorderSeesEveryResult(t *testing.T) {
	var n atomic.Int32
	p := New(newResolver(tilecache.NewMemory(), nil), Options{
		Workers:  2,
		Recorder: recorderFunc(func(Result) { n.Add(1) }),
	})
	defer p.Close()
	for i := int32(0); i < 3; i++ {
		p.Submit(tiles.Coord{Z: i})
	}
	settle(t, p)
	if n.Load() != 3 {
		t.Fatalf("recorded=%d want 3", n.Load())
	}
}
