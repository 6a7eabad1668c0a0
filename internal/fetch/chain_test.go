package fetch

import (
	"context"
	"errors"
	"testing"

	"terrainstream.ai/internal/terrain/tiles"
)

type stubSource struct {
	name  string
	data  []byte
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, c tiles.Coord) ([]byte, error) {
	s.calls++
	return s.data, s.err
}

func TestChain_FallsThroughNotFound(t *testing.T) {
	bucket := &stubSource{name: "bucket", err: ErrNotFound}
	remote := &stubSource{name: "http", data: []byte("tile")}
	c := Chain{bucket, remote}
	b, err := c.Fetch(context.Background(), tiles.Coord{})
	if err != nil || string(b) != "tile" {
		t.Fatalf("fetch=%q err=%v", b, err)
	}
	if c.Name() != "bucket+http" {
		t.Fatalf("name=%q", c.Name())
	}
}

func TestChain_StopsOnHardError(t *testing.T) {
	boom := errors.New("boom")
	first := &stubSource{name: "a", err: boom}
	second := &stubSource{name: "b", data: []byte("x")}
	if _, err := (Chain{first, second}).Fetch(context.Background(), tiles.Coord{}); !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if second.calls != 0 {
		t.Fatalf("second source should not be consulted")
	}
}

func TestChain_AllMissingCredentialReportsIt(t *testing.T) {
	c := Chain{&stubSource{name: "http", err: ErrNoCredential}}
	if _, err := c.Fetch(context.Background(), tiles.Coord{}); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err=%v", err)
	}
}
