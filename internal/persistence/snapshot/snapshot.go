package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/terrain/tiles"
)

const Version = 1

// ErrNone is returned by Latest when the directory holds no snapshot.
var ErrNone = errors.New("snapshot: none found")

type Header struct {
	Version      int    `json:"version"`
	ConfigDigest string `json:"config_digest"`
	Tick         uint64 `json:"tick"`
}

type StreamV1 struct {
	Header Header `json:"header"`

	ChunkSize    float32      `json:"chunk_size"`
	ViewDiameter int          `json:"view_diameter"`
	Viewpoint    [3]float32   `json:"viewpoint"`
	Center       ChunkKeyV1   `json:"center"`
	Active       []ChunkKeyV1 `json:"active"`
}

type ChunkKeyV1 struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

func FromStream(s stream.Snapshot, configDigest string, chunkSize float32, viewDiameter int) StreamV1 {
	out := StreamV1{
		Header:       Header{Version: Version, ConfigDigest: configDigest, Tick: s.Tick},
		ChunkSize:    chunkSize,
		ViewDiameter: viewDiameter,
		Viewpoint:    s.Viewpoint,
		Center:       ChunkKeyV1{X: s.Center.X, Z: s.Center.Z},
		Active:       make([]ChunkKeyV1, 0, len(s.Active)),
	}
	for _, c := range s.Active {
		out.Active = append(out.Active, ChunkKeyV1{X: c.X, Z: c.Z})
	}
	return out
}

func (s StreamV1) Stream() stream.Snapshot {
	out := stream.Snapshot{
		Tick:      s.Header.Tick,
		Viewpoint: s.Viewpoint,
		Center:    tiles.Coord{X: s.Center.X, Z: s.Center.Z},
		Active:    make([]tiles.Coord, 0, len(s.Active)),
	}
	for _, c := range s.Active {
		out.Active = append(out.Active, tiles.Coord{X: c.X, Z: c.Z})
	}
	return out
}

// Path names a snapshot file by tick so lexical order is tick order.
func Path(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.snap.zst", tick))
}

func Write(path string, snap StreamV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap StreamV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func Read(path string) (StreamV1, error) {
	var snap StreamV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	err = json.Unmarshal(line, &h)
	return h, err
}

// List returns snapshot paths in dir, oldest tick first.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type item struct {
		tick uint64
		path string
	}
	var items []item
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		items = append(items, item{tick: tick, path: filepath.Join(dir, name)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].tick < items[j].tick })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}

func Latest(dir string) (StreamV1, string, error) {
	paths, err := List(dir)
	if err != nil {
		return StreamV1{}, "", err
	}
	if len(paths) == 0 {
		return StreamV1{}, "", ErrNone
	}
	p := paths[len(paths)-1]
	s, err := Read(p)
	return s, p, err
}

// Prune keeps the newest keep snapshots in dir and removes the rest.
func Prune(dir string, keep int) (int, error) {
	paths, err := List(dir)
	if err != nil || keep <= 0 || len(paths) <= keep {
		return 0, err
	}
	removed := 0
	for _, p := range paths[:len(paths)-keep] {
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
