package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/klauspost/compress/zstd"

	"terrainstream.ai/internal/terrain/mesh"
)

// MeshFrameMagic prefixes every SLOT_MESH binary message. The rest of the
// message is a zstd frame holding meshHeader followed by positions, normals
// and indices, all little endian.
var MeshFrameMagic = [4]byte{'T', 'S', 'M', '1'}

// Decoded frames larger than this are rejected.
const maxMeshFrameBytes = 64 << 20

var ErrBadMeshFrame = errors.New("protocol: bad mesh frame")

type meshHeader struct {
	Slot       uint32
	Resolution uint32
	Vertices   uint32
	Indices    uint32
}

var (
	frameEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	frameDec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxMeshFrameBytes))
)

func EncodeMeshFrame(slot int, m *mesh.Mesh) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode mesh frame: nil mesh")
	}
	if slot < 0 {
		return nil, fmt.Errorf("encode mesh frame: negative slot %d", slot)
	}
	if len(m.Normals) != len(m.Positions) {
		return nil, fmt.Errorf("encode mesh frame: %d normals for %d positions", len(m.Normals), len(m.Positions))
	}
	h := meshHeader{
		Slot:       uint32(slot),
		Resolution: uint32(m.Resolution),
		Vertices:   uint32(len(m.Positions)),
		Indices:    uint32(len(m.Indices)),
	}
	var raw bytes.Buffer
	raw.Grow(16 + len(m.Positions)*24 + len(m.Indices)*4)
	for _, v := range []any{h, m.Positions, m.Normals, m.Indices} {
		if err := binary.Write(&raw, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("encode mesh frame: %w", err)
		}
	}
	out := make([]byte, 0, raw.Len()/2+len(MeshFrameMagic))
	out = append(out, MeshFrameMagic[:]...)
	return frameEnc.EncodeAll(raw.Bytes(), out), nil
}

func DecodeMeshFrame(b []byte) (int, *mesh.Mesh, error) {
	if len(b) < len(MeshFrameMagic) || !bytes.Equal(b[:len(MeshFrameMagic)], MeshFrameMagic[:]) {
		return 0, nil, ErrBadMeshFrame
	}
	raw, err := frameDec.DecodeAll(b[len(MeshFrameMagic):], nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadMeshFrame, err)
	}
	r := bytes.NewReader(raw)
	var h meshHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return 0, nil, fmt.Errorf("%w: header: %v", ErrBadMeshFrame, err)
	}
	want := int64(h.Vertices)*24 + int64(h.Indices)*4
	if want != int64(r.Len()) {
		return 0, nil, fmt.Errorf("%w: body is %d bytes, header wants %d", ErrBadMeshFrame, r.Len(), want)
	}
	m := &mesh.Mesh{
		Resolution: int(h.Resolution),
		Positions:  make([]mgl32.Vec3, h.Vertices),
		Normals:    make([]mgl32.Vec3, h.Vertices),
		Indices:    make([]uint32, h.Indices),
	}
	for _, v := range []any{m.Positions, m.Normals, m.Indices} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrBadMeshFrame, err)
		}
	}
	for _, idx := range m.Indices {
		if idx >= h.Vertices {
			return 0, nil, fmt.Errorf("%w: index %d out of range", ErrBadMeshFrame, idx)
		}
	}
	return int(h.Slot), m, nil
}
