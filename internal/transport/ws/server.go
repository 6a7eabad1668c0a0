// Package ws streams slot meshes and positions to websocket viewers and takes
// the viewpoint from the controlling client.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"terrainstream.ai/internal/protocol"
	"terrainstream.ai/internal/stream"
	"terrainstream.ai/internal/terrain/mesh"
)

type Options struct {
	Params protocol.StreamParams
	// Viewpoint is reported until a controller sends one.
	Viewpoint mgl32.Vec3
	// LoopbackOnly rejects non-loopback peers.
	LoopbackOnly bool
	Logger       logrus.FieldLogger
}

type frame struct {
	binary bool
	data   []byte
}

type session struct {
	id   string
	role string
	out  chan frame

	kickOnce sync.Once
	kicked   chan struct{}
}

func (s *session) kick() {
	s.kickOnce.Do(func() { close(s.kicked) })
}

// Hub is a stream.Sink and stream.ViewpointSource. Upload and SetPosition
// are called on the tick goroutine; connection handlers run on their own.
type Hub struct {
	params       protocol.StreamParams
	loopbackOnly bool
	log          logrus.FieldLogger

	upgrader websocket.Upgrader

	mu         sync.Mutex
	sessions   map[string]*session
	controller string
	meshes     map[stream.SlotHandle]*mesh.Mesh
	frames     map[stream.SlotHandle][]byte
	positions  map[stream.SlotHandle][3]float32
	viewpoint  mgl32.Vec3

	framesSent  atomic.Uint64
	kickedTotal atomic.Uint64
}

var (
	_ stream.Sink            = (*Hub)(nil)
	_ stream.ViewpointSource = (*Hub)(nil)
)

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		params:       opts.Params,
		loopbackOnly: opts.LoopbackOnly,
		log:          logger.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions:  map[string]*session{},
		meshes:    map[stream.SlotHandle]*mesh.Mesh{},
		frames:    map[stream.SlotHandle][]byte{},
		positions: map[stream.SlotHandle][3]float32{},
		viewpoint: opts.Viewpoint,
	}
}

func (h *Hub) Viewpoint() mgl32.Vec3 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewpoint
}

// Upload keeps the mesh for late joiners and sends it to every session.
// Encoding is deferred until some session needs the frame.
func (h *Hub) Upload(slot stream.SlotHandle, m *mesh.Mesh) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.meshes[slot] = m
	delete(h.frames, slot)
	if len(h.sessions) == 0 {
		return
	}
	b, ok := h.frameLocked(slot)
	if !ok {
		return
	}
	h.broadcastLocked(frame{binary: true, data: b})
}

func (h *Hub) SetPosition(slot stream.SlotHandle, pos mgl32.Vec3) {
	p := [3]float32{pos[0], pos[1], pos[2]}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.positions[slot] = p
	if len(h.sessions) == 0 {
		return
	}
	b, _ := json.Marshal(protocol.SlotPositionMsg{
		Type:            protocol.TypeSlotPosition,
		ProtocolVersion: protocol.Version,
		Slot:            int(slot),
		Pos:             p,
	})
	h.broadcastLocked(frame{data: b})
}

func (h *Hub) frameLocked(slot stream.SlotHandle) ([]byte, bool) {
	if b, ok := h.frames[slot]; ok {
		return b, true
	}
	m := h.meshes[slot]
	if m == nil {
		return nil, false
	}
	b, err := protocol.EncodeMeshFrame(int(slot), m)
	if err != nil {
		h.log.WithError(err).WithField("slot", slot).Warn("encode mesh frame")
		return nil, false
	}
	h.frames[slot] = b
	return b, true
}

// broadcastLocked never blocks the tick goroutine: a session whose queue is
// full is disconnected and gets the full state again when it reconnects.
func (h *Hub) broadcastLocked(f frame) {
	for _, s := range h.sessions {
		select {
		case s.out <- f:
		default:
			s.kick()
		}
	}
}

type HubStats struct {
	Sessions    int    `json:"sessions"`
	Controller  string `json:"controller,omitempty"`
	Slots       int    `json:"slots"`
	FramesSent  uint64 `json:"frames_sent"`
	KickedTotal uint64 `json:"kicked_total"`
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Sessions:    len(h.sessions),
		Controller:  h.controller,
		Slots:       len(h.meshes),
		FramesSent:  h.framesSent.Load(),
		KickedTotal: h.kickedTotal.Load(),
	}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if h.loopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := h.handshake(conn)
		if sess == nil {
			return
		}
		defer h.leave(sess)
		log := h.log.WithFields(logrus.Fields{"session": sess.id, "role": sess.role})
		log.Info("viewer joined")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-sess.kicked:
					h.kickedTotal.Add(1)
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(time.Second))
					_ = conn.Close()
					writeErr <- nil
					return
				case f := <-sess.out:
					kind := websocket.TextMessage
					if f.binary {
						kind = websocket.BinaryMessage
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(kind, f.data); err != nil {
						_ = conn.Close()
						writeErr <- err
						return
					}
					if f.binary {
						h.framesSent.Add(1)
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				h.reply(sess, protocol.NewError(protocol.ErrProtoBadRequest, "bad json"))
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				h.reply(sess, protocol.NewError(protocol.ErrProtoVersion, "bad protocol_version"))
				continue
			}
			switch base.Type {
			case protocol.TypeViewpoint:
				var vp protocol.ViewpointMsg
				if err := json.Unmarshal(msg, &vp); err != nil {
					h.reply(sess, protocol.NewError(protocol.ErrProtoBadRequest, "bad VIEWPOINT"))
					continue
				}
				if !h.setViewpoint(sess, mgl32.Vec3(vp.Pos)) {
					h.reply(sess, protocol.NewError(protocol.ErrNotController, "only the controller may move the viewpoint"))
				}
			default:
				h.reply(sess, protocol.NewError(protocol.ErrProtoBadRequest, "unexpected "+base.Type))
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		log.Info("viewer left")
	}
}

func (h *Hub) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	// Room for the full slot set plus one position per slot.
	maxQ := hello.MaxQueue
	if minQ := 2*h.params.PoolSize + 16; maxQ < minQ {
		maxQ = minQ
	}
	if maxQ > 16384 {
		maxQ = 16384
	}
	sess := &session{
		id:     uuid.NewString(),
		role:   protocol.RoleViewer,
		out:    make(chan frame, maxQ),
		kicked: make(chan struct{}),
	}

	h.mu.Lock()
	if strings.EqualFold(hello.Role, protocol.RoleController) && h.controller == "" {
		sess.role = protocol.RoleController
		h.controller = sess.id
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Role:            sess.role,
		Params:          h.params,
		Viewpoint:       [3]float32{h.viewpoint[0], h.viewpoint[1], h.viewpoint[2]},
	}
	wb, _ := json.Marshal(welcome)
	queue(sess, frame{data: wb})
	// Current state, slot by slot, queued before any live update.
	slots := make([]stream.SlotHandle, 0, len(h.positions))
	for slot := range h.positions {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	for _, slot := range slots {
		if b, ok := h.frameLocked(slot); ok {
			queue(sess, frame{binary: true, data: b})
		}
		p, _ := json.Marshal(protocol.SlotPositionMsg{
			Type:            protocol.TypeSlotPosition,
			ProtocolVersion: protocol.Version,
			Slot:            int(slot),
			Pos:             h.positions[slot],
		})
		queue(sess, frame{data: p})
	}
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	return sess
}

func queue(s *session, f frame) {
	select {
	case s.out <- f:
	default:
		s.kick()
	}
}

func (h *Hub) leave(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
	if h.controller == s.id {
		h.controller = ""
	}
}

func (h *Hub) setViewpoint(s *session, p mgl32.Vec3) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.controller != s.id {
		return false
	}
	h.viewpoint = p
	return true
}

func (h *Hub) reply(s *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	queue(s, frame{data: b})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
