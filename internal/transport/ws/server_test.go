package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"

	"terrainstream.ai/internal/protocol"
	"terrainstream.ai/internal/terrain/mesh"
)

func testHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(Options{
		Params:    protocol.StreamParams{ChunkSize: 200, ViewDiameter: 3, PoolSize: 9, MeshResolution: 4, ParkDepth: -10000, TickRateHz: 60},
		Viewpoint: mgl32.Vec3{5, 0, 5},
	})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, role string) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "t", Role: role}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	var w protocol.WelcomeMsg
	readText(t, conn, &w)
	if w.Type != protocol.TypeWelcome || w.SessionID == "" {
		t.Fatalf("welcome: %+v", w)
	}
	return conn, w
}

func readText(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text message, got %d", kind)
	}
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got %d: %s", kind, b)
	}
	return b
}

func TestHub_LateJoinerGetsCurrentState(t *testing.T) {
	h, url := testHub(t)
	m := mesh.Flat(mesh.Params{ChunkSize: 200, Resolution: 4, HeightScale: 5, Window: 3})
	h.Upload(1, m)
	h.SetPosition(1, mgl32.Vec3{200, -10000, 0})
	h.Upload(0, m)
	h.SetPosition(0, mgl32.Vec3{0, 0, 0})

	conn, w := dial(t, url, protocol.RoleViewer)
	if w.Role != protocol.RoleViewer || w.Params.PoolSize != 9 || w.Viewpoint != [3]float32{5, 0, 5} {
		t.Fatalf("welcome: %+v", w)
	}
	for _, want := range []int{0, 1} {
		slot, got, err := protocol.DecodeMeshFrame(readBinary(t, conn))
		if err != nil || slot != want || len(got.Positions) != 16 {
			t.Fatalf("frame slot=%d want=%d err=%v", slot, want, err)
		}
		var pos protocol.SlotPositionMsg
		readText(t, conn, &pos)
		if pos.Slot != want {
			t.Fatalf("position for slot %d, want %d", pos.Slot, want)
		}
	}

	h.SetPosition(1, mgl32.Vec3{200, 0, 0})
	var pos protocol.SlotPositionMsg
	readText(t, conn, &pos)
	if pos.Slot != 1 || pos.Pos != [3]float32{200, 0, 0} {
		t.Fatalf("live position: %+v", pos)
	}
	if st := h.Stats(); st.Sessions != 1 || st.Slots != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestHub_OnlyControllerMovesViewpoint(t *testing.T) {
	h, url := testHub(t)
	ctrl, w1 := dial(t, url, protocol.RoleController)
	if w1.Role != protocol.RoleController {
		t.Fatalf("first controller should be admitted: %+v", w1)
	}
	viewer, w2 := dial(t, url, protocol.RoleController)
	if w2.Role != protocol.RoleViewer {
		t.Fatalf("second controller should be downgraded: %+v", w2)
	}

	_ = viewer.WriteJSON(protocol.ViewpointMsg{Type: protocol.TypeViewpoint, ProtocolVersion: protocol.Version, Pos: [3]float32{1, 2, 3}})
	var e protocol.ErrorMsg
	readText(t, viewer, &e)
	if e.Code != protocol.ErrNotController {
		t.Fatalf("error: %+v", e)
	}

	_ = ctrl.WriteJSON(protocol.ViewpointMsg{Type: protocol.TypeViewpoint, ProtocolVersion: protocol.Version, Pos: [3]float32{400, 10, -200}})
	deadline := time.Now().Add(3 * time.Second)
	for h.Viewpoint() != (mgl32.Vec3{400, 10, -200}) {
		if time.Now().After(deadline) {
			t.Fatalf("viewpoint not applied: %v", h.Viewpoint())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ControllerSeatFreedOnLeave(t *testing.T) {
	h, url := testHub(t)
	ctrl, _ := dial(t, url, protocol.RoleController)
	_ = ctrl.Close()

	deadline := time.Now().Add(3 * time.Second)
	for h.Stats().Sessions != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, w := dial(t, url, protocol.RoleController)
	if w.Role != protocol.RoleController {
		t.Fatalf("controller seat not freed: %+v", w)
	}
}

func TestHub_RejectsBadHello(t *testing.T) {
	_, url := testHub(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(map[string]string{"type": "VIEWPOINT", "protocol_version": protocol.Version})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	if !isLoopbackRemote("127.0.0.1:5000") || !isLoopbackRemote("[::1]:80") {
		t.Fatalf("loopback not recognized")
	}
	if isLoopbackRemote("10.0.0.2:80") {
		t.Fatalf("non-loopback accepted")
	}
}
