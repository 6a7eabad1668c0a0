package protocol

import "encoding/json"

const Version = "1.0"

// Message types. SLOT_MESH travels as a binary frame, everything else as JSON text.
const (
	TypeHello        = "HELLO"
	TypeWelcome      = "WELCOME"
	TypeViewpoint    = "VIEWPOINT"
	TypeSlotPosition = "SLOT_POSITION"
	TypeSlotMesh     = "SLOT_MESH"
	TypeError        = "ERROR"
)

// Roles a client may ask for in HELLO.
const (
	RoleViewer     = "viewer"
	RoleController = "controller"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
