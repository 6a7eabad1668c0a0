package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	// Role is RoleViewer or RoleController. Only one controller is admitted;
	// a second one is downgraded to viewer.
	Role     string `json:"role,omitempty"`
	MaxQueue int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	SessionID       string       `json:"session_id"`
	Role            string       `json:"role"`
	Params          StreamParams `json:"params"`
	Viewpoint       [3]float32   `json:"viewpoint"`
}

type StreamParams struct {
	ChunkSize      float32 `json:"chunk_size"`
	ViewDiameter   int     `json:"view_diameter"`
	PoolSize       int     `json:"pool_size"`
	MeshResolution int     `json:"mesh_resolution"`
	ParkDepth      float32 `json:"park_depth"`
	TickRateHz     int     `json:"tick_rate_hz"`
}

// VIEWPOINT (controller -> server)
type ViewpointMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float32 `json:"pos"`
}

// SLOT_POSITION (server -> client)
type SlotPositionMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Slot            int        `json:"slot"`
	Pos             [3]float32 `json:"pos"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
