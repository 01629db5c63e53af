package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"

	// client -> server
	TypeEdge   = "EDGE"
	TypeDoor   = "DOOR"
	TypeSource = "SOURCE"
	TypeFlags  = "FLAGS"

	// server -> client
	TypeFlush      = "FLUSH"
	TypeFogReset   = "FOG_RESET"
	TypeFogSync    = "FOG_SYNC"
	TypeFogWarning = "FOG_WARNING"
	TypeError      = "ERROR"
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
