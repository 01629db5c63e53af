package protocol

import (
	"sightline.ai/internal/perception/edges"
	"sightline.ai/internal/perception/source"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ViewerID        string     `json:"viewer_id"`
	SceneID         string     `json:"scene_id,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	ViewerID        string      `json:"viewer_id"`
	SceneID         string      `json:"scene_id"`
	Frame           uint64      `json:"frame"`
	Scene           SceneParams `json:"scene"`
	Fog             FogPayload  `json:"fog"`
}

type SceneParams struct {
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	CellSize float64 `json:"cell_size"`
}

// FogPayload carries an encoded exploration blob. Data is base64 of the
// fogblob stream.
type FogPayload struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data,omitempty"`
	Explored int    `json:"explored"`
}

const FogEncoding = "ZSTD_RLE"

// EDGE (client -> server). Remove wins over Patch.
type EdgeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version,omitempty"`
	ID              string      `json:"id"`
	Remove          bool        `json:"remove,omitempty"`
	Patch           edges.Patch `json:"patch"`
}

// DOOR (client -> server)
type DoorMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	ID              string          `json:"id"`
	State           edges.DoorState `json:"state"`
}

// SOURCE (client -> server)
type SourceMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version,omitempty"`
	ID              string       `json:"id"`
	Kind            source.Kind  `json:"kind"`
	OwnerID         string       `json:"owner_id,omitempty"`
	Remove          bool         `json:"remove,omitempty"`
	Patch           source.Patch `json:"patch"`
}

// FLAGS (client -> server)
type FlagsMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
	Flags           []string `json:"flags"`
}

// FLUSH (server -> client)
type FlushMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SceneID         string   `json:"scene_id"`
	Frame           uint64   `json:"frame"`
	Flags           []string `json:"flags"`
	Actions         []string `json:"actions"`
	Failed          []string `json:"failed,omitempty"`
	DurationUS      int64    `json:"duration_us"`
}

// FOG_RESET / FOG_SYNC / FOG_WARNING (server -> client)
type FogNoticeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SceneID         string   `json:"scene_id"`
	RequestID       string   `json:"request_id,omitempty"`
	Viewers         []string `json:"viewers,omitempty"`
	Message         string   `json:"message,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Ref             string `json:"ref,omitempty"`
}

// Admin HTTP bodies.

type FogResetRequest struct {
	SceneID string `json:"scene_id"`
}

type FogSyncRequest struct {
	SceneID string   `json:"scene_id"`
	From    string   `json:"from"`
	To      []string `json:"to,omitempty"`
}

type FogResponse struct {
	OK        bool     `json:"ok"`
	RequestID string   `json:"request_id,omitempty"`
	SceneID   string   `json:"scene_id"`
	Viewers   []string `json:"viewers,omitempty"`
	Code      string   `json:"code,omitempty"`
	Error     string   `json:"error,omitempty"`
}
