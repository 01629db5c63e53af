package protocol

import (
	"errors"

	"sightline.ai/internal/perception/edges"
	"sightline.ai/internal/perception/flags"
	"sightline.ai/internal/perception/fog"
	"sightline.ai/internal/perception/source"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrSceneNotFound   = "E_SCENE_NOT_FOUND"

	// Mutation layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrMalformedEdge  = "E_MALFORMED_EDGE"
	ErrDoorTransition = "E_DOOR_TRANSITION"
	ErrNotFound       = "E_NOT_FOUND"
	ErrConflict       = "E_CONFLICT"
	ErrUnknownFlag    = "E_UNKNOWN_FLAG"
	ErrRateLimit      = "E_RATE_LIMIT"

	// Persistence.
	ErrFogIO    = "E_FOG_IO"
	ErrStale    = "E_STALE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrSceneNotFound:   {},
	ErrBadRequest:      {},
	ErrMalformedEdge:   {},
	ErrDoorTransition:  {},
	ErrNotFound:        {},
	ErrConflict:        {},
	ErrUnknownFlag:     {},
	ErrRateLimit:       {},
	ErrFogIO:           {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps an engine error to its wire code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, edges.ErrMalformedEdge):
		return ErrMalformedEdge
	case errors.Is(err, edges.ErrDoorTransition), errors.Is(err, edges.ErrNotDoor):
		return ErrDoorTransition
	case errors.Is(err, edges.ErrNotFound), errors.Is(err, source.ErrNotFound), errors.Is(err, fog.ErrNoViewer):
		return ErrNotFound
	case errors.Is(err, source.ErrDuplicate):
		return ErrConflict
	case errors.Is(err, flags.ErrUnknownFlag):
		return ErrUnknownFlag
	case errors.Is(err, fog.ErrNoScene):
		return ErrSceneNotFound
	case errors.Is(err, fog.ErrExtract):
		return ErrFogIO
	default:
		return ErrInternal
	}
}
