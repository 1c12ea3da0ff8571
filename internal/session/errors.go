package session

import (
	"errors"

	"github.com/partyhub/partyhub/internal/room"
)

// Wire error codes. Every failed operation result carries exactly one of
// these so clients can branch without parsing messages.
const (
	CodeAuthRequired          = "auth_required"
	CodeAuthInvalid           = "auth_invalid"
	CodeNotFound              = "not_found"
	CodePermissionDenied      = "permission_denied"
	CodeRateLimited           = "rate_limited"
	CodeDuplicateAction       = "duplicate_action"
	CodeReconnectionExhausted = "reconnection_exhausted"
	CodeConflict              = "conflict"
	CodeUpstreamUnavailable   = "upstream_unavailable"
)

// Status is the common result header for facade operations.
type Status struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func ok() Status {
	return Status{Success: true}
}

func failure(code, message string) Status {
	return Status{ErrorCode: code, Error: message}
}

// mapRoomError translates store sentinels into wire codes. Unrecognized
// errors are reported as upstream failures so clients know to retry.
func mapRoomError(err error) Status {
	switch {
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrRoomExpired):
		return failure(CodeNotFound, "room not found")
	case errors.Is(err, room.ErrTokenInvalid):
		return failure(CodeAuthInvalid, "reconnection token invalid")
	case errors.Is(err, room.ErrNameTaken):
		return failure(CodeConflict, "name already taken by a connected player")
	case errors.Is(err, room.ErrInvalidName):
		return failure(CodeConflict, "invalid player name")
	case errors.Is(err, room.ErrRoomFull):
		return failure(CodeConflict, "room is full")
	case errors.Is(err, room.ErrPlayerConnected):
		return failure(CodeConflict, "player is still connected")
	case errors.Is(err, room.ErrPlayerNotFound):
		return failure(CodeNotFound, "player not found")
	case errors.Is(err, room.ErrCodesExhausted):
		return failure(CodeUpstreamUnavailable, "could not allocate a room code; try again")
	default:
		return failure(CodeUpstreamUnavailable, err.Error())
	}
}
