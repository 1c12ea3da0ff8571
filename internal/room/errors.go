package room

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomExpired     = errors.New("room expired")
	ErrRoomFull        = errors.New("room full")
	ErrNameTaken       = errors.New("name already taken by a connected player")
	ErrInvalidName     = errors.New("invalid player name")
	ErrTokenInvalid    = errors.New("reconnection token invalid")
	ErrPlayerConnected = errors.New("player is still connected")
	ErrPlayerNotFound  = errors.New("player not found")

	// ErrCodesExhausted means code generation kept colliding with live
	// rooms; the code space is effectively full at the configured length.
	ErrCodesExhausted = errors.New("room code space exhausted")
)

// TransitionError reports an illegal room state-machine transition.
type TransitionError struct {
	From GameState
	To   GameState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal room state transition %s -> %s", e.From, e.To)
}

func ErrInvalidTransition(from, to GameState) error {
	return &TransitionError{From: from, To: to}
}
