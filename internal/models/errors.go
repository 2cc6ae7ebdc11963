// internal/models/errors.go
package models

import (
	"errors"
	"fmt"
)

// ErrNotFound marks an absent room, game or session. Idempotent operations treat it as "nothing to do".
var ErrNotFound = errors.New("not found")

// ErrConflict marks a request the current state forbids. Surfaced to callers, never retried.
var ErrConflict = errors.New("conflict")

// ErrInvalid marks malformed input.
var ErrInvalid = errors.New("invalid request")

var (
	ErrRoomNotFound = fmt.Errorf("room %w", ErrNotFound)
	ErrGameNotFound = fmt.Errorf("game %w", ErrNotFound)
	ErrNotInRoom    = fmt.Errorf("player not in room: %w", ErrNotFound)

	ErrRoomFull       = fmt.Errorf("room is full: %w", ErrConflict)
	ErrAlreadyStarted = fmt.Errorf("game already started: %w", ErrConflict)
	ErrGameNotActive  = fmt.Errorf("game is not active: %w", ErrConflict)
	ErrNotEnough      = fmt.Errorf("not enough players: %w", ErrConflict)
)

// BoardTakenError names the player already holding a board.
type BoardTakenError struct {
	BoardNumber int
	HolderID    string
	HolderName  string
}

func (e *BoardTakenError) Error() string {
	return fmt.Sprintf("board %d already taken by %s", e.BoardNumber, e.HolderName)
}

func (e *BoardTakenError) Unwrap() error {
	return ErrConflict
}
