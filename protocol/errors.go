package protocol

import (
	"errors"
	"fmt"
)

// ErrDisconnected indicates the transport closed or the view process
// generation advanced before a response arrived. The supervisor respawns the
// view process; callers can retry once it reconnects.
var ErrDisconnected = errors.New("view process disconnected")

// ErrTimeout indicates a health-check ping went unanswered within the
// configured timeout. The view process is presumed hung and is respawned.
var ErrTimeout = errors.New("view process ping timed out")

// RequestError is a failure reported by the view backend while executing a
// request. It is returned inline to the caller and never triggers a respawn.
type RequestError struct {
	Op     Op
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Reason)
}

// FatalError indicates the view process could not be kept alive: the respawn
// budget was exhausted. It is unrecoverable and surfaced to the app exactly
// once.
type FatalError struct {
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("giving up after %d failed view process spawns: %s", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
