package fleet

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for operations on an unknown bot id.
	ErrNotFound = errors.New("bot not found")

	// ErrInvalidConfig is returned when CreateBot rejects a config.
	// Nothing is persisted when this is returned.
	ErrInvalidConfig = errors.New("invalid bot config")
)

// PersistenceError wraps a store write failure. The in-memory state the
// failed write was meant to record has been rolled back by the time the
// caller sees this.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CloseFailure records one position that could not be closed during StopBot.
type CloseFailure struct {
	PositionID string
	Reason     string
}

// PartialStopError reports positions that failed to close while stopping a
// bot. The bot is still marked Stopped; a later StopBot call retries the
// survivors.
type PartialStopError struct {
	BotID    string
	Failures []CloseFailure
}

func (e *PartialStopError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %s", f.PositionID, f.Reason)
	}
	return fmt.Sprintf("bot %s stopped with %d unclosed position(s): %s",
		e.BotID, len(e.Failures), strings.Join(parts, "; "))
}
