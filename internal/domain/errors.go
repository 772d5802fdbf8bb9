package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaPermissionDenied is fatal to joining; no automatic retry.
	ErrMediaPermissionDenied = errors.New("media permission denied")
	// ErrSignalingWriteRejected means the mailbox refused a write.
	ErrSignalingWriteRejected = errors.New("signaling write rejected")
	// ErrNegotiationRace covers late or duplicate signaling for a peer; never surfaced.
	ErrNegotiationRace = errors.New("negotiation race")
	// ErrTransientNetwork is a single failed mailbox operation.
	ErrTransientNetwork = errors.New("transient network error")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrRoomNotFound     = errors.New("room not found")
)

// JoinError reports the step of a join attempt that failed.
type JoinError struct {
	Op  string
	Err error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join: %s: %v", e.Op, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

func NewJoinError(op string, err error) *JoinError {
	return &JoinError{Op: op, Err: err}
}
