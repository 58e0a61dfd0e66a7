package bbs

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionUnavailable means the login node could not be reached or the
	// connection dropped under us.
	ErrSessionUnavailable = errors.New("bbs: session unavailable")
	// ErrAuthentication means a login prompt or the welcome banner never arrived.
	ErrAuthentication = errors.New("bbs: authentication failed")
	// ErrTargetUnreachable means the login node could not connect onward to the
	// requested node. It only affects that target.
	ErrTargetUnreachable = errors.New("bbs: target unreachable")
	// ErrProtocolTimeout matches every *ProtocolTimeoutError.
	ErrProtocolTimeout = errors.New("bbs: protocol timeout")
)

// ProtocolTimeoutError reports a command whose end marker never arrived.
// Partial holds whatever was read before the deadline.
type ProtocolTimeoutError struct {
	Command string
	Marker  string
	Partial []byte
}

func (e *ProtocolTimeoutError) Error() string {
	return fmt.Sprintf("bbs: command %q: no %q before deadline (%d bytes read)", e.Command, e.Marker, len(e.Partial))
}

func (e *ProtocolTimeoutError) Is(target error) bool {
	return target == ErrProtocolTimeout
}
