package realtime

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingLiveClass = errors.New("realtime: live class id is required")
	ErrMissingToken     = errors.New("realtime: token is required")
	ErrMissingTarget    = errors.New("realtime: target user id is required")
	ErrEmptyMessage     = errors.New("realtime: message is empty")
	ErrMuted            = errors.New("realtime: muted by moderator")
	ErrNotJoined        = errors.New("realtime: not joined")
	ErrNotPermitted     = errors.New("realtime: role may not moderate")
	ErrAlreadyStarted   = errors.New("realtime: session already connected")
	ErrDisconnected     = errors.New("realtime: connection lost")
	ErrLeft             = errors.New("realtime: session left")
	// ErrTokenUnavailable wraps TokenSource failures. Reconnects stop on it.
	ErrTokenUnavailable = errors.New("realtime: token unavailable")
	// ErrUnauthorized is a handshake refused with 401 or 403. Reconnects stop
	// on it.
	ErrUnauthorized = errors.New("realtime: handshake unauthorized")
)

// RejectedError is a negative acknowledgement from the server.
type RejectedError struct {
	Event  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Reason)
}

// IsRejected reports whether err is a RejectedError and returns its reason.
func IsRejected(err error) (string, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

func mentionsMute(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "mute")
}
