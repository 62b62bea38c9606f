package domain

import (
	"errors"
	"time"

	"github.com/teachflow/teachflow-live/pkg/wire"
)

// Rejection reasons. Their text travels verbatim in ack errors, so clients
// can match on it ("mute" in particular).
var (
	ErrInvalidLiveClass = errors.New("liveClassId is required")
	ErrNotInRoom        = errors.New("not in live class")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrMessageTooLong   = errors.New("message too long")
	ErrMuted            = errors.New("Muted by moderator")
	ErrForbidden        = errors.New("forbidden")
	ErrRemoved          = errors.New("removed from live class")
	ErrRoomFull         = errors.New("room full")
	ErrMissingTarget    = errors.New("targetUserId is required")
	ErrInternal         = errors.New("internal error")
)

// Kafka stream event types.
const (
	StreamMessage     = "message"
	StreamJoined      = "joined"
	StreamLeft        = "left"
	StreamMuted       = "muted"
	StreamUnmuted     = "unmuted"
	StreamRemoved     = "removed"
	StreamChatCleared = "chat-cleared"
)

// StreamEvent is one entry of the live-class event stream.
type StreamEvent struct {
	Type         string            `json:"type"`
	LiveClassID  string            `json:"liveClassId"`
	BatchID      string            `json:"batchId,omitempty"`
	ActorID      string            `json:"actorId"`
	TargetUserID string            `json:"targetUserId,omitempty"`
	Message      *wire.ChatMessage `json:"message,omitempty"`
	ArchiveKey   string            `json:"archiveKey,omitempty"`
	Timestamp    int64             `json:"timestamp"`
}

// RoomInfo summarises an active live class.
type RoomInfo struct {
	ID           string `json:"id"`
	Members      int    `json:"members"`
	Messages     int    `json:"messages"`
	LastActivity int64  `json:"lastActivity"`
}

// Transcript is the archived form of a cleared chat.
type Transcript struct {
	LiveClassID string             `json:"liveClassId"`
	ClearedBy   string             `json:"clearedBy"`
	ClearedAt   int64              `json:"clearedAt"`
	Messages    []wire.ChatMessage `json:"messages"`
}

// NowMillis is the wire timestamp of t.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// NewAck converts a handler outcome into an acknowledgement.
func NewAck(err error) wire.Ack {
	if err != nil {
		return wire.Ack{OK: false, Error: err.Error()}
	}
	return wire.Ack{OK: true}
}
