// Package wire defines the live-class realtime contract shared by the chat
// service and its clients. Every frame is a JSON Envelope; requests that
// expect an acknowledgement carry a non-zero Ack id, and the server answers
// with an "ack" envelope carrying the same id.
package wire

import (
	"encoding/json"
	"fmt"
)

// Client -> server events.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventMuteUser    = "mute-user"
	EventUnmuteUser  = "unmute-user"
	EventRemoveUser  = "remove-user"
	EventClearChat   = "clear-chat"
)

// Server -> client events.
const (
	EventAck         = "ack"
	EventChatHistory = "chat-history"
	EventMessage     = "message"
	EventSystem      = "system"
)

// System event types.
const (
	SystemUserJoined  = "user-joined"
	SystemUserLeft    = "user-left"
	SystemMuted       = "muted"
	SystemUnmuted     = "unmuted"
	SystemRemoved     = "removed"
	SystemChatCleared = "chat-cleared"
)

// TypeSystem marks a transcript entry produced from a system event.
const TypeSystem = "system"

// Envelope is one websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the outcome of a request.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// JoinRoom is the join-room payload. HistoryLimit 0 suppresses history.
type JoinRoom struct {
	LiveClassID  string `json:"liveClassId"`
	BatchID      string `json:"batchId,omitempty"`
	HistoryLimit int    `json:"historyLimit"`
}

// LeaveRoom is the leave-room payload.
type LeaveRoom struct {
	LiveClassID string `json:"liveClassId"`
}

// SendMessage is the send-message payload.
type SendMessage struct {
	LiveClassID string `json:"liveClassId"`
	Text        string `json:"text"`
	BatchID     string `json:"batchId,omitempty"`
}

// Moderation is the payload of mute-user, unmute-user, remove-user and
// clear-chat. TargetUserID is empty for clear-chat.
type Moderation struct {
	LiveClassID  string `json:"liveClassId"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

// ChatHistory is sent once after a successful join.
type ChatHistory struct {
	Messages []ChatMessage `json:"messages"`
}

// ChatMessage is a transcript entry: a chat message, or a system notice when
// Type is TypeSystem.
type ChatMessage struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	By         string `json:"by,omitempty"`
}

// IsSystem reports whether m is a system notice.
func (m ChatMessage) IsSystem() bool {
	return m.Type == TypeSystem
}

// SystemEvent is a presence or moderation notification.
type SystemEvent struct {
	Type         string `json:"type"`
	Ts           int64  `json:"ts"`
	By           string `json:"by,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
	Text         string `json:"text,omitempty"`
}

// IsPresence reports whether e is a join or leave notification.
func (e SystemEvent) IsPresence() bool {
	return e.Type == SystemUserJoined || e.Type == SystemUserLeft
}

// Notice renders e as a transcript entry.
func (e SystemEvent) Notice() ChatMessage {
	text := e.Text
	if text == "" {
		text = DescribeSystem(e)
	}
	return ChatMessage{
		Type:      TypeSystem,
		Text:      text,
		Timestamp: e.Ts,
		By:        e.By,
	}
}

// DescribeSystem returns the default notice text of a system event.
func DescribeSystem(e SystemEvent) string {
	switch e.Type {
	case SystemUserJoined:
		return fmt.Sprintf("%s joined", e.TargetUserID)
	case SystemUserLeft:
		return fmt.Sprintf("%s left", e.TargetUserID)
	case SystemMuted:
		return fmt.Sprintf("%s was muted by %s", e.TargetUserID, e.By)
	case SystemUnmuted:
		return fmt.Sprintf("%s was unmuted by %s", e.TargetUserID, e.By)
	case SystemRemoved:
		return fmt.Sprintf("%s was removed by %s", e.TargetUserID, e.By)
	case SystemChatCleared:
		return fmt.Sprintf("chat cleared by %s", e.By)
	default:
		return e.Type
	}
}

// Encode builds a frame. ack is 0 for frames that expect no answer.
func Encode(event string, ack uint64, payload interface{}) ([]byte, error) {
	env := Envelope{Event: event, Ack: ack}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses a frame.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("decode frame: missing event")
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}
