package store

import (
	"context"

	"github.com/teachflow/teachflow-live/chat-service/internal/domain"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

// RoomStore holds per-live-class state that must survive a reconnect and, with
// the Redis driver, be shared by every chat-service instance.
type RoomStore interface {
	// AppendMessage stores msg and trims history to the newest limit entries.
	AppendMessage(ctx context.Context, liveClassID string, msg wire.ChatMessage, limit int) error
	// History returns up to n of the newest messages, oldest first.
	History(ctx context.Context, liveClassID string, n int) ([]wire.ChatMessage, error)
	// ClearHistory removes and returns the whole history.
	ClearHistory(ctx context.Context, liveClassID string) ([]wire.ChatMessage, error)

	SetMuted(ctx context.Context, liveClassID, userID string, muted bool) error
	IsMuted(ctx context.Context, liveClassID, userID string) (bool, error)
	MarkRemoved(ctx context.Context, liveClassID, userID string) error
	IsRemoved(ctx context.Context, liveClassID, userID string) (bool, error)

	// AddMember records a connection in the room and returns the member count.
	AddMember(ctx context.Context, liveClassID, clientID string) (int, error)
	RemoveMember(ctx context.Context, liveClassID, clientID string) error
	MemberCount(ctx context.Context, liveClassID string) (int, error)
	// ListRooms returns live classes that have members.
	ListRooms(ctx context.Context) ([]domain.RoomInfo, error)

	Close() error
}
