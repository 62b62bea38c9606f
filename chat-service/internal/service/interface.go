package service

import (
	"context"

	"github.com/teachflow/teachflow-live/chat-service/internal/domain"
	"github.com/teachflow/teachflow-live/chat-service/internal/hub"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

// ChatService applies the live-class rules to websocket requests. Handlers
// answer the request ack themselves and return the outcome for logging.
type ChatService interface {
	HandleJoinRoom(ctx context.Context, client *hub.Client, ack uint64, req wire.JoinRoom) error
	HandleLeaveRoom(ctx context.Context, client *hub.Client, req wire.LeaveRoom) error
	HandleSendMessage(ctx context.Context, client *hub.Client, ack uint64, req wire.SendMessage) error
	HandleModeration(ctx context.Context, client *hub.Client, event string, ack uint64, req wire.Moderation) error
	HandleDisconnect(ctx context.Context, client *hub.Client) error
	ListRooms(ctx context.Context) ([]domain.RoomInfo, error)
	Start(ctx context.Context) error
	Stop() error
}
