package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teachflow/teachflow-live/chat-service/internal/audit"
	"github.com/teachflow/teachflow-live/chat-service/internal/config"
	"github.com/teachflow/teachflow-live/chat-service/internal/domain"
	"github.com/teachflow/teachflow-live/chat-service/internal/hub"
	"github.com/teachflow/teachflow-live/chat-service/internal/metrics"
	"github.com/teachflow/teachflow-live/chat-service/internal/service"
	"github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/pkg/middleware"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

// WSPath is the realtime endpoint. The access token travels in the
// "token" query parameter.
const WSPath = "/live-classes/ws"

var errUnauthorized = errors.New("unauthorized")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub       *hub.Hub
	service   service.ChatService
	validator middleware.TokenValidator
	wsCfg     config.WebSocketConfig
}

func NewWSHandler(h *hub.Hub, svc service.ChatService, validator middleware.TokenValidator, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:       h,
		service:   svc,
		validator: validator,
		wsCfg:     wsCfg,
	}
}

// HandleWebSocket upgrades the connection and starts the client pumps. A
// missing or invalid token does not fail the handshake: the connection is
// kept unauthenticated and every acknowledged request on it is refused.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())

	token := r.URL.Query().Get("token")
	if token == "" {
		if t, ok := middleware.BearerToken(r.Header.Get(middleware.AuthHeaderKey)); ok {
			token = t
		}
	}
	claims, err := h.validator.ValidateAccessToken(token)
	if err != nil {
		audit.LogWithDetail(r.Context(), audit.ActionAuthFailed, "", log.ClientIP(r), err.Error())
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.New().String()
	session := domain.NewSession(id, claims)
	client := hub.NewClient(id, h.hub, conn, session, h.wsCfg)
	h.hub.Register(client)

	// The request context ends with this handler; the connection outlives it.
	ctx := log.WithLogger(context.Background(), l.With().
		Str(log.FieldClientID, id).
		Str(log.FieldUserID, session.UserID).
		Str(log.FieldRole, session.Role).
		Logger())
	if session.Authenticated() {
		audit.LogWithDetail(ctx, audit.ActionConnect, session.UserID, log.ClientIP(r), "client connected")
	}

	go client.WritePump()
	go client.ReadPump(
		func(c *hub.Client, frame []byte) { h.handleMessage(ctx, c, frame) },
		func(c *hub.Client) {
			if c.Session.Authenticated() {
				h.service.HandleDisconnect(ctx, c)
			}
		},
	)
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	if !client.Session.Authenticated() {
		client.SendAck(env.Ack, errUnauthorized)
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldEvent, env.Event).Msg("refused request on unauthenticated connection")
		return
	}

	if room, _ := client.Session.GetCurrentRoom(); room != "" {
		ctx = log.WithLiveClass(ctx, room)
	}

	start := time.Now()
	err = h.dispatch(ctx, client, env)
	metrics.ObserveHandle(env.Event, time.Since(start).Seconds())

	if err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str(log.FieldEvent, env.Event).Msg("request rejected")
	}
}

func (h *WSHandler) dispatch(ctx context.Context, client *hub.Client, env *wire.Envelope) error {
	switch env.Event {
	case wire.EventJoinRoom:
		var req wire.JoinRoom
		if err := env.DecodeData(&req); err != nil {
			return h.badRequest(client, env, err)
		}
		return h.service.HandleJoinRoom(ctx, client, env.Ack, req)

	case wire.EventLeaveRoom:
		var req wire.LeaveRoom
		if len(env.Data) > 0 {
			if err := env.DecodeData(&req); err != nil {
				return h.badRequest(client, env, err)
			}
		}
		err := h.service.HandleLeaveRoom(ctx, client, req)
		client.SendAck(env.Ack, err)
		return err

	case wire.EventSendMessage:
		var req wire.SendMessage
		if err := env.DecodeData(&req); err != nil {
			return h.badRequest(client, env, err)
		}
		return h.service.HandleSendMessage(ctx, client, env.Ack, req)

	case wire.EventMuteUser, wire.EventUnmuteUser, wire.EventRemoveUser, wire.EventClearChat:
		var req wire.Moderation
		if err := env.DecodeData(&req); err != nil {
			return h.badRequest(client, env, err)
		}
		return h.service.HandleModeration(ctx, client, env.Event, env.Ack, req)

	default:
		err := fmt.Errorf("unknown event %q", env.Event)
		client.SendAck(env.Ack, err)
		return err
	}
}

func (h *WSHandler) badRequest(client *hub.Client, env *wire.Envelope, err error) error {
	rejected := fmt.Errorf("invalid %s payload", env.Event)
	client.SendAck(env.Ack, rejected)
	return fmt.Errorf("%w: %v", rejected, err)
}

func (h *WSHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle(WSPath, wrap(http.HandlerFunc(h.HandleWebSocket)))
}
