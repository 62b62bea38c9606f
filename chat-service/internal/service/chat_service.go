package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/teachflow/teachflow-live/chat-service/internal/archive"
	"github.com/teachflow/teachflow-live/chat-service/internal/audit"
	"github.com/teachflow/teachflow-live/chat-service/internal/config"
	"github.com/teachflow/teachflow-live/chat-service/internal/domain"
	"github.com/teachflow/teachflow-live/chat-service/internal/hub"
	"github.com/teachflow/teachflow-live/chat-service/internal/idgen"
	"github.com/teachflow/teachflow-live/chat-service/internal/kafka"
	"github.com/teachflow/teachflow-live/chat-service/internal/metrics"
	"github.com/teachflow/teachflow-live/chat-service/internal/store"
	"github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/pkg/pubsub"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

// Fan-out event types exchanged between instances.
const (
	fanoutBroadcast  = "broadcast"
	fanoutDisconnect = "disconnect"
)

type disconnectOrder struct {
	UserID string `json:"userId"`
}

// heartbeater is implemented by stores that keep shared keys alive.
type heartbeater interface {
	StartHeartbeat(ctx context.Context) error
	StopHeartbeat()
}

// Deps are the collaborators of the chat service. Bus and Archiver are
// optional.
type Deps struct {
	Hub        *hub.Hub
	Store      store.RoomStore
	Producer   kafka.EventProducer
	Archiver   *archive.Archiver
	Bus        pubsub.PubSub
	Rooms      config.RoomsConfig
	InstanceID string
	// IDs issues message IDs. Defaults to ULIDs.
	IDs idgen.Generator
}

type chatService struct {
	hub        *hub.Hub
	rooms      store.RoomStore
	producer   kafka.EventProducer
	archiver   *archive.Archiver
	bus        pubsub.PubSub
	cfg        config.RoomsConfig
	instanceID string
	ids        idgen.Generator
	now        func() time.Time
}

func NewChatService(d Deps) ChatService {
	producer := d.Producer
	if producer == nil {
		producer = kafka.NoopProducer{}
	}
	ids := d.IDs
	if ids == nil {
		ids = idgen.NewULIDGenerator()
	}
	instanceID := d.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &chatService{
		hub:        d.Hub,
		rooms:      d.Store,
		producer:   producer,
		archiver:   d.Archiver,
		bus:        d.Bus,
		cfg:        d.Rooms,
		instanceID: instanceID,
		ids:        ids,
		now:        time.Now,
	}
}

func (s *chatService) HandleJoinRoom(ctx context.Context, c *hub.Client, ack uint64, req wire.JoinRoom) error {
	err := s.join(ctx, c, ack, req)
	metrics.RecordJoin(err)
	if err != nil {
		c.SendAck(ack, err)
		audit.LogWithDetail(ctx, audit.ActionJoinDenied, c.Session.UserID, err.Error(), "join rejected")
	}
	return err
}

func (s *chatService) join(ctx context.Context, c *hub.Client, ack uint64, req wire.JoinRoom) error {
	id := strings.TrimSpace(req.LiveClassID)
	if id == "" {
		return domain.ErrInvalidLiveClass
	}
	userID := c.Session.UserID

	removed, err := s.rooms.IsRemoved(ctx, id, userID)
	if err != nil {
		return s.internal(ctx, "removed lookup failed", err)
	}
	if removed {
		return domain.ErrRemoved
	}

	already := c.Session.IsInRoom(id)
	count, err := s.rooms.AddMember(ctx, id, c.ID)
	if err != nil {
		return s.internal(ctx, "add member failed", err)
	}
	if !already && s.cfg.MaxMembers > 0 && count > s.cfg.MaxMembers {
		if err := s.rooms.RemoveMember(ctx, id, c.ID); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldLiveClassID, id).Msg("failed to release rejected member")
		}
		return domain.ErrRoomFull
	}

	if prev, _ := c.Session.GetCurrentRoom(); prev != "" && prev != id {
		s.leave(ctx, c, prev)
	}
	s.hub.JoinRoom(c, id)
	c.Session.JoinRoom(id, req.BatchID)
	c.SendAck(ack, nil)

	if limit := s.historyLimit(req.HistoryLimit); limit > 0 {
		msgs, err := s.rooms.History(ctx, id, limit)
		if err != nil {
			l := log.Ctx(ctx)
			l.Error().Err(err).Str(log.FieldLiveClassID, id).Msg("failed to load history")
			msgs = nil
		}
		if msgs == nil {
			msgs = []wire.ChatMessage{}
		}
		c.SendFrame(wire.EventChatHistory, 0, wire.ChatHistory{Messages: msgs})
	}

	if muted, err := s.rooms.IsMuted(ctx, id, userID); err == nil && muted {
		c.SendFrame(wire.EventSystem, 0, wire.SystemEvent{
			Type:         wire.SystemMuted,
			Ts:           s.millis(),
			TargetUserID: userID,
		})
	}

	if !already {
		s.broadcastSystem(ctx, id, c.ID, wire.SystemEvent{
			Type:         wire.SystemUserJoined,
			Ts:           s.millis(),
			TargetUserID: userID,
			Text:         fmt.Sprintf("%s joined", displayName(c.Session)),
		})
	}

	s.produce(ctx, &domain.StreamEvent{
		Type:        domain.StreamJoined,
		LiveClassID: id,
		BatchID:     req.BatchID,
		ActorID:     userID,
	})
	audit.LogWithDetail(ctx, audit.ActionJoinRoom, userID, id, "joined live class")
	return nil
}

func (s *chatService) historyLimit(requested int) int {
	if requested <= 0 {
		return 0
	}
	if s.cfg.HistorySize > 0 && requested > s.cfg.HistorySize {
		return s.cfg.HistorySize
	}
	return requested
}

func (s *chatService) HandleLeaveRoom(ctx context.Context, c *hub.Client, req wire.LeaveRoom) error {
	current, _ := c.Session.GetCurrentRoom()
	if current == "" {
		return nil
	}
	if req.LiveClassID != "" && req.LiveClassID != current {
		return domain.ErrNotInRoom
	}
	s.leave(ctx, c, current)
	return nil
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	if current, _ := c.Session.GetCurrentRoom(); current != "" {
		s.leave(ctx, c, current)
	}
	audit.Log(ctx, audit.ActionDisconnect, c.Session.UserID, "client disconnected")
	return nil
}

// leave drops c from liveClassID and tells the rest of the room.
func (s *chatService) leave(ctx context.Context, c *hub.Client, liveClassID string) {
	s.hub.LeaveRoom(c, liveClassID)
	c.Session.LeaveRoom()

	if err := s.rooms.RemoveMember(ctx, liveClassID, c.ID); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldLiveClassID, liveClassID).Msg("failed to remove member")
	}

	userID := c.Session.UserID
	s.broadcastSystem(ctx, liveClassID, c.ID, wire.SystemEvent{
		Type:         wire.SystemUserLeft,
		Ts:           s.millis(),
		TargetUserID: userID,
		Text:         fmt.Sprintf("%s left", displayName(c.Session)),
	})
	s.produce(ctx, &domain.StreamEvent{
		Type:        domain.StreamLeft,
		LiveClassID: liveClassID,
		ActorID:     userID,
	})
	audit.LogWithDetail(ctx, audit.ActionLeaveRoom, userID, liveClassID, "left live class")
}

func (s *chatService) HandleSendMessage(ctx context.Context, c *hub.Client, ack uint64, req wire.SendMessage) error {
	msg, err := s.send(ctx, c, req)
	metrics.RecordMessage(err)
	c.SendAck(ack, err)
	if err != nil {
		return err
	}

	s.broadcast(ctx, msg.liveClassID, "", wire.EventMessage, msg.ChatMessage)
	s.produce(ctx, &domain.StreamEvent{
		Type:        domain.StreamMessage,
		LiveClassID: msg.liveClassID,
		BatchID:     req.BatchID,
		ActorID:     msg.SenderID,
		Message:     &msg.ChatMessage,
	})
	audit.LogWithDetail(ctx, audit.ActionSendMessage, msg.SenderID, msg.ID, "message sent")
	return nil
}

type roomMessage struct {
	wire.ChatMessage
	liveClassID string
}

func (s *chatService) send(ctx context.Context, c *hub.Client, req wire.SendMessage) (*roomMessage, error) {
	id, err := s.currentRoom(c, req.LiveClassID)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, domain.ErrEmptyMessage
	}
	if s.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(text) > s.cfg.MaxMessageLength {
		return nil, domain.ErrMessageTooLong
	}

	muted, err := s.rooms.IsMuted(ctx, id, c.Session.UserID)
	if err != nil {
		return nil, s.internal(ctx, "mute lookup failed", err)
	}
	if muted {
		return nil, domain.ErrMuted
	}

	msgID, err := s.ids.Generate()
	if err != nil {
		return nil, s.internal(ctx, "message id failed", err)
	}
	msg := wire.ChatMessage{
		ID:         msgID,
		SenderID:   c.Session.UserID,
		SenderName: displayName(c.Session),
		Role:       c.Session.Role,
		Text:       text,
		Timestamp:  s.millis(),
	}
	if err := s.rooms.AppendMessage(ctx, id, msg, s.cfg.HistorySize); err != nil {
		return nil, s.internal(ctx, "append message failed", err)
	}
	return &roomMessage{ChatMessage: msg, liveClassID: id}, nil
}

func (s *chatService) HandleModeration(ctx context.Context, c *hub.Client, event string, ack uint64, req wire.Moderation) error {
	action := strings.TrimSuffix(event, "-user")
	err := s.moderate(ctx, c, event, req)
	metrics.RecordModeration(action, err)
	c.SendAck(ack, err)
	return err
}

func (s *chatService) moderate(ctx context.Context, c *hub.Client, event string, req wire.Moderation) error {
	if !c.Session.CanModerate() {
		return domain.ErrForbidden
	}
	id, err := s.currentRoom(c, req.LiveClassID)
	if err != nil {
		return err
	}
	target := strings.TrimSpace(req.TargetUserID)
	if event != wire.EventClearChat && target == "" {
		return domain.ErrMissingTarget
	}

	actor := c.Session.UserID
	evt := wire.SystemEvent{
		Ts:           s.millis(),
		By:           displayName(c.Session),
		TargetUserID: target,
	}
	stream := &domain.StreamEvent{
		LiveClassID:  id,
		ActorID:      actor,
		TargetUserID: target,
	}

	switch event {
	case wire.EventMuteUser, wire.EventUnmuteUser:
		muted := event == wire.EventMuteUser
		if err := s.rooms.SetMuted(ctx, id, target, muted); err != nil {
			return s.internal(ctx, "set muted failed", err)
		}
		evt.Type, stream.Type = wire.SystemUnmuted, domain.StreamUnmuted
		action := audit.ActionUnmuteUser
		if muted {
			evt.Type, stream.Type = wire.SystemMuted, domain.StreamMuted
			action = audit.ActionMuteUser
		}
		s.broadcastSystem(ctx, id, "", evt)
		audit.LogModeration(ctx, action, actor, target, evt.Type)

	case wire.EventRemoveUser:
		if err := s.rooms.MarkRemoved(ctx, id, target); err != nil {
			return s.internal(ctx, "mark removed failed", err)
		}
		evt.Type, stream.Type = wire.SystemRemoved, domain.StreamRemoved
		s.broadcastSystem(ctx, id, "", evt)
		s.disconnect(ctx, id, target)
		audit.LogModeration(ctx, audit.ActionRemoveUser, actor, target, "user removed")

	case wire.EventClearChat:
		key, err := s.archive(ctx, id, actor)
		if err != nil {
			return s.internal(ctx, "archive failed", err)
		}
		if _, err := s.rooms.ClearHistory(ctx, id); err != nil {
			return s.internal(ctx, "clear history failed", err)
		}
		evt.Type, stream.Type = wire.SystemChatCleared, domain.StreamChatCleared
		stream.ArchiveKey = key
		s.broadcastSystem(ctx, id, "", evt)
		audit.LogWithDetail(ctx, audit.ActionClearChat, actor, key, "chat cleared")

	default:
		return fmt.Errorf("unknown moderation event %q", event)
	}

	s.produce(ctx, stream)
	return nil
}

// archive stores the current history before it is cleared.
func (s *chatService) archive(ctx context.Context, liveClassID, clearedBy string) (string, error) {
	if s.archiver == nil {
		return "", nil
	}
	limit := s.cfg.HistorySize
	if limit <= 0 {
		limit = math.MaxInt32
	}
	msgs, err := s.rooms.History(ctx, liveClassID, limit)
	if err != nil {
		return "", err
	}
	key, err := s.archiver.Save(ctx, liveClassID, clearedBy, msgs)
	if err != nil {
		return "", err
	}
	if key != "" {
		metrics.TranscriptsArchived.Inc()
	}
	return key, nil
}

// currentRoom returns the live class c has joined, which must match
// requested when one is named.
func (s *chatService) currentRoom(c *hub.Client, requested string) (string, error) {
	current, _ := c.Session.GetCurrentRoom()
	if current == "" || (requested != "" && requested != current) {
		return "", domain.ErrNotInRoom
	}
	return current, nil
}

func (s *chatService) ListRooms(ctx context.Context) ([]domain.RoomInfo, error) {
	return s.rooms.ListRooms(ctx)
}

func (s *chatService) broadcastSystem(ctx context.Context, liveClassID, exclude string, evt wire.SystemEvent) {
	s.broadcast(ctx, liveClassID, exclude, wire.EventSystem, evt)
}

// broadcast delivers a frame to local members and, with a bus, to the
// members connected to other instances.
func (s *chatService) broadcast(ctx context.Context, liveClassID, exclude, event string, payload interface{}) {
	data, err := wire.Encode(event, 0, payload)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldEvent, event).Msg("failed to encode broadcast")
		return
	}
	s.hub.BroadcastToRoom(liveClassID, data, exclude)
	s.publish(ctx, fanoutBroadcast, liveClassID, json.RawMessage(data))
}

func (s *chatService) disconnect(ctx context.Context, liveClassID, userID string) {
	s.hub.DisconnectUser(liveClassID, userID)
	s.publish(ctx, fanoutDisconnect, liveClassID, disconnectOrder{UserID: userID})
}

func (s *chatService) publish(ctx context.Context, typ, liveClassID string, payload interface{}) {
	if s.bus == nil {
		return
	}
	evt, err := pubsub.NewEvent(typ, liveClassID, payload)
	if err != nil {
		return
	}
	evt.Origin = s.instanceID
	if err := s.bus.Publish(ctx, pubsub.LiveClassChannel(liveClassID), evt); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldLiveClassID, liveClassID).Msg("failed to publish fan-out event")
	}
}

// consume applies fan-out events published by other instances.
func (s *chatService) consume(ctx context.Context, events <-chan *pubsub.Event) {
	l := log.L()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Origin == s.instanceID {
				continue
			}
			switch evt.Type {
			case fanoutBroadcast:
				s.hub.BroadcastToRoom(evt.LiveClassID, evt.Payload, "")
			case fanoutDisconnect:
				var order disconnectOrder
				if err := evt.UnmarshalPayload(&order); err != nil {
					l.Warn().Err(err).Msg("malformed disconnect order")
					continue
				}
				s.hub.DisconnectUser(evt.LiveClassID, order.UserID)
			}
		}
	}
}

func (s *chatService) produce(ctx context.Context, evt *domain.StreamEvent) {
	if evt.Timestamp == 0 {
		evt.Timestamp = s.millis()
	}
	if err := s.producer.Produce(ctx, evt); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldEvent, evt.Type).Msg("failed to produce stream event")
	}
}

func (s *chatService) internal(ctx context.Context, msg string, err error) error {
	l := log.Ctx(ctx)
	l.Error().Err(err).Msg(msg)
	return domain.ErrInternal
}

func (s *chatService) millis() int64 {
	return domain.NowMillis(s.now())
}

func (s *chatService) Start(ctx context.Context) error {
	if hb, ok := s.rooms.(heartbeater); ok {
		if err := hb.StartHeartbeat(ctx); err != nil {
			return fmt.Errorf("failed to start store heartbeat: %w", err)
		}
	}
	if s.bus != nil {
		events, err := s.bus.SubscribePattern(ctx, pubsub.PatternLiveClassEvents)
		if err != nil {
			return fmt.Errorf("failed to subscribe to fan-out: %w", err)
		}
		go s.consume(ctx, events)
	}
	l := log.L()
	l.Info().Str("instance_id", s.instanceID).Msg("chat service started")
	return nil
}

func (s *chatService) Stop() error {
	if hb, ok := s.rooms.(heartbeater); ok {
		hb.StopHeartbeat()
	}
	var errs []error
	if err := s.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	return errors.Join(errs...)
}

func displayName(sess *domain.Session) string {
	if sess.Username != "" {
		return sess.Username
	}
	return sess.UserID
}
