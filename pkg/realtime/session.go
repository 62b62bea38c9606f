// Package realtime is the client side of the live-class chat channel. A
// Session owns one websocket connection scoped to one live class: it joins
// the room, keeps the transcript, tracks whether the user is muted and
// carries the moderation requests of privileged roles.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/teachflow/teachflow-live/pkg/jwt"
	"github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

// DefaultHistoryLimit is the history size chat views ask for.
const DefaultHistoryLimit = 50

// ErrAckTimeout means the server did not acknowledge a request in time.
var ErrAckTimeout = errors.New("realtime: acknowledgement timed out")

// Hooks receive session changes. They run outside the session lock on
// whichever goroutine caused the change, often the read loop, so they must
// not block.
type Hooks struct {
	OnState      func(State)
	OnConnection func(ConnectionState)
	OnTranscript func([]wire.ChatMessage)
	OnMuted      func(bool)
	// OnStatus carries human-readable outcomes: join failures, moderation
	// results, rejected sends.
	OnStatus func(string)
}

// Options configures a Session.
type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8088/live-classes/ws.
	URL          string
	LiveClassID  string
	BatchID      string
	HistoryLimit int

	// Token authenticates the handshake. TokenSource, when set, is asked for
	// a token on every dial so reconnects pick up refreshed tokens.
	Token       string
	TokenSource func(context.Context) (string, error)

	// UserID and Role default to the claims of Token.
	UserID string
	Role   string

	ShowPresence bool
	NoReconnect  bool
	NewBackOff   func() backoff.BackOff

	AckTimeout     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	Dialer         *websocket.Dialer
	Logger         *zerolog.Logger
	Hooks          Hooks
}

// Session is one live-class room subscription. It is safe for concurrent use.
type Session struct {
	opts   Options
	logger zerolog.Logger
	userID string
	role   string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	connState  ConnectionState
	conn       *conn
	muted      bool
	removed    bool
	transcript *transcript
}

type hookQueue []func()

func (q *hookQueue) add(f func()) {
	*q = append(*q, f)
}

func (q hookQueue) fire() {
	for _, f := range q {
		f()
	}
}

// New validates opts and returns an idle session. Nothing is dialed until
// Connect.
func New(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.LiveClassID) == "" {
		return nil, ErrMissingLiveClass
	}
	if opts.Token == "" && opts.TokenSource == nil {
		return nil, ErrMissingToken
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("realtime: url is required")
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}

	userID, role := opts.UserID, opts.Role
	if (userID == "" || role == "") && opts.Token != "" {
		if claims, err := jwt.PeekClaims(opts.Token); err == nil {
			if userID == "" {
				userID = claims.UserID
			}
			if role == "" {
				role = claims.Role
			}
		}
	}

	logger := log.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().
		Str(log.FieldLiveClassID, opts.LiveClassID).
		Str(log.FieldUserID, userID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:       opts,
		logger:     logger,
		userID:     userID,
		role:       role,
		ctx:        ctx,
		cancel:     cancel,
		transcript: newTranscript(),
	}, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Connect dials the channel and joins the room. A rejected join returns a
// *RejectedError and leaves the session connected in StateJoinPending; it is
// not retried.
func (s *Session) Connect(ctx context.Context) error {
	var hooks hookQueue
	s.mu.Lock()
	switch s.state {
	case StateLeft:
		s.mu.Unlock()
		return ErrLeft
	case StateIdle:
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.setStateLocked(StateConnecting, &hooks)
	s.setConnLocked(Connecting, &hooks)
	s.mu.Unlock()
	hooks.fire()

	c, err := s.dial(ctx)
	if err != nil {
		hooks = nil
		s.mu.Lock()
		if s.state != StateLeft {
			s.setStateLocked(StateIdle, &hooks)
			s.setConnLocked(Disconnected, &hooks)
		}
		s.mu.Unlock()
		hooks.fire()
		return err
	}

	if err := s.attach(c); err != nil {
		c.close()
		return err
	}
	return s.join(ctx, c)
}

func (s *Session) dial(ctx context.Context) (*conn, error) {
	token := s.opts.Token
	if s.opts.TokenSource != nil {
		t, err := s.opts.TokenSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
		}
		token = t
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	return dial(ctx, s.opts.Dialer, s.opts.URL, token, s.opts.WriteWait)
}

// attach makes c the live connection and starts reading from it.
func (s *Session) attach(c *conn) error {
	var hooks hookQueue
	s.mu.Lock()
	if s.state == StateLeft {
		s.mu.Unlock()
		return ErrLeft
	}
	s.conn = c
	s.removed = false
	if len(s.transcript.msgs) > 0 {
		s.transcript.reset()
		s.transcriptChangedLocked(&hooks)
	}
	// The server re-announces a mute after history, so each connection
	// starts unmuted.
	s.setMutedLocked(false, &hooks)
	s.setConnLocked(Connected, &hooks)
	s.setStateLocked(StateJoinPending, &hooks)
	s.mu.Unlock()
	hooks.fire()

	go s.readLoop(c)
	return nil
}

func (s *Session) join(ctx context.Context, c *conn) error {
	ack, err := s.request(ctx, c, wire.EventJoinRoom, wire.JoinRoom{
		LiveClassID:  s.opts.LiveClassID,
		BatchID:      s.opts.BatchID,
		HistoryLimit: s.opts.HistoryLimit,
	}, true)
	if err != nil {
		s.status(fmt.Sprintf("join failed: %v", err))
		return err
	}
	if !ack.OK {
		s.logger.Warn().Str("reason", ack.Error).Msg("join rejected")
		s.status("join failed: " + ack.Error)
		return &RejectedError{Event: wire.EventJoinRoom, Reason: ack.Error}
	}
	s.logger.Debug().Msg("joined live class")
	return nil
}

// request sends an event and waits for its acknowledgement.
func (s *Session) request(ctx context.Context, c *conn, event string, payload interface{}, join bool) (wire.Ack, error) {
	id, ch := c.register(join)
	frame, err := wire.Encode(event, id, payload)
	if err != nil {
		c.forget(id)
		return wire.Ack{}, err
	}
	if err := c.write(frame); err != nil {
		c.forget(id)
		return wire.Ack{}, fmt.Errorf("%s: %w", event, ErrDisconnected)
	}

	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return ack, nil
	case <-c.closed:
		if s.State() == StateLeft {
			return wire.Ack{}, ErrLeft
		}
		return wire.Ack{}, fmt.Errorf("%s: %w", event, ErrDisconnected)
	case <-ctx.Done():
		c.forget(id)
		return wire.Ack{}, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return wire.Ack{}, fmt.Errorf("%s: %w", event, ErrAckTimeout)
	}
}

// Send posts a chat message. Blank text, a muted session and a session that
// has not joined are refused locally without touching the network.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	switch {
	case s.state == StateLeft:
		s.mu.Unlock()
		return ErrLeft
	case s.muted:
		s.mu.Unlock()
		return ErrMuted
	case s.state != StateJoined || s.conn == nil:
		s.mu.Unlock()
		return ErrNotJoined
	}
	c := s.conn
	s.mu.Unlock()

	ack, err := s.request(ctx, c, wire.EventSendMessage, wire.SendMessage{
		LiveClassID: s.opts.LiveClassID,
		Text:        text,
		BatchID:     s.opts.BatchID,
	}, false)
	if err != nil {
		return err
	}
	if !ack.OK {
		if mentionsMute(ack.Error) {
			s.setMuted(true)
		}
		s.status("message not sent: " + ack.Error)
		return &RejectedError{Event: wire.EventSendMessage, Reason: ack.Error}
	}
	return nil
}

// Mute silences a user in the room.
func (s *Session) Mute(ctx context.Context, targetUserID string) error {
	return s.moderate(ctx, wire.EventMuteUser, targetUserID)
}

// Unmute lifts a mute.
func (s *Session) Unmute(ctx context.Context, targetUserID string) error {
	return s.moderate(ctx, wire.EventUnmuteUser, targetUserID)
}

// Remove disconnects a user from the room and bars them from rejoining.
func (s *Session) Remove(ctx context.Context, targetUserID string) error {
	return s.moderate(ctx, wire.EventRemoveUser, targetUserID)
}

// ClearChat wipes the room transcript for everyone.
func (s *Session) ClearChat(ctx context.Context) error {
	return s.moderate(ctx, wire.EventClearChat, "")
}

func (s *Session) moderate(ctx context.Context, event, target string) error {
	target = strings.TrimSpace(target)
	if event != wire.EventClearChat && target == "" {
		return ErrMissingTarget
	}
	if s.role != "" && !jwt.CanModerate(s.role) {
		s.status(event + " failed: not permitted")
		return ErrNotPermitted
	}

	c, err := s.joinedConn()
	if err != nil {
		return err
	}

	ack, err := s.request(ctx, c, event, wire.Moderation{
		LiveClassID:  s.opts.LiveClassID,
		TargetUserID: target,
	}, false)
	if err != nil {
		s.status(fmt.Sprintf("%s failed: %v", event, err))
		return err
	}
	if !ack.OK {
		s.status(fmt.Sprintf("%s failed: %s", event, ack.Error))
		return &RejectedError{Event: event, Reason: ack.Error}
	}

	if target == "" {
		s.status(event + " done")
	} else {
		s.status(fmt.Sprintf("%s %s done", event, target))
	}
	return nil
}

func (s *Session) joinedConn() (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLeft {
		return nil, ErrLeft
	}
	if s.state != StateJoined || s.conn == nil {
		return nil, ErrNotJoined
	}
	return s.conn, nil
}

// Leave sends a best-effort leave-room, closes the connection and clears the
// transcript. The session cannot be reused. Calling Leave again does nothing.
func (s *Session) Leave() {
	var hooks hookQueue
	s.mu.Lock()
	if s.state == StateLeft {
		s.mu.Unlock()
		return
	}
	c := s.conn
	s.conn = nil
	s.muted = false
	s.transcript.reset()
	s.transcriptChangedLocked(&hooks)
	s.setConnLocked(Disconnected, &hooks)
	s.setStateLocked(StateLeft, &hooks)
	s.cancel()
	s.mu.Unlock()

	if c != nil {
		if frame, err := wire.Encode(wire.EventLeaveRoom, 0, wire.LeaveRoom{LiveClassID: s.opts.LiveClassID}); err == nil {
			if err := c.write(frame); err != nil {
				s.logger.Debug().Err(err).Msg("leave-room not delivered")
			}
		}
		c.close()
	}
	hooks.fire()
}

// Done is closed once the session has left, by Leave or by removal.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) readLoop(c *conn) {
	defer s.handleDisconnect(c)

	c.ws.SetReadLimit(s.opts.MaxMessageSize)
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		env, err := wire.Decode(frame)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.dispatch(c, env)
	}
}

func (s *Session) dispatch(c *conn, env *wire.Envelope) {
	switch env.Event {
	case wire.EventAck:
		var ack wire.Ack
		if err := env.DecodeData(&ack); err != nil {
			ack = wire.Ack{OK: false, Error: "malformed acknowledgement"}
		}
		s.handleAck(c, env.Ack, ack)

	case wire.EventChatHistory:
		var h wire.ChatHistory
		if err := env.DecodeData(&h); err != nil {
			s.logger.Warn().Err(err).Msg("bad history payload")
			return
		}
		var hooks hookQueue
		s.mu.Lock()
		if s.conn == c {
			s.transcript.replace(h.Messages)
			s.transcriptChangedLocked(&hooks)
		}
		s.mu.Unlock()
		hooks.fire()

	case wire.EventMessage:
		var m wire.ChatMessage
		if err := env.DecodeData(&m); err != nil {
			s.logger.Warn().Err(err).Msg("bad message payload")
			return
		}
		var hooks hookQueue
		s.mu.Lock()
		if s.conn == c && s.transcript.append(m) {
			s.transcriptChangedLocked(&hooks)
		}
		s.mu.Unlock()
		hooks.fire()

	case wire.EventSystem:
		var ev wire.SystemEvent
		if err := env.DecodeData(&ev); err != nil {
			s.logger.Warn().Err(err).Msg("bad system payload")
			return
		}
		s.applySystem(c, ev)

	default:
		s.logger.Debug().Str(log.FieldEvent, env.Event).Msg("ignoring unknown event")
	}
}

func (s *Session) handleAck(c *conn, id uint64, ack wire.Ack) {
	p, ok := c.take(id)
	if !ok {
		s.logger.Debug().Uint64("ack", id).Msg("dropping late acknowledgement")
		return
	}

	if p.join && ack.OK {
		var hooks hookQueue
		s.mu.Lock()
		if s.conn == c && s.state == StateJoinPending {
			s.setStateLocked(StateJoined, &hooks)
		}
		s.mu.Unlock()
		hooks.fire()
	}
	p.ch <- ack
}

func (s *Session) applySystem(c *conn, ev wire.SystemEvent) {
	var hooks hookQueue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		hooks.fire()
	}()

	if s.conn != c {
		return
	}
	if ev.IsPresence() && !s.opts.ShowPresence {
		return
	}

	me := ev.TargetUserID != "" && ev.TargetUserID == s.userID
	switch ev.Type {
	case wire.SystemMuted:
		if me {
			s.setMutedLocked(true, &hooks)
		}
	case wire.SystemUnmuted:
		if me {
			s.setMutedLocked(false, &hooks)
		}
	case wire.SystemChatCleared:
		s.transcript.reset()
	case wire.SystemRemoved:
		if me {
			s.removed = true
			if h := s.opts.Hooks.OnStatus; h != nil {
				hooks.add(func() { h("removed from live class") })
			}
		}
	}

	s.transcript.append(ev.Notice())
	s.transcriptChangedLocked(&hooks)
}

// handleDisconnect runs when the read loop of c ends.
func (s *Session) handleDisconnect(c *conn) {
	c.close()

	var hooks hookQueue
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.setConnLocked(Disconnected, &hooks)

	switch {
	case s.removed:
		s.muted = false
		s.transcript.reset()
		s.transcriptChangedLocked(&hooks)
		s.setStateLocked(StateLeft, &hooks)
		s.cancel()
		s.mu.Unlock()
		hooks.fire()
		return

	case s.opts.NoReconnect:
		s.setStateLocked(StateIdle, &hooks)
		s.mu.Unlock()
		hooks.fire()
		return
	}

	s.setStateLocked(StateConnecting, &hooks)
	s.setConnLocked(Connecting, &hooks)
	s.mu.Unlock()
	hooks.fire()

	s.logger.Info().Msg("connection lost, reconnecting")
	go s.reconnect()
}

func (s *Session) reconnect() {
	var c *conn
	op := func() error {
		next, err := s.dial(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return backoff.Permanent(s.ctx.Err())
			}
			if errors.Is(err, ErrTokenUnavailable) || errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := s.attach(next); err != nil {
			next.close()
			return backoff.Permanent(err)
		}
		c = next
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect attempt failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.opts.NewBackOff(), s.ctx), notify); err != nil {
		var hooks hookQueue
		s.mu.Lock()
		if s.state != StateLeft {
			s.setStateLocked(StateIdle, &hooks)
			s.setConnLocked(Disconnected, &hooks)
		}
		s.mu.Unlock()
		hooks.fire()
		if s.ctx.Err() == nil {
			s.status(fmt.Sprintf("reconnect failed: %v", err))
		}
		return
	}

	if err := s.join(s.ctx, c); err != nil {
		s.logger.Warn().Err(err).Msg("rejoin failed")
	}
}

func (s *Session) setMuted(muted bool) {
	var hooks hookQueue
	s.mu.Lock()
	s.setMutedLocked(muted, &hooks)
	s.mu.Unlock()
	hooks.fire()
}

func (s *Session) setMutedLocked(muted bool, hooks *hookQueue) {
	if s.muted == muted {
		return
	}
	s.muted = muted
	if h := s.opts.Hooks.OnMuted; h != nil {
		hooks.add(func() { h(muted) })
	}
}

func (s *Session) setStateLocked(st State, hooks *hookQueue) {
	if s.state == st {
		return
	}
	s.logger.Debug().Stringer("from", s.state).Stringer("to", st).Msg("session state")
	s.state = st
	if h := s.opts.Hooks.OnState; h != nil {
		hooks.add(func() { h(st) })
	}
}

func (s *Session) setConnLocked(cs ConnectionState, hooks *hookQueue) {
	if s.connState == cs {
		return
	}
	s.connState = cs
	if h := s.opts.Hooks.OnConnection; h != nil {
		hooks.add(func() { h(cs) })
	}
}

func (s *Session) transcriptChangedLocked(hooks *hookQueue) {
	if h := s.opts.Hooks.OnTranscript; h != nil {
		snap := s.transcript.snapshot()
		hooks.add(func() { h(snap) })
	}
}

func (s *Session) status(msg string) {
	if h := s.opts.Hooks.OnStatus; h != nil {
		h(msg)
	}
}

// State returns the membership state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionState returns the transport state.
func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// IsMuted reports whether the session believes its user is muted.
func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []wire.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.snapshot()
}

// UserID is the identity the session matches targeted system events against.
func (s *Session) UserID() string { return s.userID }

// Role is the caller's role, "" when unknown.
func (s *Session) Role() string { return s.role }

// LiveClassID returns the room this session belongs to.
func (s *Session) LiveClassID() string { return s.opts.LiveClassID }
