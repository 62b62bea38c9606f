package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teachflow/teachflow-live/pkg/jwt"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

func connectJoined(t *testing.T, srv *scriptedServer, opts Options) *Session {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Leave)
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, StateJoined, s.State())
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{URL: "ws://x", Token: "t"})
	assert.ErrorIs(t, err, ErrMissingLiveClass)

	_, err = New(Options{URL: "ws://x", LiveClassID: "abc"})
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestConnect_TokenSourceFailure(t *testing.T) {
	expired := errors.New("session expired")
	s, err := New(Options{
		URL:         "ws://127.0.0.1:1/live-classes/ws",
		LiveClassID: "abc",
		TokenSource: func(context.Context) (string, error) { return "", expired },
	})
	require.NoError(t, err)

	err = s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTokenUnavailable)
	assert.ErrorIs(t, err, expired)
	assert.Equal(t, StateIdle, s.State())
}

func TestNew_IdentityFromToken(t *testing.T) {
	m, err := jwt.NewManager("secret", time.Minute, time.Hour, "teachflow")
	require.NoError(t, err)
	pair, err := m.GenerateTokenPair("u42", "s@example.com", "stu", jwt.RoleStudent)
	require.NoError(t, err)

	s, err := New(Options{URL: "ws://x", LiveClassID: "abc", Token: pair.AccessToken})
	require.NoError(t, err)
	assert.Equal(t, "u42", s.UserID())
	assert.Equal(t, jwt.RoleStudent, s.Role())
}

func TestConnect_JoinCarriesRoomAndToken(t *testing.T) {
	srv := newScriptedServer(t)
	s := connectJoined(t, srv, testOptions(srv))

	joins := srv.frames(wire.EventJoinRoom)
	require.Len(t, joins, 1)
	var join wire.JoinRoom
	require.NoError(t, joins[0].DecodeData(&join))
	assert.Equal(t, wire.JoinRoom{LiveClassID: "abc", BatchID: "b1", HistoryLimit: 50}, join)
	assert.NotZero(t, joins[0].Ack)

	srv.mu.Lock()
	assert.Equal(t, []string{"token-1"}, srv.tokens)
	srv.mu.Unlock()
	assert.Equal(t, Connected, s.ConnectionState())
}

// A send issued before the join is acknowledged is refused locally.
func TestSend_BeforeJoinAck(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script(func(sc *serverConn, env *wire.Envelope) {})

	s, err := New(testOptions(srv))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == StateJoinPending }, waitFor, tick)
	assert.ErrorIs(t, s.Send(context.Background(), "hello"), ErrNotJoined)
	assert.ErrorIs(t, s.Mute(context.Background(), "u2"), ErrNotPermitted)

	s.Leave()
	assert.ErrorIs(t, <-done, ErrLeft)
	assert.Zero(t, srv.count(wire.EventSendMessage))
}

func TestSend_MutedByEventSkipsNetwork(t *testing.T) {
	srv := newScriptedServer(t)
	var mutedHook []bool
	var mu sync.Mutex
	opts := testOptions(srv)
	opts.Hooks.OnMuted = func(m bool) {
		mu.Lock()
		mutedHook = append(mutedHook, m)
		mu.Unlock()
	}
	s := connectJoined(t, srv, opts)

	srv.lastConn().send(t, wire.EventSystem, 0, wire.SystemEvent{
		Type: wire.SystemMuted, Ts: 1, By: "teacher1", TargetUserID: "u1",
	})
	require.Eventually(t, s.IsMuted, waitFor, tick)

	assert.ErrorIs(t, s.Send(context.Background(), "hello"), ErrMuted)
	assert.ErrorIs(t, s.Send(context.Background(), "again"), ErrMuted)
	assert.Zero(t, srv.count(wire.EventSendMessage))

	mu.Lock()
	assert.Equal(t, []bool{true}, mutedHook)
	mu.Unlock()

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsSystem())
}

func TestSend_MuteOfOtherUserIgnored(t *testing.T) {
	srv := newScriptedServer(t)
	s := connectJoined(t, srv, testOptions(srv))

	srv.lastConn().send(t, wire.EventSystem, 0, wire.SystemEvent{
		Type: wire.SystemMuted, Ts: 1, By: "teacher1", TargetUserID: "u2",
	})
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	assert.False(t, s.IsMuted())
	require.NoError(t, s.Send(context.Background(), "still here"))
}

func TestSend_EmptyText(t *testing.T) {
	srv := newScriptedServer(t)
	s := connectJoined(t, srv, testOptions(srv))

	assert.ErrorIs(t, s.Send(context.Background(), "   \n\t"), ErrEmptyMessage)
	assert.Zero(t, srv.count(wire.EventSendMessage))
}

func TestHistoryReplacesLiveAppends(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script(func(sc *serverConn, env *wire.Envelope) {
		if env.Event != wire.EventJoinRoom {
			return
		}
		sc.ack(t, env.Ack, true, "")
		sc.send(t, wire.EventChatHistory, 0, wire.ChatHistory{Messages: []wire.ChatMessage{
			{ID: "A", Text: "a", Timestamp: 1},
			{ID: "B", Text: "b", Timestamp: 2},
		}})
		sc.send(t, wire.EventMessage, 0, wire.ChatMessage{ID: "C", Text: "c", Timestamp: 4})
		sc.send(t, wire.EventMessage, 0, wire.ChatMessage{ID: "D", Text: "d", Timestamp: 3})
		sc.send(t, wire.EventMessage, 0, wire.ChatMessage{ID: "C", Text: "c", Timestamp: 4})
	})

	s := connectJoined(t, srv, testOptions(srv))

	require.Eventually(t, func() bool { return len(s.Messages()) >= 4 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	var ids []string
	for _, m := range s.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids)
}

func TestSystemEvents_PresenceAndClear(t *testing.T) {
	srv := newScriptedServer(t)
	s := connectJoined(t, srv, testOptions(srv))
	sc := srv.lastConn()

	sc.send(t, wire.EventMessage, 0, wire.ChatMessage{ID: "A", Text: "a"})
	sc.send(t, wire.EventSystem, 0, wire.SystemEvent{Type: wire.SystemUserJoined, TargetUserID: "u2"})
	sc.send(t, wire.EventSystem, 0, wire.SystemEvent{Type: wire.SystemChatCleared, By: "teacher1", Ts: 9})

	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].IsSystem()
	}, waitFor, tick)
	msgs := s.Messages()
	assert.Equal(t, "chat cleared by teacher1", msgs[0].Text)
	assert.Equal(t, int64(9), msgs[0].Timestamp)
}

func TestSystemEvents_ShowPresence(t *testing.T) {
	srv := newScriptedServer(t)
	opts := testOptions(srv)
	opts.ShowPresence = true
	s := connectJoined(t, srv, opts)

	srv.lastConn().send(t, wire.EventSystem, 0, wire.SystemEvent{Type: wire.SystemUserJoined, TargetUserID: "u2"})
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	assert.Equal(t, "u2 joined", s.Messages()[0].Text)
}

func TestLeave_IdempotentAndTerminal(t *testing.T) {
	srv := newScriptedServer(t)
	var states []State
	var mu sync.Mutex
	opts := testOptions(srv)
	opts.Hooks.OnState = func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}
	s := connectJoined(t, srv, opts)
	srv.lastConn().send(t, wire.EventMessage, 0, wire.ChatMessage{ID: "A", Text: "a"})
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)

	s.Leave()
	s.Leave()

	require.Eventually(t, func() bool { return srv.count(wire.EventLeaveRoom) == 1 }, waitFor, tick)
	assert.Equal(t, StateLeft, s.State())
	assert.Equal(t, Disconnected, s.ConnectionState())
	assert.Empty(t, s.Messages())
	assert.ErrorIs(t, s.Send(context.Background(), "late"), ErrLeft)
	assert.ErrorIs(t, s.ClearChat(context.Background()), ErrNotPermitted)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrLeft)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Leave")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.count(wire.EventLeaveRoom))
	assert.Zero(t, srv.count(wire.EventSendMessage))
	assert.Equal(t, 1, srv.connCount())

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateJoinPending, StateJoined, StateLeft}, states)
	mu.Unlock()
}

func TestLeave_BeforeConnect(t *testing.T) {
	srv := newScriptedServer(t)
	s, err := New(testOptions(srv))
	require.NoError(t, err)

	s.Leave()
	assert.Equal(t, StateLeft, s.State())
	assert.Zero(t, srv.connCount())
}

func TestJoinRejected_RoomFull(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script(func(sc *serverConn, env *wire.Envelope) {
		if env.Event == wire.EventJoinRoom {
			sc.ack(t, env.Ack, false, "room full")
		}
	})

	var statuses []string
	var mu sync.Mutex
	opts := testOptions(srv)
	opts.Hooks.OnStatus = func(msg string) {
		mu.Lock()
		statuses = append(statuses, msg)
		mu.Unlock()
	}

	s, err := New(opts)
	require.NoError(t, err)
	defer s.Leave()

	err = s.Connect(context.Background())
	reason, ok := IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "room full", reason)
	assert.Equal(t, StateJoinPending, s.State())
	assert.Equal(t, Connected, s.ConnectionState())

	mu.Lock()
	assert.Contains(t, statuses, "join failed: room full")
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.count(wire.EventJoinRoom))
	assert.Equal(t, StateJoinPending, s.State())
	assert.ErrorIs(t, s.Send(context.Background(), "hello"), ErrNotJoined)
}

func TestSend_MutedAckFlipsState(t *testing.T) {
	srv := newScriptedServer(t)
	var muted bool
	var mu sync.Mutex
	srv.script(func(sc *serverConn, env *wire.Envelope) {
		switch env.Event {
		case wire.EventJoinRoom:
			sc.ack(t, env.Ack, true, "")
		case wire.EventSendMessage:
			mu.Lock()
			m := muted
			mu.Unlock()
			if m {
				sc.ack(t, env.Ack, false, "Muted by moderator")
				return
			}
			sc.ack(t, env.Ack, true, "")
		}
	})
	mu.Lock()
	muted = true
	mu.Unlock()

	s := connectJoined(t, srv, testOptions(srv))

	err := s.Send(context.Background(), "hello")
	reason, ok := IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "Muted by moderator", reason)
	assert.True(t, s.IsMuted())

	assert.ErrorIs(t, s.Send(context.Background(), "hello again"), ErrMuted)
	assert.Equal(t, 1, srv.count(wire.EventSendMessage))

	mu.Lock()
	muted = false
	mu.Unlock()
	srv.lastConn().send(t, wire.EventSystem, 0, wire.SystemEvent{
		Type: wire.SystemUnmuted, By: "teacher1", TargetUserID: "u1",
	})
	require.Eventually(t, func() bool { return !s.IsMuted() }, waitFor, tick)

	require.NoError(t, s.Send(context.Background(), "back"))
	assert.Equal(t, 2, srv.count(wire.EventSendMessage))
}

func TestSend_OtherRejectionKeepsUnmuted(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script(func(sc *serverConn, env *wire.Envelope) {
		switch env.Event {
		case wire.EventJoinRoom:
			sc.ack(t, env.Ack, true, "")
		case wire.EventSendMessage:
			sc.ack(t, env.Ack, false, "message too long")
		}
	})
	s := connectJoined(t, srv, testOptions(srv))

	_, ok := IsRejected(s.Send(context.Background(), "x"))
	assert.True(t, ok)
	assert.False(t, s.IsMuted())
}

func TestModeration(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script(func(sc *serverConn, env *wire.Envelope) {
		switch env.Event {
		case wire.EventRemoveUser:
			sc.ack(t, env.Ack, false, "forbidden")
		default:
			if env.Ack != 0 {
				sc.ack(t, env.Ack, true, "")
			}
		}
	})

	var statuses []string
	var mu sync.Mutex
	opts := testOptions(srv)
	opts.Role = jwt.RoleTeacher
	opts.Hooks.OnStatus = func(msg string) {
		mu.Lock()
		statuses = append(statuses, msg)
		mu.Unlock()
	}
	s := connectJoined(t, srv, opts)
	ctx := context.Background()

	require.NoError(t, s.Mute(ctx, "u2"))
	require.NoError(t, s.Unmute(ctx, "u2"))
	require.NoError(t, s.ClearChat(ctx))
	assert.ErrorIs(t, s.Mute(ctx, " "), ErrMissingTarget)

	_, ok := IsRejected(s.Remove(ctx, "u2"))
	assert.True(t, ok)
	assert.Equal(t, 1, srv.count(wire.EventRemoveUser))

	mutes := srv.frames(wire.EventMuteUser)
	require.Len(t, mutes, 1)
	var payload wire.Moderation
	require.NoError(t, mutes[0].DecodeData(&payload))
	assert.Equal(t, wire.Moderation{LiveClassID: "abc", TargetUserID: "u2"}, payload)

	clears := srv.frames(wire.EventClearChat)
	require.Len(t, clears, 1)
	var clear wire.Moderation
	require.NoError(t, clears[0].DecodeData(&clear))
	assert.Equal(t, wire.Moderation{LiveClassID: "abc"}, clear)

	mu.Lock()
	assert.Contains(t, statuses, "remove-user failed: forbidden")
	assert.Contains(t, statuses, "mute-user u2 done")
	mu.Unlock()
}

func TestModeration_StudentNotPermitted(t *testing.T) {
	srv := newScriptedServer(t)
	s := connectJoined(t, srv, testOptions(srv))

	assert.ErrorIs(t, s.Mute(context.Background(), "u2"), ErrNotPermitted)
	assert.ErrorIs(t, s.ClearChat(context.Background()), ErrNotPermitted)
	assert.Zero(t, srv.count(wire.EventMuteUser))
	assert.Zero(t, srv.count(wire.EventClearChat))
}

func TestLateAckAfterLeaveIsDropped(t *testing.T) {
	srv := newScriptedServer(t)
	var held *serverConn
	var heldAck uint64
	var mu sync.Mutex
	srv.script(func(sc *serverConn, env *wire.Envelope) {
		switch env.Event {
		case wire.EventJoinRoom:
			sc.ack(t, env.Ack, true, "")
		case wire.EventSendMessage:
			mu.Lock()
			held, heldAck = sc, env.Ack
			mu.Unlock()
		}
	})
	s := connectJoined(t, srv, testOptions(srv))

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "hello") }()
	require.Eventually(t, func() bool { return srv.count(wire.EventSendMessage) == 1 }, waitFor, tick)

	s.Leave()
	assert.ErrorIs(t, <-done, ErrLeft)

	mu.Lock()
	held.ack(t, heldAck, true, "")
	mu.Unlock()
	assert.Equal(t, StateLeft, s.State())
}

func TestReconnect_RejoinsAndReloadsHistory(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script(func(sc *serverConn, env *wire.Envelope) {
		if env.Event != wire.EventJoinRoom {
			return
		}
		sc.ack(t, env.Ack, true, "")
		sc.send(t, wire.EventChatHistory, 0, wire.ChatHistory{Messages: []wire.ChatMessage{{ID: "A", Text: "a"}}})
	})

	s := connectJoined(t, srv, testOptions(srv))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	srv.lastConn().send(t, wire.EventMessage, 0, wire.ChatMessage{ID: "B", Text: "b"})
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, waitFor, tick)

	srv.lastConn().close()

	require.Eventually(t, func() bool {
		return srv.count(wire.EventJoinRoom) == 2 && s.State() == StateJoined
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "A"
	}, waitFor, tick)
	assert.Equal(t, 2, srv.connCount())
}

func TestReconnect_StartsUnmuted(t *testing.T) {
	srv := newScriptedServer(t)
	var mutedHook []bool
	var mu sync.Mutex
	opts := testOptions(srv)
	opts.Hooks.OnMuted = func(m bool) {
		mu.Lock()
		mutedHook = append(mutedHook, m)
		mu.Unlock()
	}
	s := connectJoined(t, srv, opts)

	srv.lastConn().send(t, wire.EventSystem, 0, wire.SystemEvent{
		Type: wire.SystemMuted, Ts: 1, By: "teacher1", TargetUserID: "u1",
	})
	require.Eventually(t, s.IsMuted, waitFor, tick)

	// Unmuted while away: the server sends no muted notice on rejoin.
	srv.lastConn().close()
	require.Eventually(t, func() bool {
		return srv.count(wire.EventJoinRoom) == 2 && s.State() == StateJoined
	}, waitFor, tick)

	assert.False(t, s.IsMuted())
	require.NoError(t, s.Send(context.Background(), "back again"))
	assert.Equal(t, 1, srv.count(wire.EventSendMessage))

	mu.Lock()
	assert.Equal(t, []bool{true, false}, mutedHook)
	mu.Unlock()
}

func TestReconnect_StopsOnUnauthorizedHandshake(t *testing.T) {
	srv := newScriptedServer(t)
	var statuses []string
	var mu sync.Mutex
	opts := testOptions(srv)
	opts.Hooks.OnStatus = func(msg string) {
		mu.Lock()
		statuses = append(statuses, msg)
		mu.Unlock()
	}
	s := connectJoined(t, srv, opts)

	srv.refuseHandshakes(http.StatusUnauthorized)
	srv.lastConn().close()

	require.Eventually(t, func() bool { return s.State() == StateIdle }, waitFor, tick)
	assert.Equal(t, Disconnected, s.ConnectionState())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, srv.handshakeCount(), "a refused handshake is not retried")

	mu.Lock()
	require.NotEmpty(t, statuses)
	assert.Contains(t, statuses[len(statuses)-1], "reconnect failed")
	mu.Unlock()
}

func TestConnect_UnauthorizedHandshake(t *testing.T) {
	srv := newScriptedServer(t)
	srv.refuseHandshakes(http.StatusForbidden)

	s, err := New(testOptions(srv))
	require.NoError(t, err)
	t.Cleanup(s.Leave)

	err = s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StateIdle, s.State())
}

func TestNoReconnect_ReturnsToIdle(t *testing.T) {
	srv := newScriptedServer(t)
	opts := testOptions(srv)
	opts.NoReconnect = true
	s := connectJoined(t, srv, opts)

	srv.lastConn().close()
	require.Eventually(t, func() bool { return s.State() == StateIdle }, waitFor, tick)
	assert.Equal(t, Disconnected, s.ConnectionState())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateJoined, s.State())
}

func TestRemoved_IsTerminal(t *testing.T) {
	srv := newScriptedServer(t)
	s := connectJoined(t, srv, testOptions(srv))

	sc := srv.lastConn()
	sc.send(t, wire.EventSystem, 0, wire.SystemEvent{Type: wire.SystemRemoved, By: "teacher1", TargetUserID: "u1"})
	time.Sleep(20 * time.Millisecond)
	sc.close()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end after removal")
	}
	assert.Equal(t, StateLeft, s.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
}
