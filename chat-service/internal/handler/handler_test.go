package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teachflow/teachflow-live/chat-service/internal/config"
	"github.com/teachflow/teachflow-live/chat-service/internal/hub"
	"github.com/teachflow/teachflow-live/chat-service/internal/service"
	"github.com/teachflow/teachflow-live/chat-service/internal/store"
	"github.com/teachflow/teachflow-live/pkg/apiclient"
	"github.com/teachflow/teachflow-live/pkg/credstore"
	"github.com/teachflow/teachflow-live/pkg/jwt"
	"github.com/teachflow/teachflow-live/pkg/middleware"
	"github.com/teachflow/teachflow-live/pkg/realtime"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

var testWS = config.WebSocketConfig{
	PingInterval:   30 * time.Second,
	PongWait:       time.Minute,
	WriteWait:      5 * time.Second,
	MaxMessageSize: 8192,
}

type testServer struct {
	srv    *httptest.Server
	tokens *jwt.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(testWS)
	go h.Run(ctx)

	svc := service.NewChatService(service.Deps{
		Hub:   h,
		Store: store.NewMemoryStore(),
		Rooms: config.RoomsConfig{HistorySize: 50, MaxMembers: 10, MaxMessageLength: 200},
	})
	require.NoError(t, svc.Start(ctx))

	tokens, err := jwt.NewManager("handler-test-secret", time.Minute, time.Hour, "teachflow")
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewAPIHandler(svc, nil).RegisterRoutes(r, middleware.NewAuthMiddleware(tokens))

	mux := http.NewServeMux()
	NewWSHandler(h, svc, tokens, testWS).RegisterRoutes(mux, func(next http.Handler) http.Handler { return next })
	mux.Handle("/api/", r)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, tokens: tokens}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + WSPath
}

func (ts *testServer) token(t *testing.T, userID, role string) *jwt.TokenPair {
	t.Helper()
	pair, err := ts.tokens.GenerateTokenPair(userID, userID+"@example.com", "name-"+userID, role)
	require.NoError(t, err)
	return pair
}

func (ts *testServer) session(t *testing.T, userID, role string) *realtime.Session {
	t.Helper()
	s, err := realtime.New(realtime.Options{
		URL:          ts.wsURL(),
		LiveClassID:  "lc1",
		HistoryLimit: 50,
		Token:        ts.token(t, userID, role).AccessToken,
		NoReconnect:  true,
		AckTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(s.Leave)
	return s
}

func hasText(msgs []wire.ChatMessage, text string) bool {
	for _, m := range msgs {
		if m.Text == text {
			return true
		}
	}
	return false
}

func TestInvalidTokenRejectsJoin(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	tokens := map[string]string{
		"garbage": "garbage",
		// Refresh tokens are not accepted for the handshake.
		"refresh": ts.token(t, "s1", jwt.RoleStudent).RefreshToken,
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			s, err := realtime.New(realtime.Options{
				URL:         ts.wsURL(),
				LiveClassID: "lc1",
				Token:       token,
				NoReconnect: true,
				AckTimeout:  2 * time.Second,
			})
			require.NoError(t, err)
			t.Cleanup(s.Leave)

			err = s.Connect(ctx)
			reason, ok := realtime.IsRejected(err)
			require.True(t, ok, "expected rejection, got %v", err)
			assert.Equal(t, "unauthorized", reason)
			assert.Equal(t, realtime.StateJoinPending, s.State())
			assert.ErrorIs(t, s.Send(ctx, "hello"), realtime.ErrNotJoined)
		})
	}
}

func TestMissingTokenRejectsJoin(t *testing.T) {
	ts := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"event": wire.EventJoinRoom,
		"ack":   1,
		"data":  map[string]string{"liveClassId": "lc1"},
	}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	var env struct {
		Event string   `json:"event"`
		Ack   uint64   `json:"ack"`
		Data  wire.Ack `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, wire.EventAck, env.Event)
	assert.Equal(t, uint64(1), env.Ack)
	assert.False(t, env.Data.OK)
	assert.Equal(t, "unauthorized", env.Data.Error)
}

func TestLiveClassEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	teacher := ts.session(t, "t1", jwt.RoleTeacher)
	require.NoError(t, teacher.Connect(ctx))
	assert.Equal(t, realtime.StateJoined, teacher.State())
	require.NoError(t, teacher.Send(ctx, "welcome"))

	student := ts.session(t, "s1", jwt.RoleStudent)
	require.NoError(t, student.Connect(ctx))
	require.Eventually(t, func() bool { return hasText(student.Messages(), "welcome") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, student.Send(ctx, "hello teacher"))
	require.Eventually(t, func() bool { return hasText(teacher.Messages(), "hello teacher") }, 2*time.Second, 10*time.Millisecond)

	err := student.Mute(ctx, "t1")
	assert.ErrorIs(t, err, realtime.ErrNotPermitted)

	require.NoError(t, teacher.Mute(ctx, "s1"))
	require.Eventually(t, student.IsMuted, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, student.Send(ctx, "can I speak"), realtime.ErrMuted)

	require.NoError(t, teacher.Unmute(ctx, "s1"))
	require.Eventually(t, func() bool { return !student.IsMuted() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, teacher.ClearChat(ctx))
	require.Eventually(t, func() bool { return !hasText(student.Messages(), "hello teacher") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, teacher.Remove(ctx, "s1"))
	require.Eventually(t, func() bool { return student.State() == realtime.StateLeft }, 2*time.Second, 10*time.Millisecond)

	again := ts.session(t, "s1", jwt.RoleStudent)
	err = again.Connect(ctx)
	reason, ok := realtime.IsRejected(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, "removed from live class", reason)
}

func TestListLiveClasses(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	s := ts.session(t, "s1", jwt.RoleStudent)
	require.NoError(t, s.Connect(ctx))

	creds := credstore.NewMemoryStore()
	pair := ts.token(t, "s1", jwt.RoleStudent)
	require.NoError(t, credstore.SaveLogin(ctx, creds, pair.AccessToken, pair.RefreshToken, nil))

	api, err := apiclient.New(apiclient.Options{BaseURL: ts.srv.URL + "/api", Store: creds})
	require.NoError(t, err)

	classes, err := api.ListLiveClasses(ctx)
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, "lc1", classes[0].ID)
	assert.Equal(t, 1, classes[0].Members)
}

func TestListLiveClassesRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/api/live-classes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
