package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/teachflow/teachflow-live/pkg/wire"
)

// scriptedServer is an in-process chat endpoint whose replies are chosen by
// the test.
type scriptedServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	received []wire.Envelope
	tokens   []string
	conns    []*serverConn
	// handshakes counts upgrade attempts, refused ones included.
	handshakes int
	refuse     int

	// onFrame answers one client frame. The default acks every request ok.
	onFrame func(sc *serverConn, env *wire.Envelope)
}

type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (sc *serverConn) send(t *testing.T, event string, ack uint64, payload interface{}) {
	frame, err := wire.Encode(event, ack, payload)
	require.NoError(t, err)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.ws.WriteMessage(websocket.TextMessage, frame)
}

func (sc *serverConn) ack(t *testing.T, id uint64, ok bool, reason string) {
	sc.send(t, wire.EventAck, id, wire.Ack{OK: ok, Error: reason})
}

func (sc *serverConn) close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.ws.Close()
}

func newScriptedServer(t *testing.T) *scriptedServer {
	s := &scriptedServer{t: t}
	s.onFrame = func(sc *serverConn, env *wire.Envelope) {
		if env.Ack != 0 {
			sc.ack(t, env.Ack, true, "")
		}
	}

	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.handshakes++
		status := s.refuse
		s.mu.Unlock()
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{ws: ws}

		s.mu.Lock()
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.conns = append(s.conns, sc)
		s.mu.Unlock()

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Decode(frame)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, *env)
			handler := s.onFrame
			s.mu.Unlock()
			handler(sc, env)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scriptedServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/live-classes/ws"
}

func (s *scriptedServer) script(f func(sc *serverConn, env *wire.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = f
}

// refuseHandshakes answers every later upgrade request with status.
func (s *scriptedServer) refuseHandshakes(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = status
}

func (s *scriptedServer) handshakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *scriptedServer) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.received {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (s *scriptedServer) frames(event string) []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Envelope
	for _, env := range s.received {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (s *scriptedServer) lastConn() *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *scriptedServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func testOptions(s *scriptedServer) Options {
	return Options{
		URL:          s.url(),
		LiveClassID:  "abc",
		BatchID:      "b1",
		HistoryLimit: DefaultHistoryLimit,
		Token:        "token-1",
		UserID:       "u1",
		Role:         "student",
		AckTimeout:   2 * time.Second,
		NewBackOff:   fastBackOff,
	}
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
