package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teachflow/teachflow-live/pkg/wire"
)

type pendingAck struct {
	ch   chan wire.Ack
	join bool
}

// conn is one websocket connection and the acks outstanding on it. Acks
// never cross connections: a reconnect starts with an empty table.
type conn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	writeMu   sync.Mutex

	mu      sync.Mutex
	nextAck uint64
	pending map[uint64]pendingAck

	closed    chan struct{}
	closeOnce sync.Once
}

func dial(ctx context.Context, dialer *websocket.Dialer, rawURL, token string, writeWait time.Duration) (*conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("dial %s: %w (%s)", u.Host, ErrUnauthorized, resp.Status)
			}
			return nil, fmt.Errorf("dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	c := &conn{
		ws:        ws,
		writeWait: writeWait,
		pending:   make(map[uint64]pendingAck),
		closed:    make(chan struct{}),
	}
	ws.SetPingHandler(func(data string) error {
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c, nil
}

func (c *conn) register(join bool) (uint64, chan wire.Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextAck++
	ch := make(chan wire.Ack, 1)
	c.pending[c.nextAck] = pendingAck{ch: ch, join: join}
	return c.nextAck, ch
}

// take removes and returns the waiter of id.
func (c *conn) take(id uint64) (pendingAck, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

func (c *conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) write(frame []byte) error {
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// close abandons every outstanding ack and closes the socket.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		c.pending = make(map[uint64]pendingAck)
		c.mu.Unlock()

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.ws.Close()
	})
}
