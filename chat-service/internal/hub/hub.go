package hub

import (
	"context"

	"github.com/teachflow/teachflow-live/chat-service/internal/config"
	"github.com/teachflow/teachflow-live/chat-service/internal/metrics"
	"github.com/teachflow/teachflow-live/pkg/log"
)

// Hub tracks connected clients and the live class each one has joined. All
// mutations and broadcasts are serialised through Run, so a broadcast queued
// before a disconnect reaches the client before its socket closes.
type Hub struct {
	clients    map[string]*Client            // clientID -> client
	rooms      map[string]map[string]*Client // liveClassID -> clientID -> client
	register   chan *Client
	unregister chan *Client
	join       chan membership
	leave      chan membership
	broadcast  chan *RoomMessage
	count      chan countQuery
	stopped    chan struct{}
	config     config.WebSocketConfig
}

// RoomMessage is a frame for every client of a live class, or, when
// DisconnectUserID is set, an order to close that user's sockets in it.
// Both travel on one channel so they keep their relative order.
type RoomMessage struct {
	LiveClassID      string
	Message          []byte
	Exclude          string // Client ID to exclude
	DisconnectUserID string
}

type membership struct {
	client      *Client
	liveClassID string
	done        chan struct{}
}

type countQuery struct {
	liveClassID string
	reply       chan int
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		broadcast:  make(chan *RoomMessage, 256),
		count:      make(chan countQuery),
		stopped:    make(chan struct{}),
		config:     cfg,
	}
}

// Run processes hub operations until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	l := log.L()
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for _, client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client.ID] = client
			metrics.ActiveConnections.Inc()
			l.Debug().Str(log.FieldClientID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client.ID]; ok {
				h.drop(client)
				l.Debug().Str(log.FieldClientID, client.ID).Msg("client unregistered")
			}

		case m := <-h.join:
			if _, ok := h.clients[m.client.ID]; ok {
				h.removeFromRooms(m.client)
				if _, ok := h.rooms[m.liveClassID]; !ok {
					h.rooms[m.liveClassID] = make(map[string]*Client)
				}
				h.rooms[m.liveClassID][m.client.ID] = m.client
			}
			close(m.done)

		case m := <-h.leave:
			if members, ok := h.rooms[m.liveClassID]; ok {
				delete(members, m.client.ID)
				if len(members) == 0 {
					delete(h.rooms, m.liveClassID)
				}
			}
			close(m.done)

		case msg := <-h.broadcast:
			if msg.DisconnectUserID != "" {
				h.disconnectUser(msg.LiveClassID, msg.DisconnectUserID)
				continue
			}
			for clientID, client := range h.rooms[msg.LiveClassID] {
				if clientID == msg.Exclude {
					continue
				}
				if !client.trySend(msg.Message) {
					// Slow consumer.
					h.drop(client)
				}
			}

		case q := <-h.count:
			q.reply <- len(h.rooms[q.liveClassID])
		}
	}
}

// drop forgets client and closes its send channel; the write pump then sends
// the queued frames followed by a close frame.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	h.removeFromRooms(client)
	delete(h.clients, client.ID)
	client.close()
	metrics.ActiveConnections.Dec()
}

func (h *Hub) disconnectUser(liveClassID, userID string) {
	l := log.L()
	for _, client := range h.rooms[liveClassID] {
		if client.Session.UserID != userID {
			continue
		}
		h.drop(client)
		l.Info().
			Str(log.FieldClientID, client.ID).
			Str(log.FieldLiveClassID, liveClassID).
			Str(log.FieldUserID, userID).
			Msg("client disconnected by moderator")
	}
}

func (h *Hub) removeFromRooms(client *Client) {
	for id, members := range h.rooms {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, id)
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// JoinRoom moves client into liveClassID, leaving any other room.
func (h *Hub) JoinRoom(client *Client, liveClassID string) {
	done := make(chan struct{})
	select {
	case h.join <- membership{client: client, liveClassID: liveClassID, done: done}:
		<-done
	case <-h.stopped:
		return
	}
	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str(log.FieldLiveClassID, liveClassID).Msg("client joined live class")
}

func (h *Hub) LeaveRoom(client *Client, liveClassID string) {
	done := make(chan struct{})
	select {
	case h.leave <- membership{client: client, liveClassID: liveClassID, done: done}:
		<-done
	case <-h.stopped:
		return
	}
	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str(log.FieldLiveClassID, liveClassID).Msg("client left live class")
}

// BroadcastToRoom queues a frame for every client in the live class.
func (h *Hub) BroadcastToRoom(liveClassID string, data []byte, exclude string) {
	h.send(&RoomMessage{
		LiveClassID: liveClassID,
		Message:     data,
		Exclude:     exclude,
	})
}

// DisconnectUser closes every socket userID holds in the live class once
// the frames already queued for them are written.
func (h *Hub) DisconnectUser(liveClassID, userID string) {
	h.send(&RoomMessage{LiveClassID: liveClassID, DisconnectUserID: userID})
}

func (h *Hub) send(msg *RoomMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.stopped:
	}
}

func (h *Hub) RoomClientCount(liveClassID string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countQuery{liveClassID: liveClassID, reply: reply}:
		return <-reply
	case <-h.stopped:
		return 0
	}
}
