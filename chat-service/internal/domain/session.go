package domain

import (
	"sync"
	"time"

	"github.com/teachflow/teachflow-live/pkg/jwt"
)

// Session is the server-side state of one websocket connection. Identity is
// fixed at the handshake; room membership changes with join and leave.
type Session struct {
	ID           string
	UserID       string
	Username     string
	Role         string
	CreatedAt    time.Time
	LastActiveAt time.Time

	liveClassID string
	batchID     string
	mu          sync.RWMutex
}

// NewSession builds the state of a connection. A nil claims value yields an
// unauthenticated session whose requests are all refused.
func NewSession(id string, claims *jwt.Claims) *Session {
	now := time.Now()
	if claims == nil {
		return &Session{ID: id, CreatedAt: now, LastActiveAt: now}
	}
	return &Session{
		ID:           id,
		UserID:       claims.UserID,
		Username:     claims.Username,
		Role:         claims.Role,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Authenticated reports whether the handshake carried a valid access token.
func (s *Session) Authenticated() bool {
	return s.UserID != ""
}

func (s *Session) CanModerate() bool {
	return jwt.CanModerate(s.Role)
}

func (s *Session) JoinRoom(liveClassID, batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveClassID = liveClassID
	s.batchID = batchID
	s.LastActiveAt = time.Now()
}

func (s *Session) LeaveRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveClassID = ""
	s.batchID = ""
	s.LastActiveAt = time.Now()
}

func (s *Session) GetCurrentRoom() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveClassID, s.batchID
}

func (s *Session) IsInRoom(liveClassID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveClassID != "" && s.liveClassID == liveClassID
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
