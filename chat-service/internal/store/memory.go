package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teachflow/teachflow-live/chat-service/internal/domain"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

type room struct {
	history      []wire.ChatMessage
	muted        map[string]struct{}
	removed      map[string]struct{}
	members      map[string]struct{}
	lastActivity time.Time
}

// MemoryStore keeps room state in process. It suits a single instance.
type MemoryStore struct {
	rooms map[string]*room
	mu    sync.RWMutex
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

func (s *MemoryStore) roomLocked(id string) *room {
	r, ok := s.rooms[id]
	if !ok {
		r = &room{
			muted:   make(map[string]struct{}),
			removed: make(map[string]struct{}),
			members: make(map[string]struct{}),
		}
		s.rooms[id] = r
	}
	return r
}

func (s *MemoryStore) AppendMessage(_ context.Context, liveClassID string, msg wire.ChatMessage, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(liveClassID)
	r.history = append(r.history, msg)
	if limit > 0 && len(r.history) > limit {
		r.history = append([]wire.ChatMessage(nil), r.history[len(r.history)-limit:]...)
	}
	r.lastActivity = s.now()
	return nil
}

func (s *MemoryStore) History(_ context.Context, liveClassID string, n int) ([]wire.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[liveClassID]
	if !ok || n <= 0 {
		return []wire.ChatMessage{}, nil
	}
	start := 0
	if len(r.history) > n {
		start = len(r.history) - n
	}
	out := make([]wire.ChatMessage, len(r.history)-start)
	copy(out, r.history[start:])
	return out, nil
}

func (s *MemoryStore) ClearHistory(_ context.Context, liveClassID string) ([]wire.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[liveClassID]
	if !ok {
		return nil, nil
	}
	cleared := r.history
	r.history = nil
	r.lastActivity = s.now()
	return cleared, nil
}

func (s *MemoryStore) SetMuted(_ context.Context, liveClassID, userID string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(liveClassID)
	if muted {
		r.muted[userID] = struct{}{}
	} else {
		delete(r.muted, userID)
	}
	return nil
}

func (s *MemoryStore) IsMuted(_ context.Context, liveClassID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[liveClassID]
	if !ok {
		return false, nil
	}
	_, muted := r.muted[userID]
	return muted, nil
}

func (s *MemoryStore) MarkRemoved(_ context.Context, liveClassID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomLocked(liveClassID).removed[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) IsRemoved(_ context.Context, liveClassID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[liveClassID]
	if !ok {
		return false, nil
	}
	_, removed := r.removed[userID]
	return removed, nil
}

func (s *MemoryStore) AddMember(_ context.Context, liveClassID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(liveClassID)
	r.members[clientID] = struct{}{}
	r.lastActivity = s.now()
	return len(r.members), nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, liveClassID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[liveClassID]; ok {
		delete(r.members, clientID)
	}
	return nil
}

func (s *MemoryStore) MemberCount(_ context.Context, liveClassID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[liveClassID]; ok {
		return len(r.members), nil
	}
	return 0, nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]domain.RoomInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(s.rooms))
	for id, r := range s.rooms {
		if len(r.members) == 0 {
			continue
		}
		out = append(out, domain.RoomInfo{
			ID:           id,
			Members:      len(r.members),
			Messages:     len(r.history),
			LastActivity: r.lastActivity.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
