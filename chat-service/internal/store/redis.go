package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teachflow/teachflow-live/chat-service/internal/config"
	"github.com/teachflow/teachflow-live/chat-service/internal/domain"
	"github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

// RedisStore keeps room state in Redis so that several chat-service
// instances share history and moderation state. Keys of rooms this instance
// serves are kept alive by a heartbeat and otherwise expire after KeyTTL.
type RedisStore struct {
	client            redis.UniversalClient
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	managedRooms      map[string]struct{} // rooms with members on this instance
	mu                sync.RWMutex
	cancel            context.CancelFunc
	now               func() time.Time
}

func NewRedisStore(client redis.UniversalClient, cfg config.StoreConfig) *RedisStore {
	return &RedisStore{
		client:            client,
		prefix:            cfg.KeyPrefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedRooms:      make(map[string]struct{}),
		now:               time.Now,
	}
}

func (r *RedisStore) roomKey(liveClassID, kind string) string {
	return fmt.Sprintf("%s:room:%s:%s", r.prefix, liveClassID, kind)
}

func (r *RedisStore) roomsKey() string {
	return r.prefix + ":rooms"
}

func (r *RedisStore) roomKeys(liveClassID string) []string {
	return []string{
		r.roomKey(liveClassID, "history"),
		r.roomKey(liveClassID, "muted"),
		r.roomKey(liveClassID, "removed"),
		r.roomKey(liveClassID, "members"),
		r.roomKey(liveClassID, "activity"),
	}
}

func (r *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner, liveClassID string) {
	pipe.Set(ctx, r.roomKey(liveClassID, "activity"), r.now().UnixMilli(), r.keyTTL)
}

func (r *RedisStore) AppendMessage(ctx context.Context, liveClassID string, msg wire.ChatMessage, limit int) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := r.roomKey(liveClassID, "history")
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if limit > 0 {
			pipe.LTrim(ctx, key, int64(-limit), -1)
		}
		pipe.Expire(ctx, key, r.keyTTL)
		r.touch(ctx, pipe, liveClassID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (r *RedisStore) History(ctx context.Context, liveClassID string, n int) ([]wire.ChatMessage, error) {
	if n <= 0 {
		return []wire.ChatMessage{}, nil
	}
	raw, err := r.client.LRange(ctx, r.roomKey(liveClassID, "history"), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return decodeMessages(raw), nil
}

func (r *RedisStore) ClearHistory(ctx context.Context, liveClassID string) ([]wire.ChatMessage, error) {
	key := r.roomKey(liveClassID, "history")
	var lrange *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		r.touch(ctx, pipe, liveClassID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clear history: %w", err)
	}
	return decodeMessages(lrange.Val()), nil
}

func decodeMessages(raw []string) []wire.ChatMessage {
	out := make([]wire.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var m wire.ChatMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("skipping malformed history entry")
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *RedisStore) SetMuted(ctx context.Context, liveClassID, userID string, muted bool) error {
	key := r.roomKey(liveClassID, "muted")
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if muted {
			pipe.SAdd(ctx, key, userID)
		} else {
			pipe.SRem(ctx, key, userID)
		}
		pipe.Expire(ctx, key, r.keyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update mute state: %w", err)
	}
	return nil
}

func (r *RedisStore) IsMuted(ctx context.Context, liveClassID, userID string) (bool, error) {
	return r.client.SIsMember(ctx, r.roomKey(liveClassID, "muted"), userID).Result()
}

func (r *RedisStore) MarkRemoved(ctx context.Context, liveClassID, userID string) error {
	key := r.roomKey(liveClassID, "removed")
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, userID)
		pipe.Expire(ctx, key, r.keyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark removed: %w", err)
	}
	return nil
}

func (r *RedisStore) IsRemoved(ctx context.Context, liveClassID, userID string) (bool, error) {
	return r.client.SIsMember(ctx, r.roomKey(liveClassID, "removed"), userID).Result()
}

func (r *RedisStore) AddMember(ctx context.Context, liveClassID, clientID string) (int, error) {
	key := r.roomKey(liveClassID, "members")
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, clientID)
		pipe.Expire(ctx, key, r.keyTTL)
		pipe.SAdd(ctx, r.roomsKey(), liveClassID)
		r.touch(ctx, pipe, liveClassID)
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add member: %w", err)
	}

	r.mu.Lock()
	r.managedRooms[liveClassID] = struct{}{}
	r.mu.Unlock()

	return int(card.Val()), nil
}

func (r *RedisStore) RemoveMember(ctx context.Context, liveClassID, clientID string) error {
	key := r.roomKey(liveClassID, "members")
	if err := r.client.SRem(ctx, key, clientID).Err(); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count members: %w", err)
	}
	if n == 0 {
		if err := r.client.SRem(ctx, r.roomsKey(), liveClassID).Err(); err != nil {
			return fmt.Errorf("failed to deregister room: %w", err)
		}
		r.mu.Lock()
		delete(r.managedRooms, liveClassID)
		r.mu.Unlock()
	}
	return nil
}

func (r *RedisStore) MemberCount(ctx context.Context, liveClassID string) (int, error) {
	n, err := r.client.SCard(ctx, r.roomKey(liveClassID, "members")).Result()
	return int(n), err
}

func (r *RedisStore) ListRooms(ctx context.Context) ([]domain.RoomInfo, error) {
	ids, err := r.client.SMembers(ctx, r.roomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	out := make([]domain.RoomInfo, 0, len(ids))
	for _, id := range ids {
		var members, messages *redis.IntCmd
		var activity *redis.StringCmd
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			members = pipe.SCard(ctx, r.roomKey(id, "members"))
			messages = pipe.LLen(ctx, r.roomKey(id, "history"))
			activity = pipe.Get(ctx, r.roomKey(id, "activity"))
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to describe room %s: %w", id, err)
		}
		if members.Val() == 0 {
			// Members expired with a crashed instance.
			r.client.SRem(ctx, r.roomsKey(), id)
			continue
		}
		last, _ := strconv.ParseInt(activity.Val(), 10, 64)
		out = append(out, domain.RoomInfo{
			ID:           id,
			Members:      int(members.Val()),
			Messages:     int(messages.Val()),
			LastActivity: last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StartHeartbeat keeps the keys of managed rooms from expiring.
func (r *RedisStore) StartHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.heartbeatLoop(ctx)
	l := log.L()
	l.Info().Dur("interval", r.heartbeatInterval).Dur("ttl", r.keyTTL).Msg("room store heartbeat started")
	return nil
}

func (r *RedisStore) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshKeys(ctx)
		}
	}
}

func (r *RedisStore) refreshKeys(ctx context.Context) {
	r.mu.RLock()
	rooms := make([]string, 0, len(r.managedRooms))
	for id := range r.managedRooms {
		rooms = append(rooms, id)
	}
	r.mu.RUnlock()

	for _, id := range rooms {
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range r.roomKeys(id) {
				pipe.Expire(ctx, key, r.keyTTL)
			}
			return nil
		})
		if err != nil {
			l := log.L()
			l.Error().Str(log.FieldLiveClassID, id).Err(err).Msg("failed to refresh room keys")
		}
	}
}

func (r *RedisStore) StopHeartbeat() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Close stops the heartbeat. The Redis client belongs to the caller.
func (r *RedisStore) Close() error {
	r.StopHeartbeat()
	return nil
}
