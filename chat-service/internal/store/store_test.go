package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teachflow/teachflow-live/chat-service/internal/config"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func roomStores(t *testing.T) map[string]RoomStore {
	_, client := newMiniRedis(t)
	stores := map[string]RoomStore{
		"memory": NewMemoryStore(),
		"redis": NewRedisStore(client, config.StoreConfig{
			KeyPrefix:         "test",
			KeyTTL:            time.Minute,
			HeartbeatInterval: time.Second,
		}),
	}

	// A real server is exercised too when one is available.
	if addr := os.Getenv("REDIS_ADDRESS"); addr != "" {
		live := redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := live.Ping(ctx).Err(); err == nil {
			prefix := "test:" + uuid.NewString()
			stores["redis-live"] = NewRedisStore(live, config.StoreConfig{
				KeyPrefix:         prefix,
				KeyTTL:            time.Minute,
				HeartbeatInterval: time.Second,
			})
			t.Cleanup(func() {
				keys, _ := live.Keys(context.Background(), prefix+"*").Result()
				if len(keys) > 0 {
					live.Del(context.Background(), keys...)
				}
				live.Close()
			})
		}
	}
	return stores
}

func msg(id string) wire.ChatMessage {
	return wire.ChatMessage{ID: id, SenderID: "u1", Text: "text " + id, Timestamp: 1}
}

func TestRoomStore(t *testing.T) {
	for name, s := range roomStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("history is capped and ordered", func(t *testing.T) {
				for i := 1; i <= 5; i++ {
					require.NoError(t, s.AppendMessage(ctx, "lc1", msg(fmt.Sprint(i)), 3))
				}
				h, err := s.History(ctx, "lc1", 10)
				require.NoError(t, err)
				require.Len(t, h, 3)
				assert.Equal(t, "3", h[0].ID)
				assert.Equal(t, "5", h[2].ID)

				h, err = s.History(ctx, "lc1", 2)
				require.NoError(t, err)
				require.Len(t, h, 2)
				assert.Equal(t, "4", h[0].ID)

				h, err = s.History(ctx, "lc1", 0)
				require.NoError(t, err)
				assert.Empty(t, h)

				h, err = s.History(ctx, "unknown", 10)
				require.NoError(t, err)
				assert.Empty(t, h)
			})

			t.Run("clear returns cleared messages", func(t *testing.T) {
				cleared, err := s.ClearHistory(ctx, "lc1")
				require.NoError(t, err)
				assert.Len(t, cleared, 3)

				h, err := s.History(ctx, "lc1", 10)
				require.NoError(t, err)
				assert.Empty(t, h)
			})

			t.Run("mute and remove", func(t *testing.T) {
				muted, err := s.IsMuted(ctx, "lc1", "u2")
				require.NoError(t, err)
				assert.False(t, muted)

				require.NoError(t, s.SetMuted(ctx, "lc1", "u2", true))
				muted, err = s.IsMuted(ctx, "lc1", "u2")
				require.NoError(t, err)
				assert.True(t, muted)

				muted, err = s.IsMuted(ctx, "lc2", "u2")
				require.NoError(t, err)
				assert.False(t, muted)

				require.NoError(t, s.SetMuted(ctx, "lc1", "u2", false))
				muted, err = s.IsMuted(ctx, "lc1", "u2")
				require.NoError(t, err)
				assert.False(t, muted)

				require.NoError(t, s.MarkRemoved(ctx, "lc1", "u3"))
				removed, err := s.IsRemoved(ctx, "lc1", "u3")
				require.NoError(t, err)
				assert.True(t, removed)
			})

			t.Run("members and rooms", func(t *testing.T) {
				n, err := s.AddMember(ctx, "lc1", "c1")
				require.NoError(t, err)
				assert.Equal(t, 1, n)
				n, err = s.AddMember(ctx, "lc1", "c2")
				require.NoError(t, err)
				assert.Equal(t, 2, n)
				_, err = s.AddMember(ctx, "lc2", "c3")
				require.NoError(t, err)

				rooms, err := s.ListRooms(ctx)
				require.NoError(t, err)
				require.Len(t, rooms, 2)
				assert.Equal(t, "lc1", rooms[0].ID)
				assert.Equal(t, 2, rooms[0].Members)

				require.NoError(t, s.RemoveMember(ctx, "lc2", "c3"))
				rooms, err = s.ListRooms(ctx)
				require.NoError(t, err)
				require.Len(t, rooms, 1)

				n, err = s.MemberCount(ctx, "lc1")
				require.NoError(t, err)
				assert.Equal(t, 2, n)
			})
		})
	}
}

func TestRedisStore_ExpiryAndHeartbeat(t *testing.T) {
	mr, client := newMiniRedis(t)
	cfg := config.StoreConfig{KeyPrefix: "chat", KeyTTL: time.Minute, HeartbeatInterval: time.Hour}
	ctx := context.Background()

	local := NewRedisStore(client, cfg)
	// other stands in for a second instance that dies without cleaning up.
	other := NewRedisStore(client, cfg)

	for i := 1; i <= 3; i++ {
		require.NoError(t, local.AppendMessage(ctx, "lc1", msg(fmt.Sprint(i)), 2))
	}
	history, err := mr.List("chat:room:lc1:history")
	require.NoError(t, err)
	assert.Len(t, history, 2, "history is trimmed in the same transaction")
	assert.Equal(t, time.Minute, mr.TTL("chat:room:lc1:history"))
	assert.True(t, mr.Exists("chat:room:lc1:activity"))

	require.NoError(t, local.SetMuted(ctx, "lc1", "u2", true))
	assert.Equal(t, time.Minute, mr.TTL("chat:room:lc1:muted"))

	_, err = local.AddMember(ctx, "lc1", "c1")
	require.NoError(t, err)
	_, err = other.AddMember(ctx, "lc2", "c9")
	require.NoError(t, err)

	mr.FastForward(40 * time.Second)
	local.refreshKeys(ctx)
	assert.Equal(t, time.Minute, mr.TTL("chat:room:lc1:members"))
	assert.Equal(t, time.Minute, mr.TTL("chat:room:lc1:history"))
	assert.Equal(t, 20*time.Second, mr.TTL("chat:room:lc2:members"))

	mr.FastForward(30 * time.Second)
	assert.False(t, mr.Exists("chat:room:lc2:members"))

	rooms, err := local.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lc1", rooms[0].ID)
	assert.Equal(t, 2, rooms[0].Messages)

	registered, err := mr.SIsMember("chat:rooms", "lc2")
	require.NoError(t, err)
	assert.False(t, registered, "rooms of a dead instance are pruned")

	muted, err := local.IsMuted(ctx, "lc1", "u2")
	require.NoError(t, err)
	assert.True(t, muted)
}
