package history

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, now time.Time) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, WithPrefix("test"), WithTTL(48*time.Hour), WithNow(func() time.Time { return now }))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_AppendSetsKeyAndTTL(t *testing.T) {
	now := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)
	s, mr := newRedisStore(t, now)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Entry{Time: now, CallID: "c1", Agent: "taara", Person: PersonUser, Text: "hi"}))

	key := "test:history:2026-10-17"
	assert.Equal(t, key, s.Key(now))
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 48*time.Hour, mr.TTL(key))

	items, err := mr.List(key)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"call_id":"c1"`)
}

func TestRedisStore_RecentWalksBackDays(t *testing.T) {
	now := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)
	s, _ := newRedisStore(t, now)
	ctx := context.Background()

	yesterday := now.AddDate(0, 0, -1)
	for _, text := range []string{"a", "b"} {
		require.NoError(t, s.Append(ctx, Entry{Time: yesterday, Person: PersonUser, Text: text}))
	}
	for _, text := range []string{"c", "d"} {
		require.NoError(t, s.Append(ctx, Entry{Time: now, Person: "Taara", Text: text}))
	}

	got, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Text)
	assert.Equal(t, "c", got[1].Text)
	assert.Equal(t, "d", got[2].Text)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRedisStore_Ping(t *testing.T) {
	s, mr := newRedisStore(t, time.Now())
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "taara:history:2026-01-02", s.Key(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))

	_, err = OpenRedis(context.Background(), "not a url")
	assert.Error(t, err)
}
