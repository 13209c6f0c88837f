package history

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisStore mirrors entries into one Redis list per day.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "taara").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL sets how long each day's list is kept (default 7 days).
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithNow overrides the clock used by Recent.
func WithNow(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "taara",
		ttl:    7 * 24 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedis parses a redis:// URL and verifies the server is reachable.
func OpenRedis(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("history: parse redis URL: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("history: redis ping: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

// Key returns the list key for t's day.
func (s *RedisStore) Key(t time.Time) string {
	return s.prefix + ":history:" + t.Format("2006-01-02")
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, e Entry) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: marshal entry: %w", err)
	}
	key := s.Key(e.Time)

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: redis append: %w", err)
	}
	return nil
}

// Recent implements Store. It walks back one day at a time within the TTL.
func (s *RedisStore) Recent(ctx context.Context, n int) ([]Entry, error) {
	days := int(s.ttl/(24*time.Hour)) + 1
	now := s.now()

	var out []Entry
	for d := 0; d < days; d++ {
		key := s.Key(now.AddDate(0, 0, -d))
		start := int64(0)
		if n > 0 {
			start = -int64(n - len(out))
		}
		raw, err := s.client.LRange(ctx, key, start, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("history: redis read %s: %w", key, err)
		}

		entries := make([]Entry, 0, len(raw))
		for _, r := range raw {
			var e Entry
			if err := sonic.UnmarshalString(r, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		out = append(entries, out...)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return tail(out, n), nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
