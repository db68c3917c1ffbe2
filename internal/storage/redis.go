package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "nutsfarm/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps bindings in one hash, claims in a set per session and
// runs in a capped list.
//
// Keys:
//   - <prefix>proxies            HASH session -> proxy
//   - <prefix>claimed:<session>  SET task ids
//   - <prefix>runs               LIST json entries, newest first
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return newRedisStore(client, cfg.RedisPrefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "nutsfarm:"
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) key(parts ...string) string { return s.prefix + strings.Join(parts, ":") }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) GetProxy(ctx context.Context, session string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key("proxies"), session).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get proxy: %w", err)
	}
	return v, true, nil
}

func (s *redisStore) SetProxy(ctx context.Context, session, proxy string) error {
	if err := s.client.HSet(ctx, s.key("proxies"), session, strings.TrimSpace(proxy)).Err(); err != nil {
		return fmt.Errorf("set proxy: %w", err)
	}
	return nil
}

func (s *redisStore) RemoveProxy(ctx context.Context, session string) error {
	if err := s.client.HDel(ctx, s.key("proxies"), session).Err(); err != nil {
		return fmt.Errorf("remove proxy: %w", err)
	}
	return nil
}

func (s *redisStore) Proxies(ctx context.Context) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.key("proxies")).Result()
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	return m, nil
}

func (s *redisStore) MarkClaimed(ctx context.Context, session, taskID string, _ time.Time) error {
	if err := s.client.SAdd(ctx, s.key("claimed", session), taskID).Err(); err != nil {
		return fmt.Errorf("mark claimed: %w", err)
	}
	return nil
}

func (s *redisStore) IsClaimed(ctx context.Context, session, taskID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key("claimed", session), taskID).Result()
	if err != nil {
		return false, fmt.Errorf("is claimed: %w", err)
	}
	return ok, nil
}

func (s *redisStore) AppendRun(ctx context.Context, e RunEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key("runs"), b)
	pipe.LTrim(ctx, s.key("runs"), 0, maxRecentRuns-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

func (s *redisStore) RecentRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = maxRecentRuns
	}
	raw, err := s.client.LRange(ctx, s.key("runs"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	out := make([]RunEntry, 0, len(raw))
	for _, r := range raw {
		var e RunEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Debug("skipping malformed run entry", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
