package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "dailycast/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps last-sent instants in one hash and each tenant's error log
// in a capped list (newest at the head).
//
// Keys:
//   - <prefix>:last_sent         HASH tenant -> RFC3339
//   - <prefix>:errors:<tenant>   LIST of JSON ErrorEntry
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Backend, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return newRedisStore(client, cfg.KeyPrefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "dailycast"
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) lastSentKey() string { return s.prefix + ":last_sent" }

func (s *redisStore) errorsKey(tenantID string) string { return s.prefix + ":errors:" + tenantID }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) LoadLastSent(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, s.lastSentKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(raw))
	for tenant, v := range raw {
		t, err := parseTime(v)
		if err != nil {
			s.log.Warn("skipping corrupt last-sent entry", logx.String("tenant", tenant), logx.Err(err))
			continue
		}
		out[tenant] = t
	}
	return out, nil
}

func (s *redisStore) PutLastSent(ctx context.Context, tenantID string, at time.Time) error {
	return s.client.HSet(ctx, s.lastSentKey(), tenantID, formatTime(at)).Err()
}

func (s *redisStore) DeleteLastSent(ctx context.Context, tenantID string) error {
	return s.client.HDel(ctx, s.lastSentKey(), tenantID).Err()
}

// Sync only checks reachability; every write above is already acknowledged.
func (s *redisStore) Sync(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) AppendError(ctx context.Context, e ErrorEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	key := s.errorsKey(e.TenantID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, MaxErrorEntries-1)
		return nil
	})
	return err
}

func (s *redisStore) ListErrors(ctx context.Context, tenantID string) ([]ErrorEntry, error) {
	raw, err := s.client.LRange(ctx, s.errorsKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ErrorEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e ErrorEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
