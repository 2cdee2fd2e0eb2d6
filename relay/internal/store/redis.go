package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// identitiesKey is a hash of identity -> JSON-encoded Identity.
	identitiesKey = "arc:identities"
	// auditKey is a sorted set of JSON-encoded AuditEvents scored by
	// creation time in unix milliseconds.
	auditKey = "arc:audit"

	auditPageSize = 256
)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects to the Redis instance at redisURL
// (e.g. "redis://localhost:6379/0").
func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- Identities ---

func (s *RedisStore) CreateIdentity(ctx context.Context, ident *Identity) error {
	data, err := json.Marshal(ident)
	if err != nil {
		return err
	}
	ok, err := s.client.HSetNX(ctx, identitiesKey, ident.ID, data).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrIdentityExists
	}
	return nil
}

func (s *RedisStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	all, err := s.client.HGetAll(ctx, identitiesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Identity, 0, len(all))
	for id, raw := range all {
		var ident Identity
		if err := json.Unmarshal([]byte(raw), &ident); err != nil {
			return nil, fmt.Errorf("decode identity %s: %w", id, err)
		}
		out = append(out, ident)
	}
	sortIdentities(out)
	return out, nil
}

// --- Audit ---

func (s *RedisStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, auditKey, redis.Z{
		Score:  float64(event.CreatedAt.UnixMilli()),
		Member: data,
	}).Err()
}

func (s *RedisStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.limit()
	var out []AuditEvent
	for start := int64(0); len(out) < limit; start += auditPageSize {
		page, err := s.client.ZRevRange(ctx, auditKey, start, start+auditPageSize-1).Result()
		if err != nil {
			return nil, err
		}
		for _, raw := range page {
			var e AuditEvent
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return nil, fmt.Errorf("decode audit event: %w", err)
			}
			if filter.matches(&e) {
				out = append(out, e)
				if len(out) == limit {
					break
				}
			}
		}
		if len(page) < auditPageSize {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, auditKey,
		"-inf", "("+strconv.FormatInt(before.UnixMilli(), 10),
	).Result()
}
