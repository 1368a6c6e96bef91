// Package redisstore is an authoritative usage store kept in Redis. Totals
// live in one hash per scope; consumes are deduplicated by idempotency key
// and optionally capped by a per-feature limit hash.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

const (
	keyUsage       = "usagebuffer:usage:%s:%s:%s"
	keyLimits      = "usagebuffer:limits:%s:%s:%s"
	keyIdempotency = "usagebuffer:idem:%s"

	defaultIdempotencyTTL = 7 * 24 * time.Hour
)

// Returns {status, value}: status 1 applied (value = new total), 0 rejected
// (value = current total), -1 duplicate (value = remote event id).
const consumeScript = `
local prior = redis.call("GET", KEYS[1])
if prior then
  return {-1, prior}
end
local qty = tonumber(ARGV[2])
local current = tonumber(redis.call("HGET", KEYS[2], ARGV[1]) or "0")
local limit = redis.call("HGET", KEYS[3], ARGV[1])
if limit then
  limit = tonumber(limit)
  if limit >= 0 and qty > 0 and current + qty > limit then
    return {0, current}
  end
end
redis.call("SET", KEYS[1], ARGV[3], "PX", ARGV[4])
local total = redis.call("HINCRBY", KEYS[2], ARGV[1], qty)
return {1, total}
`

type Store struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

func New(client *redis.Client) *Store {
	if client == nil {
		return nil
	}
	return &Store{
		client: client,
		script: redis.NewScript(consumeScript),
		ttl:    defaultIdempotencyTTL,
	}
}

func (s *Store) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.ConsumeResult{}, errors.New("idempotency key is empty")
	}

	keys := []string{
		fmt.Sprintf(keyIdempotency, req.IdempotencyKey),
		scopeKey(keyUsage, req.Scope, req.TenantID, req.SubScopeID),
		scopeKey(keyLimits, req.Scope, req.TenantID, req.SubScopeID),
	}
	eventID := uuid.NewString()

	raw, err := s.script.Run(ctx, s.client, keys,
		req.FeatureKey, req.Quantity, eventID, s.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return domain.ConsumeResult{}, fmt.Errorf("%w: %v", domain.ErrRemoteTransient, err)
	}
	if len(raw) != 2 {
		return domain.ConsumeResult{}, fmt.Errorf("%w: unexpected script reply", domain.ErrRemoteTransient)
	}

	status, _ := raw[0].(int64)
	switch status {
	case -1:
		prior, _ := raw[1].(string)
		return domain.ConsumeResult{}, fmt.Errorf("%w: event %s", domain.ErrRemoteDuplicate, prior)
	case 0:
		current, _ := raw[1].(int64)
		return domain.ConsumeResult{Allowed: false, CurrentUsage: current}, nil
	default:
		total, _ := raw[1].(int64)
		return domain.ConsumeResult{Allowed: true, RemoteEventID: eventID, CurrentUsage: total}, nil
	}
}

func (s *Store) QueryUsage(ctx context.Context, scope domain.Scope, tenantID, subScopeID string) ([]domain.RemoteUsage, error) {
	values, err := s.client.HGetAll(ctx, scopeKey(keyUsage, scope, tenantID, subScopeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteTransient, err)
	}

	usage := make([]domain.RemoteUsage, 0, len(values))
	for feature, raw := range values {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse usage %s: %w", feature, err)
		}
		usage = append(usage, domain.RemoteUsage{FeatureKey: feature, CurrentUsage: n})
	}
	return usage, nil
}

// SetLimit caps a feature for a scope. A negative limit removes the cap.
func (s *Store) SetLimit(ctx context.Context, scope domain.Scope, tenantID, subScopeID, featureKey string, limit int64) error {
	key := scopeKey(keyLimits, scope, tenantID, subScopeID)
	if limit < 0 {
		return s.client.HDel(ctx, key, featureKey).Err()
	}
	return s.client.HSet(ctx, key, featureKey, limit).Err()
}

// Reset clears the running totals for a scope, typically at a period boundary.
func (s *Store) Reset(ctx context.Context, scope domain.Scope, tenantID, subScopeID string) error {
	return s.client.Del(ctx, scopeKey(keyUsage, scope, tenantID, subScopeID)).Err()
}

func scopeKey(format string, scope domain.Scope, tenantID, subScopeID string) string {
	sub := strings.TrimSpace(subScopeID)
	if sub == "" {
		sub = "-"
	}
	return fmt.Sprintf(format, scope, strings.TrimSpace(tenantID), sub)
}
