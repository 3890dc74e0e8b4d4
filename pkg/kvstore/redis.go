package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCASScript performs a compare-and-swap conditional write, mirroring
// the atomic refill-and-consume token bucket script used for per-connector
// concurrency limiting: read the current value, evaluate the required
// attribute equality checks in Lua so the check-then-set is atomic, then
// write. Returns 1 on success, 0 on condition failure.
var redisCASScript = redis.NewScript(`
local key = KEYS[1]
local requireNotExists = ARGV[1]
local requireExists = ARGV[2]
local newValue = ARGV[3]
local ttlSeconds = tonumber(ARGV[4])
local expectedPairsJSON = ARGV[5]

local current = redis.call('GET', key)

if requireNotExists == '1' and current ~= false then
	return 0
end
if requireExists == '1' and current == false then
	return 0
end

if expectedPairsJSON ~= '' then
	local expected = cjson.decode(expectedPairsJSON)
	local currentDecoded = {}
	if current ~= false then
		currentDecoded = cjson.decode(current)
	end
	for k, v in pairs(expected) do
		if tostring(currentDecoded[k]) ~= tostring(v) then
			return 0
		end
	end
end

if ttlSeconds > 0 then
	redis.call('SET', key, newValue, 'EX', ttlSeconds)
else
	redis.call('SET', key, newValue)
end
return 1
`)

// RedisStore is a single-item-per-key Store for entities that want native
// TTL eviction rather than a lazily-checked column. cmd/execution-service
// constructs none; its circuit breaker persists to the PostgresStore.
// Range scans are not supported; callers needing Query should use
// PostgresStore.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(pk, sk string) string { return pk + "|" + sk }

type redisPayload struct {
	Attributes map[string]any `json:"attributes"`
}

func (s *RedisStore) Get(ctx context.Context, pk, sk string) (*Item, error) {
	raw, err := s.client.Get(ctx, redisKey(pk, sk)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore(redis): get: %w", err)
	}
	var p redisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("kvstore(redis): unmarshal: %w", err)
	}
	ttl, err := s.client.TTL(ctx, redisKey(pk, sk)).Result()
	var ttlEpoch int64
	if err == nil && ttl > 0 {
		ttlEpoch = time.Now().Add(ttl).Unix()
	}
	return &Item{PK: pk, SK: sk, Attributes: p.Attributes, TTLEpoch: ttlEpoch}, nil
}

func (s *RedisStore) cas(ctx context.Context, pk, sk string, attrs map[string]any, ttlEpoch int64, cond Condition) error {
	payload, err := json.Marshal(redisPayload{Attributes: attrs})
	if err != nil {
		return fmt.Errorf("kvstore(redis): marshal: %w", err)
	}
	expectedPairs := map[string]any{}
	for k, v := range cond.AttrEquals {
		expectedPairs[k] = v
	}
	expectedJSON := ""
	if len(expectedPairs) > 0 {
		b, err := json.Marshal(expectedPairs)
		if err != nil {
			return fmt.Errorf("kvstore(redis): marshal expected: %w", err)
		}
		expectedJSON = string(b)
	}
	ttlSeconds := int64(0)
	if ttlEpoch > 0 {
		ttlSeconds = ttlEpoch - time.Now().Unix()
		if ttlSeconds < 1 {
			ttlSeconds = 1
		}
	}
	notExists := "0"
	if cond.RequireNotExists {
		notExists = "1"
	}
	exists := "0"
	if cond.RequireExists {
		exists = "1"
	}
	res, err := redisCASScript.Run(ctx, s.client, []string{redisKey(pk, sk)}, notExists, exists, string(payload), ttlSeconds, expectedJSON).Int()
	if err != nil {
		return fmt.Errorf("kvstore(redis): cas script: %w", err)
	}
	if res == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *RedisStore) PutConditional(ctx context.Context, item Item, cond Condition) error {
	return s.cas(ctx, item.PK, item.SK, item.Attributes, item.TTLEpoch, cond)
}

func (s *RedisStore) UpdateConditional(ctx context.Context, pk, sk string, mut Mutation, cond Condition) error {
	existing, err := s.Get(ctx, pk, sk)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged := map[string]any{}
	ttl := int64(0)
	if existing != nil {
		for k, v := range existing.Attributes {
			merged[k] = v
		}
		ttl = existing.TTLEpoch
	}
	for k, v := range mut.Set {
		merged[k] = v
	}
	for _, k := range mut.Remove {
		delete(merged, k)
	}
	if mut.TTLEpoch != nil {
		ttl = *mut.TTLEpoch
	}
	return s.cas(ctx, pk, sk, merged, ttl, cond)
}

var errRedisRangeUnsupported = errors.New("kvstore(redis): range queries are not supported; use PostgresStore")

func (s *RedisStore) Query(context.Context, string, QueryOptions) ([]Item, error) {
	return nil, errRedisRangeUnsupported
}

func (s *RedisStore) QueryIndex(context.Context, string, string, QueryOptions) ([]Item, error) {
	return nil, errRedisRangeUnsupported
}
