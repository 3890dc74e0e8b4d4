package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// DefaultRetryAfterSeconds is surfaced on a Defer when the concurrency
// limiter declines to specify one (§4.8).
const DefaultRetryAfterSeconds = 30

// ConcurrencyLimiter is the per-connector concurrency token (§4.8 step 3).
// TryAcquire returns ok=false with a retry hint when the connector is over
// capacity; when ok=true, release must be called exactly once on every
// exit path (success, panic-recovered throw, or defer) so the token is
// never leaked (§5).
type ConcurrencyLimiter interface {
	TryAcquire(ctx context.Context, connectorID string) (release func(), retryAfterSeconds int, ok bool, err error)
}

// LocalConcurrencyLimiter is an in-process token bucket per connector, used
// as a single-process fallback when no Redis endpoint is configured. It
// mirrors RedisConcurrencyLimiter's token-bucket semantics with
// golang.org/x/time/rate standing in for the Lua script's refill math.
type LocalConcurrencyLimiter struct {
	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	burst           map[string]int
	defaultBurst    int
	defaultRefillPS float64
}

// NewLocalConcurrencyLimiter builds a limiter whose default bucket holds
// defaultCapacity tokens and refills at defaultCapacity tokens/second for
// any connector without an explicit override.
func NewLocalConcurrencyLimiter(defaultCapacity int) *LocalConcurrencyLimiter {
	return &LocalConcurrencyLimiter{
		limiters:        make(map[string]*rate.Limiter),
		burst:           make(map[string]int),
		defaultBurst:    defaultCapacity,
		defaultRefillPS: float64(defaultCapacity),
	}
}

// SetCapacity overrides the token bucket capacity (burst size) for one
// connector; its refill rate is scaled to match.
func (l *LocalConcurrencyLimiter) SetCapacity(connectorID string, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.burst[connectorID] = capacity
	delete(l.limiters, connectorID) // rebuilt lazily with the new burst
}

func (l *LocalConcurrencyLimiter) limiterFor(connectorID string) *rate.Limiter {
	if lim, ok := l.limiters[connectorID]; ok {
		return lim
	}
	burst := l.defaultBurst
	refillPS := l.defaultRefillPS
	if b, ok := l.burst[connectorID]; ok {
		burst = b
		refillPS = float64(b)
	}
	lim := rate.NewLimiter(rate.Limit(refillPS), burst)
	l.limiters[connectorID] = lim
	return lim
}

func (l *LocalConcurrencyLimiter) TryAcquire(_ context.Context, connectorID string) (func(), int, bool, error) {
	l.mu.Lock()
	lim := l.limiterFor(connectorID)
	l.mu.Unlock()

	// Reserve (rather than Allow) so a caller that ends up not needing the
	// token — because the call site releases without ever invoking the
	// connector, e.g. a fast-fail earlier in the pipeline — can hand it
	// back via Cancel instead of waiting out the refill.
	reservation := lim.Reserve()
	if !reservation.OK() {
		return nil, DefaultRetryAfterSeconds, false, nil
	}
	if reservation.Delay() > 0 {
		reservation.Cancel()
		return nil, DefaultRetryAfterSeconds, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(reservation.Cancel)
	}
	return release, 0, true, nil
}

// redisTokenBucketScript atomically refills and consumes a token bucket:
// it reads the stored (tokens, last_refill_epoch) pair, computes the
// elapsed-time refill, and either admits the call (decrementing tokens) or
// declines it, all within one round trip so concurrent callers never
// race the read-then-write.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refillPerSecond = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local lastRefill = tonumber(bucket[2])

if tokens == nil then
	tokens = capacity
	lastRefill = now
end

local elapsed = now - lastRefill
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * refillPerSecond)
	lastRefill = now
end

if tokens < cost then
	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', lastRefill)
	redis.call('EXPIRE', key, 3600)
	return 0
end

tokens = tokens - cost
redis.call('HMSET', key, 'tokens', tokens, 'last_refill', lastRefill)
redis.call('EXPIRE', key, 3600)
return 1
`)

// RedisConcurrencyLimiter is a per-connector token bucket backed by Redis,
// shared across all workers.
type RedisConcurrencyLimiter struct {
	client          *redis.Client
	capacity        int
	refillPerSecond float64
}

// NewRedisConcurrencyLimiter builds a limiter with capacity tokens that
// refill at refillPerSecond tokens/second.
func NewRedisConcurrencyLimiter(client *redis.Client, capacity int, refillPerSecond float64) *RedisConcurrencyLimiter {
	return &RedisConcurrencyLimiter{client: client, capacity: capacity, refillPerSecond: refillPerSecond}
}

func (l *RedisConcurrencyLimiter) TryAcquire(ctx context.Context, connectorID string) (func(), int, bool, error) {
	key := "concurrency:" + connectorID
	now := float64(time.Now().UnixMilli()) / 1000.0
	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.capacity, l.refillPerSecond, now, 1).Int()
	if err != nil {
		return nil, 0, false, err
	}
	if res == 0 {
		return nil, DefaultRetryAfterSeconds, false, nil
	}
	release := func() {
		// Tokens refill continuously over time; releasing a slot is a
		// credit back to the bucket so short calls don't starve the
		// connector's long-run throughput.
		l.client.HIncrByFloat(ctx, key, "tokens", 1)
	}
	return release, 0, true, nil
}
