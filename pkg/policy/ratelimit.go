package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// limiterKey identifies one (rule, agent) rate-limit counter.
type limiterKey struct {
	rule  string
	agent string
}

// RateLimiter checks and updates rate-limit counters, returning whether
// the request is admitted and, if not, when the window would next admit
// one.
type RateLimiter interface {
	Allow(ctx context.Context, rule, agent string, limit Limit) (allowed bool, resetAt time.Time, err error)
}

// slidingWindow holds the admission timestamps still inside the current
// window for one (rule, agent) pair, oldest first.
type slidingWindow struct {
	window   time.Duration
	admitted []time.Time
}

// prune drops timestamps that have fallen out of the window ending at now.
func (w *slidingWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.admitted) && !w.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.admitted = append(w.admitted[:0], w.admitted[i:]...)
	}
}

// MemoryRateLimiter is the default in-process backend: a true sliding
// window over admission timestamps, so over any interval shorter than the
// window at most N requests are admitted. Counters are partitioned by
// limiterKey so unrelated (rule, agent) pairs never share a window.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[limiterKey]*slidingWindow
	now     func() time.Time
}

// NewMemoryRateLimiter creates an empty in-process limiter set.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows: make(map[limiterKey]*slidingWindow),
		now:     time.Now,
	}
}

func (m *MemoryRateLimiter) Allow(_ context.Context, rule, agent string, limit Limit) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := limiterKey{rule: rule, agent: agent}
	d := limit.Window.Duration()
	w, ok := m.windows[key]
	if !ok {
		w = &slidingWindow{window: d}
		m.windows[key] = w
	}
	w.window = d

	now := m.now()
	w.prune(now, d)

	if len(w.admitted) >= limit.N {
		// The window next admits a request when its oldest admission
		// slides out.
		return false, w.admitted[0].Add(d), nil
	}

	w.admitted = append(w.admitted, now)
	return true, time.Time{}, nil
}

// Evict drops counters whose window has fully elapsed as of cutoff, i.e.
// every admission they remember is older than one window.
func (m *MemoryRateLimiter) Evict(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, w := range m.windows {
		if n := len(w.admitted); n == 0 || cutoff.Sub(w.admitted[n-1]) >= w.window {
			delete(m.windows, k)
		}
	}
}

// redisTokenBucketScript enforces an n/window budget against a shared
// Redis counter, so a rule's limit holds cluster-wide rather than
// per-process. As a token bucket it is an approximation of the
// in-process sliding window: refill is continuous, so short bursts above
// n inside a sub-window interval are possible across the cluster.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 86400)

return {allowed, tokens}
`)

// RedisRateLimiter is the partitioned, cluster-shared backend.
type RedisRateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisRateLimiter wraps an existing go-redis client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, rule, agent string, limit Limit) (bool, time.Time, error) {
	key := fmt.Sprintf("agentmesh:ratelimit:%s:%s", rule, agent)
	ratePerSecond := float64(limit.N) / limit.Window.Duration().Seconds()
	now := float64(r.now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, r.client, []string{key}, ratePerSecond, limit.N, 1, now).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("policy: redis rate limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, time.Time{}, fmt.Errorf("policy: unexpected redis rate limiter response")
	}
	allowed, _ := results[0].(int64)
	if allowed == 1 {
		return true, time.Time{}, nil
	}
	return false, r.now().Add(limit.Window.Duration()), nil
}
