// Package ratelimit admits outbound fetches against per-source-kind sliding
// windows so polling never hammers an upstream.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"driftline/internal/models"
)

// Limit is a sliding-window budget: at most Max admissions per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Defaults per source kind. Kinds without an entry fall back to
// DefaultLimit.
var kindLimits = map[models.SourceKind]Limit{
	models.KindFeed:         {Max: 60, Window: time.Minute},
	models.KindVideoChannel: {Max: 100, Window: time.Minute},
	models.KindForum:        {Max: 60, Window: time.Minute},
	models.KindMicroblog:    {Max: 100, Window: time.Hour},
}

// DefaultLimit applies to kinds without a dedicated budget.
var DefaultLimit = Limit{Max: 60, Window: time.Minute}

// LimitFor resolves the budget for a source kind.
func LimitFor(kind models.SourceKind) Limit {
	if limit, ok := kindLimits[kind]; ok {
		return limit
	}
	return DefaultLimit
}

// Limiter admits or refuses an outbound request for a source. A refusal is
// not an error: the caller skips the poll and waits for the next schedule.
type Limiter interface {
	Allow(ctx context.Context, kind models.SourceKind, sourceID string) (bool, error)
}

// allowScript prunes entries older than the window, then admits the request
// if the remaining count is under budget. KEYS: window set. ARGV: now (ms),
// window (ms), max, member.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= max then
    return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// RedisLimiter keeps one sorted set of admission timestamps per
// (kind, source) pair.
type RedisLimiter struct {
	client    *redis.Client
	prefix    string
	overrides map[models.SourceKind]Limit
	now       func() time.Time

	mu  sync.Mutex
	seq uint64
}

// NewRedisLimiter wires a limiter onto an existing client. Overrides replace
// the default budget for the named kinds.
func NewRedisLimiter(client *redis.Client, overrides map[models.SourceKind]Limit) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		prefix:    "driftline:ratelimit:",
		overrides: overrides,
		now:       time.Now,
	}
}

func (l *RedisLimiter) limitFor(kind models.SourceKind) Limit {
	if limit, ok := l.overrides[kind]; ok && limit.Max > 0 && limit.Window > 0 {
		return limit
	}
	return LimitFor(kind)
}

// Allow reports whether one more request for the source fits in the window.
func (l *RedisLimiter) Allow(ctx context.Context, kind models.SourceKind, sourceID string) (bool, error) {
	limit := l.limitFor(kind)
	now := l.now()
	l.mu.Lock()
	l.seq++
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatUint(l.seq, 10)
	l.mu.Unlock()

	key := l.prefix + string(kind) + ":" + sourceID
	result, err := allowScript.Run(ctx, l.client, []string{key},
		now.UnixMilli(), limit.Window.Milliseconds(), limit.Max, member).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s/%s: %w", kind, sourceID, err)
	}
	return result == 1, nil
}

// MemoryLimiter is an in-process Limiter for tests and development runs.
type MemoryLimiter struct {
	mu        sync.Mutex
	windows   map[string][]time.Time
	overrides map[models.SourceKind]Limit
	now       func() time.Time
}

// NewMemoryLimiter constructs an empty MemoryLimiter.
func NewMemoryLimiter(overrides map[models.SourceKind]Limit) *MemoryLimiter {
	return &MemoryLimiter{
		windows:   make(map[string][]time.Time),
		overrides: overrides,
		now:       time.Now,
	}
}

// SetClock overrides the limiter clock, for tests.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *MemoryLimiter) Allow(ctx context.Context, kind models.SourceKind, sourceID string) (bool, error) {
	limit := LimitFor(kind)
	if override, ok := l.overrides[kind]; ok && override.Max > 0 && override.Window > 0 {
		limit = override
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	key := string(kind) + ":" + sourceID
	cutoff := now.Add(-limit.Window)
	kept := l.windows[key][:0]
	for _, stamp := range l.windows[key] {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	if len(kept) >= limit.Max {
		l.windows[key] = kept
		return false, nil
	}
	l.windows[key] = append(kept, now)
	return true, nil
}
