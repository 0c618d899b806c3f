// Package ratelimit implements a fixed-window request counter per client
// identity, stored in Redis so that every instance shares the same windows.
//
// The limiter is a protective layer, not a correctness dependency: whenever
// Redis cannot be reached the request is allowed and the degradation logged.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Options struct {
	Prefix  string
	Limit   int
	Window  time.Duration
	Enabled bool
}

type Result struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	ResetAt    time.Time
	// Degraded is set when the decision was made without consulting Redis.
	Degraded bool
}

// ResetSeconds rounds ResetAfter up to whole seconds for HTTP headers.
func (r Result) ResetSeconds() int {
	return int((r.ResetAfter + time.Second - 1) / time.Second)
}

type Limiter struct {
	client redis.UniversalClient
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

// New builds a limiter. A nil client is valid and makes every check fail open.
func New(client redis.UniversalClient, opts Options, log zerolog.Logger) *Limiter {
	if opts.Prefix == "" {
		opts.Prefix = "chitram"
	}
	return &Limiter{
		client: client,
		opts:   opts,
		log:    log.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
}

func (l *Limiter) Enabled() bool {
	return l.opts.Enabled
}

func (l *Limiter) key(identity string) string {
	return fmt.Sprintf("%s:ratelimit:%s", l.opts.Prefix, identity)
}

// Check counts one request for identity against the current window. The first
// request of a window creates the key with the window as its TTL; the key
// expiring starts the next window.
func (l *Limiter) Check(ctx context.Context, identity string) Result {
	if !l.opts.Enabled {
		return l.open(false)
	}
	if l.client == nil {
		l.log.Debug().Str("identity", identity).Msg("no redis client, allowing request (fail-open)")
		return l.open(true)
	}

	key := l.key(identity)
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, l.opts.Window)
		incr = pipe.Incr(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Str("identity", identity).Msg("rate limiter unavailable, allowing request (fail-open)")
		return l.open(true)
	}

	count := int(incr.Val())
	ttl := pttl.Val()
	if ttl <= 0 {
		ttl = l.opts.Window
	}

	result := Result{
		Count:      count,
		Limit:      l.opts.Limit,
		Remaining:  max(0, l.opts.Limit-count),
		ResetAfter: ttl,
		ResetAt:    l.now().Add(ttl),
	}
	if count > l.opts.Limit {
		l.log.Warn().
			Str("identity", identity).
			Int("count", count).
			Int("limit", l.opts.Limit).
			Msg("rate limit exceeded")
		return result
	}
	result.Allowed = true
	return result
}

// Status reports the current window for identity without counting a request.
func (l *Limiter) Status(ctx context.Context, identity string) (Result, error) {
	if l.client == nil {
		return l.open(true), nil
	}

	key := l.key(identity)
	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("rate limit status: %w", err)
	}

	count, _ := get.Int()
	ttl := max(0, pttl.Val())
	return Result{
		Allowed:    count < l.opts.Limit,
		Count:      count,
		Limit:      l.opts.Limit,
		Remaining:  max(0, l.opts.Limit-count),
		ResetAfter: ttl,
		ResetAt:    l.now().Add(ttl),
	}, nil
}

// Reset drops the window for identity.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	if l.client == nil {
		return nil
	}
	if err := l.client.Del(ctx, l.key(identity)).Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}

func (l *Limiter) open(degraded bool) Result {
	return Result{
		Allowed:   true,
		Limit:     l.opts.Limit,
		Remaining: l.opts.Limit,
		Degraded:  degraded,
	}
}
