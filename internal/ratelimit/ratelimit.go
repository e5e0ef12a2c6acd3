// Package ratelimit enforces request rate limits per client and action.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limit defines a single rate limit: max requests per time window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Config defines rate limiting rules.
type Config struct {
	// Global limits all requests across all clients.
	Global *Limit

	// PerClient limits each client across all actions.
	PerClient *Limit

	// PerAction limits each client per action ("submit", "pay", "status").
	PerAction map[string]*Limit
}

// Empty reports whether no limit is configured.
func (c Config) Empty() bool {
	return c.Global == nil && c.PerClient == nil && len(c.PerAction) == 0
}

// Backend counts requests in a window.
type Backend interface {
	// Allow records a request under key and reports whether it fits the limit.
	Allow(ctx context.Context, key string, limit Limit, now time.Time) (bool, error)
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed bool
	Rule    string
	Message string
	Window  time.Duration
}

// Limiter checks requests against a Config.
type Limiter struct {
	config  Config
	backend Backend
	now     func() time.Time
}

// New creates a Limiter. A nil backend uses an in-memory sliding window.
func New(config Config, backend Backend) *Limiter {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Limiter{config: config, backend: backend, now: time.Now}
}

// Check records one request by client for action. Narrower limits are
// checked first; a request rejected by one limit does not count against
// the wider ones.
func (l *Limiter) Check(ctx context.Context, action, client string) (*Decision, error) {
	now := l.now()

	if limit, ok := l.config.PerAction[action]; ok && limit != nil {
		d, err := l.check(ctx, "action:"+action+":"+client, "rate_limit:"+action, *limit, now,
			fmt.Sprintf("rate limit exceeded for %q: max %d per %s", action, limit.Max, limit.Window))
		if err != nil || !d.Allowed {
			return d, err
		}
	}

	if limit := l.config.PerClient; limit != nil {
		d, err := l.check(ctx, "client:"+client, "rate_limit:client", *limit, now,
			fmt.Sprintf("client rate limit exceeded: max %d per %s", limit.Max, limit.Window))
		if err != nil || !d.Allowed {
			return d, err
		}
	}

	if limit := l.config.Global; limit != nil {
		d, err := l.check(ctx, "_global", "rate_limit:global", *limit, now,
			fmt.Sprintf("global rate limit exceeded: max %d per %s", limit.Max, limit.Window))
		if err != nil || !d.Allowed {
			return d, err
		}
	}

	return &Decision{Allowed: true}, nil
}

func (l *Limiter) check(ctx context.Context, key, rule string, limit Limit, now time.Time, msg string) (*Decision, error) {
	if limit.Max <= 0 {
		return &Decision{Allowed: true}, nil
	}
	ok, err := l.backend.Allow(ctx, key, limit, now)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", rule, err)
	}
	if !ok {
		return &Decision{Rule: rule, Message: msg, Window: limit.Window}, nil
	}
	return &Decision{Allowed: true}, nil
}
