// Package ratelimit implements fixed-window counters on the shared store.
package ratelimit

import (
	"context"
	"math"
	"time"

	"formgate/pkg/policy"
	"formgate/pkg/store"
)

const (
	unknownIP     = "unknown-ip"
	unknownOrigin = "unknown-origin"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds until the window resets, never less than one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

type Limiter interface {
	Allow(ctx context.Context, templateID, scopeValue string, rule policy.RateLimit) (Decision, error)
}

// StoreLimiter counts hits with the store's atomic increment-and-arm primitive.
// A window never extends past its first hit, so up to 2x the limit can be
// admitted across a boundary.
type StoreLimiter struct {
	kv  store.KV
	now func() time.Time
}

func NewStoreLimiter(kv store.KV) *StoreLimiter {
	return &StoreLimiter{kv: kv, now: time.Now}
}

func key(templateID, scopeValue string) string {
	return "ratelimit:" + templateID + ":" + scopeValue
}

func (l *StoreLimiter) Allow(ctx context.Context, templateID, scopeValue string, rule policy.RateLimit) (Decision, error) {
	limit := rule.Max
	if limit <= 0 {
		limit = 1
	}
	count, ttl, err := l.kv.IncrWindow(ctx, key(templateID, scopeValue), rule.Window())
	if err != nil {
		return Decision{}, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   l.now().UTC().Add(ttl),
	}, nil
}

// ScopeValue picks the counter partition for a request.
func ScopeValue(scope policy.RateLimitScope, templateID, clientIP, origin string) string {
	switch scope {
	case policy.ScopeOrigin:
		if origin == "" {
			return unknownOrigin
		}
		return origin
	case policy.ScopeTemplate:
		return templateID
	default:
		if clientIP == "" {
			return unknownIP
		}
		return clientIP
	}
}
