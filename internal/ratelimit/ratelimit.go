// Package ratelimit gates the language-model calls behind a shared
// sliding-window token budget. The throttle is advisory: when the counter
// store is unreachable the pipeline favors availability and proceeds
// unthrottled, leaving enforcement to the provider.
package ratelimit

import (
	"context"
	"log"
	"time"
)

const (
	window  = time.Minute
	backoff = 5 * time.Second
	key     = "lm:tokens:minute"
)

// Counter is the shared usage counter. The Redis implementation lives in
// redis.go; tests use an in-memory counter.
type Counter interface {
	// Add atomically increments the key and refreshes its expiry, returning
	// the new total.
	Add(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
}

// Limiter reserves token budget ahead of each external call.
type Limiter struct {
	counter Counter
	budget  int64

	// sleep is swappable so tests do not wait out real backoffs.
	sleep func(time.Duration)
}

// New builds a Limiter. The effective budget is tokensPerMinute scaled by the
// safety margin, leaving headroom for provider-side enforcement.
func New(counter Counter, tokensPerMinute int, safetyMargin float64) *Limiter {
	return &Limiter{
		counter: counter,
		budget:  int64(float64(tokensPerMinute) * safetyMargin),
		sleep:   time.Sleep,
	}
}

// Budget returns the effective tokens-per-window ceiling.
func (l *Limiter) Budget() int64 { return l.budget }

// Reserve tries to claim tokens from the current window, sleeping in fixed
// backoff steps while the window is saturated, up to maxWait. The claim is
// increment-then-check: the tokens are added first and the post-increment
// total decides, so two concurrent reservers can never both squeeze into the
// same remaining budget. An over-budget claim is rolled back before waiting.
// It returns false when the reservation could not be made; callers proceed
// anyway since the gate is advisory.
func (l *Limiter) Reserve(ctx context.Context, tokens int64, maxWait time.Duration) bool {
	attempts := int(maxWait / backoff)
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		total, err := l.counter.Add(ctx, key, tokens, window)
		if err != nil {
			log.Printf("ratelimit: counter unavailable, proceeding unthrottled: %v", err)
			return false
		}
		if total <= l.budget {
			return true
		}
		if _, err := l.counter.Add(ctx, key, -tokens, window); err != nil {
			log.Printf("ratelimit: rollback failed, proceeding unthrottled: %v", err)
			return false
		}
		log.Printf("ratelimit: window saturated (%d/%d tokens), waiting %s (attempt %d/%d)",
			total-tokens, l.budget, backoff, attempt+1, attempts)
		select {
		case <-ctx.Done():
			return false
		default:
		}
		l.sleep(backoff)
	}
	log.Printf("ratelimit: wait ceiling %s exhausted, proceeding anyway", maxWait)
	return false
}
