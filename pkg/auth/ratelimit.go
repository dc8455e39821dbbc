package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter decides whether an authenticated request may proceed,
// based on the identity's service tier.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds rate limit settings for a service tier.
type TierConfig struct {
	RequestsPerMinute int
}

// InProcessLimiter tracks per-subject request counts in fixed
// one-minute windows, in memory. Suitable for a single server
// process; a shared deployment needs an external limiter.
type InProcessLimiter struct {
	tiers      map[string]TierConfig
	defaultRPM int

	mu      sync.Mutex
	windows map[string]*window
	sweepAt time.Time
}

type window struct {
	count   int
	startAt time.Time
}

// NewInProcessLimiter creates a rate limiter with per-tier configuration.
// Identities whose tier has no entry fall back to defaultRPM; a
// non-positive limit means unlimited.
func NewInProcessLimiter(tiers map[string]TierConfig, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		windows:    make(map[string]*window),
		sweepAt:    time.Now(),
	}
}

// Allow checks if the request is within the identity's rate limit.
// Fails open: any internal error allows the request.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.ServiceTier
	if tier == "" {
		tier = "default"
	}

	rpm := l.defaultRPM
	if tc, ok := l.tiers[tier]; ok {
		rpm = tc.RequestsPerMinute
	}
	if rpm <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeSweep(now)

	w, ok := l.windows[key]
	if !ok || now.Sub(w.startAt) >= time.Minute {
		l.windows[key] = &window{count: 1, startAt: now}
		return nil
	}

	w.count++
	if w.count > rpm {
		return ErrTooManyRequests
	}
	return nil
}

// maybeSweep drops expired windows so idle subjects do not accumulate.
// Runs at most once per minute, under the caller's lock.
func (l *InProcessLimiter) maybeSweep(now time.Time) {
	if now.Sub(l.sweepAt) < time.Minute {
		return
	}
	l.sweepAt = now
	for key, w := range l.windows {
		if now.Sub(w.startAt) >= time.Minute {
			delete(l.windows, key)
		}
	}
}
