package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

// ledger tracks grant bookkeeping for one source. grants holds the
// timestamps of recent grants, oldest first, pruned to the window on each
// acquisition.
type ledger struct {
	mu        sync.Mutex
	profile   model.RateProfile
	grants    []time.Time
	lastGrant time.Time
}

// Limiter gates request issuance per source using a rolling window with a
// minimum inter-grant spacing: no more than WindowRequests grants inside
// any window-sized interval, however the interval is aligned. Acquire never
// blocks: it either grants or advises a wait, and the caller decides
// whether to wait inline or reschedule.
type Limiter struct {
	logger *zap.Logger
	mu     sync.RWMutex
	byID   map[string]*ledger
	now    func() time.Time
}

// New creates a limiter for the given sources.
func New(sources []model.Source, logger *zap.Logger) *Limiter {
	l := &Limiter{
		logger: logger.Named("rate-limiter"),
		byID:   make(map[string]*ledger, len(sources)),
		now:    time.Now,
	}
	for _, s := range sources {
		l.byID[s.ID] = &ledger{profile: s.Rate}
	}
	return l
}

// Acquire requests a grant for the source. It returns 0 when the call may
// proceed immediately, otherwise the duration to wait before trying again.
// Unknown sources are granted: limiting belongs to configured sources only.
func (l *Limiter) Acquire(sourceID string) time.Duration {
	l.mu.RLock()
	led, ok := l.byID[sourceID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	led.mu.Lock()
	defer led.mu.Unlock()

	now := l.now()

	// Drop grants that have aged out of the rolling window.
	cutoff := now.Add(-led.profile.Window)
	kept := led.grants[:0]
	for _, g := range led.grants {
		if g.After(cutoff) {
			kept = append(kept, g)
		}
	}
	led.grants = kept

	// Spacing applies even when the window has room.
	if !led.lastGrant.IsZero() {
		if since := now.Sub(led.lastGrant); since < led.profile.MinSpacing {
			return led.profile.MinSpacing - since
		}
	}

	// Gate on the grant whose expiry frees a slot, so no window-sized
	// interval ever holds more than WindowRequests grants.
	if n := len(led.grants); n >= led.profile.WindowRequests {
		wait := led.grants[n-led.profile.WindowRequests].Add(led.profile.Window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait
	}

	led.grants = append(led.grants, now)
	led.lastGrant = now
	return 0
}

// Update replaces a source's rate profile live. New sources are added so a
// hot reload can introduce platforms without a restart.
func (l *Limiter) Update(sourceID string, profile model.RateProfile) {
	l.mu.Lock()
	led, ok := l.byID[sourceID]
	if !ok {
		l.byID[sourceID] = &ledger{profile: profile}
		l.mu.Unlock()
		l.logger.Info("Rate profile added", zap.String("source", sourceID))
		return
	}
	l.mu.Unlock()

	led.mu.Lock()
	led.profile = profile
	led.mu.Unlock()

	l.logger.Info("Rate profile updated",
		zap.String("source", sourceID),
		zap.Int("window_requests", profile.WindowRequests),
		zap.Duration("window", profile.Window),
		zap.Duration("min_spacing", profile.MinSpacing))
}

// Snapshot returns the grant count inside the current window per source.
func (l *Limiter) Snapshot() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	out := make(map[string]int, len(l.byID))
	for id, led := range l.byID {
		led.mu.Lock()
		n := 0
		cutoff := now.Add(-led.profile.Window)
		for _, g := range led.grants {
			if g.After(cutoff) {
				n++
			}
		}
		out[id] = n
		led.mu.Unlock()
	}
	return out
}
