package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit state for one source.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // calls short-circuited until cooldown elapses
	StateHalfOpen              // a single probe call is permitted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls trip thresholds and cooldowns.
type Config struct {
	// FailureThreshold is the consecutive-failure weight that trips a
	// closed circuit open.
	FailureThreshold int
	// Cooldown is the initial open duration before a probe is allowed.
	Cooldown time.Duration
	// MaxCooldown bounds the exponential growth applied when a probe
	// fails and the circuit re-opens.
	MaxCooldown time.Duration
}

// circuit holds per-source breaker state; mutated only under its own lock.
type circuit struct {
	mu            sync.Mutex
	state         State
	failures      int
	cooldown      time.Duration
	openedAt      time.Time
	probeEligible time.Time
	probing       bool
}

// Breaker is a per-source failure-tripped gate. Allow never blocks.
type Breaker struct {
	logger *zap.Logger
	cfg    Config
	mu     sync.Mutex
	byID   map[string]*circuit
	now    func() time.Time
}

// New creates a breaker with the given config.
func New(cfg Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		logger: logger.Named("circuit-breaker"),
		cfg:    cfg,
		byID:   make(map[string]*circuit),
		now:    time.Now,
	}
}

func (b *Breaker) circuitFor(sourceID string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.byID[sourceID]
	if !ok {
		c = &circuit{state: StateClosed, cooldown: b.cfg.Cooldown}
		b.byID[sourceID] = c
	}
	return c
}

// Allow reports whether a call to the source may proceed. When it may not,
// retryIn is the time until the next probe becomes eligible. An open
// circuit whose cooldown has elapsed moves to half-open and admits exactly
// one probe.
func (b *Breaker) Allow(sourceID string) (ok bool, retryIn time.Duration) {
	c := b.circuitFor(sourceID)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	switch c.state {
	case StateClosed:
		return true, 0
	case StateOpen:
		if now.Before(c.probeEligible) {
			return false, c.probeEligible.Sub(now)
		}
		c.state = StateHalfOpen
		c.probing = true
		b.logger.Info("Circuit half-open, probing",
			zap.String("source", sourceID))
		return true, 0
	case StateHalfOpen:
		if c.probing {
			// A probe is already in flight; hold further calls back
			// until it resolves.
			return false, c.cooldown
		}
		c.probing = true
		return true, 0
	}
	return false, c.cooldown
}

// CancelProbe returns an unused half-open probe slot, for callers that were
// granted a probe but backed off before invoking the source.
func (b *Breaker) CancelProbe(sourceID string) {
	c := b.circuitFor(sourceID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateHalfOpen {
		c.probing = false
	}
}

// RecordSuccess closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess(sourceID string) {
	c := b.circuitFor(sourceID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed {
		b.logger.Info("Circuit closed",
			zap.String("source", sourceID),
			zap.String("from", c.state.String()))
	}
	c.state = StateClosed
	c.failures = 0
	c.cooldown = b.cfg.Cooldown
	c.probing = false
}

// RecordFailure adds weight to the consecutive-failure counter. A failed
// half-open probe re-opens immediately with a doubled cooldown, bounded by
// MaxCooldown. Weight lets fatal adapter faults count more than plain
// transient faults.
func (b *Breaker) RecordFailure(sourceID string, weight int) {
	if weight < 1 {
		weight = 1
	}
	c := b.circuitFor(sourceID)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	switch c.state {
	case StateHalfOpen:
		c.cooldown *= 2
		if c.cooldown > b.cfg.MaxCooldown {
			c.cooldown = b.cfg.MaxCooldown
		}
		c.probing = false
		b.open(c, sourceID, now)
	case StateClosed:
		c.failures += weight
		if c.failures >= b.cfg.FailureThreshold {
			b.open(c, sourceID, now)
		}
	case StateOpen:
		// Already short-circuiting; nothing to count.
	}
}

// open transitions to Open. Caller holds c.mu.
func (b *Breaker) open(c *circuit, sourceID string, now time.Time) {
	c.state = StateOpen
	c.openedAt = now
	c.probeEligible = now.Add(c.cooldown)
	b.logger.Warn("Circuit opened",
		zap.String("source", sourceID),
		zap.Int("failures", c.failures),
		zap.Duration("cooldown", c.cooldown))
}

// State returns the current state for a source.
func (b *Breaker) State(sourceID string) State {
	c := b.circuitFor(sourceID)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the state of every tracked source.
func (b *Breaker) Snapshot() map[string]string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = b.State(id).String()
	}
	return out
}
