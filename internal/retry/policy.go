package retry

import (
	"math/rand"
	"time"

	"github.com/t77yq/metric-harvester/internal/model"
)

// Action is the outcome of a retry decision.
type Action int

const (
	// ActionRetry reschedules the job after Decision.Delay.
	ActionRetry Action = iota
	// ActionGiveUp terminates the job with its last error.
	ActionGiveUp
)

// Decision tells the dispatcher what to do with a failed attempt.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy decides backoff and termination for failed attempts.
type Policy interface {
	// Decide maps an error classification, the attempt count so far, and
	// an optional source-communicated delay hint to a decision.
	Decide(kind model.ErrorKind, attempt int, hint time.Duration) Decision
}

// Config bounds the backoff policy.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int

	// RateLimitFallback is used when a rate-limited source sends no
	// retry-after hint.
	RateLimitFallback time.Duration
	// MaxRateLimitWait caps how long a rate-limit signal may defer a job.
	// Hints beyond the cap yield GiveUp for this cycle so one slow source
	// cannot stall the pool.
	MaxRateLimitWait time.Duration
}

// BackoffPolicy implements Policy with exponential backoff and jitter for
// transient faults and capped waits for explicit rate-limit signals.
type BackoffPolicy struct {
	cfg Config
	// jitter returns a factor in [0.5, 1.5) applied to transient delays.
	jitter func() float64
}

// NewBackoffPolicy creates a policy from config.
func NewBackoffPolicy(cfg Config) *BackoffPolicy {
	return &BackoffPolicy{
		cfg: cfg,
		jitter: func() float64 {
			return 0.5 + rand.Float64()
		},
	}
}

// Decide implements Policy.
func (p *BackoffPolicy) Decide(kind model.ErrorKind, attempt int, hint time.Duration) Decision {
	if attempt >= p.cfg.MaxAttempts {
		return Decision{Action: ActionGiveUp}
	}

	switch kind {
	case model.ErrorKindTransient:
		return Decision{Action: ActionRetry, Delay: p.backoff(attempt)}

	case model.ErrorKindRateLimited:
		wait := hint
		if wait <= 0 {
			wait = p.cfg.RateLimitFallback
		}
		if wait > p.cfg.MaxRateLimitWait {
			return Decision{Action: ActionGiveUp}
		}
		return Decision{Action: ActionRetry, Delay: wait}

	default:
		// Auth, target-unavailable, validation and fatal adapter faults
		// reproduce on resubmission; retrying wastes budget.
		return Decision{Action: ActionGiveUp}
	}
}

// backoff computes the jittered exponential delay for the given attempt.
func (p *BackoffPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.cfg.Multiplier
	}
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	d := time.Duration(delay * p.jitter())
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}
