package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/metric-harvester/internal/model"
)

func newTestLimiter(t *testing.T, profile model.RateProfile) (*Limiter, *time.Time) {
	t.Helper()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := New([]model.Source{
		{ID: "platform-a", Name: "Platform A", Rate: profile, Concurrency: 4},
	}, zaptest.NewLogger(t))
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestLimiterWindowCap(t *testing.T) {
	limiter, now := newTestLimiter(t, model.RateProfile{
		WindowRequests: 3,
		Window:         time.Minute,
	})

	t.Run("GrantsUpToCap", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			assert.Equal(t, time.Duration(0), limiter.Acquire("platform-a"))
		}
	})

	t.Run("AdvisesWaitUntilWindowEnd", func(t *testing.T) {
		*now = now.Add(10 * time.Second)
		wait := limiter.Acquire("platform-a")
		assert.Equal(t, 50*time.Second, wait)
	})

	t.Run("WindowRollsOver", func(t *testing.T) {
		*now = now.Add(50 * time.Second)
		assert.Equal(t, time.Duration(0), limiter.Acquire("platform-a"))
	})
}

func TestLimiterMinSpacing(t *testing.T) {
	limiter, now := newTestLimiter(t, model.RateProfile{
		WindowRequests: 100,
		Window:         time.Minute,
		MinSpacing:     2 * time.Second,
	})

	require.Equal(t, time.Duration(0), limiter.Acquire("platform-a"))

	// An immediate follow-up is deferred by the remaining spacing.
	*now = now.Add(500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, limiter.Acquire("platform-a"))

	// The advisory wait is not a grant; the spacing clock does not reset.
	*now = now.Add(1500 * time.Millisecond)
	assert.Equal(t, time.Duration(0), limiter.Acquire("platform-a"))
}

func TestLimiterBurstSmoothing(t *testing.T) {
	// Ten submissions against a 5-per-window profile with 1s spacing:
	// grants arrive one per second, the rest are advised to wait.
	limiter, now := newTestLimiter(t, model.RateProfile{
		WindowRequests: 5,
		Window:         time.Minute,
		MinSpacing:     time.Second,
	})

	granted := 0
	for i := 0; i < 10; i++ {
		if limiter.Acquire("platform-a") == 0 {
			granted++
		}
	}
	assert.Equal(t, 1, granted, "only one grant per spacing interval")

	for i := 0; i < 10; i++ {
		*now = now.Add(time.Second)
		if limiter.Acquire("platform-a") == 0 {
			granted++
		}
	}
	assert.Equal(t, 5, granted, "window cap holds even with spacing satisfied")
}

func TestLimiterRollingWindowBoundary(t *testing.T) {
	// Grants landing just before and just after a window edge must not
	// stack up: with a 2-per-10s profile, no 10s interval may ever hold
	// three grants, however the interval is aligned.
	limiter, now := newTestLimiter(t, model.RateProfile{
		WindowRequests: 2,
		Window:         10 * time.Second,
	})
	base := *now

	acquireAt := func(offset time.Duration) time.Duration {
		*now = base.Add(offset)
		return limiter.Acquire("platform-a")
	}

	require.Equal(t, time.Duration(0), acquireAt(0))
	require.Equal(t, time.Duration(0), acquireAt(9900*time.Millisecond))

	// The first grant has aged out, so a third is fine at 10.1s.
	require.Equal(t, time.Duration(0), acquireAt(10100*time.Millisecond))

	// But 9.9s and 10.1s are both live at 10.2s: the caller waits until
	// the 9.9s grant expires at 19.9s.
	assert.Equal(t, 9700*time.Millisecond, acquireAt(10200*time.Millisecond))

	assert.Equal(t, time.Duration(0), acquireAt(19950*time.Millisecond))
}

func TestLimiterUnknownSourceGranted(t *testing.T) {
	limiter, _ := newTestLimiter(t, model.RateProfile{WindowRequests: 1, Window: time.Minute})

	for i := 0; i < 5; i++ {
		assert.Equal(t, time.Duration(0), limiter.Acquire("never-configured"))
	}
}

func TestLimiterUpdate(t *testing.T) {
	limiter, now := newTestLimiter(t, model.RateProfile{
		WindowRequests: 1,
		Window:         time.Minute,
	})

	require.Equal(t, time.Duration(0), limiter.Acquire("platform-a"))
	require.NotEqual(t, time.Duration(0), limiter.Acquire("platform-a"))

	// Raising the cap applies to the next acquisition.
	limiter.Update("platform-a", model.RateProfile{
		WindowRequests: 10,
		Window:         time.Minute,
	})
	assert.Equal(t, time.Duration(0), limiter.Acquire("platform-a"))

	// Update can also introduce a brand new source.
	limiter.Update("platform-b", model.RateProfile{
		WindowRequests: 1,
		Window:         time.Minute,
	})
	assert.Equal(t, time.Duration(0), limiter.Acquire("platform-b"))
	*now = now.Add(time.Second)
	assert.NotEqual(t, time.Duration(0), limiter.Acquire("platform-b"))

	snap := limiter.Snapshot()
	assert.Equal(t, 1, snap["platform-b"])
}
