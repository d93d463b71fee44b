package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/metric-harvester/internal/adapter"
	"github.com/t77yq/metric-harvester/internal/breaker"
	"github.com/t77yq/metric-harvester/internal/cache"
	"github.com/t77yq/metric-harvester/internal/model"
	"github.com/t77yq/metric-harvester/internal/ratelimit"
	"github.com/t77yq/metric-harvester/internal/retry"
	"github.com/t77yq/metric-harvester/internal/storage"
	"github.com/t77yq/metric-harvester/internal/tracker"
	"github.com/t77yq/metric-harvester/internal/validate"
)

// scriptedAdapter replays a per-target sequence of outcomes; the last
// outcome repeats once the script is exhausted.
type scriptedAdapter struct {
	mu      sync.Mutex
	scripts map[string][]func(model.Target) (*model.RawMetrics, error)
	calls   map[string]int
	stamps  []time.Time
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		scripts: make(map[string][]func(model.Target) (*model.RawMetrics, error)),
		calls:   make(map[string]int),
	}
}

func (a *scriptedAdapter) script(targetID string, outcomes ...func(model.Target) (*model.RawMetrics, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[targetID] = outcomes
}

func (a *scriptedAdapter) callCount(targetID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[targetID]
}

// callTimes returns the timestamps of every Fetch across all targets, in
// call order.
func (a *scriptedAdapter) callTimes() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]time.Time, len(a.stamps))
	copy(out, a.stamps)
	return out
}

func (a *scriptedAdapter) Fetch(ctx context.Context, target model.Target) (*model.RawMetrics, error) {
	a.mu.Lock()
	a.calls[target.ID]++
	a.stamps = append(a.stamps, time.Now())
	script := a.scripts[target.ID]
	var next func(model.Target) (*model.RawMetrics, error)
	switch {
	case len(script) == 0:
		next = succeedWith(100)
	case len(script) == 1:
		next = script[0]
	default:
		next = script[0]
		a.scripts[target.ID] = script[1:]
	}
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, adapter.NewFetchError(model.ErrorKindTransient, err)
	}
	return next(target)
}

func succeedWith(audience int64) func(model.Target) (*model.RawMetrics, error) {
	return func(target model.Target) (*model.RawMetrics, error) {
		return &model.RawMetrics{
			TargetID:    target.ID,
			SourceID:    target.SourceID,
			Audience:    audience,
			Engagements: 10,
			Activity:    1,
			FetchedAt:   time.Now(),
		}, nil
	}
}

func failWith(kind model.ErrorKind) func(model.Target) (*model.RawMetrics, error) {
	return func(model.Target) (*model.RawMetrics, error) {
		return nil, adapter.NewFetchError(kind, errors.New("scripted failure"))
	}
}

func rateLimitedWith(hint time.Duration) func(model.Target) (*model.RawMetrics, error) {
	return func(model.Target) (*model.RawMetrics, error) {
		fe := adapter.NewFetchError(model.ErrorKindRateLimited, errors.New("scripted 429"))
		fe.RetryAfter = hint
		return nil, fe
	}
}

type harness struct {
	dispatcher *Dispatcher
	tracker    *tracker.Tracker
	breaker    *breaker.Breaker
	store      storage.ResultStore
	adapter    *scriptedAdapter
}

type harnessConfig struct {
	sources        []model.Source
	breakerCfg     breaker.Config
	retryCfg       retry.Config
	adapterTimeout time.Duration
	watchdogGrace  time.Duration
	inlineWait     time.Duration

	// wrapStore lets a test interpose on the result store.
	wrapStore func(storage.ResultStore) storage.ResultStore
}

func defaultHarnessConfig() harnessConfig {
	return harnessConfig{
		sources: []model.Source{
			{
				ID:          "platform-a",
				Name:        "Platform A",
				Rate:        model.RateProfile{WindowRequests: 1000, Window: time.Minute},
				Concurrency: 4,
			},
		},
		breakerCfg: breaker.Config{
			FailureThreshold: 100,
			Cooldown:         50 * time.Millisecond,
			MaxCooldown:      time.Second,
		},
		retryCfg: retry.Config{
			InitialDelay:      5 * time.Millisecond,
			MaxDelay:          50 * time.Millisecond,
			Multiplier:        2.0,
			MaxAttempts:       3,
			RateLimitFallback: 10 * time.Millisecond,
			MaxRateLimitWait:  time.Second,
		},
		adapterTimeout: 2 * time.Second,
		watchdogGrace:  time.Second,
		inlineWait:     100 * time.Millisecond,
	}
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)

	sqlite, err := storage.NewSQLiteResultStore(logger, filepath.Join(t.TempDir(), "results.db"), 30)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	var store storage.ResultStore = sqlite
	if hc.wrapStore != nil {
		store = hc.wrapStore(sqlite)
	}

	trk := tracker.New(tracker.Config{
		Retention:         time.Hour,
		SweepInterval:     time.Hour,
		FailureSampleSize: 5,
	}, logger)

	brk := breaker.New(hc.breakerCfg, logger)

	scripted := newScriptedAdapter()
	registry := adapter.NewRegistry()
	for _, src := range hc.sources {
		require.NoError(t, registry.Register(src.ID, scripted))
	}

	tiered := cache.NewTiered(cache.NewL1(64, time.Minute), nil, time.Minute, logger)

	d := New(
		Config{
			Workers:             4,
			InlineWaitThreshold: hc.inlineWait,
			AdapterTimeout:      hc.adapterTimeout,
			WatchdogGrace:       hc.watchdogGrace,
			PollInterval:        5 * time.Millisecond,
			ClaimBackoff:        10 * time.Millisecond,
		},
		trk,
		ratelimit.New(hc.sources, logger),
		brk,
		retry.NewBackoffPolicy(hc.retryCfg),
		validate.New(validate.DefaultBounds(), logger),
		registry,
		store,
		tiered,
		nil,
		hc.sources,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})

	return &harness{
		dispatcher: d,
		tracker:    trk,
		breaker:    brk,
		store:      store,
		adapter:    scripted,
	}
}

func TestDispatcherHappyPath(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Succeeded == 1
	}, 5*time.Second, 10*time.Millisecond)

	res, err := h.store.Latest(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, int64(100), res.Audience)

	// The accepted result is cached for the read path.
	cached, err := h.dispatcher.Lookup(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, int64(1), cached.Version)

	assert.Equal(t, 1, h.adapter.callCount("acct-1"))
}

func TestDispatcherRetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	h.adapter.script("acct-1",
		failWith(model.ErrorKindTransient),
		failWith(model.ErrorKindTransient),
		succeedWith(250),
	)

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Done()
	}, 5*time.Second, 10*time.Millisecond)

	p, err := h.dispatcher.BatchStatus(batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Succeeded)

	assert.Equal(t, 3, h.adapter.callCount("acct-1"),
		"two failed attempts plus the successful one")

	res, err := h.store.Latest(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.Audience)
}

func TestDispatcherGivesUpAfterAttemptBudget(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	h.adapter.script("acct-1", failWith(model.ErrorKindTransient))

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		return h.adapter.callCount("acct-1") >= 3
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		counts := h.tracker.Counts()
		return counts[model.JobStatusFailed] == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, h.adapter.callCount("acct-1"))
}

func TestDispatcherNonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	h.adapter.script("acct-1", failWith(model.ErrorKindAuthRequired))

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.adapter.callCount("acct-1"), "auth failures get no retry")

	p, _ := h.dispatcher.BatchStatus(batchID)
	require.NotNil(t, p.FailureSamples)
	assert.NotEmpty(t, p.FailureSamples["platform-a"])
}

func TestDispatcherAbsurdRateLimitHintGivesUp(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	h.adapter.script("acct-1", rateLimitedWith(10000*time.Second))

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.adapter.callCount("acct-1"))
}

func TestDispatcherHonorsShortRateLimitHint(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	h.adapter.script("acct-1",
		rateLimitedWith(20*time.Millisecond),
		succeedWith(300),
	)

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Succeeded == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, h.adapter.callCount("acct-1"))
}

func TestDispatcherPacesCallsToRateProfile(t *testing.T) {
	hc := defaultHarnessConfig()
	// Waits advised by this profile exceed the inline threshold, so the
	// worker is released and the job rescheduled while the window drains.
	hc.sources[0].Rate = model.RateProfile{WindowRequests: 2, Window: 400 * time.Millisecond}
	h := newHarness(t, hc)

	ids := []string{"acct-1", "acct-2", "acct-3", "acct-4", "acct-5", "acct-6"}
	targets := make([]model.Target, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, model.Target{ID: id, SourceID: "platform-a", Handle: id})
	}

	batchID := h.dispatcher.SubmitBatch(targets, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Succeeded == len(ids)
	}, 10*time.Second, 10*time.Millisecond)

	times := h.adapter.callTimes()
	require.Len(t, times, len(ids), "pacing must not cost extra adapter calls")

	// No window-sized interval may hold three calls. Timestamps are taken
	// inside the adapter, slightly after the grant, so allow a little
	// scheduling slack.
	for i := 0; i+2 < len(times); i++ {
		assert.GreaterOrEqual(t, times[i+2].Sub(times[i]), 350*time.Millisecond,
			"calls %d and %d landed inside one window", i, i+2)
	}
}

func TestDispatcherHoldsShortRateLimitWaitInline(t *testing.T) {
	hc := defaultHarnessConfig()
	hc.sources[0].Rate = model.RateProfile{
		WindowRequests: 1000,
		Window:         time.Minute,
		MinSpacing:     30 * time.Millisecond,
	}
	// Every advised wait stays under the threshold: workers hold the wait
	// inline rather than rescheduling.
	hc.inlineWait = time.Second
	h := newHarness(t, hc)

	targets := []model.Target{
		{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"},
		{ID: "acct-2", SourceID: "platform-a", Handle: "acct2"},
		{ID: "acct-3", SourceID: "platform-a", Handle: "acct3"},
	}
	batchID := h.dispatcher.SubmitBatch(targets, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Succeeded == 3
	}, 5*time.Second, 10*time.Millisecond)

	times := h.adapter.callTimes()
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 20*time.Millisecond,
			"minimum inter-grant spacing")
	}
}

// contendingStore fails the first Append calls the way a locked database
// would, then delegates to the real store.
type contendingStore struct {
	storage.ResultStore
	mu       sync.Mutex
	failures int
	appends  int
}

func (s *contendingStore) Append(ctx context.Context, res *model.Result) (int64, error) {
	s.mu.Lock()
	s.appends++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if fail {
		return 0, errors.New("database is locked")
	}
	return s.ResultStore.Append(ctx, res)
}

func TestDispatcherRetriesStoreWriteWithoutRefetch(t *testing.T) {
	var cs *contendingStore
	hc := defaultHarnessConfig()
	hc.wrapStore = func(inner storage.ResultStore) storage.ResultStore {
		cs = &contendingStore{ResultStore: inner, failures: 2}
		return cs
	}
	h := newHarness(t, hc)

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Succeeded == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.adapter.callCount("acct-1"),
		"store contention is retried at the store, never at the adapter")

	res, err := h.store.Latest(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(1), res.Version)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	assert.Equal(t, 3, cs.appends)
}

func TestDispatcherValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	h.adapter.script("acct-1", func(target model.Target) (*model.RawMetrics, error) {
		return &model.RawMetrics{
			TargetID:  target.ID,
			SourceID:  target.SourceID,
			Audience:  -5,
			FetchedAt: time.Now(),
		}, nil
	})

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.adapter.callCount("acct-1"), "bad data reproduces on retry")

	res, err := h.store.Latest(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Nil(t, res, "rejected payloads are never persisted")
}

func TestDispatcherCoalescesDuplicateSubmissions(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	// Hold the first job in the adapter so the duplicate arrives while
	// the original is still live.
	release := make(chan struct{})
	h.adapter.script("acct-1", func(target model.Target) (*model.RawMetrics, error) {
		<-release
		return succeedWith(100)(target)
	})

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	first := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		return h.adapter.callCount("acct-1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	// While running there is no pending job, so a new one is queued; a
	// third submission then coalesces with that queued job.
	second := h.dispatcher.SubmitBatch([]model.Target{target}, 0)
	third := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	p2, err := h.dispatcher.BatchStatus(second)
	require.NoError(t, err)
	assert.Equal(t, 1, p2.Submitted)

	p3, err := h.dispatcher.BatchStatus(third)
	require.NoError(t, err)
	assert.Equal(t, 0, p3.Submitted, "duplicate submission coalesced")

	close(release)

	require.Eventually(t, func() bool {
		pa, errA := h.dispatcher.BatchStatus(first)
		pb, errB := h.dispatcher.BatchStatus(second)
		return errA == nil && errB == nil && pa.Done() && pb.Done()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, h.adapter.callCount("acct-1"),
		"three submissions produce two executions")
}

func TestDispatcherBreakerShortCircuits(t *testing.T) {
	hc := defaultHarnessConfig()
	hc.breakerCfg.FailureThreshold = 2
	hc.retryCfg.MaxAttempts = 2
	h := newHarness(t, hc)

	// Two terminal fatal attempts trip the circuit.
	h.adapter.script("acct-1", failWith(model.ErrorKindFatalAdapter))

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, breaker.StateOpen, h.breaker.State("platform-a"))

	// A job submitted while the circuit is open is deferred, then rides
	// the half-open probe to success once the source recovers.
	h.adapter.script("acct-2", succeedWith(700))
	recoveryBatch := h.dispatcher.SubmitBatch([]model.Target{
		{ID: "acct-2", SourceID: "platform-a", Handle: "acct2"},
	}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(recoveryBatch)
		return err == nil && p.Succeeded == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, breaker.StateClosed, h.breaker.State("platform-a"))

	stats := h.dispatcher.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Succeeded)
	assert.Equal(t, int64(1), stats[0].Failed)
}

func TestDispatcherPerSourceConcurrencyCap(t *testing.T) {
	hc := defaultHarnessConfig()
	hc.sources[0].Concurrency = 2
	h := newHarness(t, hc)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})

	slowFetch := func(target model.Target) (*model.RawMetrics, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()
		return succeedWith(100)(target)
	}

	targets := make([]model.Target, 0, 5)
	for _, id := range []string{"acct-1", "acct-2", "acct-3", "acct-4", "acct-5"} {
		h.adapter.script(id, slowFetch)
		targets = append(targets, model.Target{ID: id, SourceID: "platform-a", Handle: id})
	}

	batchID := h.dispatcher.SubmitBatch(targets, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Give deflected claims time to cycle; the cap must hold.
	time.Sleep(100 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Succeeded == 5
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak, "per-source concurrency cap")
}

func TestDispatcherCancelPendingJob(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	// Hold the first target's fetch so a second pending job can be
	// cancelled before a worker claims it.
	release := make(chan struct{})
	h.adapter.script("acct-1", func(target model.Target) (*model.RawMetrics, error) {
		<-release
		return succeedWith(100)(target)
	})

	target1 := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	h.dispatcher.SubmitBatch([]model.Target{target1}, 0)

	require.Eventually(t, func() bool {
		return h.adapter.callCount("acct-1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	second := h.dispatcher.SubmitBatch([]model.Target{target1}, 0)

	p, err := h.dispatcher.BatchStatus(second)
	require.NoError(t, err)
	require.Equal(t, 1, p.Pending)

	// A coalescing resubmission hands back the queued job's id.
	pendingID, coalesced := h.tracker.Submit(second, target1, 0)
	require.True(t, coalesced)

	require.NoError(t, h.dispatcher.Cancel(pendingID))

	view, err := h.dispatcher.JobStatus(pendingID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, view.Status)

	close(release)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(second)
		return err == nil && p.Done()
	}, 5*time.Second, 10*time.Millisecond)

	p, err = h.dispatcher.BatchStatus(second)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Cancelled)
	assert.Equal(t, 1, h.adapter.callCount("acct-1"), "the cancelled job never ran")
}

func TestDispatcherWatchdogReclaimsStuckAdapter(t *testing.T) {
	hc := defaultHarnessConfig()
	hc.adapterTimeout = 50 * time.Millisecond
	hc.watchdogGrace = 50 * time.Millisecond
	hc.retryCfg.MaxAttempts = 1
	h := newHarness(t, hc)

	// The adapter ignores its context entirely.
	h.adapter.script("acct-1", func(target model.Target) (*model.RawMetrics, error) {
		time.Sleep(2 * time.Second)
		return succeedWith(100)(target)
	})

	target := model.Target{ID: "acct-1", SourceID: "platform-a", Handle: "acct1"}
	batchID := h.dispatcher.SubmitBatch([]model.Target{target}, 0)

	start := time.Now()
	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Less(t, time.Since(start), 2*time.Second,
		"the worker is reclaimed before the stuck adapter returns")
}

func TestDispatcherUpdateSourceAddsSlot(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	// A hot reload can introduce a brand new source; jobs for it must
	// still be dispatchable (through the live-added slot and profile).
	h.dispatcher.UpdateSource(model.Source{
		ID:          "platform-b",
		Name:        "Platform B",
		Rate:        model.RateProfile{WindowRequests: 100, Window: time.Minute},
		Concurrency: 2,
	})

	// No adapter is registered for the new source: the job fails fast
	// rather than sitting in the queue.
	batchID := h.dispatcher.SubmitBatch([]model.Target{
		{ID: "acct-b1", SourceID: "platform-b", Handle: "b1"},
	}, 0)

	require.Eventually(t, func() bool {
		p, err := h.dispatcher.BatchStatus(batchID)
		return err == nil && p.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
}
