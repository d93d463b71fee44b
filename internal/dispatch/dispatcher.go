package dispatch

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

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

// ErrNoAdapter is returned when a target's source has no registered adapter.
var ErrNoAdapter = errors.New("no adapter registered for source")

// Events receives job transitions and accepted results. The NATS publisher
// implements it; NopEvents keeps the dispatcher usable without a broker.
type Events interface {
	JobTransition(view model.JobView)
	ResultAccepted(res *model.Result)
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) JobTransition(model.JobView)  {}
func (NopEvents) ResultAccepted(*model.Result) {}

// Config controls the worker pool.
type Config struct {
	// Workers is the global maximum concurrency.
	Workers int
	// InlineWaitThreshold is the longest rate-limiter wait a worker holds
	// inline; longer waits reschedule the job and free the worker.
	InlineWaitThreshold time.Duration
	// AdapterTimeout bounds each adapter call.
	AdapterTimeout time.Duration
	// WatchdogGrace is how long past the timeout the watchdog waits for a
	// misbehaving adapter before walking away from it.
	WatchdogGrace time.Duration
	// PollInterval drives the scheduling loop.
	PollInterval time.Duration
	// ClaimBackoff is the requeue delay when a claim is deflected by a
	// busy target or exhausted source slots.
	ClaimBackoff time.Duration
}

// sourceStat accumulates dispatch outcomes for one source.
type sourceStat struct {
	mu             sync.Mutex
	succeeded      int64
	failed         int64
	shortCircuited int64
	lastSuccess    time.Time
	lastFailure    time.Time
}

// Dispatcher pulls eligible jobs off the priority queue and executes them
// on a bounded worker pool, honoring per-source concurrency caps, rate
// limits and the circuit breaker.
type Dispatcher struct {
	logger    *zap.Logger
	cfg       Config
	tracker   *tracker.Tracker
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	policy    retry.Policy
	validator *validate.Validator
	registry  *adapter.Registry
	store     storage.ResultStore
	cache     *cache.Tiered
	events    Events

	queueMu sync.Mutex
	ready   *readyQueue
	delayed *delayedQueue
	seq     uint64

	slotsMu sync.Mutex
	slots   map[string]*slot

	statsMu sync.Mutex
	stats   map[string]*sourceStat

	workCh chan *item
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New wires a dispatcher. events may be nil.
func New(
	cfg Config,
	trk *tracker.Tracker,
	lim *ratelimit.Limiter,
	brk *breaker.Breaker,
	policy retry.Policy,
	validator *validate.Validator,
	registry *adapter.Registry,
	store storage.ResultStore,
	tiered *cache.Tiered,
	events Events,
	sources []model.Source,
	logger *zap.Logger,
) *Dispatcher {
	if events == nil {
		events = NopEvents{}
	}

	d := &Dispatcher{
		logger:    logger.Named("dispatcher"),
		cfg:       cfg,
		tracker:   trk,
		limiter:   lim,
		breaker:   brk,
		policy:    policy,
		validator: validator,
		registry:  registry,
		store:     store,
		cache:     tiered,
		events:    events,
		ready:     &readyQueue{},
		delayed:   &delayedQueue{},
		slots:     make(map[string]*slot),
		stats:     make(map[string]*sourceStat),
		workCh:    make(chan *item, cfg.Workers),
		stop:      make(chan struct{}),
	}

	heap.Init(d.ready)
	heap.Init(d.delayed)

	for _, s := range sources {
		d.slots[s.ID] = &slot{capacity: s.Concurrency}
	}
	return d
}

// Start launches the worker pool and the scheduling loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting dispatcher",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("adapter_timeout", d.cfg.AdapterTimeout))

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.wg.Add(1)
	go d.scheduleLoop(ctx)

	return nil
}

// Stop stops scheduling and waits for workers to drain.
func (d *Dispatcher) Stop() {
	d.logger.Info("Stopping dispatcher")
	close(d.stop)
	d.wg.Wait()
}

// SubmitBatch creates jobs for the targets and schedules them. Submissions
// for targets that already have a live job coalesce with it.
func (d *Dispatcher) SubmitBatch(targets []model.Target, priority model.TargetPriority) string {
	batchID := d.tracker.NewBatch()

	for _, target := range targets {
		jobID, coalesced := d.tracker.Submit(batchID, target, priority)
		if coalesced {
			if effectivePriority(target.Priority, priority) == model.TargetPriorityCore {
				d.promote(jobID)
			}
			d.logger.Debug("Submission coalesced with live job",
				zap.String("target_id", target.ID),
				zap.String("job_id", jobID))
			continue
		}

		if view, err := d.tracker.Status(jobID); err == nil {
			d.events.JobTransition(view)
		}
		d.enqueue(&item{
			jobID:       jobID,
			sourceID:    target.SourceID,
			priority:    effectivePriority(target.Priority, priority),
			submittedAt: time.Now(),
		})
	}

	d.logger.Info("Batch submitted",
		zap.String("batch_id", batchID),
		zap.Int("targets", len(targets)))

	return batchID
}

func effectivePriority(targetPriority, submitted model.TargetPriority) model.TargetPriority {
	if submitted != 0 {
		return submitted
	}
	if targetPriority != 0 {
		return targetPriority
	}
	return model.TargetPriorityStandard
}

// BatchStatus exposes tracker batch progress.
func (d *Dispatcher) BatchStatus(batchID string) (model.BatchProgress, error) {
	return d.tracker.BatchStatus(batchID)
}

// JobStatus exposes tracker job views.
func (d *Dispatcher) JobStatus(jobID string) (model.JobView, error) {
	return d.tracker.Status(jobID)
}

// Cancel cancels a job; pending jobs terminate immediately, running jobs
// when their adapter observes the context.
func (d *Dispatcher) Cancel(jobID string) error {
	return d.tracker.Cancel(jobID)
}

// UpdateSource applies a hot-reloaded source profile to the rate limiter
// and the per-source concurrency slot.
func (d *Dispatcher) UpdateSource(source model.Source) {
	d.limiter.Update(source.ID, source.Rate)

	d.slotsMu.Lock()
	s, ok := d.slots[source.ID]
	if !ok {
		d.slots[source.ID] = &slot{capacity: source.Concurrency}
	} else {
		s.setCapacity(source.Concurrency)
	}
	d.slotsMu.Unlock()
}

// Stats returns per-source dispatch outcomes for the monitor.
func (d *Dispatcher) Stats() []model.SourceStats {
	d.statsMu.Lock()
	ids := make([]string, 0, len(d.stats))
	for id := range d.stats {
		ids = append(ids, id)
	}
	d.statsMu.Unlock()

	out := make([]model.SourceStats, 0, len(ids))
	for _, id := range ids {
		st := d.statFor(id)
		st.mu.Lock()
		stat := model.SourceStats{
			SourceID:       id,
			Succeeded:      st.succeeded,
			Failed:         st.failed,
			ShortCircuited: st.shortCircuited,
			LastSuccess:    st.lastSuccess,
			LastFailure:    st.lastFailure,
		}
		st.mu.Unlock()

		if s := d.slotFor(id); s != nil {
			stat.InFlight = s.load()
		}
		out = append(out, stat)
	}
	return out
}

// enqueue adds an item to the ready or delayed queue.
func (d *Dispatcher) enqueue(it *item) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	d.seq++
	it.seq = d.seq
	if it.notBefore.After(time.Now()) {
		heap.Push(d.delayed, it)
	} else {
		heap.Push(d.ready, it)
	}
}

// promote raises a queued item to core priority after a coalesced core
// resubmission. Items already claimed by a worker keep their tier.
func (d *Dispatcher) promote(jobID string) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	for i, it := range d.ready.items {
		if it.jobID == jobID {
			it.priority = model.TargetPriorityCore
			heap.Fix(d.ready, i)
			return
		}
	}
	for _, it := range d.delayed.items {
		if it.jobID == jobID {
			it.priority = model.TargetPriorityCore
			return
		}
	}
}

// requeueAfter puts an item back with a new eligibility time.
func (d *Dispatcher) requeueAfter(it *item, delay time.Duration) {
	it.notBefore = time.Now().Add(delay)
	d.enqueue(it)
}

// scheduleLoop promotes due delayed items and feeds workers.
func (d *Dispatcher) scheduleLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.promoteDue()
			d.feedWorkers()
		}
	}
}

// promoteDue moves eligible delayed items to the ready queue.
func (d *Dispatcher) promoteDue() {
	now := time.Now()

	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	for {
		next := d.delayed.peek()
		if next == nil || next.notBefore.After(now) {
			return
		}
		heap.Push(d.ready, heap.Pop(d.delayed))
	}
}

// feedWorkers hands ready items to idle workers without blocking.
func (d *Dispatcher) feedWorkers() {
	for {
		d.queueMu.Lock()
		if d.ready.Len() == 0 {
			d.queueMu.Unlock()
			return
		}
		it := heap.Pop(d.ready).(*item)
		d.queueMu.Unlock()

		select {
		case d.workCh <- it:
		default:
			// All workers busy; put it back and try next tick.
			d.enqueue(it)
			return
		}
	}
}

// worker executes items until shutdown.
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case it := <-d.workCh:
			d.execute(ctx, it)
		}
	}
}

// execute runs the per-job sequence: source slot, circuit breaker, claim,
// rate limit, adapter fetch, then validation/routing of the outcome.
func (d *Dispatcher) execute(ctx context.Context, it *item) {
	view, err := d.tracker.Status(it.jobID)
	if err != nil || view.Status.Terminal() {
		return
	}

	src := d.slotFor(it.sourceID)
	if src != nil && !src.tryAcquire() {
		d.requeueAfter(it, d.cfg.ClaimBackoff)
		return
	}
	if src != nil {
		defer src.release()
	}

	// Breaker gate before the claim so a short-circuit consumes no
	// attempt budget.
	allowed, retryIn := d.breaker.Allow(it.sourceID)
	if !allowed {
		d.noteShortCircuit(it.sourceID)
		if err := d.tracker.RequeuePending(it.jobID, retryIn); err == nil {
			d.requeueAfter(it, retryIn)
		}
		return
	}

	job, err := d.tracker.TryStart(it.jobID)
	if err != nil {
		d.breaker.CancelProbe(it.sourceID)
		if errors.Is(err, tracker.ErrTargetBusy) {
			if rqErr := d.tracker.RequeuePending(it.jobID, d.cfg.ClaimBackoff); rqErr == nil {
				d.requeueAfter(it, d.cfg.ClaimBackoff)
			}
		}
		return
	}
	d.publishTransition(it.jobID)

	// Rate limiter: short waits are held inline, long ones release the
	// worker and reschedule the job.
	for {
		wait := d.limiter.Acquire(it.sourceID)
		if wait == 0 {
			break
		}
		if wait > d.cfg.InlineWaitThreshold {
			d.breaker.CancelProbe(it.sourceID)
			if err := d.tracker.Reschedule(it.jobID, wait, model.ErrorKindNone, ""); err == nil {
				it.notBefore = time.Now().Add(wait)
				d.enqueue(it)
				d.publishTransition(it.jobID)
			}
			return
		}
		select {
		case <-time.After(wait):
		case <-d.stop:
			d.breaker.CancelProbe(it.sourceID)
			if err := d.tracker.Reschedule(it.jobID, 0, model.ErrorKindNone, ""); err == nil {
				d.publishTransition(it.jobID)
			}
			return
		}
	}

	a, ok := d.registry.Lookup(it.sourceID)
	if !ok {
		d.breaker.CancelProbe(it.sourceID)
		d.failJob(it, model.ErrorKindFatalAdapter, ErrNoAdapter.Error())
		return
	}

	attempt, err := d.tracker.NoteAttempt(it.jobID)
	if err != nil {
		d.breaker.CancelProbe(it.sourceID)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.AdapterTimeout)
	d.tracker.BindCancel(it.jobID, cancel)
	defer cancel()

	raw, fetchErr := d.fetchWithWatchdog(jobCtx, a, job.Target)

	if fetchErr != nil {
		d.routeFailure(it, jobCtx, attempt, fetchErr)
		return
	}

	d.accept(ctx, it, raw, attempt)
}

// fetchWithWatchdog invokes the adapter under the job context. Adapters
// that ignore the deadline are abandoned after a grace period and reported
// as a transient fault.
func (d *Dispatcher) fetchWithWatchdog(ctx context.Context, a adapter.SourceAdapter, target model.Target) (*model.RawMetrics, error) {
	type outcome struct {
		raw *model.RawMetrics
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		raw, err := a.Fetch(ctx, target)
		done <- outcome{raw: raw, err: err}
	}()

	watchdog := time.NewTimer(d.cfg.AdapterTimeout + d.cfg.WatchdogGrace)
	defer watchdog.Stop()

	select {
	case out := <-done:
		return out.raw, out.err
	case <-watchdog.C:
		d.logger.Warn("Adapter ignored its deadline",
			zap.String("source", target.SourceID),
			zap.String("target_id", target.ID))
		return nil, adapter.NewFetchError(model.ErrorKindTransient,
			errors.New("adapter did not honor timeout"))
	}
}

// accept validates a raw payload and lands the result: store append, cache
// refresh, tracker success, events.
func (d *Dispatcher) accept(ctx context.Context, it *item, raw *model.RawMetrics, attempt int) {
	res, err := d.validator.Validate(raw)
	if err != nil {
		// Bad data reproduces on retry; terminal by design of the
		// validator contract.
		d.breaker.RecordFailure(it.sourceID, 1)
		d.failJob(it, model.ErrorKindValidation, err.Error())
		return
	}

	d.breaker.RecordSuccess(it.sourceID)

	version, err := d.appendResult(ctx, res)
	if err != nil {
		d.logger.Error("Failed to persist result",
			zap.String("job_id", it.jobID),
			zap.Error(err))
		d.failJob(it, model.ErrorKindTransient,
			fmt.Sprintf("failed to store result: %v", err))
		return
	}

	if encoded, err := json.Marshal(res); err == nil {
		d.cache.PutResult(ctx, res, encoded)
	} else {
		d.logger.Error("Failed to encode result for cache", zap.Error(err))
	}

	if err := d.tracker.MarkSucceeded(it.jobID, version); err != nil {
		d.logger.Warn("Could not mark job succeeded",
			zap.String("job_id", it.jobID),
			zap.Error(err))
		return
	}

	d.noteSuccess(it.sourceID)
	d.publishTransition(it.jobID)
	d.events.ResultAccepted(res)

	d.logger.Info("Job succeeded",
		zap.String("job_id", it.jobID),
		zap.String("target_id", res.TargetID),
		zap.Int64("version", version),
		zap.Int("attempts", attempt),
		zap.Float64("quality", res.Quality))
}

// storeWriteAttempts bounds the local retries of a result append.
const storeWriteAttempts = 3

// appendResult persists a validated result, retrying briefly on store
// contention. The payload is already fetched and validated; a store hiccup
// must not send the job back through the adapter.
func (d *Dispatcher) appendResult(ctx context.Context, res *model.Result) (int64, error) {
	var lastErr error
	delay := 10 * time.Millisecond

	for i := 0; i < storeWriteAttempts; i++ {
		version, err := d.store.Append(ctx, res)
		if err == nil {
			return version, nil
		}
		lastErr = err

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, lastErr
		case <-d.stop:
			return 0, lastErr
		}
		delay *= 2
	}
	return 0, lastErr
}

// routeFailure classifies a failed attempt and applies the retry decision.
func (d *Dispatcher) routeFailure(it *item, jobCtx context.Context, attempt int, fetchErr error) {
	// A caller-issued cancel surfaces as context.Canceled; the deadline
	// case is an ordinary transient fault.
	if errors.Is(jobCtx.Err(), context.Canceled) {
		d.breaker.CancelProbe(it.sourceID)
		if err := d.tracker.MarkCancelled(it.jobID); err == nil {
			d.publishTransition(it.jobID)
		}
		return
	}

	kind, hint := adapter.Classify(fetchErr)
	if errors.Is(fetchErr, context.DeadlineExceeded) {
		kind = model.ErrorKindTransient
	}

	switch kind {
	case model.ErrorKindFatalAdapter:
		d.breaker.RecordFailure(it.sourceID, 2)
	case model.ErrorKindTransient:
		d.breaker.RecordFailure(it.sourceID, 1)
	default:
		// Rate limiting, missing credentials and gone targets say
		// nothing about source health; an unresolved half-open probe
		// must still be returned.
		d.breaker.CancelProbe(it.sourceID)
	}

	decision := d.policy.Decide(kind, attempt, hint)
	if decision.Action == retry.ActionRetry {
		if err := d.tracker.Reschedule(it.jobID, decision.Delay, kind, fetchErr.Error()); err == nil {
			it.notBefore = time.Now().Add(decision.Delay)
			d.enqueue(it)
			d.publishTransition(it.jobID)

			d.logger.Info("Job rescheduled",
				zap.String("job_id", it.jobID),
				zap.String("kind", string(kind)),
				zap.Int("attempt", attempt),
				zap.Duration("delay", decision.Delay))
		}
		return
	}

	d.failJob(it, kind, fetchErr.Error())
}

// failJob terminates a running job with its reason.
func (d *Dispatcher) failJob(it *item, kind model.ErrorKind, reason string) {
	if err := d.tracker.MarkFailed(it.jobID, kind, reason); err != nil {
		return
	}
	d.noteFailure(it.sourceID)
	d.publishTransition(it.jobID)

	d.logger.Warn("Job failed",
		zap.String("job_id", it.jobID),
		zap.String("source", it.sourceID),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
}

func (d *Dispatcher) publishTransition(jobID string) {
	if view, err := d.tracker.Status(jobID); err == nil {
		d.events.JobTransition(view)
	}
}

func (d *Dispatcher) slotFor(sourceID string) *slot {
	d.slotsMu.Lock()
	defer d.slotsMu.Unlock()
	return d.slots[sourceID]
}

func (d *Dispatcher) statFor(sourceID string) *sourceStat {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	st, ok := d.stats[sourceID]
	if !ok {
		st = &sourceStat{}
		d.stats[sourceID] = st
	}
	return st
}

func (d *Dispatcher) noteSuccess(sourceID string) {
	st := d.statFor(sourceID)
	st.mu.Lock()
	st.succeeded++
	st.lastSuccess = time.Now()
	st.mu.Unlock()
}

func (d *Dispatcher) noteFailure(sourceID string) {
	st := d.statFor(sourceID)
	st.mu.Lock()
	st.failed++
	st.lastFailure = time.Now()
	st.mu.Unlock()
}

func (d *Dispatcher) noteShortCircuit(sourceID string) {
	st := d.statFor(sourceID)
	st.mu.Lock()
	st.shortCircuited++
	st.mu.Unlock()
}

// Lookup serves the cache read path: cached metrics for a target, falling
// back to the authoritative store on a miss.
func (d *Dispatcher) Lookup(ctx context.Context, targetID string) (*model.Result, error) {
	if data, ok := d.cache.Get(ctx, cache.ResultKey(targetID)); ok {
		var res model.Result
		if err := json.Unmarshal(data, &res); err == nil {
			return &res, nil
		}
		d.logger.Warn("Corrupt cache entry", zap.String("target_id", targetID))
	}

	res, err := d.store.Latest(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("result lookup: %w", err)
	}
	if res == nil {
		return nil, nil
	}

	if encoded, err := json.Marshal(res); err == nil {
		d.cache.Put(ctx, cache.ResultKey(targetID), encoded, res.Version)
	}
	return res, nil
}
