package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

// Config controls record retention and failure sampling.
type Config struct {
	// Retention is how long terminal jobs are kept before the sweep
	// purges them.
	Retention time.Duration
	// SweepInterval is how often the purge loop runs.
	SweepInterval time.Duration
	// FailureSampleSize bounds the per-source ring of recent failure
	// reasons surfaced in batch status.
	FailureSampleSize int
}

// targetState serializes lifecycle transitions for one target. Its lock is
// the per-target lock from the concurrency model: no tracker operation
// holds more than one target's lock at a time.
type targetState struct {
	mu        sync.Mutex
	runningID string
	pending   []string
}

// batch accumulates progress counters for one submission.
type batch struct {
	mu        sync.Mutex
	submitted int
	pending   int
	running   int
	succeeded int
	failed    int
	cancelled int
	sources   map[string]struct{}
}

// Tracker records the lifecycle and progress of every submitted job. Jobs
// are kept in an id-keyed arena so sweeps and cancellation work by lookup
// rather than graph traversal.
type Tracker struct {
	logger *zap.Logger
	cfg    Config

	mu      sync.RWMutex // guards the maps themselves, not record fields
	jobs    map[string]*model.Job
	batches map[string]*batch
	targets map[string]*targetState

	samplesMu sync.Mutex
	samples   map[string][]string

	cancelMu  sync.Mutex
	cancelFns map[string]context.CancelFunc

	stop chan struct{}
	now  func() time.Time
}

// New creates a tracker.
func New(cfg Config, logger *zap.Logger) *Tracker {
	if cfg.FailureSampleSize <= 0 {
		cfg.FailureSampleSize = 5
	}
	return &Tracker{
		logger:    logger.Named("job-tracker"),
		cfg:       cfg,
		jobs:      make(map[string]*model.Job),
		batches:   make(map[string]*batch),
		targets:   make(map[string]*targetState),
		samples:   make(map[string][]string),
		cancelFns: make(map[string]context.CancelFunc),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the retention sweep loop.
func (t *Tracker) Start(ctx context.Context) error {
	t.logger.Info("Starting job tracker",
		zap.Duration("retention", t.cfg.Retention),
		zap.Duration("sweep_interval", t.cfg.SweepInterval))

	go t.sweepLoop(ctx)
	return nil
}

// Stop stops the sweep loop.
func (t *Tracker) Stop() {
	t.logger.Info("Stopping job tracker")
	close(t.stop)
}

func (t *Tracker) targetFor(targetID string) *targetState {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.targets[targetID]
	if !ok {
		ts = &targetState{}
		t.targets[targetID] = ts
	}
	return ts
}

// NewBatch allocates a batch id for a group of submissions.
func (t *Tracker) NewBatch() string {
	id := uuid.New().String()

	t.mu.Lock()
	t.batches[id] = &batch{sources: make(map[string]struct{})}
	t.mu.Unlock()

	return id
}

// Submit creates a pending job for the target, or coalesces with an
// existing pending job for the same target: a second submission while one
// is already queued (or queued behind a running job) yields the queued job
// rather than a second concurrent execution.
func (t *Tracker) Submit(batchID string, target model.Target, priority model.TargetPriority) (string, bool) {
	if priority != 0 {
		target.Priority = priority
	}

	ts := t.targetFor(target.ID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if len(ts.pending) > 0 {
		id := ts.pending[0]
		// A higher-priority resubmission escalates the queued job rather
		// than leaving it in its original tier.
		t.mu.Lock()
		if job := t.jobs[id]; job != nil && target.Priority > job.Target.Priority {
			job.Target.Priority = target.Priority
		}
		t.mu.Unlock()
		return id, true
	}

	job := &model.Job{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		Target:      target,
		Status:      model.JobStatusPending,
		SubmittedAt: t.now(),
		NotBefore:   t.now(),
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	b := t.batches[batchID]
	t.mu.Unlock()

	ts.pending = append(ts.pending, job.ID)

	if b != nil {
		b.mu.Lock()
		b.submitted++
		b.pending++
		b.sources[target.SourceID] = struct{}{}
		b.mu.Unlock()
	}

	return job.ID, false
}

// TryStart claims a job for execution. It enforces the one-running-job-per-
// target invariant: if the target already has a running job the claim fails
// with ErrTargetBusy and the caller reschedules. Attempts are counted at the
// adapter boundary (NoteAttempt), not here: a claim that backs off before
// fetching consumes no retry budget.
func (t *Tracker) TryStart(jobID string) (*model.Job, error) {
	job, err := t.job(jobID)
	if err != nil {
		return nil, err
	}

	ts := t.targetFor(job.Target.ID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if job.Status != model.JobStatusPending {
		if job.Status.Terminal() {
			return nil, ErrAlreadyTerminal
		}
		return nil, ErrNotPending
	}
	if ts.runningID != "" {
		return nil, ErrTargetBusy
	}

	now := t.now()
	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	ts.runningID = job.ID
	ts.pending = remove(ts.pending, job.ID)

	t.bumpBatch(job.BatchID, func(b *batch) {
		b.pending--
		b.running++
	})

	snapshot := *job
	return &snapshot, nil
}

// NoteAttempt increments the job's attempt counter just before the adapter
// is invoked and returns the new count.
func (t *Tracker) NoteAttempt(jobID string) (int, error) {
	job, err := t.job(jobID)
	if err != nil {
		return 0, err
	}

	ts := t.targetFor(job.Target.ID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if job.Status != model.JobStatusRunning {
		return job.Attempts, ErrNotPending
	}
	job.Attempts++
	return job.Attempts, nil
}

// BindCancel registers the cancel function for a running job so a caller-
// issued cancel can reach the adapter boundary cooperatively.
func (t *Tracker) BindCancel(jobID string, cancel context.CancelFunc) {
	t.cancelMu.Lock()
	t.cancelFns[jobID] = cancel
	t.cancelMu.Unlock()
}

func (t *Tracker) unbindCancel(jobID string) {
	t.cancelMu.Lock()
	delete(t.cancelFns, jobID)
	t.cancelMu.Unlock()
}

// MarkSucceeded finishes a running job with its accepted result version.
func (t *Tracker) MarkSucceeded(jobID string, resultVersion int64) error {
	return t.finish(jobID, model.JobStatusSucceeded,
		func(job *model.Job) {
			job.ResultVersion = resultVersion
			job.LastErrorKind = model.ErrorKindNone
			job.LastError = ""
		},
		func(b *batch) { b.succeeded++ })
}

// MarkFailed terminates a job with its final error classification. Every
// terminal failure carries a non-empty reason.
func (t *Tracker) MarkFailed(jobID string, kind model.ErrorKind, reason string) error {
	if reason == "" {
		reason = string(kind)
	}
	err := t.finish(jobID, model.JobStatusFailed,
		func(job *model.Job) {
			job.LastErrorKind = kind
			job.LastError = reason
		},
		func(b *batch) { b.failed++ })
	if err == nil {
		if job, jerr := t.job(jobID); jerr == nil {
			t.recordFailureSample(job.Target.SourceID, kind, reason)
		}
	}
	return err
}

// MarkCancelled finishes a running job after the adapter observed the
// cooperative cancel.
func (t *Tracker) MarkCancelled(jobID string) error {
	return t.finish(jobID, model.JobStatusCancelled,
		func(job *model.Job) {},
		func(b *batch) { b.cancelled++ })
}

// Reschedule returns a running job to pending after a retry decision. This
// is the only path from a failed attempt back to pending.
func (t *Tracker) Reschedule(jobID string, delay time.Duration, kind model.ErrorKind, reason string) error {
	job, err := t.job(jobID)
	if err != nil {
		return err
	}

	ts := t.targetFor(job.Target.ID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if job.Status != model.JobStatusRunning {
		return ErrNotPending
	}

	job.Status = model.JobStatusPending
	job.NotBefore = t.now().Add(delay)
	// A reschedule with no classification (limiter wait, shutdown) keeps
	// the error fields from the last failed attempt.
	if kind != model.ErrorKindNone {
		job.LastErrorKind = kind
		job.LastError = reason
	}
	ts.runningID = ""
	ts.pending = append(ts.pending, job.ID)
	t.unbindCancel(jobID)

	t.bumpBatch(job.BatchID, func(b *batch) {
		b.running--
		b.pending++
	})

	return nil
}

// RequeuePending pushes a pending job's eligibility time forward without a
// state transition, used when the dispatcher backs off a claim (target
// busy, breaker open, rate-limit wait too long to hold a worker).
func (t *Tracker) RequeuePending(jobID string, delay time.Duration) error {
	job, err := t.job(jobID)
	if err != nil {
		return err
	}

	ts := t.targetFor(job.Target.ID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if job.Status != model.JobStatusPending {
		return ErrNotPending
	}
	job.NotBefore = t.now().Add(delay)
	return nil
}

// Cancel cancels a job. Pending jobs terminate immediately; running jobs
// get their adapter context cancelled and terminate when the adapter
// observes it. Terminal jobs report ErrAlreadyTerminal.
func (t *Tracker) Cancel(jobID string) error {
	job, err := t.job(jobID)
	if err != nil {
		return err
	}

	ts := t.targetFor(job.Target.ID)

	ts.mu.Lock()
	switch job.Status {
	case model.JobStatusPending:
		job.Status = model.JobStatusCancelled
		now := t.now()
		job.CompletedAt = &now
		ts.pending = remove(ts.pending, job.ID)
		ts.mu.Unlock()

		t.bumpBatch(job.BatchID, func(b *batch) {
			b.pending--
			b.cancelled++
		})
		return nil

	case model.JobStatusRunning:
		ts.mu.Unlock()

		t.cancelMu.Lock()
		cancel := t.cancelFns[jobID]
		t.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	default:
		ts.mu.Unlock()
		return ErrAlreadyTerminal
	}
}

// Status returns a caller-facing view of the job.
func (t *Tracker) Status(jobID string) (model.JobView, error) {
	job, err := t.job(jobID)
	if err != nil {
		return model.JobView{}, err
	}

	ts := t.targetFor(job.Target.ID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	return model.JobView{
		ID:            job.ID,
		BatchID:       job.BatchID,
		TargetID:      job.Target.ID,
		SourceID:      job.Target.SourceID,
		Priority:      job.Target.Priority,
		Status:        job.Status,
		Attempts:      job.Attempts,
		SubmittedAt:   job.SubmittedAt,
		LastErrorKind: job.LastErrorKind,
		LastError:     job.LastError,
		ResultVersion: job.ResultVersion,
	}, nil
}

// BatchStatus returns aggregate progress plus recent failure samples for
// the sources the batch touched.
func (t *Tracker) BatchStatus(batchID string) (model.BatchProgress, error) {
	t.mu.RLock()
	b, ok := t.batches[batchID]
	t.mu.RUnlock()
	if !ok {
		return model.BatchProgress{}, ErrBatchNotFound
	}

	b.mu.Lock()
	progress := model.BatchProgress{
		BatchID:   batchID,
		Submitted: b.submitted,
		Pending:   b.pending,
		Running:   b.running,
		Succeeded: b.succeeded,
		Failed:    b.failed,
		Cancelled: b.cancelled,
	}
	sources := make([]string, 0, len(b.sources))
	for id := range b.sources {
		sources = append(sources, id)
	}
	b.mu.Unlock()

	t.samplesMu.Lock()
	for _, id := range sources {
		if reasons := t.samples[id]; len(reasons) > 0 {
			if progress.FailureSamples == nil {
				progress.FailureSamples = make(map[string][]string)
			}
			progress.FailureSamples[id] = append([]string(nil), reasons...)
		}
	}
	t.samplesMu.Unlock()

	return progress, nil
}

// Counts returns live totals across all jobs, for the monitor. Statuses are
// read under each job's target lock so in-flight transitions are not torn.
func (t *Tracker) Counts() map[model.JobStatus]int {
	t.mu.RLock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make(map[model.JobStatus]int)
	for _, id := range ids {
		view, err := t.Status(id)
		if err != nil {
			continue
		}
		out[view.Status]++
	}
	return out
}

// finish applies a terminal transition from running.
func (t *Tracker) finish(jobID string, status model.JobStatus, applyJob func(*model.Job), applyBatch func(*batch)) error {
	job, err := t.job(jobID)
	if err != nil {
		return err
	}

	ts := t.targetFor(job.Target.ID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if job.Status != model.JobStatusRunning {
		return ErrAlreadyTerminal
	}

	now := t.now()
	job.Status = status
	job.CompletedAt = &now
	applyJob(job)
	ts.runningID = ""
	t.unbindCancel(jobID)

	t.bumpBatch(job.BatchID, func(b *batch) {
		b.running--
		applyBatch(b)
	})

	return nil
}

func (t *Tracker) job(jobID string) (*model.Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (t *Tracker) bumpBatch(batchID string, apply func(*batch)) {
	t.mu.RLock()
	b, ok := t.batches[batchID]
	t.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	apply(b)
	b.mu.Unlock()
}

func (t *Tracker) recordFailureSample(sourceID string, kind model.ErrorKind, reason string) {
	t.samplesMu.Lock()
	defer t.samplesMu.Unlock()

	ring := append(t.samples[sourceID], string(kind)+": "+reason)
	if len(ring) > t.cfg.FailureSampleSize {
		ring = ring[len(ring)-t.cfg.FailureSampleSize:]
	}
	t.samples[sourceID] = ring
}

// sweepLoop purges terminal jobs past the retention window.
func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep removes terminal jobs older than the retention window. Candidates
// are inspected under their target lock, then deleted by id.
func (t *Tracker) sweep() {
	cutoff := t.now().Add(-t.cfg.Retention)

	t.mu.RLock()
	candidates := make([]*model.Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		candidates = append(candidates, job)
	}
	t.mu.RUnlock()

	var expired []string
	for _, job := range candidates {
		ts := t.targetFor(job.Target.ID)
		ts.mu.Lock()
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			expired = append(expired, job.ID)
		}
		ts.mu.Unlock()
	}
	if len(expired) == 0 {
		return
	}

	t.mu.Lock()
	for _, id := range expired {
		delete(t.jobs, id)
	}
	t.mu.Unlock()

	t.logger.Info("Purged terminal jobs", zap.Int("count", len(expired)))
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
