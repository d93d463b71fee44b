package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

// ResultKey derives the cache key for a target's latest metrics.
func ResultKey(targetID string) string {
	return "metrics:" + targetID
}

// Tiered is the two-level cache façade. Reads check L1, then L2 (populating
// L1 on hit), then report a miss so the caller falls back to the
// authoritative result store. Reads never return a value older than the
// latest known result version for the key, except stale-serve within the
// configured window.
type Tiered struct {
	logger *zap.Logger
	l1     *L1
	l2     *L2
	// staleWindow bounds serve-stale-while-revalidate for expired entries.
	staleWindow time.Duration

	// versions tracks the latest accepted result version per key.
	versions sync.Map // string -> int64

	now func() time.Time
}

// NewTiered creates the façade. l2 may be nil when no shared tier is
// configured; the cache then runs L1-only.
func NewTiered(l1 *L1, l2 *L2, staleWindow time.Duration, logger *zap.Logger) *Tiered {
	return &Tiered{
		logger:      logger.Named("cache"),
		l1:          l1,
		l2:          l2,
		staleWindow: staleWindow,
		now:         time.Now,
	}
}

func (t *Tiered) latestVersion(key string) int64 {
	if v, ok := t.versions.Load(key); ok {
		return v.(int64)
	}
	return 0
}

// ObserveVersion records that a result version exists for the key, fencing
// off older cached values. Called when a result is accepted, before the
// cache is refreshed.
func (t *Tiered) ObserveVersion(key string, version int64) {
	for {
		cur, loaded := t.versions.LoadOrStore(key, version)
		if !loaded || cur.(int64) >= version {
			return
		}
		if t.versions.CompareAndSwap(key, cur, version) {
			return
		}
	}
}

// Get returns the cached value for key. The boolean reports a usable hit;
// a miss means the caller should consult the authoritative store.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	latest := t.latestVersion(key)
	now := t.now()

	var staleCandidate *Entry

	if entry, ok := t.l1.Get(key); ok && entry.Version >= latest {
		if !entry.Expired(now) {
			return entry.Value, true
		}
		staleCandidate = entry
	}

	if t.l2 != nil {
		entry, err := t.l2.Get(ctx, key)
		switch {
		case err != nil:
			t.logger.Warn("L2 read failed", zap.String("key", key), zap.Error(err))
		case entry != nil && entry.Version >= latest:
			if !entry.Expired(now) {
				t.l1.Set(key, entry.Value, entry.Version)
				return entry.Value, true
			}
			if staleCandidate == nil || entry.Version > staleCandidate.Version {
				staleCandidate = entry
			}
		}
	}

	// Serve-stale-while-revalidate: an expired entry is still usable inside
	// the stale window; beyond it, miss.
	if staleCandidate != nil && now.Sub(staleCandidate.ExpiresAt) <= t.staleWindow {
		return staleCandidate.Value, true
	}

	return nil, false
}

// Put refreshes both tiers for an accepted result. In-flight reads that
// already fetched an older value are not chased down; reads started after
// this call observe the new version fence.
func (t *Tiered) Put(ctx context.Context, key string, value []byte, version int64) {
	t.ObserveVersion(key, version)

	if t.l2 != nil {
		if err := t.l2.Set(ctx, key, value, version); err != nil {
			t.logger.Warn("L2 write failed", zap.String("key", key), zap.Error(err))
		}
	}
	t.l1.Set(key, value, version)
}

// PutResult caches a validated result under its target key.
func (t *Tiered) PutResult(ctx context.Context, res *model.Result, encoded []byte) {
	t.Put(ctx, ResultKey(res.TargetID), encoded, res.Version)
}

// Invalidate removes the key from both tiers for manual cache busting.
func (t *Tiered) Invalidate(ctx context.Context, key string) {
	t.l1.Delete(key)
	if t.l2 != nil {
		if err := t.l2.Delete(ctx, key); err != nil {
			t.logger.Warn("L2 delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}
