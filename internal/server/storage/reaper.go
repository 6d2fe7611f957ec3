// Package storage holds the background reaper that keeps the bucket in sync
// with the key-value store's TTLs.
package storage

import (
	"context"
	"log/slog"
	"time"
)

// ObjectStore is the slice of the bucket adapter the reaper consumes.
type ObjectStore interface {
	List(ctx context.Context, prefix string, fn func(key string, size int64, modified time.Time) error) error
	Delete(ctx context.Context, key string) error
}

// KV answers whether an object's reverse index entry is still alive.
type KV interface {
	Has(ctx context.Context, key string) (bool, error)
}

// Reconciler rebuilds the usage counter from a bucket listing.
type Reconciler interface {
	Reconcile(ctx context.Context) (int64, error)
}

// Reaper periodically walks the bucket and deletes objects whose reverse
// index entry has expired. The KV TTL is authoritative for lifetime; the
// bucket itself carries no expiry.
type Reaper struct {
	store    ObjectStore
	kv       KV
	ledger   Reconciler
	keyFn    func(objectKey string) string
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewReaper creates a reaper. keyFn maps an object key to its reverse index
// key in the KV store. Objects modified less than grace ago are left alone:
// a completed upload writes its reverse index entry only after the bucket
// object exists, and a sweep landing in that window must not treat the fresh
// object as an orphan.
func NewReaper(store ObjectStore, kvs KV, ledger Reconciler, keyFn func(string) string, interval, grace time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		kv:       kvs,
		ledger:   ledger,
		keyFn:    keyFn,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the reap loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	slog.Info("reaper started", "interval", r.interval)

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		// Run once immediately on start
		r.Sweep(ctx)

		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("reaper stopping")
				close(r.done)
				return
			}
		}
	}()
}

// Wait blocks until the reaper has fully stopped.
func (r *Reaper) Wait() {
	<-r.done
}

// Sweep runs one reap cycle: delete orphaned objects, then reconcile the
// usage counter if anything was removed.
func (r *Reaper) Sweep(ctx context.Context) {
	var reaped, failed int
	cutoff := r.now().Add(-r.grace)

	err := r.store.List(ctx, "", func(key string, size int64, modified time.Time) error {
		if modified.After(cutoff) {
			// Too young to judge: the reverse index entry may not be
			// written yet.
			return nil
		}
		alive, err := r.kv.Has(ctx, r.keyFn(key))
		if err != nil {
			slog.Error("failed to check reverse index", "object_key", key, "error", err)
			failed++
			return nil
		}
		if alive {
			return nil
		}

		if err := r.store.Delete(ctx, key); err != nil {
			slog.Error("failed to delete expired object", "object_key", key, "error", err)
			failed++
			return nil
		}
		reaped++
		slog.Info("reaped expired object", "object_key", key, "size", size)
		return nil
	})
	if err != nil {
		slog.Error("reap cycle aborted", "error", err)
		return
	}

	if reaped > 0 {
		if used, err := r.ledger.Reconcile(ctx); err != nil {
			slog.Error("failed to reconcile usage after sweep", "error", err)
		} else {
			slog.Info("usage reconciled after sweep", "used_bytes", used)
		}
	}

	slog.Info("reap cycle complete", "reaped", reaped, "failed", failed)
}
