package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Ledger tracks cumulative stored bytes as an eventually consistent single
// counter. It is incremented optimistically at completion and never
// decremented inline; a full bucket listing rebuilds it whenever drift could
// flip an accept/reject decision at the quota boundary.
type Ledger struct {
	kv    KV
	store ObjectStore
	quota int64
}

// NewLedger creates a ledger enforcing the given byte quota.
func NewLedger(kv KV, store ObjectStore, quota int64) *Ledger {
	return &Ledger{kv: kv, store: store, quota: quota}
}

// Quota returns the configured hard cap.
func (l *Ledger) Quota() int64 {
	return l.quota
}

// Usage returns the cached aggregate, rebuilding it from a listing scan only
// when no counter exists yet.
func (l *Ledger) Usage(ctx context.Context) (int64, error) {
	used, cached, err := l.kv.UsageBytes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	if cached {
		return used, nil
	}
	return l.Reconcile(ctx)
}

// Admit decides whether an upload of the declared size fits under the quota.
// The cheap cached check decides far from the boundary; only a request that
// would tip the cached aggregate over the cap pays for a reconciliation scan
// before being finally rejected.
func (l *Ledger) Admit(ctx context.Context, size int64) error {
	used, err := l.Usage(ctx)
	if err != nil {
		return err
	}
	if used+size <= l.quota {
		return nil
	}

	used, err = l.Reconcile(ctx)
	if err != nil {
		return err
	}
	if used+size > l.quota {
		return fmt.Errorf("%w: %d used of %d", ErrQuotaExceeded, used, l.quota)
	}
	return nil
}

// Record adds the declared size of a completed upload to the aggregate.
func (l *Ledger) Record(ctx context.Context, size int64) error {
	_, err := l.kv.AddUsage(ctx, size)
	return err
}

// Reconcile recomputes the aggregate from a full bucket listing and
// overwrites the counter. Expensive; callers gate it to the quota boundary.
func (l *Ledger) Reconcile(ctx context.Context) (int64, error) {
	var total int64
	err := l.store.List(ctx, "", func(key string, size int64, modified time.Time) error {
		total += size
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan bucket for usage: %w", err)
	}
	if err := l.kv.SetUsage(ctx, total); err != nil {
		return 0, fmt.Errorf("failed to store reconciled usage: %w", err)
	}
	slog.Info("usage counter reconciled", "total_bytes", total)
	return total, nil
}
