package mesh

import (
	"context"
	"fmt"
	"time"

	"meshstat/internal/model"
)

// DefaultRetention is how long synced records are kept.
const DefaultRetention = 30 * 24 * time.Hour

// Retention deletes synced records once they are older than maxAge.
type Retention struct {
	store  Store
	clock  Clock
	logger Logger
	maxAge time.Duration
}

func NewRetention(store Store, clock Clock, logger Logger, maxAge time.Duration) *Retention {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Retention{store: store, clock: clock, logger: logger, maxAge: maxAge}
}

// Prune deletes every synced record whose sync time is older than maxAge
// and returns the per-kind counts removed.
func (r *Retention) Prune(ctx context.Context) (model.Counts, error) {
	cutoff := r.clock.Now().Add(-r.maxAge)
	var removed model.Counts
	for _, kind := range model.Kinds {
		n, err := r.store.DeleteSyncedBefore(ctx, kind, cutoff)
		if err != nil {
			return removed, fmt.Errorf("pruning %s: %w", kind, err)
		}
		removed.Set(kind, n)
	}
	if removed.Total() > 0 {
		r.logger.Info("retention pruned records", "cutoff", cutoff, "playback", removed.Playback,
			"sharing", removed.Sharing, "metadata", removed.Tracks, "transfer", removed.Transfers)
	}
	return removed, nil
}
