package store

import (
	"context"
	"time"

	"github.com/kincall/signal/internal/models"
)

// The retention sweeper is a data-minimization control, not a correctness
// one: it deletes durable records older than the retention window regardless
// of state, and never touches the in-memory live set.

// PurgeOlderThan deletes records created before cutoff and returns the count.
func (st *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res := st.db.
		Where("created_at < ?", cutoff).
		Delete(&models.CallSession{})
	return res.RowsAffected, res.Error
}

// StartSweeper purges on a fixed interval until ctx ends. retention is the
// age beyond which records are removed; now is injectable for tests.
func (st *Store) StartSweeper(ctx context.Context, interval, retention time.Duration, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.sweepOnce(retention, now())
			}
		}
	}()
}

func (st *Store) sweepOnce(retention time.Duration, now time.Time) {
	cutoff := now.Add(-retention)
	deleted, err := st.PurgeOlderThan(cutoff)
	if err != nil {
		st.logger.Error("retention sweep failed", "cutoff", cutoff, "error", err)
		return
	}
	if deleted > 0 {
		st.logger.Info("retention sweep removed old call records", "deleted", deleted, "cutoff", cutoff)
	}
}
