// Package store is the durable side of call records: history, audit, and the
// retention sweep. The live call protocol never waits on it: writes that
// fail are queued and retried by a background reconciler so a storage hiccup
// cannot hold the state machine hostage.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/kincall/signal/internal/models"
)

var ErrRecordNotFound = errors.New("call record not found")

// maxPending bounds the retry queue. When the queue is full the oldest entry
// is dropped and flagged for audit; losing one history row is preferable to
// growing without bound during a storage outage.
const maxPending = 1024

type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu      sync.Mutex
	pending []models.CallSession
}

func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Record upserts one call record by session ID. It satisfies the session
// manager's Recorder contract: it never returns an error to the caller, and
// failed writes go to the retry queue.
func (st *Store) Record(s models.CallSession) {
	if err := st.db.Save(&s).Error; err != nil {
		st.logger.Error("call record write failed, queued for retry",
			"session_id", s.SessionID, "state", s.State, "error", err)
		st.enqueue(s)
	}
}

func (st *Store) enqueue(s models.CallSession) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.pending) >= maxPending {
		dropped := st.pending[0]
		st.pending = st.pending[1:]
		st.logger.Error("retry queue full, call record dropped for audit",
			"session_id", dropped.SessionID, "state", dropped.State)
	}
	st.pending = append(st.pending, s)
}

// PendingWrites reports the retry queue depth, for the status endpoint.
func (st *Store) PendingWrites() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending)
}

// StartReconciler retries queued writes on a fixed interval until ctx ends.
func (st *Store) StartReconciler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.retryPending()
			}
		}
	}()
}

func (st *Store) retryPending() {
	st.mu.Lock()
	batch := st.pending
	st.pending = nil
	st.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var failed []models.CallSession
	for _, s := range batch {
		if err := st.saveIfNotNewer(s); err != nil {
			failed = append(failed, s)
		}
	}

	if len(failed) > 0 {
		st.mu.Lock()
		// Re-queue behind anything that arrived while we were retrying.
		st.pending = append(st.pending, failed...)
		st.mu.Unlock()
	}
	st.logger.Info("call record retry pass",
		"attempted", len(batch), "still_failing", len(failed))
}

// saveIfNotNewer applies a queued snapshot unless the durable row has moved
// on since the snapshot was taken. Queued writes are stale by definition: a
// later Record for the same session may have succeeded while this one sat in
// the queue, and replaying the old state would roll a terminal record back
// to a live one.
func (st *Store) saveIfNotNewer(s models.CallSession) error {
	res := st.db.Model(&models.CallSession{}).
		Where("session_id = ? AND updated_at <= ?", s.SessionID, s.UpdatedAt).
		Select("*").
		Updates(&s)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Nothing matched: either a newer row exists, in which case the stale
	// snapshot is dropped, or the row was never written and we insert it.
	var count int64
	err := st.db.Model(&models.CallSession{}).
		Where("session_id = ?", s.SessionID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return st.db.Create(&s).Error
}

// History returns the user's call records, newest first, with the total count
// for pagination. Both roles count: calls made and calls received.
func (st *Store) History(userID string, page, limit int) ([]models.CallSession, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	// Session makes the chain reusable for both the count and the page query.
	q := st.db.Model(&models.CallSession{}).
		Where("caller_id = ? OR callee_id = ?", userID, userID).
		Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []models.CallSession
	err := q.Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Detail returns one record, only to its participants.
func (st *Store) Detail(sessionID, userID string) (*models.CallSession, error) {
	var rec models.CallSession
	err := st.db.
		Where("session_id = ? AND (caller_id = ? OR callee_id = ?)", sessionID, userID, userID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteForUser removes every record the user participates in. This is the
// data-subject erasure path; it returns how many rows went away.
func (st *Store) DeleteForUser(userID string) (int64, error) {
	res := st.db.
		Where("caller_id = ? OR callee_id = ?", userID, userID).
		Delete(&models.CallSession{})
	return res.RowsAffected, res.Error
}

// StateStat is one row of the per-user call statistics.
type StateStat struct {
	State                models.CallState `json:"state"`
	Count                int64            `json:"count"`
	TotalDurationSeconds int64            `json:"total_duration_seconds"`
}

// Stats aggregates the user's records by state. Duration only accumulates for
// completed calls; ringing-phase records carry none.
func (st *Store) Stats(userID string) ([]StateStat, error) {
	var stats []StateStat
	err := st.db.Model(&models.CallSession{}).
		Select("state, count(*) as count, coalesce(sum(coalesce(duration_seconds, 0)), 0) as total_duration_seconds").
		Where("caller_id = ? OR callee_id = ?", userID, userID).
		Group("state").
		Order("state").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}
