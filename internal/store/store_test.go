package store

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kincall/signal/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection, or every statement may see its own empty :memory: DB.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.CallSession{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, nil)
}

func makeSession(sessionID, callerID, calleeID string, state models.CallState, createdAt time.Time) models.CallSession {
	return models.CallSession{
		SessionID: sessionID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		State:     state,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestRecordUpsertsBySessionID(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1700000000, 0)

	s := makeSession("s-1", "alice", "bob", models.CallStateRinging, base)
	st.Record(s)

	answered := base.Add(5 * time.Second)
	ended := base.Add(65 * time.Second)
	s.State = models.CallStateEnded
	s.AnsweredAt = &answered
	s.EndedAt = &ended
	st.Record(s)

	got, err := st.Detail("s-1", "alice")
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if got.State != models.CallStateEnded {
		t.Fatalf("state = %s, want ended", got.State)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 60 {
		t.Fatalf("duration = %v, want 60", got.DurationSeconds)
	}

	var count int64
	if err := st.db.Model(&models.CallSession{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("row count = %d, want 1 (upsert, not insert)", count)
	}
	if st.PendingWrites() != 0 {
		t.Fatalf("PendingWrites = %d, want 0", st.PendingWrites())
	}
}

func TestHistoryPagination(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 25; i++ {
		s := makeSession(
			sessionID(i), "alice", "bob",
			models.CallStateEnded, base.Add(time.Duration(i)*time.Minute),
		)
		st.Record(s)
	}
	// A record alice has no part in must never show up.
	st.Record(makeSession("other", "carol", "dave", models.CallStateEnded, base))

	page1, total, err := st.History("alice", 1, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 25 {
		t.Fatalf("total = %d, want 25", total)
	}
	if len(page1) != 10 {
		t.Fatalf("page1 len = %d, want 10", len(page1))
	}
	if page1[0].SessionID != sessionID(24) {
		t.Fatalf("first record = %s, want newest %s", page1[0].SessionID, sessionID(24))
	}

	page3, _, err := st.History("alice", 3, 10)
	if err != nil {
		t.Fatalf("History page 3: %v", err)
	}
	if len(page3) != 5 {
		t.Fatalf("page3 len = %d, want 5", len(page3))
	}

	// Callee role counts as participation too.
	_, asCallee, err := st.History("bob", 1, 10)
	if err != nil {
		t.Fatalf("History for callee: %v", err)
	}
	if asCallee != 25 {
		t.Fatalf("callee total = %d, want 25", asCallee)
	}
}

func sessionID(i int) string {
	return "s-" + string(rune('a'+i/10)) + string(rune('0'+i%10))
}

func TestRetryDoesNotClobberNewerState(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1700000000, 0)

	// A write that failed during a storage hiccup sits in the retry queue
	// while the call keeps progressing and later writes succeed.
	ringing := makeSession("s-1", "alice", "bob", models.CallStateRinging, base)
	st.enqueue(ringing)

	ended := makeSession("s-1", "alice", "bob", models.CallStateEnded, base)
	ended.UpdatedAt = base.Add(40 * time.Second)
	endedAt := base.Add(40 * time.Second)
	ended.EndedAt = &endedAt
	st.Record(ended)

	st.retryPending()

	got, err := st.Detail("s-1", "alice")
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if got.State != models.CallStateEnded {
		t.Fatalf("state = %s, want ended (stale retry must not roll back a terminal record)", got.State)
	}
	if st.PendingWrites() != 0 {
		t.Fatalf("PendingWrites = %d, want 0 (stale entry dropped, not re-queued)", st.PendingWrites())
	}
}

func TestRetryInsertsMissingRecord(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1700000000, 0)

	// The only write for this session failed; the reconciler must still get
	// the record into the database.
	st.enqueue(makeSession("s-1", "alice", "bob", models.CallStateMissed, base))
	st.retryPending()

	got, err := st.Detail("s-1", "alice")
	if err != nil {
		t.Fatalf("Detail after retry: %v", err)
	}
	if got.State != models.CallStateMissed {
		t.Fatalf("state = %s, want missed", got.State)
	}
	if st.PendingWrites() != 0 {
		t.Fatalf("PendingWrites = %d, want 0", st.PendingWrites())
	}
}

func TestHistoryLimitClampedToCap(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 12; i++ {
		st.Record(makeSession(sessionID(i), "alice", "bob", models.CallStateEnded, base.Add(time.Duration(i)*time.Minute)))
	}

	// An oversized limit clamps to the cap; it must not fall back to the
	// small default and return fewer rows than a modest request would.
	records, total, err := st.History("alice", 1, 150)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 12 {
		t.Fatalf("total = %d, want 12", total)
	}
	if len(records) != 12 {
		t.Fatalf("len = %d, want 12", len(records))
	}
}

func TestDetailParticipantsOnly(t *testing.T) {
	st := newTestStore(t)
	st.Record(makeSession("s-1", "alice", "bob", models.CallStateEnded, time.Unix(1700000000, 0)))

	if _, err := st.Detail("s-1", "bob"); err != nil {
		t.Fatalf("Detail for callee: %v", err)
	}
	if _, err := st.Detail("s-1", "mallory"); err != ErrRecordNotFound {
		t.Fatalf("Detail for outsider err = %v, want ErrRecordNotFound", err)
	}
	if _, err := st.Detail("missing", "alice"); err != ErrRecordNotFound {
		t.Fatalf("Detail for unknown session err = %v, want ErrRecordNotFound", err)
	}
}

func TestDeleteForUser(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1700000000, 0)
	st.Record(makeSession("s-1", "alice", "bob", models.CallStateEnded, base))
	st.Record(makeSession("s-2", "carol", "alice", models.CallStateMissed, base))
	st.Record(makeSession("s-3", "carol", "dave", models.CallStateEnded, base))

	deleted, err := st.DeleteForUser("alice")
	if err != nil {
		t.Fatalf("DeleteForUser: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}

	if _, err := st.Detail("s-3", "carol"); err != nil {
		t.Fatalf("unrelated record removed: %v", err)
	}
}

func TestStats(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1700000000, 0)

	for i, d := range []int{30, 90} {
		s := makeSession(sessionID(i), "alice", "bob", models.CallStateEnded, base)
		answered := base.Add(time.Second)
		ended := answered.Add(time.Duration(d) * time.Second)
		s.AnsweredAt = &answered
		s.EndedAt = &ended
		st.Record(s)
	}
	st.Record(makeSession("s-m1", "bob", "alice", models.CallStateMissed, base))

	stats, err := st.Stats("alice")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	byState := make(map[models.CallState]StateStat, len(stats))
	for _, row := range stats {
		byState[row.State] = row
	}

	if row := byState[models.CallStateEnded]; row.Count != 2 || row.TotalDurationSeconds != 120 {
		t.Fatalf("ended stats = %+v, want count 2 total 120", row)
	}
	if row := byState[models.CallStateMissed]; row.Count != 1 || row.TotalDurationSeconds != 0 {
		t.Fatalf("missed stats = %+v, want count 1 total 0", row)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	st := newTestStore(t)
	now := time.Unix(1700000000, 0)

	st.Record(makeSession("old", "alice", "bob", models.CallStateEnded, now.Add(-31*24*time.Hour)))
	st.Record(makeSession("recent", "alice", "bob", models.CallStateEnded, now.Add(-29*24*time.Hour)))

	deleted, err := st.PurgeOlderThan(now.Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	if _, err := st.Detail("old", "alice"); err != ErrRecordNotFound {
		t.Fatalf("old record survived the sweep: %v", err)
	}
	if _, err := st.Detail("recent", "alice"); err != nil {
		t.Fatalf("recent record removed: %v", err)
	}
}

func TestSweepOnceUsesRetentionWindow(t *testing.T) {
	st := newTestStore(t)
	now := time.Unix(1700000000, 0)

	st.Record(makeSession("stale", "alice", "bob", models.CallStateMissed, now.Add(-40*24*time.Hour)))
	st.Record(makeSession("fresh", "alice", "bob", models.CallStateEnded, now.Add(-1*time.Hour)))

	st.sweepOnce(30*24*time.Hour, now)

	var count int64
	if err := st.db.Model(&models.CallSession{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("row count after sweep = %d, want 1", count)
	}
}
