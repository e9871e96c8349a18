package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/google/uuid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestBroadcast(t *testing.T, db *DB, mutate func(*models.Broadcast)) *models.Broadcast {
	t.Helper()
	b := &models.Broadcast{
		ID:            uuid.NewString(),
		Name:          "appointment reminders",
		Template:      "Hi {{name}}, this is a reminder.",
		Status:        models.BroadcastQueued,
		MaxConcurrent: 2,
		MaxRetries:    2,
		RetryDelay:    5 * time.Minute,
		OptOutEnabled: true,
	}
	if mutate != nil {
		mutate(b)
	}
	if err := NewBroadcastRepository(db).Create(context.Background(), b); err != nil {
		t.Fatalf("Create() broadcast error: %v", err)
	}
	return b
}

func createTestCalls(t *testing.T, db *DB, broadcastID string, phones ...string) []models.Call {
	t.Helper()
	calls := make([]models.Call, len(phones))
	for i, phone := range phones {
		calls[i] = models.Call{
			ID:          uuid.NewString(),
			BroadcastID: broadcastID,
			Phone:       phone,
			MessageText: "Hi there",
		}
	}
	if err := NewCallRepository(db).BulkCreate(context.Background(), calls); err != nil {
		t.Fatalf("BulkCreate() error: %v", err)
	}
	return calls
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "dialcast.db")); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{"schema_migrations", "admin_users", "broadcasts", "audio_assets", "calls"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestBroadcastLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewBroadcastRepository(db)

	b := createTestBroadcast(t, db, nil)

	got, err := repo.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil for existing broadcast")
	}
	if got.RetryDelay != 5*time.Minute {
		t.Errorf("RetryDelay = %v, want 5m", got.RetryDelay)
	}
	if got.Status != models.BroadcastQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}

	// queued -> in_progress records started_at once.
	if err := repo.MarkStarted(ctx, b.ID); err != nil {
		t.Fatalf("MarkStarted() error: %v", err)
	}
	got, _ = repo.GetByID(ctx, b.ID)
	if got.Status != models.BroadcastInProgress {
		t.Errorf("Status = %q, want in_progress", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatal("StartedAt not recorded")
	}
	first := *got.StartedAt

	// A second MarkStarted is a no-op (status is no longer queued).
	if err := repo.MarkStarted(ctx, b.ID); err != nil {
		t.Fatalf("second MarkStarted() error: %v", err)
	}
	got, _ = repo.GetByID(ctx, b.ID)
	if !got.StartedAt.Equal(first) {
		t.Errorf("StartedAt changed on repeat MarkStarted: %v != %v", got.StartedAt, first)
	}

	// Completion happens exactly once.
	won, err := repo.MarkCompleted(ctx, b.ID)
	if err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}
	if !won {
		t.Error("first MarkCompleted() did not win the transition")
	}
	won, err = repo.MarkCompleted(ctx, b.ID)
	if err != nil {
		t.Fatalf("second MarkCompleted() error: %v", err)
	}
	if won {
		t.Error("second MarkCompleted() claimed to win again")
	}

	// Cancelling a completed campaign does not regress it.
	if err := repo.MarkCancelled(ctx, b.ID); err != nil {
		t.Fatalf("MarkCancelled() error: %v", err)
	}
	got, _ = repo.GetByID(ctx, b.ID)
	if got.Status != models.BroadcastCompleted {
		t.Errorf("Status = %q after cancel of completed, want completed", got.Status)
	}
}

func TestBroadcastGetMissing(t *testing.T) {
	db := openTestDB(t)
	got, err := NewBroadcastRepository(db).GetByID(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got != nil {
		t.Errorf("GetByID() = %+v, want nil", got)
	}
}

func TestCallSelectionOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	repo := NewCallRepository(db)

	calls := createTestCalls(t, db, b.ID, "+15550001", "+15550002", "+15550003")

	fresh, err := repo.GetFresh(ctx, b.ID, 10)
	if err != nil {
		t.Fatalf("GetFresh() error: %v", err)
	}
	if len(fresh) != 3 {
		t.Fatalf("GetFresh() returned %d calls, want 3", len(fresh))
	}

	// Selection must be stable across ticks.
	again, err := repo.GetFresh(ctx, b.ID, 10)
	if err != nil {
		t.Fatalf("GetFresh() error: %v", err)
	}
	for i := range fresh {
		if fresh[i].ID != again[i].ID {
			t.Fatalf("GetFresh() order unstable at index %d", i)
		}
	}

	// Limit is respected.
	limited, err := repo.GetFresh(ctx, b.ID, 2)
	if err != nil {
		t.Fatalf("GetFresh() error: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("GetFresh(limit=2) returned %d calls", len(limited))
	}

	// An attempted call leaves the fresh set.
	if err := repo.MarkCalling(ctx, calls[0].ID, "SID0001"); err != nil {
		t.Fatalf("MarkCalling() error: %v", err)
	}
	fresh, _ = repo.GetFresh(ctx, b.ID, 10)
	if len(fresh) != 2 {
		t.Errorf("GetFresh() after dial returned %d calls, want 2", len(fresh))
	}
}

func TestMarkCallingOnlyFromQueued(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001")
	id := calls[0].ID

	if err := repo.MarkCalling(ctx, id, "SID0001"); err != nil {
		t.Fatalf("MarkCalling() error: %v", err)
	}
	got, _ := repo.GetByID(ctx, id)
	if got.Status != models.CallCalling {
		t.Errorf("Status = %q, want calling", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.ProviderSID != "SID0001" {
		t.Errorf("ProviderSID = %q, want SID0001", got.ProviderSID)
	}
	if got.StartTime == nil {
		t.Error("StartTime not recorded")
	}

	// A second MarkCalling must fail: the call is no longer queued.
	if err := repo.MarkCalling(ctx, id, "SID0002"); err == nil {
		t.Error("MarkCalling() on a calling call succeeded, want error")
	}
}

func TestMarkFailedRetryPolicy(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil) // maxRetries=2
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001")
	id := calls[0].ID
	policy := RetryPolicy{MaxRetries: b.MaxRetries, RetryDelay: time.Second}

	// Attempts 1 and 2 requeue, attempt 3 terminates.
	for attempt := 1; attempt <= 3; attempt++ {
		if err := repo.MarkCalling(ctx, id, ""); err != nil {
			t.Fatalf("attempt %d MarkCalling() error: %v", attempt, err)
		}
		if err := repo.MarkFailed(ctx, id, "21610", "blocked", true, policy); err != nil {
			t.Fatalf("attempt %d MarkFailed() error: %v", attempt, err)
		}
		got, _ := repo.GetByID(ctx, id)
		if got.Attempts != attempt {
			t.Fatalf("attempt %d: Attempts = %d", attempt, got.Attempts)
		}
		if attempt < 3 {
			if got.Status != models.CallQueued {
				t.Fatalf("attempt %d: Status = %q, want queued", attempt, got.Status)
			}
			if got.RetryAfter == nil {
				t.Fatalf("attempt %d: RetryAfter not set", attempt)
			}
			remaining := time.Until(*got.RetryAfter)
			if remaining <= 0 || remaining > 2*time.Second {
				t.Fatalf("attempt %d: RetryAfter %v out of window", attempt, remaining)
			}
			// Not retryable until the window opens.
			retryable, err := repo.GetRetryable(ctx, b.ID, 10)
			if err != nil {
				t.Fatalf("GetRetryable() error: %v", err)
			}
			if len(retryable) != 0 {
				t.Fatalf("attempt %d: call retryable before retry_after elapsed", attempt)
			}
			// Open the window by rewinding retry_after.
			if _, err := db.Exec(`UPDATE calls SET retry_after = ? WHERE id = ?`,
				time.Now().UTC().Add(-time.Second), id); err != nil {
				t.Fatalf("rewinding retry_after: %v", err)
			}
			retryable, _ = repo.GetRetryable(ctx, b.ID, 10)
			if len(retryable) != 1 {
				t.Fatalf("attempt %d: expected 1 retryable call, got %d", attempt, len(retryable))
			}
		} else {
			if got.Status != models.CallFailed {
				t.Fatalf("attempt %d: Status = %q, want failed", attempt, got.Status)
			}
			if got.ErrorCode != "21610" {
				t.Errorf("ErrorCode = %q, want 21610", got.ErrorCode)
			}
		}
	}

	// Terminal call: further failures are swallowed.
	if err := repo.MarkFailed(ctx, id, "x", "y", true, policy); err != nil {
		t.Fatalf("MarkFailed() on terminal call error: %v", err)
	}
	got, _ := repo.GetByID(ctx, id)
	if got.ErrorCode != "21610" {
		t.Errorf("terminal call mutated: ErrorCode = %q", got.ErrorCode)
	}
}

func TestMarkFailedNoRetryRequested(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001")

	if err := repo.MarkCalling(ctx, calls[0].ID, ""); err != nil {
		t.Fatalf("MarkCalling() error: %v", err)
	}
	policy := RetryPolicy{MaxRetries: b.MaxRetries, RetryDelay: time.Minute}
	if err := repo.MarkFailed(ctx, calls[0].ID, "dnd", "dnd blocked", false, policy); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}
	got, _ := repo.GetByID(ctx, calls[0].ID)
	if got.Status != models.CallFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
}

func TestMarkFailedBeforeDialCountsAttempt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil) // maxRetries=2
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001")
	id := calls[0].ID
	policy := RetryPolicy{MaxRetries: b.MaxRetries, RetryDelay: time.Second}

	// A rejection before MarkCalling ever runs still consumes the retry
	// budget, so the call cannot loop through GetFresh forever.
	for attempt := 1; attempt <= 3; attempt++ {
		if err := repo.MarkFailed(ctx, id, "21610", "blocked", true, policy); err != nil {
			t.Fatalf("attempt %d MarkFailed() error: %v", attempt, err)
		}
		got, _ := repo.GetByID(ctx, id)
		if got.Attempts != attempt {
			t.Fatalf("attempt %d: Attempts = %d", attempt, got.Attempts)
		}
		if attempt < 3 {
			if got.Status != models.CallQueued {
				t.Fatalf("attempt %d: Status = %q, want queued", attempt, got.Status)
			}
			if got.RetryAfter == nil {
				t.Fatalf("attempt %d: RetryAfter not set", attempt)
			}
			// The requeued call belongs to GetRetryable, never GetFresh.
			fresh, err := repo.GetFresh(ctx, b.ID, 10)
			if err != nil {
				t.Fatalf("GetFresh() error: %v", err)
			}
			if len(fresh) != 0 {
				t.Fatalf("attempt %d: requeued call reselected as fresh", attempt)
			}
		} else if got.Status != models.CallFailed {
			t.Fatalf("attempt %d: Status = %q, want failed", attempt, got.Status)
		}
	}
}

func TestMarkFailedLeavesLiveCall(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001")
	id := calls[0].ID

	// A webhook advanced the call before the dial response persisted.
	if err := repo.ApplyProviderStatus(ctx, id, ProviderStatusUpdate{
		Status: models.CallRinging,
	}); err != nil {
		t.Fatalf("ApplyProviderStatus() error: %v", err)
	}

	policy := RetryPolicy{MaxRetries: b.MaxRetries, RetryDelay: time.Second}
	if err := repo.MarkFailed(ctx, id, "persist_failed", "lost cas", true, policy); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}

	got, _ := repo.GetByID(ctx, id)
	if got.Status != models.CallRinging {
		t.Errorf("Status = %q, want ringing: live call dragged back", got.Status)
	}
	if got.RetryAfter != nil {
		t.Error("retry scheduled for a live call")
	}
}

func TestApplyProviderStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001")
	id := calls[0].ID

	if err := repo.MarkCalling(ctx, id, "SID0001"); err != nil {
		t.Fatalf("MarkCalling() error: %v", err)
	}

	steps := []string{models.CallRinging, models.CallAnswered, models.CallCompleted}
	for _, status := range steps {
		update := ProviderStatusUpdate{Status: status}
		if status == models.CallCompleted {
			update.Duration = 42
		}
		if err := repo.ApplyProviderStatus(ctx, id, update); err != nil {
			t.Fatalf("ApplyProviderStatus(%s) error: %v", status, err)
		}
	}

	got, _ := repo.GetByID(ctx, id)
	if got.Status != models.CallCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
	if got.Duration != 42 {
		t.Errorf("Duration = %d, want 42", got.Duration)
	}
	if got.AnswerTime == nil {
		t.Error("AnswerTime not recorded")
	}
	if got.EndTime == nil {
		t.Fatal("EndTime not recorded")
	}

	// Redelivering the terminal webhook leaves identical state.
	before := *got
	if err := repo.ApplyProviderStatus(ctx, id, ProviderStatusUpdate{Status: models.CallCompleted, Duration: 42}); err != nil {
		t.Fatalf("redelivered ApplyProviderStatus() error: %v", err)
	}
	after, _ := repo.GetByID(ctx, id)
	if after.Status != before.Status || after.Duration != before.Duration || !after.EndTime.Equal(*before.EndTime) {
		t.Error("redelivered webhook changed call state")
	}

	// A stale "ringing" after completion must not regress the call.
	if err := repo.ApplyProviderStatus(ctx, id, ProviderStatusUpdate{Status: models.CallRinging}); err != nil {
		t.Fatalf("stale ApplyProviderStatus() error: %v", err)
	}
	after, _ = repo.GetByID(ctx, id)
	if after.Status != models.CallCompleted {
		t.Errorf("Status = %q after stale webhook, want completed", after.Status)
	}
}

func TestBackfillProviderSID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001")
	id := calls[0].ID

	// Webhook arrives before the dial response persisted the SID.
	if err := repo.BackfillProviderSID(ctx, id, "SIDRACE"); err != nil {
		t.Fatalf("BackfillProviderSID() error: %v", err)
	}
	got, err := repo.GetByProviderSID(ctx, "SIDRACE")
	if err != nil {
		t.Fatalf("GetByProviderSID() error: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatal("call not reachable by backfilled SID")
	}

	// A later backfill with a different SID is ignored.
	if err := repo.BackfillProviderSID(ctx, id, "SIDOTHER"); err != nil {
		t.Fatalf("second BackfillProviderSID() error: %v", err)
	}
	got, _ = repo.GetByID(ctx, id)
	if got.ProviderSID != "SIDRACE" {
		t.Errorf("ProviderSID = %q, want SIDRACE", got.ProviderSID)
	}
}

func TestCountsAndAggregate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001", "+15550002", "+15550003", "+15550004")

	if err := repo.MarkCalling(ctx, calls[0].ID, "SID1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkCalling(ctx, calls[1].ID, "SID2"); err != nil {
		t.Fatal(err)
	}
	if err := repo.ApplyProviderStatus(ctx, calls[1].ID, ProviderStatusUpdate{Status: models.CallAnswered}); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkCalling(ctx, calls[2].ID, "SID3"); err != nil {
		t.Fatal(err)
	}
	if err := repo.ApplyProviderStatus(ctx, calls[2].ID, ProviderStatusUpdate{Status: models.CallCompleted, Duration: 10}); err != nil {
		t.Fatal(err)
	}

	active, err := repo.CountActive(ctx, b.ID)
	if err != nil {
		t.Fatalf("CountActive() error: %v", err)
	}
	if active != 2 { // calling + answered
		t.Errorf("CountActive() = %d, want 2", active)
	}

	pending, err := repo.CountPending(ctx, b.ID)
	if err != nil {
		t.Fatalf("CountPending() error: %v", err)
	}
	if pending != 3 { // 1 queued + 2 active
		t.Errorf("CountPending() = %d, want 3", pending)
	}

	agg, err := repo.AggregateByStatus(ctx, b.ID)
	if err != nil {
		t.Fatalf("AggregateByStatus() error: %v", err)
	}
	total := 0
	for _, n := range agg {
		total += n
	}
	if total != 4 {
		t.Errorf("aggregate sum = %d, want 4 (statuses must partition the population)", total)
	}
	if agg[models.CallCompleted] != 1 || agg[models.CallAnswered] != 1 || agg[models.CallCalling] != 1 || agg[models.CallQueued] != 1 {
		t.Errorf("unexpected aggregate: %v", agg)
	}
}

func TestCancelQueued(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	repo := NewCallRepository(db)
	calls := createTestCalls(t, db, b.ID, "+15550001", "+15550002", "+15550003")

	if err := repo.MarkCalling(ctx, calls[0].ID, "SID1"); err != nil {
		t.Fatal(err)
	}

	n, err := repo.CancelQueued(ctx, b.ID)
	if err != nil {
		t.Fatalf("CancelQueued() error: %v", err)
	}
	if n != 2 {
		t.Errorf("CancelQueued() = %d, want 2", n)
	}

	// In-flight call is untouched.
	got, _ := repo.GetByID(ctx, calls[0].ID)
	if got.Status != models.CallCalling {
		t.Errorf("in-flight call Status = %q, want calling", got.Status)
	}
}

func TestCascadeDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	createTestCalls(t, db, b.ID, "+15550001", "+15550002")

	assets := NewAudioAssetRepository(db)
	if err := assets.Create(ctx, &models.AudioAsset{
		BroadcastID: b.ID,
		UniqueKey:   "abc123",
		Text:        "Hi",
		AudioURL:    "https://cdn.example.com/abc123.mp3",
		Duration:    3,
	}); err != nil {
		t.Fatalf("asset Create() error: %v", err)
	}

	if err := NewBroadcastRepository(db).Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	var callCount, assetCount int
	db.QueryRow(`SELECT COUNT(*) FROM calls WHERE broadcast_id = ?`, b.ID).Scan(&callCount)
	db.QueryRow(`SELECT COUNT(*) FROM audio_assets WHERE broadcast_id = ?`, b.ID).Scan(&assetCount)
	if callCount != 0 || assetCount != 0 {
		t.Errorf("cascade delete left %d calls and %d assets", callCount, assetCount)
	}
}

func TestAudioAssetDedup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createTestBroadcast(t, db, nil)
	assets := NewAudioAssetRepository(db)

	a := &models.AudioAsset{BroadcastID: b.ID, UniqueKey: "key1", Text: "Hi", AudioURL: "u", Duration: 2}
	if err := assets.Create(ctx, a); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := assets.GetByKey(ctx, b.ID, "key1")
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByKey() returned nil")
	}

	// Same key twice violates the dedup constraint.
	if err := assets.Create(ctx, &models.AudioAsset{BroadcastID: b.ID, UniqueKey: "key1", Text: "Hi", AudioURL: "u"}); err == nil {
		t.Error("duplicate asset insert succeeded, want unique violation")
	}
}

func TestAdminUserRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewAdminUserRepository(db)

	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	u := &models.AdminUser{Username: "admin", PasswordHash: hash}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if u.ID == 0 {
		t.Error("Create() did not set ID")
	}

	got, err := repo.GetByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetByUsername() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByUsername() returned nil")
	}
	if !CheckPassword("correct horse battery", got.PasswordHash) {
		t.Error("CheckPassword() rejected the right password")
	}
	if CheckPassword("wrong", got.PasswordHash) {
		t.Error("CheckPassword() accepted the wrong password")
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}

func TestHashPasswordRejectsShort(t *testing.T) {
	if _, err := HashPassword("short"); err == nil {
		t.Error("HashPassword() accepted a 5-character password")
	}
}
