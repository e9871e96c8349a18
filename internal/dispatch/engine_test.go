package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dialcast/dialcast/internal/compliance"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/events"
	"github.com/dialcast/dialcast/internal/optout"
	"github.com/dialcast/dialcast/internal/provider"
	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter records placed calls and can be set to reject them.
type fakeAdapter struct {
	mu         sync.Mutex
	placed     []provider.PlaceRequest
	placeErr   error
	terminated []string
	nextSID    int
}

func (f *fakeAdapter) Place(ctx context.Context, req provider.PlaceRequest) (*provider.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	f.nextSID++
	return &provider.PlaceResult{
		ProviderSID:    fmt.Sprintf("CA%04d", f.nextSID),
		ProviderStatus: "initiated",
	}, nil
}

func (f *fakeAdapter) Terminate(ctx context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sid)
	return nil
}

func (f *fakeAdapter) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

// recordPublisher captures published events.
type recordPublisher struct {
	mu       sync.Mutex
	messages []events.Message
}

func (p *recordPublisher) Publish(room, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, events.Message{Room: room, Event: event, Payload: payload})
}

func (p *recordPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.Event == event {
			n++
		}
	}
	return n
}

// memUploader tracks CDN deletes.
type memUploader struct {
	mu      sync.Mutex
	deleted []string
}

func (u *memUploader) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

func (u *memUploader) Delete(ctx context.Context, key string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.deleted = append(u.deleted, key)
	return nil
}

type fixture struct {
	db         *database.DB
	broadcasts database.BroadcastRepository
	calls      database.CallRepository
	assets     database.AudioAssetRepository
	optouts    optout.Store
	adapter    *fakeAdapter
	publisher  *recordPublisher
	uploader   *memUploader
	engine     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	optouts := optout.NewStore(mr.Addr(), "", 0, discardLogger())
	t.Cleanup(func() { optouts.Close() })

	f := &fixture{
		db:         db,
		broadcasts: database.NewBroadcastRepository(db),
		calls:      database.NewCallRepository(db),
		assets:     database.NewAudioAssetRepository(db),
		optouts:    optouts,
		adapter:    &fakeAdapter{},
		publisher:  &recordPublisher{},
		uploader:   &memUploader{},
	}
	filter := compliance.NewFilter(compliance.NoopDNDChecker{}, optouts, discardLogger())
	f.engine = NewEngine(f.broadcasts, f.calls, f.assets, f.adapter, filter,
		f.uploader, f.publisher, "https://app.example.com", discardLogger(),
		Options{PollInterval: time.Hour, RetryDelay: time.Second})
	t.Cleanup(f.engine.Shutdown)
	return f
}

func (f *fixture) newCampaign(t *testing.T, maxConcurrent int, phones ...string) *models.Broadcast {
	t.Helper()
	b := &models.Broadcast{
		ID:             uuid.NewString(),
		Name:           "reminders",
		Template:       "Hi {{name}}",
		Status:         models.BroadcastQueued,
		MaxConcurrent:  maxConcurrent,
		MaxRetries:     2,
		RetryDelay:     time.Second,
		DisclaimerText: "This is an automated call.",
		OptOutEnabled:  true,
	}
	if err := f.broadcasts.Create(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	calls := make([]models.Call, len(phones))
	for i, phone := range phones {
		calls[i] = models.Call{
			ID:          uuid.NewString(),
			BroadcastID: b.ID,
			Phone:       phone,
			MessageText: "Hi",
			AudioURL:    "https://cdn.example.com/a.mp3",
		}
	}
	if err := f.calls.BulkCreate(context.Background(), calls); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTickDialsUpToConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newCampaign(t, 2, "+15550001", "+15550002", "+15550003")

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	// queued -> in_progress on first tick.
	got, _ := f.broadcasts.GetByID(ctx, b.ID)
	if got.Status != models.BroadcastInProgress {
		t.Errorf("campaign Status = %q, want in_progress", got.Status)
	}

	if f.adapter.placedCount() != 2 {
		t.Fatalf("placed %d calls, want 2", f.adapter.placedCount())
	}

	active, _ := f.calls.CountActive(ctx, b.ID)
	if active != 2 {
		t.Errorf("CountActive() = %d, want 2", active)
	}

	// The concurrency gate is saturated; a second tick places nothing.
	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatalf("second Tick() error: %v", err)
	}
	if f.adapter.placedCount() != 2 {
		t.Errorf("gate violated: %d calls placed", f.adapter.placedCount())
	}
}

func TestDialRequestShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newCampaign(t, 1, "+15550001")

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if f.adapter.placedCount() != 1 {
		t.Fatal("no call placed")
	}
	req := f.adapter.placed[0]
	if req.To != "+15550001" {
		t.Errorf("To = %q", req.To)
	}
	wantScript := "https://app.example.com/api/v1/broadcast/twiml?"
	if len(req.ScriptURL) < len(wantScript) || req.ScriptURL[:len(wantScript)] != wantScript {
		t.Errorf("ScriptURL = %q", req.ScriptURL)
	}
	calls, _, _ := f.calls.List(ctx, database.CallListFilter{BroadcastID: b.ID, Limit: 10})
	wantCallback := "https://app.example.com/api/v1/broadcast/" + calls[0].ID + "/status"
	if req.StatusCallbackURL != wantCallback {
		t.Errorf("StatusCallbackURL = %q, want %q", req.StatusCallbackURL, wantCallback)
	}
}

func TestOptOutShortCircuit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.optouts.Add(ctx, optout.Entry{Phone: "+15550009", Source: models.OptOutManual}); err != nil {
		t.Fatal(err)
	}
	b := f.newCampaign(t, 2, "+15550009")

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	if f.adapter.placedCount() != 0 {
		t.Errorf("provider call placed for opted-out number")
	}
	calls, _, _ := f.calls.List(ctx, database.CallListFilter{BroadcastID: b.ID, Limit: 10})
	if calls[0].Status != models.CallOptedOut {
		t.Errorf("call Status = %q, want opted_out", calls[0].Status)
	}
	if !calls[0].OptedOut {
		t.Error("OptedOut flag not set")
	}
}

// blockingDND blocks every number.
type blockingDND struct{}

func (blockingDND) Check(ctx context.Context, phone string) (string, error) {
	return compliance.DNDBlocked, nil
}

func TestDNDBlockedFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	filter := compliance.NewFilter(blockingDND{}, f.optouts, discardLogger())
	f.engine = NewEngine(f.broadcasts, f.calls, f.assets, f.adapter, filter,
		f.uploader, f.publisher, "https://app.example.com", discardLogger(),
		Options{PollInterval: time.Hour})

	b := f.newCampaign(t, 2, "+15550001")
	// Enable the registry check for this campaign.
	if _, err := f.db.Exec(`UPDATE broadcasts SET dnd_respect = 1 WHERE id = ?`, b.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	if f.adapter.placedCount() != 0 {
		t.Error("provider call placed for dnd-blocked number")
	}
	calls, _, _ := f.calls.List(ctx, database.CallListFilter{BroadcastID: b.ID, Limit: 10})
	if calls[0].Status != models.CallFailed {
		t.Errorf("call Status = %q, want failed", calls[0].Status)
	}
	if calls[0].DNDStatus != compliance.DNDBlocked {
		t.Errorf("DNDStatus = %q, want blocked", calls[0].DNDStatus)
	}
	if calls[0].RetryAfter != nil {
		t.Error("dnd block scheduled a retry")
	}
}

func TestProviderRejectionRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.placeErr = &provider.Error{Code: "21610", Message: "blocked", Status: 400}
	b := f.newCampaign(t, 2, "+15550001")

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	calls, _, _ := f.calls.List(ctx, database.CallListFilter{BroadcastID: b.ID, Limit: 10})
	call := calls[0]
	if call.Status != models.CallQueued {
		t.Fatalf("call Status = %q, want queued for retry", call.Status)
	}
	if call.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", call.Attempts)
	}
	if call.RetryAfter == nil {
		t.Fatal("RetryAfter not scheduled")
	}
	if call.ErrorCode != "21610" {
		t.Errorf("ErrorCode = %q", call.ErrorCode)
	}
}

func TestCompletionExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newCampaign(t, 2, "+15550001", "+15550002")

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	// Webhooks finish both calls.
	calls, _, _ := f.calls.List(ctx, database.CallListFilter{BroadcastID: b.ID, Limit: 10})
	for _, c := range calls {
		if err := f.calls.ApplyProviderStatus(ctx, c.ID, database.ProviderStatusUpdate{
			Status: models.CallCompleted, Duration: 5,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.broadcasts.GetByID(ctx, b.ID)
	if got.Status != models.BroadcastCompleted {
		t.Fatalf("campaign Status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not recorded")
	}

	// Further ticks are harmless no-ops.
	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if n := f.publisher.count(events.EventBroadcastListUpdate); n != 1 {
		t.Errorf("broadcast_list_update emitted %d times, want 1", n)
	}
}

func TestCancelMidFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newCampaign(t, 2,
		"+15550001", "+15550002", "+15550003", "+15550004", "+15550005")

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if f.adapter.placedCount() != 2 {
		t.Fatalf("placed %d, want 2", f.adapter.placedCount())
	}

	if err := f.engine.Cancel(ctx, b.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	got, _ := f.broadcasts.GetByID(ctx, b.ID)
	if got.Status != models.BroadcastCancelled {
		t.Errorf("campaign Status = %q, want cancelled", got.Status)
	}

	counts, _ := f.calls.AggregateByStatus(ctx, b.ID)
	if counts[models.CallCancelled] != 3 {
		t.Errorf("cancelled calls = %d, want 3", counts[models.CallCancelled])
	}
	// The 2 in-flight calls are untouched and finish via webhook.
	if counts[models.CallCalling] != 2 {
		t.Errorf("in-flight calls = %d, want 2", counts[models.CallCalling])
	}
	if len(f.adapter.terminated) != 0 {
		t.Error("cancel terminated in-flight provider calls")
	}
}

func TestDeleteSweepsAssets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newCampaign(t, 2, "+15550001")
	if err := f.assets.Create(ctx, &models.AudioAsset{
		BroadcastID: b.ID, UniqueKey: "abc123", Text: "Hi",
		AudioURL: "https://cdn.example.com/abc123.mp3",
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if got, _ := f.broadcasts.GetByID(ctx, b.ID); got != nil {
		t.Error("campaign still present after delete")
	}
	if len(f.uploader.deleted) != 1 || f.uploader.deleted[0] != "abc123.mp3" {
		t.Errorf("cdn sweep deleted %v", f.uploader.deleted)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	b := f.newCampaign(t, 1, "+15550001")

	f.engine.Start(b.ID)
	f.engine.Start(b.ID)

	if n := len(f.engine.ActiveCampaigns()); n != 1 {
		t.Errorf("ActiveCampaigns() = %d, want 1", n)
	}
	f.engine.Stop(b.ID)
	if n := len(f.engine.ActiveCampaigns()); n != 0 {
		t.Errorf("ActiveCampaigns() after Stop = %d, want 0", n)
	}
}

func TestTickStopsTerminalCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newCampaign(t, 1, "+15550001")
	if err := f.broadcasts.SetStatus(ctx, b.ID, models.BroadcastCancelled); err != nil {
		t.Fatal(err)
	}

	f.engine.Start(b.ID)
	// The immediate first tick observes the terminal status and stops.
	deadline := time.Now().Add(2 * time.Second)
	for len(f.engine.ActiveCampaigns()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(f.engine.ActiveCampaigns()); n != 0 {
		t.Errorf("terminal campaign still registered (%d)", n)
	}
	if f.adapter.placedCount() != 0 {
		t.Error("terminal campaign placed calls")
	}
}

func TestRetryAfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.placeErr = &provider.Error{Code: "503", Message: "unavailable", Status: 503}
	b := f.newCampaign(t, 1, "+15550001")

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	f.adapter.placeErr = nil

	// Within the retry window nothing is eligible.
	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if f.adapter.placedCount() != 0 {
		t.Fatal("retry dialed before its window opened")
	}

	// Open the window and tick again.
	if _, err := f.db.Exec(`UPDATE calls SET retry_after = ? WHERE broadcast_id = ?`,
		time.Now().UTC().Add(-time.Second), b.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if f.adapter.placedCount() != 1 {
		t.Errorf("retry not dialed after window opened, placed = %d", f.adapter.placedCount())
	}
}

func TestRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.placeErr = &provider.Error{Code: "503", Message: "unavailable", Status: 503}
	b := f.newCampaign(t, 1, "+15550001")

	// maxRetries=2 allows three attempts in total. Each round ticks and
	// then forces the retry window open so the next tick can redial.
	for i := 0; i < 5; i++ {
		if err := f.engine.Tick(ctx, b.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := f.db.Exec(
			`UPDATE calls SET retry_after = ? WHERE broadcast_id = ? AND retry_after IS NOT NULL`,
			time.Now().UTC().Add(-time.Second), b.ID); err != nil {
			t.Fatal(err)
		}
	}

	calls, _, _ := f.calls.List(ctx, database.CallListFilter{BroadcastID: b.ID, Limit: 10})
	call := calls[0]
	if call.Status != models.CallFailed {
		t.Fatalf("call Status = %q, want failed after retries exhausted", call.Status)
	}
	if call.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", call.Attempts)
	}

	// With the exhausted call settled, nothing is pending.
	got, _ := f.broadcasts.GetByID(ctx, b.ID)
	if got.Status != models.BroadcastCompleted {
		t.Errorf("campaign Status = %q, want completed", got.Status)
	}
}

// racingAdapter reports a ringing webhook before its dial response returns,
// the way a fast provider can beat its own REST reply.
type racingAdapter struct {
	fakeAdapter
	calls  database.CallRepository
	callID string
}

func (a *racingAdapter) Place(ctx context.Context, req provider.PlaceRequest) (*provider.PlaceResult, error) {
	res, err := a.fakeAdapter.Place(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := a.calls.ApplyProviderStatus(ctx, a.callID, database.ProviderStatusUpdate{
		Status: models.CallRinging,
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func TestWebhookBeatsDialResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newCampaign(t, 1, "+15550001")
	calls, _, _ := f.calls.List(ctx, database.CallListFilter{BroadcastID: b.ID, Limit: 10})

	adapter := &racingAdapter{calls: f.calls, callID: calls[0].ID}
	filter := compliance.NewFilter(compliance.NoopDNDChecker{}, f.optouts, discardLogger())
	f.engine = NewEngine(f.broadcasts, f.calls, f.assets, adapter, filter,
		f.uploader, f.publisher, "https://app.example.com", discardLogger(),
		Options{PollInterval: time.Hour, RetryDelay: time.Second})

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.calls.GetByID(ctx, calls[0].ID)
	if got.Status != models.CallRinging {
		t.Fatalf("call Status = %q, want the webhook ringing to survive", got.Status)
	}
	if got.ProviderSID == "" {
		t.Error("provider SID not backfilled")
	}

	// The live call keeps its slot; no second dial goes out for it.
	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if adapter.placedCount() != 1 {
		t.Errorf("placed %d calls, want 1", adapter.placedCount())
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newCampaign(t, 2, "+15550001", "+15550002")

	if err := f.engine.Tick(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	// Per dialed call: one optimistic calling and one with the SID.
	if n := f.publisher.count(events.EventCallUpdate); n != 4 {
		t.Errorf("call_update emitted %d times, want 4", n)
	}
	if n := f.publisher.count(events.EventBroadcastUpdate); n < 1 {
		t.Error("no broadcast_update emitted on start")
	}

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	for _, m := range f.publisher.messages {
		if m.Event == events.EventCallUpdate && m.Room != events.BroadcastRoom(b.ID) {
			t.Errorf("call_update published to %q", m.Room)
		}
	}
}
