package database

import (
	"context"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// AdminUserRepository manages operator accounts for the management API.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	Count(ctx context.Context) (int64, error)
}

// BroadcastListFilter specifies filtering and pagination for campaign lists.
type BroadcastListFilter struct {
	Status  string // "" for all
	OwnerID int64  // 0 for all
	Limit   int
	Offset  int
}

// BroadcastRepository manages campaign metadata.
type BroadcastRepository interface {
	Create(ctx context.Context, b *models.Broadcast) error
	GetByID(ctx context.Context, id string) (*models.Broadcast, error)
	List(ctx context.Context, filter BroadcastListFilter) ([]models.Broadcast, int, error)
	// SetStatus unconditionally sets the campaign status.
	SetStatus(ctx context.Context, id, status string) error
	// MarkStarted transitions queued -> in_progress and records started_at.
	// A campaign already in_progress is left untouched.
	MarkStarted(ctx context.Context, id string) error
	// MarkCompleted transitions in_progress -> completed exactly once and
	// records completed_at. Returns true if this call performed the
	// transition.
	MarkCompleted(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// AudioAssetRepository manages materialized TTS renderings.
type AudioAssetRepository interface {
	Create(ctx context.Context, asset *models.AudioAsset) error
	GetByKey(ctx context.Context, broadcastID, uniqueKey string) (*models.AudioAsset, error)
	ListByBroadcast(ctx context.Context, broadcastID string) ([]models.AudioAsset, error)
}

// CallListFilter specifies filtering and pagination for call lists.
type CallListFilter struct {
	BroadcastID string
	Status      string // "" for all
	Limit       int
	Offset      int
}

// RetryPolicy carries the campaign retry configuration into MarkFailed,
// which decides between terminal failure and re-queueing.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// CallRepository manages dial attempts. All single-call mutations are
// atomic: each mark* operation sets one coherent state and refuses to
// regress a terminal call.
type CallRepository interface {
	BulkCreate(ctx context.Context, calls []models.Call) error
	GetByID(ctx context.Context, id string) (*models.Call, error)
	GetByProviderSID(ctx context.Context, sid string) (*models.Call, error)
	List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error)

	// GetFresh returns queued calls with zero attempts, oldest first.
	GetFresh(ctx context.Context, broadcastID string, limit int) ([]models.Call, error)
	// GetRetryable returns queued calls whose retry window has opened,
	// ordered by retry_after ascending.
	GetRetryable(ctx context.Context, broadcastID string, limit int) ([]models.Call, error)
	CountActive(ctx context.Context, broadcastID string) (int, error)
	CountPending(ctx context.Context, broadcastID string) (int, error)
	AggregateByStatus(ctx context.Context, broadcastID string) (map[string]int, error)
	// CountByStatus aggregates across all campaigns, for monitoring.
	CountByStatus(ctx context.Context) (map[string]int, error)

	// MarkCalling sets status=calling, records start_time, increments
	// attempts and stores the provider SID in one statement. Only a queued
	// call can be marked calling.
	MarkCalling(ctx context.Context, id, providerSID string) error
	MarkCompleted(ctx context.Context, id string, duration int) error
	// MarkFailed applies the retry policy: when retry is requested and
	// attempts remain, the call goes back to queued with retry_after set;
	// otherwise it terminates at failed. A failure before the dial counts
	// the attempt itself; a call past calling is left untouched because
	// the provider webhooks own it from there.
	MarkFailed(ctx context.Context, id, code, message string, retry bool, policy RetryPolicy) error
	MarkOptedOut(ctx context.Context, id string) error
	SetDNDStatus(ctx context.Context, id, dndStatus string) error

	// BackfillProviderSID stores the SID on a call that does not have one
	// yet. It is a no-op when a SID is already present.
	BackfillProviderSID(ctx context.Context, id, sid string) error
	// ApplyProviderStatus applies a webhook-reported status transition with
	// compare-and-set semantics: terminal calls and backwards transitions
	// are left untouched. Redelivery of the current status is a no-op.
	ApplyProviderStatus(ctx context.Context, id string, update ProviderStatusUpdate) error

	// CancelQueued flips every queued call of a campaign to cancelled and
	// returns the number of calls affected.
	CancelQueued(ctx context.Context, broadcastID string) (int64, error)
}

// ProviderStatusUpdate is the state carried by a provider status webhook.
type ProviderStatusUpdate struct {
	Status       string // mapped domain status
	Duration     int    // seconds, only meaningful for completed
	AnsweredBy   string
	ErrorCode    string
	ErrorMessage string
}
