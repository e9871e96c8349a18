package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

const broadcastColumns = `id, name, template, voice_provider, voice_id, voice_language,
	 status, max_concurrent, max_retries, retry_delay_ms, disclaimer_text,
	 optout_enabled, dnd_respect, owner_id, created_at, started_at, completed_at`

// broadcastRepo implements BroadcastRepository.
type broadcastRepo struct {
	db *DB
}

// NewBroadcastRepository creates a new BroadcastRepository.
func NewBroadcastRepository(db *DB) BroadcastRepository {
	return &broadcastRepo{db: db}
}

// Create inserts a new campaign.
func (r *broadcastRepo) Create(ctx context.Context, b *models.Broadcast) error {
	if b.Status == "" {
		b.Status = models.BroadcastDraft
	}
	b.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO broadcasts (id, name, template, voice_provider, voice_id,
		 voice_language, status, max_concurrent, max_retries, retry_delay_ms,
		 disclaimer_text, optout_enabled, dnd_respect, owner_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Template, b.VoiceProvider, b.VoiceID, b.VoiceLanguage,
		b.Status, b.MaxConcurrent, b.MaxRetries, b.RetryDelay.Milliseconds(),
		b.DisclaimerText, b.OptOutEnabled, b.DNDRespect, b.OwnerID, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting broadcast: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, or (nil, nil) when absent.
func (r *broadcastRepo) GetByID(ctx context.Context, id string) (*models.Broadcast, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`, id))
}

// List returns campaigns matching the filter plus the total count, newest
// first.
func (r *broadcastRepo) List(ctx context.Context, filter BroadcastListFilter) ([]models.Broadcast, int, error) {
	where := "1=1"
	args := []any{}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.OwnerID != 0 {
		where += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM broadcasts WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting broadcasts: %w", err)
	}

	query := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE ` + where +
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing broadcasts: %w", err)
	}
	defer rows.Close()

	var broadcasts []models.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, 0, err
		}
		broadcasts = append(broadcasts, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating broadcast rows: %w", err)
	}
	return broadcasts, total, nil
}

// SetStatus unconditionally sets the campaign status.
func (r *broadcastRepo) SetStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("setting broadcast status: %w", err)
	}
	return nil
}

// MarkStarted transitions queued -> in_progress, recording started_at once.
func (r *broadcastRepo) MarkStarted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status = ?`,
		models.BroadcastInProgress, time.Now().UTC(), id, models.BroadcastQueued)
	if err != nil {
		return fmt.Errorf("marking broadcast started: %w", err)
	}
	return nil
}

// MarkCompleted transitions in_progress -> completed exactly once. The CAS
// on status guarantees a single winner when ticks race.
func (r *broadcastRepo) MarkCompleted(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		models.BroadcastCompleted, time.Now().UTC(), id, models.BroadcastInProgress)
	if err != nil {
		return false, fmt.Errorf("marking broadcast completed: %w", err)
	}
	return affected(res), nil
}

// MarkCancelled moves a campaign to the cancelled terminal state. Already
// terminal campaigns are left untouched.
func (r *broadcastRepo) MarkCancelled(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, completed_at = COALESCE(completed_at, ?)
		 WHERE id = ? AND status NOT IN (?, ?)`,
		models.BroadcastCancelled, time.Now().UTC(), id,
		models.BroadcastCompleted, models.BroadcastCancelled)
	if err != nil {
		return fmt.Errorf("marking broadcast cancelled: %w", err)
	}
	return nil
}

// Delete removes the campaign; calls and audio assets cascade.
func (r *broadcastRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting broadcast: %w", err)
	}
	return nil
}

func (r *broadcastRepo) scanOne(row *sql.Row) (*models.Broadcast, error) {
	b, err := scanBroadcast(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(row rowScanner) (*models.Broadcast, error) {
	var b models.Broadcast
	var retryDelayMs int64
	err := row.Scan(&b.ID, &b.Name, &b.Template, &b.VoiceProvider, &b.VoiceID,
		&b.VoiceLanguage, &b.Status, &b.MaxConcurrent, &b.MaxRetries,
		&retryDelayMs, &b.DisclaimerText, &b.OptOutEnabled, &b.DNDRespect,
		&b.OwnerID, &b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scanning broadcast: %w", err)
	}
	b.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	return &b, nil
}
