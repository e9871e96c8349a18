package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// callColumns is the select list shared by every call query.
const callColumns = `id, broadcast_id, phone, contact_name, custom_fields, message_text,
	 audio_url, COALESCE(provider_sid, ''), status, attempts, retry_after, duration,
	 start_time, answer_time, end_time, error_code, error_message, answered_by,
	 dnd_status, opted_out, created_at, updated_at`

// statusRank orders call statuses along the lifecycle so webhook updates
// can refuse backwards transitions. Terminal states share the top rank.
var statusRank = map[string]int{
	models.CallQueued:     0,
	models.CallCalling:    1,
	models.CallRinging:    2,
	models.CallInProgress: 3,
	models.CallAnswered:   3,
	models.CallBusy:       4,
	models.CallNoAnswer:   4,
	models.CallCompleted:  4,
	models.CallFailed:     4,
	models.CallCancelled:  4,
	models.CallOptedOut:   4,
}

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// BulkCreate inserts one call row per contact inside a single transaction.
func (r *callRepo) BulkCreate(ctx context.Context, calls []models.Call) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning call insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO calls (id, broadcast_id, phone, contact_name, custom_fields,
		 message_text, audio_url, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing call insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range calls {
		c := &calls[i]
		if c.Status == "" {
			c.Status = models.CallQueued
		}
		c.CreatedAt = now
		if c.CustomFields == "" {
			c.CustomFields = "{}"
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.BroadcastID, c.Phone, c.ContactName, c.CustomFields,
			c.MessageText, c.AudioURL, c.Status, now, now,
		); err != nil {
			return fmt.Errorf("inserting call for %s: %w", c.Phone, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing call inserts: %w", err)
	}
	return nil
}

// GetByID returns a call by its internal ID.
func (r *callRepo) GetByID(ctx context.Context, id string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
}

// GetByProviderSID returns the call holding the given provider SID.
func (r *callRepo) GetByProviderSID(ctx context.Context, sid string) (*models.Call, error) {
	if sid == "" {
		return nil, nil
	}
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE provider_sid = ?`, sid))
}

// List returns calls matching the filter plus the total count.
func (r *callRepo) List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error) {
	where := "broadcast_id = ?"
	args := []any{filter.BroadcastID}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM calls WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	query := `SELECT ` + callColumns + ` FROM calls WHERE ` + where +
		` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	calls, err := r.queryCalls(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// GetFresh returns queued calls that have never been attempted, in stable
// creation order.
func (r *callRepo) GetFresh(ctx context.Context, broadcastID string, limit int) ([]models.Call, error) {
	return r.queryCalls(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE broadcast_id = ? AND status = ? AND attempts = 0
		 ORDER BY created_at, id LIMIT ?`,
		broadcastID, models.CallQueued, limit)
}

// GetRetryable returns queued calls whose retry_after has elapsed, ordered
// by retry_after ascending so the oldest retry runs first.
func (r *callRepo) GetRetryable(ctx context.Context, broadcastID string, limit int) ([]models.Call, error) {
	return r.queryCalls(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE broadcast_id = ? AND status = ? AND attempts > 0
		 AND attempts < 1 + (SELECT max_retries FROM broadcasts WHERE id = calls.broadcast_id)
		 AND retry_after IS NOT NULL AND retry_after <= ?
		 ORDER BY retry_after, id LIMIT ?`,
		broadcastID, models.CallQueued, time.Now().UTC(), limit)
}

// CountActive returns the number of calls currently occupying a provider
// channel for the campaign.
func (r *callRepo) CountActive(ctx context.Context, broadcastID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE broadcast_id = ? AND status IN (?, ?, ?, ?)`,
		broadcastID, models.CallCalling, models.CallRinging,
		models.CallInProgress, models.CallAnswered,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active calls: %w", err)
	}
	return count, nil
}

// CountPending returns the number of calls that are not yet settled:
// queued plus everything active.
func (r *callRepo) CountPending(ctx context.Context, broadcastID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE broadcast_id = ? AND status IN (?, ?, ?, ?, ?)`,
		broadcastID, models.CallQueued, models.CallCalling, models.CallRinging,
		models.CallInProgress, models.CallAnswered,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending calls: %w", err)
	}
	return count, nil
}

// AggregateByStatus returns status -> count for a campaign. This is the
// authoritative stats path; nothing increments persisted counters.
func (r *callRepo) AggregateByStatus(ctx context.Context, broadcastID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM calls WHERE broadcast_id = ? GROUP BY status`,
		broadcastID)
	if err != nil {
		return nil, fmt.Errorf("aggregating call statuses: %w", err)
	}
	defer rows.Close()

	agg := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status aggregate: %w", err)
		}
		agg[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status aggregates: %w", err)
	}
	return agg, nil
}

// CountByStatus aggregates call counts across all campaigns.
func (r *callRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by status: %w", err)
	}
	defer rows.Close()

	agg := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning global status count: %w", err)
		}
		agg[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating global status counts: %w", err)
	}
	return agg, nil
}

// MarkCalling atomically moves a queued call into the calling state,
// recording the provider SID, the dial time and the attempt.
func (r *callRepo) MarkCalling(ctx context.Context, id, providerSID string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, provider_sid = ?, start_time = ?,
		 attempts = attempts + 1, retry_after = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		models.CallCalling, providerSID, now, now, id, models.CallQueued)
	if err != nil {
		return fmt.Errorf("marking call calling: %w", err)
	}
	return requireRow(res, "mark calling", id)
}

// MarkCompleted terminates a call with the reported duration.
func (r *callRepo) MarkCompleted(ctx context.Context, id string, duration int) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, duration = ?, end_time = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		models.CallCompleted, duration, now, now, id,
		models.CallCompleted, models.CallFailed, models.CallCancelled, models.CallOptedOut)
	if err != nil {
		return fmt.Errorf("marking call completed: %w", err)
	}
	return requireRow(res, "mark completed", id)
}

// MarkFailed records a failure and applies the retry policy. MarkCalling
// counts the attempt when a dial goes out, so a failure that precedes the
// dial (compliance error, provider rejection) counts it here. A call that
// has advanced past calling is live on the provider side and is left for
// its webhooks to settle.
func (r *callRepo) MarkFailed(ctx context.Context, id, code, message string, retry bool, policy RetryPolicy) error {
	call, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if call == nil {
		return fmt.Errorf("mark failed: call %s not found", id)
	}
	if call.Status != models.CallQueued && call.Status != models.CallCalling {
		return nil
	}

	countAttempt := 0
	if call.Status == models.CallQueued {
		countAttempt = 1
	}
	attempts := call.Attempts + countAttempt

	now := time.Now().UTC()
	if retry && attempts < policy.MaxRetries+1 {
		retryAfter := now.Add(policy.RetryDelay)
		res, err := r.db.ExecContext(ctx,
			`UPDATE calls SET status = ?, attempts = attempts + ?, retry_after = ?,
			 error_code = ?, error_message = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			models.CallQueued, countAttempt, retryAfter, code, message, now, id, call.Status)
		if err != nil {
			return fmt.Errorf("requeueing failed call: %w", err)
		}
		if affected(res) {
			return nil
		}
		// Lost the CAS race; re-resolve against the current state.
		return r.MarkFailed(ctx, id, code, message, retry, policy)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, attempts = attempts + ?, retry_after = NULL,
		 error_code = ?, error_message = ?, end_time = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		models.CallFailed, countAttempt, code, message, now, now, id, call.Status)
	if err != nil {
		return fmt.Errorf("marking call failed: %w", err)
	}
	if affected(res) {
		return nil
	}
	return r.MarkFailed(ctx, id, code, message, retry, policy)
}

// MarkOptedOut terminates a call because its contact opted out.
func (r *callRepo) MarkOptedOut(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, opted_out = 1, end_time = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		models.CallOptedOut, now, now, id,
		models.CallCompleted, models.CallFailed, models.CallCancelled, models.CallOptedOut)
	if err != nil {
		return fmt.Errorf("marking call opted out: %w", err)
	}
	return nil
}

// SetDNDStatus records the outcome of the DND registry check.
func (r *callRepo) SetDNDStatus(ctx context.Context, id, dndStatus string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET dnd_status = ?, updated_at = ? WHERE id = ?`,
		dndStatus, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting dnd status: %w", err)
	}
	return nil
}

// BackfillProviderSID stores the SID reported by the first webhook when it
// beat the dial response. Only a call without a SID is touched.
func (r *callRepo) BackfillProviderSID(ctx context.Context, id, sid string) error {
	if sid == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET provider_sid = ?, updated_at = ?
		 WHERE id = ? AND provider_sid IS NULL`,
		sid, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("backfilling provider sid: %w", err)
	}
	return nil
}

// ApplyProviderStatus applies a webhook transition with per-call
// compare-and-set on status. A late engine-side "calling" after a webhook
// "completed" never regresses the call; redelivering the same webhook is a
// no-op that leaves identical state.
func (r *callRepo) ApplyProviderStatus(ctx context.Context, id string, update ProviderStatusUpdate) error {
	for attempt := 0; attempt < 3; attempt++ {
		call, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if call == nil {
			return fmt.Errorf("apply provider status: call %s not found", id)
		}
		if call.Status == update.Status {
			return nil
		}
		if models.IsTerminalCallStatus(call.Status) {
			return nil
		}
		if statusRank[update.Status] < statusRank[call.Status] {
			return nil
		}

		now := time.Now().UTC()
		set := `status = ?, updated_at = ?`
		args := []any{update.Status, now}

		switch update.Status {
		case models.CallAnswered, models.CallInProgress:
			set += `, answer_time = COALESCE(answer_time, ?)`
			args = append(args, now)
		case models.CallCompleted:
			set += `, duration = ?, end_time = ?`
			args = append(args, update.Duration, now)
		case models.CallFailed, models.CallCancelled:
			set += `, end_time = ?`
			args = append(args, now)
		}
		if update.AnsweredBy != "" {
			set += `, answered_by = ?`
			args = append(args, update.AnsweredBy)
		}
		if update.ErrorCode != "" {
			set += `, error_code = ?, error_message = ?`
			args = append(args, update.ErrorCode, update.ErrorMessage)
		}

		args = append(args, id, call.Status)
		res, err := r.db.ExecContext(ctx,
			`UPDATE calls SET `+set+` WHERE id = ? AND status = ?`, args...)
		if err != nil {
			return fmt.Errorf("applying provider status: %w", err)
		}
		if affected(res) {
			return nil
		}
		// Concurrent transition won the CAS; re-read and re-evaluate.
	}
	return fmt.Errorf("apply provider status: gave up after repeated conflicts on call %s", id)
}

// CancelQueued flips all queued calls of a campaign to cancelled.
func (r *callRepo) CancelQueued(ctx context.Context, broadcastID string) (int64, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, end_time = ?, updated_at = ?
		 WHERE broadcast_id = ? AND status = ?`,
		models.CallCancelled, now, now, broadcastID, models.CallQueued)
	if err != nil {
		return 0, fmt.Errorf("cancelling queued calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cancelled calls: %w", err)
	}
	return n, nil
}

func (r *callRepo) queryCalls(ctx context.Context, query string, args ...any) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		var c models.Call
		if err := rows.Scan(&c.ID, &c.BroadcastID, &c.Phone, &c.ContactName,
			&c.CustomFields, &c.MessageText, &c.AudioURL, &c.ProviderSID,
			&c.Status, &c.Attempts, &c.RetryAfter, &c.Duration,
			&c.StartTime, &c.AnswerTime, &c.EndTime, &c.ErrorCode,
			&c.ErrorMessage, &c.AnsweredBy, &c.DNDStatus, &c.OptedOut,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, nil
}

func (r *callRepo) scanOne(row *sql.Row) (*models.Call, error) {
	var c models.Call
	err := row.Scan(&c.ID, &c.BroadcastID, &c.Phone, &c.ContactName,
		&c.CustomFields, &c.MessageText, &c.AudioURL, &c.ProviderSID,
		&c.Status, &c.Attempts, &c.RetryAfter, &c.Duration,
		&c.StartTime, &c.AnswerTime, &c.EndTime, &c.ErrorCode,
		&c.ErrorMessage, &c.AnsweredBy, &c.DNDStatus, &c.OptedOut,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return &c, nil
}

// requireRow converts a zero-row update into an error naming the operation.
func requireRow(res sql.Result, op, id string) error {
	if affected(res) {
		return nil
	}
	return fmt.Errorf("%s: call %s not in an eligible state", op, id)
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
