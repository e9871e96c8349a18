package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// audioAssetRepo implements AudioAssetRepository.
type audioAssetRepo struct {
	db *DB
}

// NewAudioAssetRepository creates a new AudioAssetRepository.
func NewAudioAssetRepository(db *DB) AudioAssetRepository {
	return &audioAssetRepo{db: db}
}

// Create persists a materialized TTS asset on its campaign.
func (r *audioAssetRepo) Create(ctx context.Context, asset *models.AudioAsset) error {
	asset.GeneratedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO audio_assets (broadcast_id, unique_key, text, audio_url, duration, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		asset.BroadcastID, asset.UniqueKey, asset.Text, asset.AudioURL,
		asset.Duration, asset.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audio asset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting audio asset id: %w", err)
	}
	asset.ID = id
	return nil
}

// GetByKey returns the asset deduplicated by MD5 key, or (nil, nil).
func (r *audioAssetRepo) GetByKey(ctx context.Context, broadcastID, uniqueKey string) (*models.AudioAsset, error) {
	var a models.AudioAsset
	err := r.db.QueryRowContext(ctx,
		`SELECT id, broadcast_id, unique_key, text, audio_url, duration, generated_at
		 FROM audio_assets WHERE broadcast_id = ? AND unique_key = ?`,
		broadcastID, uniqueKey,
	).Scan(&a.ID, &a.BroadcastID, &a.UniqueKey, &a.Text, &a.AudioURL, &a.Duration, &a.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying audio asset: %w", err)
	}
	return &a, nil
}

// ListByBroadcast returns all assets attached to a campaign.
func (r *audioAssetRepo) ListByBroadcast(ctx context.Context, broadcastID string) ([]models.AudioAsset, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, broadcast_id, unique_key, text, audio_url, duration, generated_at
		 FROM audio_assets WHERE broadcast_id = ? ORDER BY generated_at`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("listing audio assets: %w", err)
	}
	defer rows.Close()

	var assets []models.AudioAsset
	for rows.Next() {
		var a models.AudioAsset
		if err := rows.Scan(&a.ID, &a.BroadcastID, &a.UniqueKey, &a.Text,
			&a.AudioURL, &a.Duration, &a.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scanning audio asset row: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audio asset rows: %w", err)
	}
	return assets, nil
}
