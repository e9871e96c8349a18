// Package tts turns a campaign's message template into a hosted audio
// asset. Synthesis happens once per distinct template text; the asset is
// keyed by the MD5 of the text and reused on retries and restarts.
package tts

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/cdn"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
)

// ErrUnavailable is returned when the synthesis service cannot be
// reached or answers with a non-200. Campaign start fails on it.
var ErrUnavailable = errors.New("tts service unavailable")

// Materializer synthesizes and uploads campaign audio.
type Materializer struct {
	ttsURL     string
	httpClient *http.Client
	uploader   cdn.Uploader
	assets     database.AudioAssetRepository
	logger     *slog.Logger
}

// NewMaterializer wires the synthesis service at ttsURL to the uploader
// and asset repository.
func NewMaterializer(ttsURL string, uploader cdn.Uploader, assets database.AudioAssetRepository, logger *slog.Logger) *Materializer {
	return &Materializer{
		ttsURL: ttsURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		uploader: uploader,
		assets:   assets,
		logger:   logger.With("subsystem", "tts"),
	}
}

// UniqueKey derives the dedup key for a template text.
func UniqueKey(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Materialize returns the campaign's audio asset, synthesizing and
// uploading it if no asset with the template's key exists yet.
func (m *Materializer) Materialize(ctx context.Context, campaign *models.Broadcast) (*models.AudioAsset, error) {
	key := UniqueKey(campaign.Template)

	existing, err := m.assets.GetByKey(ctx, campaign.ID, key)
	if err != nil {
		return nil, fmt.Errorf("checking existing asset: %w", err)
	}
	if existing != nil {
		m.logger.Info("reusing audio asset", "broadcast_id", campaign.ID, "key", key)
		return existing, nil
	}

	audio, duration, err := m.synthesize(ctx, campaign)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = EstimateDuration(campaign.Template)
	}

	audioURL, err := m.uploader.Upload(ctx, key+".mp3", "audio/mpeg", audio)
	if err != nil {
		return nil, fmt.Errorf("uploading synthesized audio: %w", err)
	}

	asset := &models.AudioAsset{
		BroadcastID: campaign.ID,
		UniqueKey:   key,
		Text:        campaign.Template,
		AudioURL:    audioURL,
		Duration:    duration,
	}
	if err := m.assets.Create(ctx, asset); err != nil {
		return nil, fmt.Errorf("persisting audio asset: %w", err)
	}

	m.logger.Info("audio asset materialized",
		"broadcast_id", campaign.ID, "key", key, "duration_s", duration)
	return asset, nil
}

// synthesize posts the template to the TTS service and returns the raw
// audio plus the service-reported duration in seconds (0 when absent).
func (m *Materializer) synthesize(ctx context.Context, campaign *models.Broadcast) ([]byte, int, error) {
	payload, err := json.Marshal(map[string]string{
		"text":     campaign.Template,
		"voice":    campaign.VoiceID,
		"provider": campaign.VoiceProvider,
		"language": campaign.VoiceLanguage,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encoding tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.ttsURL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("building tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading tts response: %w", err)
	}
	if len(audio) == 0 {
		return nil, 0, fmt.Errorf("%w: empty audio response", ErrUnavailable)
	}

	duration := 0
	if v := resp.Header.Get("X-Audio-Duration"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			duration = n
		}
	}
	return audio, duration, nil
}

// EstimateDuration guesses spoken length from word count at 2.5 words per
// second, used when the service reports no duration.
func EstimateDuration(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) / 2.5))
}
