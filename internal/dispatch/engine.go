// Package dispatch runs the per-campaign scheduler. Each active campaign
// owns one ticker; every tick fills the campaign's free concurrency
// slots with fresh or retryable calls and dials them through the
// telephony provider. Webhooks complete the lifecycle out-of-band.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dialcast/dialcast/internal/cdn"
	"github.com/dialcast/dialcast/internal/compliance"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/events"
	"github.com/dialcast/dialcast/internal/provider"
)

// DefaultPollInterval is the dispatch tick period.
const DefaultPollInterval = 5 * time.Second

// DefaultRetryDelay applies when a campaign does not set its own.
const DefaultRetryDelay = 5 * time.Minute

// Engine schedules dialing for every active campaign.
type Engine struct {
	broadcasts database.BroadcastRepository
	calls      database.CallRepository
	assets     database.AudioAssetRepository
	adapter    provider.Adapter
	filter     *compliance.Filter
	uploader   cdn.Uploader
	publisher  events.Publisher
	logger     *slog.Logger

	baseURL      string
	pollInterval time.Duration
	retryDelay   time.Duration

	mu        sync.Mutex
	campaigns map[string]*campaignState
	wg        sync.WaitGroup
}

// campaignState is the per-campaign dispatch handle. tickMu suppresses a
// tick that would overlap a stalled previous tick for the same campaign.
type campaignState struct {
	cancel context.CancelFunc
	tickMu sync.Mutex
}

// Options tune the engine; zero values take the defaults.
type Options struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
}

// NewEngine wires the scheduler. baseURL is the public address the
// provider fetches scripts from and posts webhooks to.
func NewEngine(
	broadcasts database.BroadcastRepository,
	calls database.CallRepository,
	assets database.AudioAssetRepository,
	adapter provider.Adapter,
	filter *compliance.Filter,
	uploader cdn.Uploader,
	publisher events.Publisher,
	baseURL string,
	logger *slog.Logger,
	opts Options,
) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Engine{
		broadcasts:   broadcasts,
		calls:        calls,
		assets:       assets,
		adapter:      adapter,
		filter:       filter,
		uploader:     uploader,
		publisher:    publisher,
		logger:       logger.With("subsystem", "dispatch"),
		baseURL:      baseURL,
		pollInterval: opts.PollInterval,
		retryDelay:   opts.RetryDelay,
		campaigns:    make(map[string]*campaignState),
	}
}

// Start registers a campaign for dispatch. Starting a campaign that is
// already registered logs a warning and does nothing.
func (e *Engine) Start(broadcastID string) {
	e.mu.Lock()
	if _, ok := e.campaigns[broadcastID]; ok {
		e.mu.Unlock()
		e.logger.Warn("campaign already dispatching", "broadcast_id", broadcastID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &campaignState{cancel: cancel}
	e.campaigns[broadcastID] = st
	e.mu.Unlock()

	e.logger.Info("campaign dispatch started", "broadcast_id", broadcastID, "poll_interval", e.pollInterval)

	e.wg.Add(1)
	go e.run(ctx, broadcastID, st)
}

// Stop deregisters a campaign and stops its ticker. In-flight provider
// calls are untouched.
func (e *Engine) Stop(broadcastID string) {
	e.mu.Lock()
	st, ok := e.campaigns[broadcastID]
	if ok {
		delete(e.campaigns, broadcastID)
	}
	e.mu.Unlock()
	if ok {
		st.cancel()
		e.logger.Info("campaign dispatch stopped", "broadcast_id", broadcastID)
	}
}

// ActiveCampaigns lists the campaigns currently registered for dispatch.
func (e *Engine) ActiveCampaigns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.campaigns))
	for id := range e.campaigns {
		ids = append(ids, id)
	}
	return ids
}

// ResumeAll restarts dispatch for campaigns left queued or in progress
// by a previous process.
func (e *Engine) ResumeAll(ctx context.Context) error {
	for _, status := range []string{models.BroadcastQueued, models.BroadcastInProgress} {
		list, _, err := e.broadcasts.List(ctx, database.BroadcastListFilter{Status: status, Limit: 1000})
		if err != nil {
			return fmt.Errorf("listing %s broadcasts: %w", status, err)
		}
		for _, b := range list {
			e.Start(b.ID)
		}
	}
	return nil
}

// Shutdown stops every campaign and waits for in-progress ticks.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for id, st := range e.campaigns {
		st.cancel()
		delete(e.campaigns, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, broadcastID string, st *campaignState) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.safeTick(ctx, broadcastID, st)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safeTick(ctx, broadcastID, st)
		}
	}
}

func (e *Engine) safeTick(ctx context.Context, broadcastID string, st *campaignState) {
	if !st.tickMu.TryLock() {
		e.logger.Debug("tick still in progress, skipping", "broadcast_id", broadcastID)
		return
	}
	defer st.tickMu.Unlock()

	if err := e.Tick(ctx, broadcastID); err != nil && ctx.Err() == nil {
		e.logger.Error("dispatch tick failed", "broadcast_id", broadcastID, "error", err)
	}
}

// Tick runs one dispatch round for a campaign.
func (e *Engine) Tick(ctx context.Context, broadcastID string) error {
	campaign, err := e.broadcasts.GetByID(ctx, broadcastID)
	if err != nil {
		return fmt.Errorf("loading campaign: %w", err)
	}
	if campaign == nil ||
		campaign.Status == models.BroadcastCompleted ||
		campaign.Status == models.BroadcastCancelled {
		e.Stop(broadcastID)
		return nil
	}

	if campaign.Status == models.BroadcastQueued {
		if err := e.broadcasts.MarkStarted(ctx, broadcastID); err != nil {
			return fmt.Errorf("marking campaign started: %w", err)
		}
		campaign.Status = models.BroadcastInProgress
		e.publishBroadcastUpdate(ctx, campaign)
	}

	active, err := e.calls.CountActive(ctx, broadcastID)
	if err != nil {
		return fmt.Errorf("counting active calls: %w", err)
	}
	slots := campaign.MaxConcurrent - active
	if slots <= 0 {
		return nil
	}

	batch, err := e.calls.GetFresh(ctx, broadcastID, slots)
	if err != nil {
		return fmt.Errorf("selecting fresh calls: %w", err)
	}
	if deficit := slots - len(batch); deficit > 0 {
		retryable, err := e.calls.GetRetryable(ctx, broadcastID, deficit)
		if err != nil {
			return fmt.Errorf("selecting retryable calls: %w", err)
		}
		batch = append(batch, retryable...)
	}

	if len(batch) == 0 {
		pending, err := e.calls.CountPending(ctx, broadcastID)
		if err != nil {
			return fmt.Errorf("counting pending calls: %w", err)
		}
		if pending == 0 {
			return e.complete(ctx, campaign)
		}
		return nil
	}

	// Dial the batch concurrently but join before returning so the next
	// tick sees an accurate active count.
	tick := e.filter.NewTick()
	var wg sync.WaitGroup
	for i := range batch {
		call := batch[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.dial(ctx, campaign, &call, tick)
		}()
	}
	wg.Wait()
	return nil
}

// dial runs the per-call pipeline. Individual failures are resolved
// through the retry policy and never abort the batch.
func (e *Engine) dial(ctx context.Context, campaign *models.Broadcast, call *models.Call, tick *compliance.Tick) {
	e.publisher.Publish(events.BroadcastRoom(campaign.ID), events.EventCallUpdate, events.CallUpdate{
		BroadcastID: campaign.ID,
		CallID:      call.ID,
		Phone:       call.Phone,
		Status:      models.CallCalling,
	})

	decision, err := tick.Evaluate(ctx, campaign, call.Phone)
	if err != nil {
		e.logger.Error("compliance check failed", "call_id", call.ID, "error", err)
		e.resolveFailure(ctx, campaign, call, "compliance_error", err.Error(), true)
		return
	}
	switch decision {
	case compliance.BlockedDND:
		if err := e.calls.SetDNDStatus(ctx, call.ID, compliance.DNDBlocked); err != nil {
			e.logger.Error("recording dnd status", "call_id", call.ID, "error", err)
		}
		e.resolveFailure(ctx, campaign, call, "dnd_blocked", "number blocked by dnd registry", false)
		return
	case compliance.OptedOut:
		if err := e.calls.MarkOptedOut(ctx, call.ID); err != nil {
			e.logger.Error("marking call opted out", "call_id", call.ID, "error", err)
			return
		}
		e.publisher.Publish(events.BroadcastRoom(campaign.ID), events.EventCallUpdate, events.CallUpdate{
			BroadcastID: campaign.ID,
			CallID:      call.ID,
			Phone:       call.Phone,
			Status:      models.CallOptedOut,
		})
		return
	}

	result, err := e.adapter.Place(ctx, provider.PlaceRequest{
		To:                call.Phone,
		ScriptURL:         e.scriptURL(call, campaign),
		StatusCallbackURL: e.statusCallbackURL(call.ID),
	})
	if err != nil {
		code, msg := "dial_failed", err.Error()
		if perr, ok := err.(*provider.Error); ok {
			code, msg = perr.Code, perr.Message
		}
		e.resolveFailure(ctx, campaign, call, code, msg, true)
		return
	}

	if err := e.calls.MarkCalling(ctx, call.ID, result.ProviderSID); err != nil {
		// A status webhook can beat the dial response. When the row has
		// already moved on, the call is live; store the SID and leave it
		// to its webhooks instead of treating the lost CAS as a failure.
		current, getErr := e.calls.GetByID(ctx, call.ID)
		if getErr == nil && current != nil && current.Status != models.CallQueued {
			if err := e.calls.BackfillProviderSID(ctx, call.ID, result.ProviderSID); err != nil {
				e.logger.Warn("backfilling provider sid after webhook race",
					"call_id", call.ID, "sid", result.ProviderSID, "error", err)
			}
			return
		}
		// The dial went out but the row would not transition; resolve
		// through the retry policy so the call is not stranded.
		e.logger.Error("persisting dial", "call_id", call.ID, "sid", result.ProviderSID, "error", err)
		e.resolveFailure(ctx, campaign, call, "persist_failed", err.Error(), true)
		return
	}

	e.publisher.Publish(events.BroadcastRoom(campaign.ID), events.EventCallUpdate, events.CallUpdate{
		BroadcastID: campaign.ID,
		CallID:      call.ID,
		CallSID:     result.ProviderSID,
		Phone:       call.Phone,
		Status:      models.CallCalling,
	})
}

// resolveFailure applies the retry policy and emits the resolved state.
func (e *Engine) resolveFailure(ctx context.Context, campaign *models.Broadcast, call *models.Call, code, msg string, retry bool) {
	policy := database.RetryPolicy{
		MaxRetries: campaign.MaxRetries,
		RetryDelay: campaign.RetryDelay,
	}
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = e.retryDelay
	}
	if err := e.calls.MarkFailed(ctx, call.ID, code, msg, retry, policy); err != nil {
		e.logger.Error("marking call failed", "call_id", call.ID, "error", err)
		return
	}
	resolved, err := e.calls.GetByID(ctx, call.ID)
	if err != nil || resolved == nil {
		e.logger.Error("reloading failed call", "call_id", call.ID, "error", err)
		return
	}
	e.publisher.Publish(events.BroadcastRoom(campaign.ID), events.EventCallUpdate, events.CallUpdate{
		BroadcastID: campaign.ID,
		CallID:      call.ID,
		Phone:       call.Phone,
		Status:      resolved.Status,
	})
}

// complete transitions the campaign to completed exactly once and stops
// its ticker.
func (e *Engine) complete(ctx context.Context, campaign *models.Broadcast) error {
	won, err := e.broadcasts.MarkCompleted(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("marking campaign completed: %w", err)
	}
	if won {
		campaign.Status = models.BroadcastCompleted
		e.logger.Info("campaign completed", "broadcast_id", campaign.ID)
		e.publishBroadcastUpdate(ctx, campaign)
		e.publisher.Publish(events.GlobalRoom, events.EventBroadcastListUpdate, nil)
	}
	e.Stop(campaign.ID)
	return nil
}

// Cancel stops dispatch, cancels every queued call, and marks the
// campaign cancelled. In-flight provider calls finish via webhooks.
func (e *Engine) Cancel(ctx context.Context, broadcastID string) error {
	e.Stop(broadcastID)

	cancelled, err := e.calls.CancelQueued(ctx, broadcastID)
	if err != nil {
		return fmt.Errorf("cancelling queued calls: %w", err)
	}
	if err := e.broadcasts.MarkCancelled(ctx, broadcastID); err != nil {
		return fmt.Errorf("marking campaign cancelled: %w", err)
	}
	e.logger.Info("campaign cancelled", "broadcast_id", broadcastID, "queued_cancelled", cancelled)

	campaign, err := e.broadcasts.GetByID(ctx, broadcastID)
	if err == nil && campaign != nil {
		e.publishBroadcastUpdate(ctx, campaign)
	}
	e.publisher.Publish(events.GlobalRoom, events.EventBroadcastListUpdate, nil)
	return nil
}

// Delete cancels a running campaign, sweeps its CDN assets, and removes
// the campaign with its calls and assets.
func (e *Engine) Delete(ctx context.Context, broadcastID string) error {
	campaign, err := e.broadcasts.GetByID(ctx, broadcastID)
	if err != nil {
		return fmt.Errorf("loading campaign: %w", err)
	}
	if campaign == nil {
		return nil
	}
	if campaign.Status == models.BroadcastQueued || campaign.Status == models.BroadcastInProgress {
		if err := e.Cancel(ctx, broadcastID); err != nil {
			return err
		}
	}

	assets, err := e.assets.ListByBroadcast(ctx, broadcastID)
	if err != nil {
		return fmt.Errorf("listing campaign assets: %w", err)
	}
	for _, asset := range assets {
		if err := e.uploader.Delete(ctx, asset.UniqueKey+".mp3"); err != nil {
			// Orphaned objects are preferable to a stuck delete.
			e.logger.Warn("deleting cdn asset", "key", asset.UniqueKey, "error", err)
		}
	}

	if err := e.broadcasts.Delete(ctx, broadcastID); err != nil {
		return fmt.Errorf("deleting campaign: %w", err)
	}
	e.logger.Info("campaign deleted", "broadcast_id", broadcastID)
	e.publisher.Publish(events.GlobalRoom, events.EventBroadcastListUpdate, nil)
	return nil
}

func (e *Engine) publishBroadcastUpdate(ctx context.Context, campaign *models.Broadcast) {
	counts, err := e.calls.AggregateByStatus(ctx, campaign.ID)
	if err != nil {
		e.logger.Error("aggregating campaign stats", "broadcast_id", campaign.ID, "error", err)
		return
	}
	stats := models.StatsFromCounts(counts)
	e.publisher.Publish(events.BroadcastRoom(campaign.ID), events.EventBroadcastUpdate, events.BroadcastUpdate{
		BroadcastID: campaign.ID,
		Status:      campaign.Status,
		Stats:       stats,
		ActiveCalls: stats.Calling + stats.Answered,
	})
}

func (e *Engine) scriptURL(call *models.Call, campaign *models.Broadcast) string {
	q := url.Values{}
	q.Set("audioUrl", call.AudioURL)
	if campaign.DisclaimerText != "" {
		q.Set("disclaimer", campaign.DisclaimerText)
	}
	return e.baseURL + "/api/v1/broadcast/twiml?" + q.Encode()
}

func (e *Engine) statusCallbackURL(callID string) string {
	return e.baseURL + "/api/v1/broadcast/" + callID + "/status"
}
