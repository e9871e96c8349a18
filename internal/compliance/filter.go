// Package compliance decides whether a contact may be dialed. The checks
// run in a fixed order: the DND registry first, then the global opt-out
// store. Either one short-circuits the dial.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/optout"
)

// Decision is the outcome of the pre-dial checks.
type Decision int

const (
	// Dial means the contact passed every check.
	Dial Decision = iota
	// BlockedDND means the registry blocked the number. The call fails
	// without a retry.
	BlockedDND
	// OptedOut means the number is on the global opt-out list.
	OptedOut
)

func (d Decision) String() string {
	switch d {
	case Dial:
		return "dial"
	case BlockedDND:
		return "blocked_dnd"
	case OptedOut:
		return "opted_out"
	}
	return "unknown"
}

// Filter runs the ordered compliance checks.
type Filter struct {
	dnd     DNDChecker
	optouts optout.Store
	logger  *slog.Logger
}

// NewFilter creates a Filter. Pass NoopDNDChecker{} when no registry is
// configured.
func NewFilter(dnd DNDChecker, optouts optout.Store, logger *slog.Logger) *Filter {
	return &Filter{
		dnd:     dnd,
		optouts: optouts,
		logger:  logger.With("subsystem", "compliance"),
	}
}

// NewTick returns a view of the filter whose answers are memoized per
// phone. Asking twice about the same number within one dispatch tick
// yields the same decision without a second lookup.
func (f *Filter) NewTick() *Tick {
	return &Tick{
		filter:    f,
		decisions: make(map[string]Decision),
	}
}

// RecordKeypressOptOut upserts a global opt-out after the callee pressed
// the opt-out digit during a live call.
func (f *Filter) RecordKeypressOptOut(ctx context.Context, phone, broadcastID string) error {
	err := f.optouts.Add(ctx, optout.Entry{
		Phone:       phone,
		Source:      models.OptOutKeypress,
		BroadcastID: broadcastID,
		OptedOutAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recording keypress opt-out: %w", err)
	}
	return nil
}

// Tick memoizes decisions for the duration of one dispatch tick.
type Tick struct {
	filter    *Filter
	mu        sync.Mutex
	decisions map[string]Decision
}

// Evaluate runs the checks for one call. The campaign config controls
// which checks apply.
func (t *Tick) Evaluate(ctx context.Context, campaign *models.Broadcast, phone string) (Decision, error) {
	t.mu.Lock()
	if d, ok := t.decisions[phone]; ok {
		t.mu.Unlock()
		return d, nil
	}
	t.mu.Unlock()

	d, err := t.filter.evaluate(ctx, campaign, phone)
	if err != nil {
		return Dial, err
	}

	t.mu.Lock()
	t.decisions[phone] = d
	t.mu.Unlock()
	return d, nil
}

func (f *Filter) evaluate(ctx context.Context, campaign *models.Broadcast, phone string) (Decision, error) {
	if campaign.DNDRespect {
		status, err := f.dnd.Check(ctx, phone)
		if err != nil {
			return Dial, fmt.Errorf("dnd check for %s: %w", phone, err)
		}
		if status == DNDBlocked {
			f.logger.Info("dial blocked by dnd registry", "phone", phone, "broadcast_id", campaign.ID)
			return BlockedDND, nil
		}
	}

	if campaign.OptOutEnabled {
		opted, err := f.optouts.IsOptedOut(ctx, phone)
		if err != nil {
			return Dial, fmt.Errorf("opt-out check for %s: %w", phone, err)
		}
		if opted {
			f.logger.Info("dial skipped for opted-out number", "phone", phone, "broadcast_id", campaign.ID)
			return OptedOut, nil
		}
	}

	return Dial, nil
}
