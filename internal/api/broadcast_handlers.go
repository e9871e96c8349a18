package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dialcast/dialcast/internal/api/middleware"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/events"
	"github.com/dialcast/dialcast/internal/template"
	"github.com/dialcast/dialcast/internal/tts"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Campaign defaults applied when the start request omits them.
const (
	defaultMaxConcurrent = 10
	defaultMaxRetries    = 2
)

type voiceConfig struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
	Language string `json:"language"`
}

type contactInput struct {
	Phone        string            `json:"phone" validate:"required,e164"`
	Name         string            `json:"name" validate:"max=200"`
	CustomFields map[string]string `json:"customFields"`
}

type complianceOpts struct {
	DisclaimerText string `json:"disclaimerText"`
	OptOutEnabled  *bool  `json:"optOutEnabled"`
	DNDRespect     *bool  `json:"dndRespect"`
}

type startBroadcastRequest struct {
	Name            string          `json:"name" validate:"required,max=200"`
	MessageTemplate string          `json:"messageTemplate" validate:"required,max=5000"`
	Voice           voiceConfig     `json:"voice"`
	Contacts        []contactInput  `json:"contacts" validate:"required,min=1,max=10000,dive"`
	MaxConcurrent   int             `json:"maxConcurrent" validate:"min=0,max=100"`
	MaxRetries      int             `json:"maxRetries" validate:"min=0,max=10"`
	RetryDelaySecs  int             `json:"retryDelaySeconds" validate:"min=0,max=86400"`
	Compliance      *complianceOpts `json:"compliance"`
}

// handleBroadcastStart creates a campaign, materializes its audio, creates
// the call rows and registers the campaign for dispatch. TTS or storage
// failure leaves the campaign in draft so the caller can retry.
func (s *Server) handleBroadcastStart(w http.ResponseWriter, r *http.Request) {
	var req startBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if _, err := template.Validate(req.MessageTemplate); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid template: %v", err))
		return
	}

	ctx := r.Context()

	campaign := &models.Broadcast{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Template:      req.MessageTemplate,
		VoiceProvider: req.Voice.Provider,
		VoiceID:       req.Voice.VoiceID,
		VoiceLanguage: req.Voice.Language,
		Status:        models.BroadcastDraft,
		MaxConcurrent: req.MaxConcurrent,
		MaxRetries:    req.MaxRetries,
		RetryDelay:    time.Duration(req.RetryDelaySecs) * time.Second,
		OptOutEnabled: true,
		DNDRespect:    true,
		OwnerID:       middleware.AdminIDFromContext(ctx),
	}
	if campaign.MaxConcurrent == 0 {
		campaign.MaxConcurrent = defaultMaxConcurrent
	}
	if req.MaxRetries == 0 {
		campaign.MaxRetries = defaultMaxRetries
	}
	if req.Compliance != nil {
		campaign.DisclaimerText = req.Compliance.DisclaimerText
		if req.Compliance.OptOutEnabled != nil {
			campaign.OptOutEnabled = *req.Compliance.OptOutEnabled
		}
		if req.Compliance.DNDRespect != nil {
			campaign.DNDRespect = *req.Compliance.DNDRespect
		}
	}

	if err := s.broadcasts.Create(ctx, campaign); err != nil {
		s.logger.Error("creating campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	asset, err := s.tts.Materialize(ctx, campaign)
	if err != nil {
		// The draft row stays so the operator can retry or delete it.
		s.logger.Error("materializing campaign audio", "broadcast_id", campaign.ID, "error", err)
		if errors.Is(err, tts.ErrUnavailable) {
			writeError(w, http.StatusBadGateway, "speech synthesis unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "audio materialization failed")
		return
	}

	calls := make([]models.Call, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		values := map[string]string{"name": c.Name, "phone": c.Phone}
		for k, v := range c.CustomFields {
			values[k] = v
		}
		fields, _ := json.Marshal(c.CustomFields)
		calls = append(calls, models.Call{
			ID:           uuid.NewString(),
			BroadcastID:  campaign.ID,
			Phone:        c.Phone,
			ContactName:  c.Name,
			CustomFields: string(fields),
			MessageText:  template.Render(req.MessageTemplate, values),
			AudioURL:     asset.AudioURL,
			Status:       models.CallQueued,
		})
	}
	if err := s.calls.BulkCreate(ctx, calls); err != nil {
		s.logger.Error("creating call rows", "broadcast_id", campaign.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.broadcasts.SetStatus(ctx, campaign.ID, models.BroadcastQueued); err != nil {
		s.logger.Error("queueing campaign", "broadcast_id", campaign.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.hub.Publish(events.BroadcastRoom(campaign.ID), events.EventCallsCreated, events.CallsCreated{
		BroadcastID: campaign.ID,
		Total:       len(calls),
	})
	s.hub.Publish(events.GlobalRoom, events.EventBroadcastListUpdate, nil)

	s.engine.Start(campaign.ID)

	s.logger.Info("campaign started",
		"broadcast_id", campaign.ID, "name", campaign.Name, "contacts", len(calls))

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            campaign.ID,
		"name":          campaign.Name,
		"status":        models.BroadcastQueued,
		"totalContacts": len(calls),
	})
}

// broadcastView is the campaign representation returned by read endpoints,
// with aggregates refreshed from the calls table.
type broadcastView struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Status      string                `json:"status"`
	Stats       models.BroadcastStats `json:"stats"`
	CreatedAt   time.Time             `json:"createdAt"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
}

func (s *Server) broadcastView(r *http.Request, b *models.Broadcast) (broadcastView, error) {
	counts, err := s.calls.AggregateByStatus(r.Context(), b.ID)
	if err != nil {
		return broadcastView{}, err
	}
	return broadcastView{
		ID:          b.ID,
		Name:        b.Name,
		Status:      b.Status,
		Stats:       models.StatsFromCounts(counts),
		CreatedAt:   b.CreatedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}, nil
}

// handleBroadcastStatus returns one campaign with refreshed aggregates.
func (s *Server) handleBroadcastStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.broadcasts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign", "broadcast_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}

	view, err := s.broadcastView(r, b)
	if err != nil {
		s.logger.Error("aggregating campaign stats", "broadcast_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleBroadcastList returns campaigns with pagination, newest first.
func (s *Server) handleBroadcastList(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	filter := database.BroadcastListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	items, total, err := s.broadcasts.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing campaigns", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]broadcastView, 0, len(items))
	for i := range items {
		view, err := s.broadcastView(r, &items[i])
		if err != nil {
			s.logger.Error("aggregating campaign stats", "broadcast_id", items[i].ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"broadcasts": views,
		"total":      total,
		"page":       page,
		"limit":      limit,
	})
}

// handleBroadcastCancel stops dispatch and cancels all queued calls.
// Cancelling a campaign that already reached a terminal state succeeds
// without changing anything.
func (s *Server) handleBroadcastCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.broadcasts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign", "broadcast_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}

	if b.Status == models.BroadcastCompleted || b.Status == models.BroadcastCancelled {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": b.Status})
		return
	}

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.logger.Error("cancelling campaign", "broadcast_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.BroadcastCancelled})
}

// callView is the call representation returned by the list endpoint.
type callView struct {
	ID           string     `json:"id"`
	Phone        string     `json:"phone"`
	ContactName  string     `json:"contactName,omitempty"`
	ProviderSID  string     `json:"providerSid,omitempty"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	Duration     int        `json:"duration"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	AnsweredBy   string     `json:"answeredBy,omitempty"`
	OptedOut     bool       `json:"optedOut"`
}

// handleBroadcastCalls returns a campaign's calls with optional status
// filtering and pagination.
func (s *Server) handleBroadcastCalls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.broadcasts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign", "broadcast_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}

	page, limit := pagination(r)
	calls, total, err := s.calls.List(r.Context(), database.CallListFilter{
		BroadcastID: id,
		Status:      r.URL.Query().Get("status"),
		Limit:       limit,
		Offset:      (page - 1) * limit,
	})
	if err != nil {
		s.logger.Error("listing calls", "broadcast_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]callView, 0, len(calls))
	for _, c := range calls {
		views = append(views, callView{
			ID:           c.ID,
			Phone:        c.Phone,
			ContactName:  c.ContactName,
			ProviderSID:  c.ProviderSID,
			Status:       c.Status,
			Attempts:     c.Attempts,
			Duration:     c.Duration,
			StartTime:    c.StartTime,
			EndTime:      c.EndTime,
			ErrorCode:    c.ErrorCode,
			ErrorMessage: c.ErrorMessage,
			AnsweredBy:   c.AnsweredBy,
			OptedOut:     c.OptedOut,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"calls": views,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// handleBroadcastDelete removes a campaign, its calls and its audio assets.
// A running campaign is cancelled first.
func (s *Server) handleBroadcastDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.broadcasts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign", "broadcast_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}

	if err := s.engine.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting campaign", "broadcast_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// pagination reads ?page and ?limit with sane bounds.
func pagination(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return page, limit
}

// validationMessage turns the first validator error into a readable message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("field %s failed validation on %s", fe.Namespace(), fe.Tag())
	}
	return "invalid request"
}
