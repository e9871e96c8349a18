package api

import (
	"net/http"
	"strconv"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/events"
	"github.com/dialcast/dialcast/internal/provider"
	"github.com/dialcast/dialcast/internal/twiml"
	"github.com/go-chi/chi/v5"
)

// handleTwiML serves the call script the provider executes when the callee
// answers. Script generation failures degrade to a short spoken error so
// the callee never hears silence.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	audioURL := r.FormValue("audioUrl")
	disclaimer := r.FormValue("disclaimer")

	doc, err := s.generator.Broadcast(r.Context(), audioURL, disclaimer)
	if err != nil {
		s.logger.Error("generating call script", "error", err)
		doc = s.generator.ErrorDocument()
	}
	twiml.WriteResponse(w, doc)
}

// handleStatusCallback ingests provider status webhooks. The call is
// located by provider SID first; when the webhook races the dial response,
// the internal id from the path resolves it and the SID is backfilled.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	sid := r.PostFormValue("CallSid")
	rawStatus := r.PostFormValue("CallStatus")

	ctx := r.Context()

	call, err := s.lookupCall(r, sid, callID)
	if err != nil {
		s.logger.Error("webhook: looking up call", "call_id", callID, "sid", sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if call == nil {
		// The provider redelivers on non-2xx, so an unknown call is
		// reported once and forgotten.
		s.logger.Warn("webhook for unknown call", "call_id", callID, "sid", sid)
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	status := provider.MapStatus(rawStatus)
	if status == "" {
		s.logger.Warn("webhook with unmapped status", "call_id", call.ID, "provider_status", rawStatus)
		w.WriteHeader(http.StatusOK)
		return
	}

	duration, _ := strconv.Atoi(r.PostFormValue("CallDuration"))
	update := database.ProviderStatusUpdate{
		Status:       status,
		Duration:     duration,
		AnsweredBy:   r.PostFormValue("AnsweredBy"),
		ErrorCode:    r.PostFormValue("ErrorCode"),
		ErrorMessage: r.PostFormValue("ErrorMessage"),
	}
	if err := s.calls.ApplyProviderStatus(ctx, call.ID, update); err != nil {
		s.logger.Error("webhook: applying status", "call_id", call.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Re-read so events carry the resolved state, which may differ from
	// the webhook status when the transition was refused.
	updated, err := s.calls.GetByID(ctx, call.ID)
	if err != nil || updated == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.publishCallUpdate(updated)

	if counts, err := s.calls.AggregateByStatus(ctx, updated.BroadcastID); err == nil {
		payload := events.BroadcastUpdate{
			BroadcastID: updated.BroadcastID,
			Stats:       models.StatsFromCounts(counts),
		}
		if b, err := s.broadcasts.GetByID(ctx, updated.BroadcastID); err == nil && b != nil {
			payload.Status = b.Status
		}
		s.hub.Publish(events.BroadcastRoom(updated.BroadcastID), events.EventBroadcastUpdate, payload)
		s.hub.Publish(events.GlobalRoom, events.EventStatsUpdate, payload)
	}

	w.WriteHeader(http.StatusOK)
}

// lookupCall resolves a webhook to a call row, preferring the provider SID
// and falling back to the internal id from the callback path.
func (s *Server) lookupCall(r *http.Request, sid, callID string) (*models.Call, error) {
	ctx := r.Context()
	if sid != "" {
		call, err := s.calls.GetByProviderSID(ctx, sid)
		if err != nil || call != nil {
			return call, err
		}
	}
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil || call == nil {
		return nil, err
	}
	if sid != "" && call.ProviderSID == "" {
		if err := s.calls.BackfillProviderSID(ctx, call.ID, sid); err != nil {
			s.logger.Warn("webhook: backfilling provider sid", "call_id", call.ID, "error", err)
		} else {
			call.ProviderSID = sid
		}
	}
	return call, nil
}

// handleKeypress processes in-call digit presses. Pressing 9 opts the
// callee out globally and confirms it before hanging up.
func (s *Server) handleKeypress(w http.ResponseWriter, r *http.Request) {
	sid := r.PostFormValue("CallSid")
	digits := r.PostFormValue("Digits")

	ctx := r.Context()

	call, err := s.calls.GetByProviderSID(ctx, sid)
	if err != nil {
		s.logger.Error("keypress: looking up call", "sid", sid, "error", err)
		twiml.WriteResponse(w, s.generator.ErrorDocument())
		return
	}
	if call == nil {
		s.logger.Warn("keypress for unknown call", "sid", sid)
		twiml.WriteResponse(w, s.generator.ErrorDocument())
		return
	}

	if digits != "9" {
		twiml.WriteResponse(w, s.generator.InvalidOption())
		return
	}

	if err := s.calls.MarkOptedOut(ctx, call.ID); err != nil {
		s.logger.Error("keypress: marking call opted out", "call_id", call.ID, "error", err)
	}
	if err := s.filter.RecordKeypressOptOut(ctx, call.Phone, call.BroadcastID); err != nil {
		s.logger.Error("keypress: recording opt-out", "phone", call.Phone, "error", err)
	}

	if updated, err := s.calls.GetByID(ctx, call.ID); err == nil && updated != nil {
		s.publishCallUpdate(updated)
	}

	s.logger.Info("callee opted out via keypress", "call_id", call.ID, "broadcast_id", call.BroadcastID)
	twiml.WriteResponse(w, s.generator.OptOutConfirmation())
}

// publishCallUpdate emits a call_update to the campaign room and globally.
func (s *Server) publishCallUpdate(call *models.Call) {
	payload := events.CallUpdate{
		BroadcastID: call.BroadcastID,
		CallID:      call.ID,
		CallSID:     call.ProviderSID,
		Phone:       call.Phone,
		Status:      call.Status,
		Duration:    call.Duration,
	}
	s.hub.Publish(events.BroadcastRoom(call.BroadcastID), events.EventCallUpdate, payload)
	s.hub.Publish(events.GlobalRoom, events.EventCallUpdate, payload)
}
