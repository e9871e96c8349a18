package events

import "github.com/dialcast/dialcast/internal/database/models"

// CallUpdate is the payload of a call_update event.
type CallUpdate struct {
	BroadcastID string `json:"broadcastId"`
	CallID      string `json:"callId"`
	CallSID     string `json:"callSid,omitempty"`
	Phone       string `json:"phone"`
	Status      string `json:"status"`
	Duration    int    `json:"duration,omitempty"`
}

// BroadcastUpdate is the payload of a broadcast_update event.
type BroadcastUpdate struct {
	BroadcastID string                `json:"broadcastId"`
	Status      string                `json:"status"`
	Stats       models.BroadcastStats `json:"stats"`
	ActiveCalls int                   `json:"activeCalls,omitempty"`
}

// CallsCreated is the payload of a calls_created event.
type CallsCreated struct {
	BroadcastID string `json:"broadcastId"`
	Total       int    `json:"total"`
}
