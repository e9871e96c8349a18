package models

import "time"

// Broadcast statuses. Transitions are monotonic: draft -> queued ->
// in_progress -> completed | cancelled.
const (
	BroadcastDraft      = "draft"
	BroadcastQueued     = "queued"
	BroadcastInProgress = "in_progress"
	BroadcastCompleted  = "completed"
	BroadcastCancelled  = "cancelled"
)

// Call statuses. A call starts queued and ends in one of the terminal
// states; the provider webhook drives the middle of the lifecycle.
const (
	CallQueued     = "queued"
	CallCalling    = "calling"
	CallRinging    = "ringing"
	CallInProgress = "in_progress"
	CallAnswered   = "answered"
	CallCompleted  = "completed"
	CallFailed     = "failed"
	CallBusy       = "busy"
	CallNoAnswer   = "no_answer"
	CallCancelled  = "cancelled"
	CallOptedOut   = "opted_out"
)

// TerminalCallStatuses are the states from which no further transition is
// accepted.
var TerminalCallStatuses = []string{CallCompleted, CallFailed, CallCancelled, CallOptedOut}

// ActiveCallStatuses count against a campaign's concurrency gate. A call
// that has been answered is still occupying a provider channel, so it stays
// in the active set until a terminal webhook arrives.
var ActiveCallStatuses = []string{CallCalling, CallRinging, CallInProgress, CallAnswered}

// IsTerminalCallStatus reports whether status permits no further transitions.
func IsTerminalCallStatus(status string) bool {
	for _, s := range TerminalCallStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Opt-out sources.
const (
	OptOutKeypress = "broadcast_keypress"
	OptOutManual   = "manual"
	OptOutDND      = "dnd_registry"
	OptOutAPI      = "api"
)

// Broadcast is a named outbound voice campaign targeting a contact list.
type Broadcast struct {
	ID             string
	Name           string
	Template       string
	VoiceProvider  string
	VoiceID        string
	VoiceLanguage  string
	Status         string
	MaxConcurrent  int
	MaxRetries     int
	RetryDelay     time.Duration
	DisclaimerText string
	OptOutEnabled  bool
	DNDRespect     bool
	OwnerID        int64
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// BroadcastStats are derived aggregates over a campaign's calls. They are
// recomputed from the calls table on every read; nothing here is persisted.
type BroadcastStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Calling   int `json:"calling"`
	Answered  int `json:"answered"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	OptedOut  int `json:"opted_out"`
	Cancelled int `json:"cancelled"`
}

// StatsFromCounts folds a status -> count aggregation into the reported
// stats shape. Intermediate provider states fold into their nearest
// reported bucket.
func StatsFromCounts(counts map[string]int) BroadcastStats {
	var s BroadcastStats
	for status, n := range counts {
		s.Total += n
		switch status {
		case CallQueued:
			s.Queued += n
		case CallCalling, CallRinging:
			s.Calling += n
		case CallInProgress, CallAnswered:
			s.Answered += n
		case CallCompleted:
			s.Completed += n
		case CallFailed, CallBusy, CallNoAnswer:
			s.Failed += n
		case CallOptedOut:
			s.OptedOut += n
		case CallCancelled:
			s.Cancelled += n
		}
	}
	return s
}

// Call is one dial attempt against one contact within a broadcast.
type Call struct {
	ID           string
	BroadcastID  string
	Phone        string
	ContactName  string
	CustomFields string // JSON object of template variables
	MessageText  string // personalized template rendering
	AudioURL     string
	ProviderSID  string
	Status       string
	Attempts     int
	RetryAfter   *time.Time
	Duration     int // seconds
	StartTime    *time.Time
	AnswerTime   *time.Time
	EndTime      *time.Time
	ErrorCode    string
	ErrorMessage string
	AnsweredBy   string
	DNDStatus    string // "allowed" | "blocked" | "unchecked"
	OptedOut     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AudioAsset is a materialized TTS rendering owned by a broadcast,
// deduplicated by the MD5 of the template text.
type AudioAsset struct {
	ID          int64
	BroadcastID string
	UniqueKey   string
	Text        string
	AudioURL    string
	Duration    int // estimated seconds
	GeneratedAt time.Time
}

// AdminUser is an operator account for the management API.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
