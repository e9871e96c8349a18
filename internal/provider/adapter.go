// Package provider places outbound calls through the telephony
// provider's REST API and translates its call lifecycle vocabulary into
// ours.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// Answer timeout and answering-machine detection window passed on every
// dial. Both are enforced provider-side.
const (
	answerTimeoutSeconds    = 25
	machineDetectSeconds    = 4
	statusCallbackMethod    = "POST"
	machineDetectionEnabled = "Enable"
)

// Error is a structured rejection from the provider API.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %s (http %d): %s", e.Code, e.Status, e.Message)
}

// PlaceRequest describes one outbound dial.
type PlaceRequest struct {
	To                string
	ScriptURL         string // call-time script document, fetched by the provider
	StatusCallbackURL string // webhook keyed by the internal call id
}

// PlaceResult is the provider's acknowledgement of a dial.
type PlaceResult struct {
	ProviderSID    string
	ProviderStatus string
}

// Adapter is the telephony surface the dispatch engine speaks to.
type Adapter interface {
	Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error)
	Terminate(ctx context.Context, providerSID string) error
}

// Config holds the provider account settings.
type Config struct {
	APIBaseURL string
	AccountSID string
	AuthToken  string
	FromNumber string
}

type restAdapter struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter builds a REST adapter for the configured account.
func NewAdapter(cfg Config, logger *slog.Logger) Adapter {
	return &restAdapter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With("subsystem", "provider"),
	}
}

// Place submits a dial request. The script is always pulled by the
// provider from ScriptURL; no inline script data is sent.
func (a *restAdapter) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", a.cfg.FromNumber)
	form.Set("Url", req.ScriptURL)
	form.Set("StatusCallback", req.StatusCallbackURL)
	form.Set("StatusCallbackMethod", statusCallbackMethod)
	form.Set("Timeout", strconv.Itoa(answerTimeoutSeconds))
	form.Set("MachineDetection", machineDetectionEnabled)
	form.Set("MachineDetectionTimeout", strconv.Itoa(machineDetectSeconds))

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json",
		strings.TrimSuffix(a.cfg.APIBaseURL, "/"), a.cfg.AccountSID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building place request: %w", err)
	}
	httpReq.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("placing call to %s: %w", req.To, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, a.decodeError(resp)
	}

	var body struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding place response: %w", err)
	}
	if body.SID == "" {
		return nil, errors.New("provider accepted the dial but returned no sid")
	}

	a.logger.Info("call placed", "to", req.To, "sid", body.SID, "provider_status", body.Status)
	return &PlaceResult{ProviderSID: body.SID, ProviderStatus: body.Status}, nil
}

// Terminate forces an in-flight call to a completed state.
func (a *restAdapter) Terminate(ctx context.Context, providerSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json",
		strings.TrimSuffix(a.cfg.APIBaseURL, "/"), a.cfg.AccountSID, providerSID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building terminate request: %w", err)
	}
	httpReq.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("terminating call %s: %w", providerSID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return a.decodeError(resp)
	}
	a.logger.Info("call terminated", "sid", providerSID)
	return nil
}

func (a *restAdapter) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	perr := &Error{Status: resp.StatusCode}
	var body struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		perr.Code = body.Code.String()
		perr.Message = body.Message
	} else {
		perr.Code = strconv.Itoa(resp.StatusCode)
		perr.Message = strings.TrimSpace(string(raw))
	}
	return perr
}

// statusMap is the fixed provider-to-domain translation. Busy and
// no-answer both land on failed so the retry policy can re-dial them.
var statusMap = map[string]string{
	"initiated":   models.CallCalling,
	"ringing":     models.CallRinging,
	"in-progress": models.CallAnswered,
	"completed":   models.CallCompleted,
	"busy":        models.CallFailed,
	"no-answer":   models.CallFailed,
	"failed":      models.CallFailed,
	"canceled":    models.CallCancelled,
}

// MapStatus translates a provider lifecycle status into a domain call
// status. Unknown statuses map to the empty string.
func MapStatus(providerStatus string) string {
	return statusMap[strings.ToLower(providerStatus)]
}
