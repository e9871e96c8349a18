package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DND outcomes. Only "blocked" prevents a dial; "unchecked" means the
// registry could not answer and the call proceeds.
const (
	DNDAllowed   = "allowed"
	DNDBlocked   = "blocked"
	DNDUnchecked = "unchecked"
)

// DNDChecker consults a do-not-disturb registry for a phone number.
type DNDChecker interface {
	Check(ctx context.Context, phone string) (string, error)
}

// NoopDNDChecker is used when no registry is configured. Every lookup is
// "unchecked" so calls are never blocked by a registry that does not exist.
type NoopDNDChecker struct{}

func (NoopDNDChecker) Check(ctx context.Context, phone string) (string, error) {
	return DNDUnchecked, nil
}

// HTTPDNDChecker queries an external DND registry over HTTP.
type HTTPDNDChecker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPDNDChecker creates a checker against the registry at baseURL.
func NewHTTPDNDChecker(baseURL, apiKey string, logger *slog.Logger) *HTTPDNDChecker {
	return &HTTPDNDChecker{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger.With("subsystem", "dnd"),
	}
}

// Check looks up phone in the registry. Transport or decode failures
// degrade to "unchecked" with a logged warning rather than blocking the
// campaign.
func (c *HTTPDNDChecker) Check(ctx context.Context, phone string) (string, error) {
	endpoint := fmt.Sprintf("%s/lookup?phone=%s", c.baseURL, url.QueryEscape(phone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return DNDUnchecked, fmt.Errorf("building dnd request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("dnd lookup failed", "phone", phone, "error", err)
		return DNDUnchecked, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("dnd lookup returned non-200", "phone", phone, "status", resp.StatusCode)
		return DNDUnchecked, nil
	}

	var body struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Warn("decoding dnd response", "phone", phone, "error", err)
		return DNDUnchecked, nil
	}
	if body.Blocked {
		return DNDBlocked, nil
	}
	return DNDAllowed, nil
}
