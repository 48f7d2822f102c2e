// Package center fetches raw incident reports from dispatch center feeds.
package center

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
)

// envelope is one payload wrapper in a center response.
type envelope struct {
	Data []domain.IncidentRecord `json:"data"`
}

// Client fetches incident reports from per-center situation status endpoints.
type Client struct {
	urlTemplate string // contains {center}
	apiKey      string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a center feed client. urlTemplate must contain a {center}
// placeholder; apiKey, when non-empty, is sent as a bearer token.
func NewClient(urlTemplate, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		urlTemplate: urlTemplate,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Fetch retrieves and decodes all raw records for one center. A timeout or
// transport failure returns an error and zero records; it never touches any
// downstream state.
func (c *Client) Fetch(ctx context.Context, center string) ([]domain.IncidentRecord, error) {
	u := strings.ReplaceAll(c.urlTemplate, "{center}", center)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch center %s: %w", center, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("center %s API error: status %d: %s", center, resp.StatusCode, body)
	}

	var envelopes []envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, fmt.Errorf("decode center %s response: %w", center, err)
	}

	var records []domain.IncidentRecord
	for _, env := range envelopes {
		for _, rec := range env.Data {
			rec.Center = center
			records = append(records, rec)
		}
	}
	c.logger.Debug("center fetch complete", "center", center, "records", len(records))
	return records, nil
}
