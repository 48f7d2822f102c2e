// Package dcapi delivers artifact files to the downstream DC API.
//
// Delivery is at-least-once: the caller marks records handed off independently
// of registry commits, so a failed delivery is simply resent on a later cycle
// without re-running allocation. The receiving API tolerates duplicates.
package dcapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
)

// Client posts sitstat artifact pairs with bounded retries.
type Client struct {
	url        string
	key        string
	secret     string
	retries    int
	backoff    time.Duration
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewClient creates a DC API client. retries is the number of attempts beyond
// the first; backoff doubles between attempts. Pass a nil clock for real time.
func NewClient(url, key, secret string, retries int, backoff time.Duration, clock clockwork.Clock, logger *slog.Logger) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		url:        url,
		key:        key,
		secret:     secret,
		retries:    retries,
		backoff:    backoff,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      clock,
		logger:     logger,
	}
}

// SendSitStat uploads one center's Incidents and Units files as a multipart
// sitstat submission, retrying transient failures with doubling backoff.
func (c *Client) SendSitStat(ctx context.Context, agency, incidentsPath, unitsPath string) error {
	body, contentType, err := buildMultipart(agency, incidentsPath, unitsPath)
	if err != nil {
		return err
	}

	backoff := c.backoff
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("dispatch retry", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(backoff):
			}
			backoff *= 2
		}

		lastErr = c.post(ctx, body, contentType)
		if lastErr == nil {
			c.logger.Info("artifacts dispatched",
				"incidents_file", filepath.Base(incidentsPath),
				"units_file", filepath.Base(unitsPath))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("dispatch failed after %d attempts: %w", c.retries+1, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth(c.key, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post sitstat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("DC API error: status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// buildMultipart assembles the sitstat form: both artifact files plus the
// type and agency fields. Built once so every retry resends identical bytes.
func buildMultipart(agency, incidentsPath, unitsPath string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for field, path := range map[string]string{
		"incidents": incidentsPath,
		"units":     unitsPath,
	} {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("open %s artifact: %w", field, err)
		}
		part, err := w.CreateFormFile(field, filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		_ = f.Close()
		if err != nil {
			return nil, "", fmt.Errorf("attach %s artifact: %w", field, err)
		}
	}

	if err := w.WriteField("type", "sitstat"); err != nil {
		return nil, "", fmt.Errorf("write type field: %w", err)
	}
	if err := w.WriteField("agency", agency); err != nil {
		return nil, "", fmt.Errorf("write agency field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
