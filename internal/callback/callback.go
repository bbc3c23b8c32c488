// Package callback builds and delivers the chunk worker's final report to
// the orchestrator: an at-least-once POST to /callback/ocr/{batch_id}.
// Send makes exactly one attempt; the retry cadence across failures is the
// phase engine's own timer re-arming, not a sleep inside this package, so
// a worker never blocks its goroutine waiting out a callback backoff.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Dispatcher POSTs callback payloads to an orchestrator.
type Dispatcher struct {
	orchestratorURL string
	httpClient      *http.Client
	attempts        int
	delay           time.Duration
}

// Config configures a Dispatcher.
type Config struct {
	OrchestratorURL string
	HTTPClient      *http.Client
	Attempts        int           // default 3, total attempts across fires
	Delay           time.Duration // default 5s, gap the caller re-arms with between attempts
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay == 0 {
		cfg.Delay = 5 * time.Second
	}
	return &Dispatcher{
		orchestratorURL: strings.TrimSuffix(cfg.OrchestratorURL, "/"),
		httpClient:      cfg.HTTPClient,
		attempts:        cfg.Attempts,
		delay:           cfg.Delay,
	}
}

// Attempts is the total number of times the caller should try Send for one
// terminal report before giving up and preserving state for a manual retry.
func (d *Dispatcher) Attempts() int { return d.attempts }

// Delay is the gap the caller should re-arm its timer with between a
// failed Send and the next attempt.
func (d *Dispatcher) Delay() time.Duration { return d.delay }

// Send makes one attempt to deliver payload. The caller (the phase
// engine's finish step) decides whether to retry on a later fire, give up
// and preserve state, or clean up on success.
func (d *Dispatcher) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	url := fmt.Sprintf("%s/callback/ocr/%s", d.orchestratorURL, payload.BatchID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback POST failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("callback rejected with status %d: %s", resp.StatusCode, string(respBody))
}
