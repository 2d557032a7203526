// ABOUTME: Webhook delivery processor: HMAC signing, safeurl client, response status capture.
// ABOUTME: Send is a pure function; the http.Client is injected (constructed once at startup).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

// WebhookConfig holds the delivery parameters for one outbound POST.
type WebhookConfig struct {
	URL           string
	SigningSecret string            // empty = unsigned delivery
	CustomHeaders map[string]string // applied after denylist filtering
}

// deniedHeaders are custom header keys that callers must not override.
var deniedHeaders = map[string]bool{
	"host":                  true,
	"content-type":          true,
	"content-length":        true,
	"transfer-encoding":     true,
	"connection":            true,
	"x-dispatchq-timestamp": true,
	"x-dispatchq-signature": true,
}

// Send posts payload to the webhook URL, signs with HMAC-SHA256 when a secret
// is configured, and discards the response body. Returns the response status.
// The caller constructs client once at startup (safeurl-wrapped,
// redirect-disabled).
func Send(ctx context.Context, client *http.Client, cfg WebhookConfig, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Apply custom headers, skipping denied keys.
	for k, v := range cfg.CustomHeaders {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	// HMAC-SHA256 over "timestamp.body" with the signing secret.
	if cfg.SigningSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(cfg.SigningSecret))
		mac.Write([]byte(ts + "." + string(payload)))
		req.Header.Set("X-Dispatchq-Timestamp", ts)
		req.Header.Set("X-Dispatchq-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close()
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// webhookPayload is the expected job payload on the webhook queue.
type webhookPayload struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// webhookResult is the return value recorded on a completed delivery job.
type webhookResult struct {
	Status int `json:"status"`
}

// Webhook turns webhook-queue jobs into signed outbound POSTs.
type Webhook struct {
	client *http.Client
}

// NewWebhook creates the webhook processor around an injected client
// (BuildSafeClient in production, a plain client in tests).
func NewWebhook(client *http.Client) *Webhook {
	return &Webhook{client: client}
}

// Processor returns the queue processor for webhook delivery jobs. The job
// payload must carry url and body; secret and headers are optional.
func (w *Webhook) Processor() queue.Processor {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var p webhookPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("webhook payload: %w", err)
		}
		if p.URL == "" {
			return nil, errors.New("webhook payload: url is required")
		}
		if len(p.Body) == 0 {
			return nil, errors.New("webhook payload: body is required")
		}

		status, err := Send(ctx, w.client, WebhookConfig{
			URL:           p.URL,
			SigningSecret: p.Secret,
			CustomHeaders: p.Headers,
		}, p.Body)
		if err != nil {
			return nil, err
		}
		return json.Marshal(webhookResult{Status: status})
	}
}
