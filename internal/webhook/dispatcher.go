// Package webhook delivers signed submission callbacks.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/mediaingest/internal/queue"
)

// Dispatcher POSTs callback payloads. Deliveries are retried by asynq; a
// 4xx other than 408 and 429 is treated as permanent.
type Dispatcher struct {
	httpClient *http.Client
	secret     string
}

func NewDispatcher(secret string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		httpClient: &http.Client{Timeout: timeout},
		secret:     secret,
	}
}

// ProcessTask handles queue.TypeSubmissionWebhook tasks.
func (d *Dispatcher) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.SubmissionWebhookPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal webhook payload: %w: %w", err, asynq.SkipRetry)
	}
	deliveryID, _ := asynq.GetTaskID(ctx)
	return d.Deliver(ctx, deliveryID, p)
}

func (d *Dispatcher) Deliver(ctx context.Context, deliveryID string, p queue.SubmissionWebhookPayload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w: %w", err, asynq.SkipRetry)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", p.Event)
	req.Header.Set("X-Webhook-ID", deliveryID)
	req.Header.Set("X-Webhook-Submission", p.SubmissionID.String())
	if d.secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(p.Body, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		slog.Info("webhook delivered", "submission_id", p.SubmissionID, "event", p.Event, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	default:
		slog.Warn("webhook rejected, not retrying", "submission_id", p.SubmissionID, "status", resp.StatusCode)
		return fmt.Errorf("webhook endpoint returned %d: %w", resp.StatusCode, asynq.SkipRetry)
	}
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}
