package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

// WebhookNotifier schedules a callback when a submission with a callback URL
// reaches done or failed. Other stage changes are ignored.
type WebhookNotifier struct {
	client *Client
}

func NewWebhookNotifier(client *Client) *WebhookNotifier {
	return &WebhookNotifier{client: client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, s models.Submission) error {
	if s.CallbackURL == "" || !s.Stage.IsTerminal() {
		return nil
	}

	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	return n.client.EnqueueSubmissionWebhook(ctx, SubmissionWebhookPayload{
		SubmissionID: s.ID,
		URL:          s.CallbackURL,
		Event:        "submission." + string(s.Stage),
		Body:         body,
		OccurredAt:   s.UpdatedAt,
	})
}
