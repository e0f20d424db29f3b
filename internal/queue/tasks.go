package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TypeSubmissionWebhook = "submission:webhook"

	QueueCritical = "critical"
	QueueDefault  = "default"
)

// SubmissionWebhookPayload is one callback delivery for a finished
// submission. Body is sent verbatim so every retry signs identical bytes.
type SubmissionWebhookPayload struct {
	SubmissionID uuid.UUID       `json:"submission_id"`
	URL          string          `json:"url"`
	Event        string          `json:"event"`
	Body         json.RawMessage `json:"body"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
