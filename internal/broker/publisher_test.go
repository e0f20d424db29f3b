package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	closed bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.sent = append(f.sent, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestNotifyPublishesStageEvent(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{ch: ch, exchange: "submissions"}

	s := models.Submission{
		ID:        uuid.New(),
		Stage:     models.StageFailed,
		Error:     &models.Failure{Stage: models.StageTranscoded, Kind: models.KindQuotaExceeded, Message: "bucket full"},
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := p.Notify(context.Background(), s); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(ch.sent) != 1 {
		t.Fatalf("published %d messages", len(ch.sent))
	}
	got := ch.sent[0]
	if got.exchange != "submissions" || got.key != "submission.failed" {
		t.Fatalf("exchange=%s key=%s", got.exchange, got.key)
	}
	if got.msg.DeliveryMode != amqp.Persistent || got.msg.ContentType != "application/json" {
		t.Fatalf("msg = %+v", got.msg)
	}

	var evt StageEvent
	if err := json.Unmarshal(got.msg.Body, &evt); err != nil {
		t.Fatalf("body: %v", err)
	}
	if evt.SubmissionID != s.ID.String() || evt.Error == nil || evt.Error.Kind != models.KindQuotaExceeded {
		t.Fatalf("event = %+v", evt)
	}

	if err := p.Close(); err != nil || !ch.closed {
		t.Fatalf("close err=%v closed=%v", err, ch.closed)
	}
}
