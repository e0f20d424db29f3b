// Package broker publishes submission stage changes to a RabbitMQ topic
// exchange. Routing keys are "submission.<stage>".
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// StageEvent is the message body published for each stage change.
type StageEvent struct {
	SubmissionID string          `json:"submission_id"`
	Stage        models.Stage    `json:"stage"`
	ArtifactID   string          `json:"artifact_id,omitempty"`
	Error        *models.Failure `json:"error,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

type Publisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex // amqp channels are not safe for concurrent publishes
	ch       channel
	exchange string
}

// Dial connects to RabbitMQ, retrying a few times while the broker starts,
// and declares the durable topic exchange.
func Dial(ctx context.Context, url, exchange string) (*Publisher, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		slog.Warn("rabbitmq unavailable, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Notify publishes s as a persistent StageEvent.
func (p *Publisher) Notify(ctx context.Context, s models.Submission) error {
	body, err := json.Marshal(StageEvent{
		SubmissionID: s.ID.String(),
		Stage:        s.Stage,
		ArtifactID:   s.ArtifactID,
		Error:        s.Error,
		OccurredAt:   s.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(s.Stage), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%s", s.ID, s.Stage),
		Timestamp:    s.UpdatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKey(s.Stage), err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil {
			return cerr
		}
	}
	return err
}

func RoutingKey(stage models.Stage) string {
	return "submission." + string(stage)
}
