package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/mediaingest/internal/config"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Client struct {
	client   enqueuer
	maxRetry int
	timeout  time.Duration
}

func NewClient(redisCfg config.RedisConfig, webhookCfg config.WebhookConfig) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		}),
		maxRetry: webhookCfg.MaxRetry,
		timeout:  webhookCfg.Timeout + 5*time.Second,
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueSubmissionWebhook schedules a callback delivery. The task id is
// derived from the submission so a finished submission is delivered once.
func (c *Client) EnqueueSubmissionWebhook(ctx context.Context, payload SubmissionWebhookPayload) error {
	err := c.enqueue(ctx, TypeSubmissionWebhook, payload,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
		asynq.TaskID("webhook:"+payload.SubmissionID.String()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
