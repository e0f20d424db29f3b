package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/mediaingest/internal/cache"
	"github.com/nikhilbhutani/mediaingest/internal/models"
)

type Store interface {
	Save(ctx context.Context, s models.Submission) error
	Get(ctx context.Context, id uuid.UUID) (models.Submission, error)
}

type snapshotCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// cachedSubmission carries the fields models.Submission hides from JSON.
type cachedSubmission struct {
	models.Submission
	CallbackURL string `json:"callback_url,omitempty"`
}

// Cached serves terminal snapshots from Redis in front of a Store. Cache
// errors are logged and never fail a call.
type Cached struct {
	next  Store
	cache snapshotCache
	ttl   time.Duration
}

func NewCached(next Store, c snapshotCache, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: c, ttl: ttl}
}

func (c *Cached) Save(ctx context.Context, s models.Submission) error {
	if err := c.next.Save(ctx, s); err != nil {
		return err
	}
	if s.Stage.IsTerminal() {
		c.store(ctx, s)
	} else if err := c.cache.Delete(ctx, s.ID.String()); err != nil {
		slog.Warn("failed to invalidate cached submission", "submission_id", s.ID, "error", err)
	}
	return nil
}

func (c *Cached) Get(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	var hit cachedSubmission
	err := c.cache.Get(ctx, id.String(), &hit)
	if err == nil {
		hit.Submission.CallbackURL = hit.CallbackURL
		return hit.Submission, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("submission cache read failed", "submission_id", id, "error", err)
	}

	s, err := c.next.Get(ctx, id)
	if err != nil {
		return models.Submission{}, err
	}
	if s.Stage.IsTerminal() {
		c.store(ctx, s)
	}
	return s, nil
}

// FailInterrupted delegates to the wrapped store when it supports it and
// caches the now terminal snapshots.
func (c *Cached) FailInterrupted(ctx context.Context, message string, at time.Time) ([]models.Submission, error) {
	r, ok := c.next.(interface {
		FailInterrupted(ctx context.Context, message string, at time.Time) ([]models.Submission, error)
	})
	if !ok {
		return nil, nil
	}
	failed, err := r.FailInterrupted(ctx, message, at)
	if err != nil {
		return nil, err
	}
	for _, s := range failed {
		c.store(ctx, s)
	}
	return failed, nil
}

func (c *Cached) store(ctx context.Context, s models.Submission) {
	if err := c.cache.Set(ctx, s.ID.String(), cachedSubmission{Submission: s, CallbackURL: s.CallbackURL}, c.ttl); err != nil {
		slog.Warn("failed to cache submission", "submission_id", s.ID, "error", err)
	}
}
