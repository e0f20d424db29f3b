package transcode

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

// Pool bounds how many transcodes run at once against the wrapped engine.
type Pool struct {
	next Transcoder
	sem  *semaphore.Weighted
}

func NewPool(next Transcoder, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{next: next, sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Transcode(ctx context.Context, video []byte, opts Options) (*models.AudioArtifact, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, models.NewStageError(models.KindCancelled, "cancelled while waiting for a transcode slot", err)
	}
	defer p.sem.Release(1)
	return p.next.Transcode(ctx, video, opts)
}
