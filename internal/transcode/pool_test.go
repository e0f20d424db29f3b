package transcode

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

type slowTranscoder struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (s *slowTranscoder) Transcode(ctx context.Context, video []byte, opts Options) (*models.AudioArtifact, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &models.AudioArtifact{Data: video}, nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	inner := &slowTranscoder{}
	pool := NewPool(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Transcode(context.Background(), []byte("x"), Options{}); err != nil {
				t.Errorf("Transcode() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := inner.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestPoolAcquireHonoursCancellation(t *testing.T) {
	pool := NewPool(&slowTranscoder{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Transcode(ctx, []byte("x"), Options{})
	if kind := models.KindOf(err, ""); kind != models.KindCancelled {
		t.Fatalf("kind = %q, want Cancelled", kind)
	}
}
