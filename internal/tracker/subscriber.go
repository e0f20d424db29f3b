package tracker

import (
	"context"
	"sync"
)

// subscriber buffers events between the writer and a slow reader so that
// Update never blocks. Consecutive progress events collapse into the latest.
type subscriber struct {
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{wake: make(chan struct{}, 1)}
}

func (s *subscriber) push(evt Event) {
	s.mu.Lock()
	if n := len(s.queue); evt.Type == EventProgress && n > 0 && s.queue[n-1].Type == EventProgress {
		s.queue[n-1] = evt
	} else {
		s.queue = append(s.queue, evt)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func (s *subscriber) run(ctx context.Context, out chan<- Event, unsubscribe func()) {
	defer close(out)
	defer unsubscribe()

	for {
		batch := s.take()
		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		for _, evt := range batch {
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			if evt.Type == EventStage && evt.Submission.Stage.IsTerminal() {
				return
			}
		}
	}
}
