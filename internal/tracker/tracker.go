// Package tracker holds the live state of in-flight submissions and fans
// stage changes out to subscribers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

var (
	ErrNotFound          = errors.New("submission not found")
	ErrExists            = errors.New("submission already tracked")
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// EventType classifies tracker events.
type EventType string

const (
	EventStage    EventType = "stage"
	EventProgress EventType = "progress"
)

// Event is one stage change or transcode progress update. Stage events carry
// the full snapshot taken at the moment of the change.
type Event struct {
	Seq        int64             `json:"seq"`
	Type       EventType         `json:"type"`
	Submission models.Submission `json:"submission"`
	Progress   int               `json:"progress,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

type entry struct {
	snapshot models.Submission
	seq      int64
	progress int
	subs     map[*subscriber]struct{}
}

// Tracker is safe for concurrent use. Each submission has a single writer
// (its pipeline task); readers poll or subscribe.
type Tracker struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

func New() *Tracker {
	return &Tracker{entries: make(map[uuid.UUID]*entry)}
}

// Register starts tracking a new submission.
func (t *Tracker) Register(s models.Submission) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[s.ID]; ok {
		return ErrExists
	}
	t.entries[s.ID] = &entry{
		snapshot: s.Clone(),
		seq:      1,
		subs:     make(map[*subscriber]struct{}),
	}
	return nil
}

// Update records a stage change and notifies subscribers. The new stage must
// be a legal successor of the current one.
func (t *Tracker) Update(s models.Submission) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[s.ID]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(e.snapshot.Stage, s.Stage) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.snapshot.Stage, s.Stage)
	}

	e.seq++
	e.snapshot = s.Clone()
	evt := Event{Seq: e.seq, Type: EventStage, Submission: s.Clone(), Timestamp: time.Now().UTC()}
	for sub := range e.subs {
		sub.push(evt)
	}
	if s.Stage.IsTerminal() {
		// Subscribers exit after delivering the terminal event.
		e.subs = make(map[*subscriber]struct{})
	}
	return nil
}

// Progress publishes a transcode percentage. Values that do not advance the
// last reported percentage are ignored.
func (t *Tracker) Progress(id uuid.UUID, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.snapshot.Stage != models.StageTranscoding || percent <= e.progress {
		return
	}
	e.progress = percent
	e.seq++
	evt := Event{Seq: e.seq, Type: EventProgress, Submission: e.snapshot.Clone(), Progress: percent, Timestamp: time.Now().UTC()}
	for sub := range e.subs {
		sub.push(evt)
	}
}

// Poll returns the current snapshot.
func (t *Tracker) Poll(id uuid.UUID) (models.Submission, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return e.snapshot.Clone(), nil
}

// Subscribe returns a channel that first yields the current snapshot and
// then every later change, in order. The channel is closed after a terminal
// stage has been delivered or when ctx is done. Subscribing again restarts
// from the then-current snapshot.
func (t *Tracker) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return nil, ErrNotFound
	}

	sub := newSubscriber()
	sub.push(Event{Seq: e.seq, Type: EventStage, Submission: e.snapshot.Clone(), Timestamp: time.Now().UTC()})
	if !e.snapshot.Stage.IsTerminal() {
		e.subs[sub] = struct{}{}
	}
	t.mu.Unlock()

	out := make(chan Event)
	go sub.run(ctx, out, func() { t.unsubscribe(id, sub) })
	return out, nil
}

// Forget stops tracking a terminal submission. Non-terminal submissions are
// left alone.
func (t *Tracker) Forget(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || !e.snapshot.Stage.IsTerminal() {
		return false
	}
	delete(t.entries, id)
	return true
}

// Len reports how many submissions are tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) unsubscribe(id uuid.UUID, sub *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		delete(e.subs, sub)
	}
}
