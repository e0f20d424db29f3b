package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/mediaingest/internal/cache"
	"github.com/nikhilbhutani/mediaingest/internal/models"
)

type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.Submission
	gets int
}

func (m *memStore) Save(ctx context.Context, s models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	return nil
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	s, ok := m.rows[id]
	if !ok {
		return models.Submission{}, models.ErrNotFound
	}
	return s, nil
}

// memCache round-trips through JSON like the Redis cache does.
type memCache struct {
	data map[string][]byte
	err  error
}

func (c *memCache) Get(ctx context.Context, key string, dest any) error {
	if c.err != nil {
		return c.err
	}
	b, ok := c.data[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(b, dest)
}

func (c *memCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.err != nil {
		return c.err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = b
	return nil
}

func (c *memCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.data, k)
	}
	return c.err
}

func TestCachedServesTerminalSnapshots(t *testing.T) {
	store := &memStore{rows: make(map[uuid.UUID]models.Submission)}
	mc := &memCache{data: make(map[string][]byte)}
	repo := NewCached(store, mc, time.Minute)
	ctx := context.Background()

	s := models.Submission{
		ID:          uuid.New(),
		Stage:       models.StageFailed,
		CallbackURL: "https://example.com/hook",
		Error:       &models.Failure{Stage: models.StageTranscoding, Kind: models.KindNoAudioStream, Message: "no audio"},
	}
	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if store.gets != 0 {
		t.Fatalf("store gets = %d, want cache hit", store.gets)
	}
	if got.Error == nil || got.Error.Kind != models.KindNoAudioStream || got.CallbackURL != s.CallbackURL {
		t.Fatalf("cached snapshot = %+v", got)
	}
}

func TestCachedSkipsRunningSnapshots(t *testing.T) {
	store := &memStore{rows: make(map[uuid.UUID]models.Submission)}
	mc := &memCache{data: make(map[string][]byte)}
	repo := NewCached(store, mc, time.Minute)
	ctx := context.Background()

	s := models.Submission{ID: uuid.New(), Stage: models.StageTranscoding}
	repo.Save(ctx, s)
	if len(mc.data) != 0 {
		t.Fatal("running submission should not be cached")
	}
	if _, err := repo.Get(ctx, s.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if store.gets != 1 {
		t.Fatalf("store gets = %d, want 1", store.gets)
	}
}

func TestCachedToleratesCacheErrors(t *testing.T) {
	store := &memStore{rows: make(map[uuid.UUID]models.Submission)}
	mc := &memCache{data: make(map[string][]byte), err: errors.New("connection refused")}
	repo := NewCached(store, mc, time.Minute)
	ctx := context.Background()

	s := models.Submission{ID: uuid.New(), Stage: models.StageDone, Transcript: "hi"}
	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Get(ctx, s.ID)
	if err != nil || got.Transcript != "hi" {
		t.Fatalf("get = %+v, %v", got, err)
	}

	if _, err := repo.Get(ctx, uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// interruptingStore settles every running row like Postgres.FailInterrupted.
type interruptingStore struct {
	*memStore
}

func (s interruptingStore) FailInterrupted(ctx context.Context, message string, at time.Time) ([]models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Submission
	for id, row := range s.rows {
		if row.Stage.IsTerminal() {
			continue
		}
		row.Error = &models.Failure{Stage: row.Stage, Kind: models.KindCancelled, Message: message}
		row.Stage = models.StageFailed
		row.UpdatedAt = at
		s.rows[id] = row
		out = append(out, row)
	}
	return out, nil
}

func TestCachedFailInterrupted(t *testing.T) {
	store := interruptingStore{&memStore{rows: make(map[uuid.UUID]models.Submission)}}
	mc := &memCache{data: make(map[string][]byte)}
	repo := NewCached(store, mc, time.Minute)
	ctx := context.Background()

	s := models.Submission{ID: uuid.New(), Stage: models.StageStored}
	repo.Save(ctx, s)

	failed, err := repo.FailInterrupted(ctx, "interrupted by restart", time.Now())
	if err != nil || len(failed) != 1 {
		t.Fatalf("FailInterrupted() = %v, %v", failed, err)
	}
	if _, ok := mc.data[s.ID.String()]; !ok {
		t.Fatal("failed snapshot should be cached")
	}
	got, _ := repo.Get(ctx, s.ID)
	if got.Stage != models.StageFailed || got.Error == nil || got.Error.Stage != models.StageStored {
		t.Fatalf("get = %+v", got)
	}

	plain := NewCached(&memStore{rows: make(map[uuid.UUID]models.Submission)}, mc, time.Minute)
	if failed, err := plain.FailInterrupted(ctx, "x", time.Now()); err != nil || failed != nil {
		t.Fatalf("store without support = %v, %v", failed, err)
	}
}
