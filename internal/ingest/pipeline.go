// Package ingest drives each submission through transcode, storage and
// transcription, recording every stage change before the next step starts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/mediaingest/internal/metrics"
	"github.com/nikhilbhutani/mediaingest/internal/models"
	"github.com/nikhilbhutani/mediaingest/internal/stt"
	"github.com/nikhilbhutani/mediaingest/internal/tracker"
	"github.com/nikhilbhutani/mediaingest/internal/transcode"
)

var (
	ErrNotFound        = models.ErrNotFound
	ErrTerminal        = errors.New("submission already finished")
	ErrEmptyVideo      = errors.New("video is empty")
	ErrVideoTooLarge   = errors.New("video exceeds upload limit")
	ErrPromptTooLong   = errors.New("prompt is too long")
	ErrInvalidCallback = errors.New("callback url must be an absolute http(s) url")
	ErrClosed          = errors.New("pipeline is shut down")
)

const (
	DefaultMaxPromptRunes = 1000
	interruptedMessage    = "interrupted by restart"
)

// ArtifactStore persists transcoded audio and returns its identifier.
type ArtifactStore interface {
	Put(ctx context.Context, submissionID uuid.UUID, artifact *models.AudioArtifact) (string, error)
}

// TranscriptionService turns a stored artifact into text.
type TranscriptionService interface {
	Transcribe(ctx context.Context, artifactID, prompt string) (*stt.TranscriptionResponse, error)
}

// Repository keeps submission snapshots beyond the tracker's retention window.
type Repository interface {
	Save(ctx context.Context, s models.Submission) error
	Get(ctx context.Context, id uuid.UUID) (models.Submission, error)
}

// InterruptedResolver is implemented by repositories that can settle
// submissions a previous process left in flight.
type InterruptedResolver interface {
	FailInterrupted(ctx context.Context, message string, at time.Time) ([]models.Submission, error)
}

// Notifier is told about every recorded stage change.
type Notifier interface {
	Notify(ctx context.Context, s models.Submission) error
}

type Config struct {
	Transcode       transcode.Options
	MaxVideoBytes   int64
	MaxPromptRunes  int
	RetentionWindow time.Duration // zero keeps terminal submissions in memory
	StepTimeout     time.Duration // bounds transcode and store; zero disables
}

type Deps struct {
	Transcoder  transcode.Transcoder
	Store       ArtifactStore
	Transcriber TranscriptionService
	Tracker     *tracker.Tracker
	Repository  Repository // optional
	Notifiers   []Notifier // optional
	Metrics     *metrics.Metrics
}

type SubmitRequest struct {
	Video       []byte
	Prompt      string
	CallbackURL string
}

type Pipeline struct {
	cfg         Config
	transcoder  transcode.Transcoder
	store       ArtifactStore
	transcriber TranscriptionService
	tracker     *tracker.Tracker
	repo        Repository
	notifiers   []Notifier
	metrics     *metrics.Metrics

	baseCtx context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup

	newID func() uuid.UUID
	now   func() time.Time
}

func NewPipeline(cfg Config, deps Deps) *Pipeline {
	if cfg.MaxPromptRunes <= 0 {
		cfg.MaxPromptRunes = DefaultMaxPromptRunes
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:         cfg,
		transcoder:  deps.Transcoder,
		store:       deps.Store,
		transcriber: deps.Transcriber,
		tracker:     deps.Tracker,
		repo:        deps.Repository,
		notifiers:   deps.Notifiers,
		metrics:     deps.Metrics,
		baseCtx:     ctx,
		stopAll:     cancel,
		running:     make(map[uuid.UUID]context.CancelFunc),
		newID:       uuid.New,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the request, records the submission as received and
// starts processing it in the background. The returned id is valid for
// Status, Subscribe and Cancel immediately.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if err := p.validate(req); err != nil {
		return uuid.Nil, err
	}
	if p.isClosed() {
		return uuid.Nil, ErrClosed
	}

	now := p.now()
	s := models.Submission{
		ID:          p.newID(),
		Stage:       models.StageReceived,
		Prompt:      req.Prompt,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if p.repo != nil {
		if err := p.repo.Save(ctx, s); err != nil {
			return uuid.Nil, fmt.Errorf("record submission: %w", err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return uuid.Nil, ErrClosed
	}
	if err := p.tracker.Register(s); err != nil {
		p.mu.Unlock()
		return uuid.Nil, fmt.Errorf("track submission: %w", err)
	}
	taskCtx, cancel := context.WithCancel(p.baseCtx)
	p.running[s.ID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.StageEntered(models.StageReceived)
	p.notify(s)
	slog.Info("submission received", "submission_id", s.ID, "video_bytes", len(req.Video), "has_prompt", req.Prompt != "")

	go p.run(taskCtx, s, req.Video)
	return s.ID, nil
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) validate(req SubmitRequest) error {
	if len(req.Video) == 0 {
		return ErrEmptyVideo
	}
	if p.cfg.MaxVideoBytes > 0 && int64(len(req.Video)) > p.cfg.MaxVideoBytes {
		return ErrVideoTooLarge
	}
	if utf8.RuneCountInString(req.Prompt) > p.cfg.MaxPromptRunes {
		return ErrPromptTooLong
	}
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalidCallback
		}
	}
	return nil
}

// Status returns the current snapshot, falling back to the repository once
// the tracker has evicted the submission.
func (p *Pipeline) Status(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	s, err := p.tracker.Poll(id)
	if err == nil {
		return s, nil
	}
	if p.repo == nil {
		return models.Submission{}, ErrNotFound
	}
	s, err = p.repo.Get(ctx, id)
	if err != nil {
		return models.Submission{}, err
	}
	return s, nil
}

// Subscribe streams stage changes. Submissions that only survive in the
// repository yield their stored snapshot and close.
func (p *Pipeline) Subscribe(ctx context.Context, id uuid.UUID) (<-chan tracker.Event, error) {
	ch, err := p.tracker.Subscribe(ctx, id)
	if err == nil {
		return ch, nil
	}
	s, err := p.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(chan tracker.Event, 1)
	out <- tracker.Event{Seq: 1, Type: tracker.EventStage, Submission: s, Timestamp: s.UpdatedAt}
	close(out)
	return out, nil
}

// Cancel aborts a running submission. It fails with ErrTerminal when the
// submission already finished. A non-terminal submission with no task behind
// it is settled as cancelled right away.
func (p *Pipeline) Cancel(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		cancel()
		slog.Info("submission cancel requested", "submission_id", id)
		return nil
	}

	s, err := p.Status(ctx, id)
	if err != nil {
		return err
	}
	if s.Stage.IsTerminal() {
		return ErrTerminal
	}
	return p.settleOrphan(ctx, s)
}

// RecoverInterrupted fails every submission a previous process left in
// flight, so none of them reports its last stage forever. Call it before the
// first Submit. It is a no-op unless the repository implements
// InterruptedResolver.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	r, ok := p.repo.(InterruptedResolver)
	if !ok {
		return 0, nil
	}
	failed, err := r.FailInterrupted(ctx, interruptedMessage, p.now())
	if err != nil {
		return 0, fmt.Errorf("recover interrupted submissions: %w", err)
	}
	for _, s := range failed {
		slog.Warn("submission interrupted by restart", "submission_id", s.ID, "stage", s.Error.Stage)
		p.metrics.Failed(*s.Error)
		p.notify(s)
	}
	return len(failed), nil
}

func (p *Pipeline) settleOrphan(ctx context.Context, s models.Submission) error {
	failure := models.Failure{Stage: s.Stage, Kind: models.KindCancelled, Message: "submission cancelled"}
	s.Error = &failure
	s.Transcript = ""
	s.Stage = models.StageFailed
	s.UpdatedAt = p.now()

	if p.repo != nil {
		if err := p.repo.Save(ctx, s); err != nil {
			return fmt.Errorf("record cancellation: %w", err)
		}
	}
	slog.Info("orphaned submission cancelled", "submission_id", s.ID, "stage", failure.Stage)
	p.metrics.Failed(failure)
	p.notify(s)
	return nil
}

// Shutdown stops accepting submissions and waits for running ones. When ctx
// expires first the remaining submissions are cancelled.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stopAll()
		return nil
	case <-ctx.Done():
		p.stopAll()
		<-done
		return ctx.Err()
	}
}

func (p *Pipeline) run(ctx context.Context, s models.Submission, video []byte) {
	defer p.finish(s.ID)

	s = p.advance(s, models.StageTranscoding)

	opts := p.cfg.Transcode
	opts.Progress = func(pct int) { p.tracker.Progress(s.ID, pct) }

	stepCtx, cancel := p.stepContext(ctx)
	start := time.Now()
	artifact, err := p.transcoder.Transcode(stepCtx, video, opts)
	cancel()
	p.metrics.ObserveStep("transcode", start, err)
	video = nil // the source is released once the engine returns
	if err != nil {
		p.fail(ctx, s, models.KindEncodeFailure, err)
		return
	}
	if artifact == nil || len(artifact.Data) == 0 {
		p.fail(ctx, s, models.KindEncodeFailure, errors.New("transcoder returned no audio"))
		return
	}

	s = p.advance(s, models.StageTranscoded)
	if err := ctx.Err(); err != nil {
		p.fail(ctx, s, models.KindCancelled, err)
		return
	}

	stepCtx, cancel = p.stepContext(ctx)
	start = time.Now()
	artifactID, err := p.store.Put(stepCtx, s.ID, artifact)
	cancel()
	p.metrics.ObserveStep("store", start, err)
	if err == nil && artifactID == "" {
		err = models.NewStageError(models.KindUnavailable, "artifact store returned an empty identifier", nil)
	}
	if err != nil {
		// The artifact is dropped here; retries are a caller decision.
		p.fail(ctx, s, models.KindUnavailable, err)
		return
	}

	s.ArtifactID = artifactID
	s.ArtifactBytes = artifact.Size()
	s.MediaType = artifact.MediaType
	artifact = nil
	p.metrics.ArtifactStored(s.ArtifactBytes)
	s = p.advance(s, models.StageStored)

	if err := ctx.Err(); err != nil {
		p.fail(ctx, s, models.KindCancelled, err)
		return
	}
	s = p.advance(s, models.StageTranscribing)

	start = time.Now()
	resp, err := p.transcriber.Transcribe(ctx, s.ArtifactID, s.Prompt)
	p.metrics.ObserveStep("transcribe", start, err)
	if err == nil && (resp == nil || resp.Text == "") {
		err = models.NewStageError(models.KindRejected, "transcription service returned no text", nil)
	}
	if err != nil {
		p.fail(ctx, s, models.KindRejected, err)
		return
	}

	s.Transcript = resp.Text
	s.Language = resp.Language
	s.AudioSeconds = resp.Duration
	p.advance(s, models.StageDone)
}

func (p *Pipeline) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StepTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.StepTimeout)
	}
	return context.WithCancel(ctx)
}

// advance records the next stage in the tracker, the repository and the
// notifiers, in that order.
func (p *Pipeline) advance(s models.Submission, stage models.Stage) models.Submission {
	s.Stage = stage
	s.UpdatedAt = p.now()
	p.record(s)
	p.metrics.StageEntered(stage)
	slog.Info("submission stage changed", "submission_id", s.ID, "stage", stage)
	return s
}

// fail moves s to failed, keeping the stage it failed in. Any error raised
// after the task context was cancelled is reported as Cancelled; a step that
// only hit StepTimeout keeps the step's own fallback kind.
func (p *Pipeline) fail(ctx context.Context, s models.Submission, fallback models.ErrorKind, err error) {
	kind := models.KindOf(err, fallback)
	message := failureMessage(err)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		kind = models.KindCancelled
	case kind == models.KindCancelled:
		kind = fallback
		message = "step timed out: " + message
	}

	failure := models.Failure{Stage: s.Stage, Kind: kind, Message: message}
	slog.Error("submission failed",
		"submission_id", s.ID,
		"stage", s.Stage,
		"kind", kind,
		"error", err,
	)

	s.Error = &failure
	s.Transcript = ""
	s.Stage = models.StageFailed
	s.UpdatedAt = p.now()
	p.record(s)
	p.metrics.StageEntered(models.StageFailed)
	p.metrics.Failed(failure)
}

func failureMessage(err error) string {
	var se *models.StageError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	if errors.Is(err, context.Canceled) {
		return "submission cancelled"
	}
	return err.Error()
}

func (p *Pipeline) record(s models.Submission) {
	if err := p.tracker.Update(s); err != nil {
		slog.Error("tracker rejected stage change", "submission_id", s.ID, "stage", s.Stage, "error", err)
	}

	if p.repo != nil {
		// Persist with a fresh context so cancellation still leaves a record.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.repo.Save(ctx, s); err != nil {
			slog.Error("failed to persist submission", "submission_id", s.ID, "stage", s.Stage, "error", err)
		}
		cancel()
	}

	p.notify(s)
}

func (p *Pipeline) notify(s models.Submission) {
	if len(p.notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, n := range p.notifiers {
		if err := n.Notify(ctx, s); err != nil {
			slog.Warn("submission notifier failed", "submission_id", s.ID, "stage", s.Stage, "error", err)
		}
	}
}

func (p *Pipeline) finish(id uuid.UUID) {
	p.mu.Lock()
	if cancel, ok := p.running[id]; ok {
		cancel()
		delete(p.running, id)
	}
	p.mu.Unlock()

	if p.cfg.RetentionWindow > 0 {
		time.AfterFunc(p.cfg.RetentionWindow, func() {
			if p.tracker.Forget(id) {
				slog.Debug("submission evicted from tracker", "submission_id", id)
			}
		})
	}
	p.wg.Done()
}
