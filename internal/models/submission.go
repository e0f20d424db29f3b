package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups for an unknown submission id.
var ErrNotFound = errors.New("submission not found")

// Stage is the position of a Submission in the ingest state machine.
type Stage string

const (
	StageReceived     Stage = "received"
	StageTranscoding  Stage = "transcoding"
	StageTranscoded   Stage = "transcoded"
	StageStored       Stage = "stored"
	StageTranscribing Stage = "transcribing"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageReceived:     0,
	StageTranscoding:  1,
	StageTranscoded:   2,
	StageStored:       3,
	StageTranscribing: 4,
	StageDone:         5,
}

// Ordinal returns the position of s in the forward pipeline, or -1 for
// failed and unknown stages.
func (s Stage) Ordinal() int {
	if o, ok := stageOrder[s]; ok {
		return o
	}
	return -1
}

func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

func (s Stage) Valid() bool {
	return s == StageFailed || s.Ordinal() >= 0
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Forward edges advance exactly one stage; failed is reachable from every
// non-terminal stage.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	return to.Ordinal() == from.Ordinal()+1
}

// ErrorKind classifies a collaborator failure.
type ErrorKind string

const (
	// Transcoder failures.
	KindUnsupportedContainer ErrorKind = "UnsupportedContainer"
	KindNoAudioStream        ErrorKind = "NoAudioStream"
	KindEncodeFailure        ErrorKind = "EncodeFailure"
	KindCancelled            ErrorKind = "Cancelled"

	// Artifact store failures.
	KindUnavailable   ErrorKind = "Unavailable"
	KindQuotaExceeded ErrorKind = "QuotaExceeded"

	// Transcription failures.
	KindRejected ErrorKind = "Rejected"
	KindTimeout  ErrorKind = "Timeout"
)

// StageError is returned by the pipeline collaborators. Kind is one of the
// ErrorKind constants; Err keeps the upstream cause for logs.
type StageError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewStageError(kind ErrorKind, message string, err error) *StageError {
	return &StageError{Kind: kind, Message: message, Err: err}
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the ErrorKind carried by err, or fallback when err is not a
// StageError.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	var se *StageError
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	return fallback
}

// Failure is the structured error surfaced on a failed Submission.
type Failure struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// AudioArtifact is the transcoded audio produced from one submitted video.
type AudioArtifact struct {
	Data      []byte
	MediaType string
	Extension string
}

func (a *AudioArtifact) Size() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Data))
}

// Submission is one video-to-transcript request and its tracked state.
type Submission struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Stage         Stage     `json:"stage" db:"stage"`
	Prompt        string    `json:"prompt,omitempty" db:"prompt"`
	ArtifactID    string    `json:"artifact_id,omitempty" db:"artifact_id"`
	ArtifactBytes int64     `json:"artifact_bytes,omitempty" db:"artifact_bytes"`
	MediaType     string    `json:"media_type,omitempty" db:"media_type"`
	Transcript    string    `json:"transcript,omitempty" db:"transcript"`
	Language      string    `json:"language,omitempty" db:"language"`
	AudioSeconds  float64   `json:"audio_seconds,omitempty" db:"audio_seconds"`
	Error         *Failure  `json:"error,omitempty"`
	CallbackURL   string    `json:"-" db:"callback_url"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy that shares no pointers with s.
func (s Submission) Clone() Submission {
	if s.Error != nil {
		f := *s.Error
		s.Error = &f
	}
	return s
}
