package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nikhilbhutani/mediaingest/internal/config"
	"github.com/nikhilbhutani/mediaingest/internal/models"
)

// DefaultLocalBaseURL is where a whisper.cpp server listens by default
// (./server -m models/ggml-base.en.bin --port 8178).
const DefaultLocalBaseURL = "http://localhost:8178"

// NewProvider builds the backend selected by STT_BACKEND. The local backend
// is a whisper.cpp server speaking the same transcriptions API without a key.
func NewProvider(cfg config.STTConfig) (STTProvider, error) {
	switch cfg.Backend {
	case "", "openai":
		return NewOpenAISTT(OpenAISTTConfig{
			APIKey:  cfg.OpenAIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}), nil
	case "local":
		baseURL := cfg.LocalBaseURL
		if baseURL == "" {
			baseURL = DefaultLocalBaseURL
		}
		return NewOpenAISTT(OpenAISTTConfig{
			BaseURL: baseURL,
			Model:   cfg.OpenAIModel,
			Name:    "local-whisper",
		}), nil
	default:
		return nil, fmt.Errorf("unknown stt backend %q", cfg.Backend)
	}
}

// ArtifactSource reads stored audio artifacts by identifier.
type ArtifactSource interface {
	Open(ctx context.Context, artifactID string) (io.ReadCloser, error)
}

// Service transcribes stored artifacts. It is the transcription boundary of
// the ingest pipeline: callers hand over an artifact id and an optional
// vocabulary hint, never audio bytes.
type Service struct {
	provider  STTProvider
	artifacts ArtifactSource
	language  string
	timeout   time.Duration
}

func NewService(provider STTProvider, artifacts ArtifactSource, language string, timeout time.Duration) *Service {
	return &Service{
		provider:  provider,
		artifacts: artifacts,
		language:  language,
		timeout:   timeout,
	}
}

// Transcribe fetches the artifact and runs it through the provider. Errors
// are *models.StageError with kind Rejected, Timeout or Cancelled.
func (s *Service) Transcribe(ctx context.Context, artifactID, prompt string) (*TranscriptionResponse, error) {
	if strings.TrimSpace(artifactID) == "" {
		return nil, models.NewStageError(models.KindRejected, "artifact id is required", nil)
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	audio, err := s.artifacts.Open(callCtx, artifactID)
	if err != nil {
		return nil, s.classify(ctx, callCtx, "fetch artifact for transcription", err)
	}
	defer audio.Close()

	resp, err := s.provider.Transcribe(callCtx, TranscriptionRequest{
		Audio:    audio,
		FileName: path.Base(artifactID),
		Language: s.language,
		Prompt:   prompt,
	})
	if err != nil {
		return nil, s.classify(ctx, callCtx, s.provider.Name(), err)
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, models.NewStageError(models.KindRejected, s.provider.Name()+" returned an empty transcript", nil)
	}

	resp.Text = strings.TrimSpace(resp.Text)
	return resp, nil
}

func (s *Service) classify(parent, callCtx context.Context, op string, err error) *models.StageError {
	if parent.Err() != nil {
		return models.NewStageError(models.KindCancelled, op+": cancelled", err)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewStageError(models.KindTimeout, op+": timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewStageError(models.KindTimeout, op+": timed out", err)
	}

	if status := httpStatus(err); status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout {
		return models.NewStageError(models.KindTimeout, fmt.Sprintf("%s: upstream timeout (%d)", op, status), err)
	}

	return models.NewStageError(models.KindRejected, op+": request rejected", err)
}

func httpStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
