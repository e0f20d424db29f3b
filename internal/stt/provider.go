package stt

import (
	"context"
	"io"
)

// TranscriptionRequest holds the parameters for audio transcription.
type TranscriptionRequest struct {
	Audio    io.Reader
	FileName string // used by the backend to sniff the audio format
	Language string
	Prompt   string
}

// TranscriptionResponse holds the transcription result.
type TranscriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// STTProvider is the interface for speech-to-text backends.
type STTProvider interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error)
	Name() string
}
