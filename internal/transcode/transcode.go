// Package transcode converts uploaded video containers into a single
// compressed audio stream using the ffmpeg and ffprobe binaries.
package transcode

import (
	"context"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

const (
	DefaultCodec     = "libmp3lame"
	DefaultBitrate   = "20k"
	DefaultStreamMap = "0:a:0"
	DefaultFormat    = "mp3"
	DefaultMediaType = "audio/mpeg"
	DefaultExtension = ".mp3"
)

// Transcoder turns raw video bytes into an audio artifact. Failures are
// returned as *models.StageError with a transcoder ErrorKind.
type Transcoder interface {
	Transcode(ctx context.Context, video []byte, opts Options) (*models.AudioArtifact, error)
}

// Options selects the output encoding. Zero fields fall back to the
// package defaults.
type Options struct {
	Codec     string
	Bitrate   string
	StreamMap string
	Format    string
	MediaType string
	Extension string

	// Progress receives a non-decreasing percentage in [0, 100]. It is
	// called from the transcoding goroutine and must not block.
	Progress func(percent int)
}

func (o Options) withDefaults() Options {
	if o.Codec == "" {
		o.Codec = DefaultCodec
	}
	if o.Bitrate == "" {
		o.Bitrate = DefaultBitrate
	}
	if o.StreamMap == "" {
		o.StreamMap = DefaultStreamMap
	}
	if o.Format == "" {
		o.Format = DefaultFormat
	}
	if o.MediaType == "" {
		o.MediaType = DefaultMediaType
	}
	if o.Extension == "" {
		o.Extension = DefaultExtension
	}
	return o
}
