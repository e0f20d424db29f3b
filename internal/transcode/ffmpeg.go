package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

// commandRunner abstracts process execution for testability. stdout receives
// the process standard output as it is produced.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, stdout io.Writer) (stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, stdout io.Writer) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// FFmpegConfig locates the codec engine binaries.
type FFmpegConfig struct {
	FFmpegPath  string // default: "ffmpeg"
	FFprobePath string // default: "ffprobe"
	TempDir     string // default: os.TempDir()
}

// FFmpeg is a Transcoder backed by the ffmpeg and ffprobe executables. Each
// call works in its own temporary directory, so one FFmpeg value is safe for
// concurrent use.
type FFmpeg struct {
	cfg       FFmpegConfig
	runner    commandRunner
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
}

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return &FFmpeg{
		cfg:       cfg,
		runner:    execRunner{},
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
	}
}

func (f *FFmpeg) Transcode(ctx context.Context, video []byte, opts Options) (*models.AudioArtifact, error) {
	opts = opts.withDefaults()

	if len(video) == 0 {
		return nil, models.NewStageError(models.KindUnsupportedContainer, "input video is empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	workDir, err := f.mkdirTemp(f.cfg.TempDir, "mediaingest-*")
	if err != nil {
		return nil, models.NewStageError(models.KindEncodeFailure, "create temporary workspace", err)
	}
	defer func() {
		if err := f.removeAll(workDir); err != nil {
			slog.Warn("failed to remove transcode workspace", "dir", workDir, "error", err)
		}
	}()

	inputPath := filepath.Join(workDir, "input")
	if err := os.WriteFile(inputPath, video, 0o600); err != nil {
		return nil, models.NewStageError(models.KindEncodeFailure, "write input video", err)
	}

	probe, err := f.probe(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	outputPath := filepath.Join(workDir, "output"+opts.Extension)
	progress := newProgressWriter(probe.durationSeconds(), opts.Progress)
	progress.report(0)

	args := buildFFmpegArgs(inputPath, outputPath, opts)
	stderr, runErr := f.runner.Run(ctx, f.cfg.FFmpegPath, args, progress)
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		return nil, models.NewStageError(models.KindEncodeFailure, "ffmpeg: "+tail(stderr), runErr)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, models.NewStageError(models.KindEncodeFailure, "ffmpeg completed but output file is missing", err)
	}
	if len(data) == 0 {
		return nil, models.NewStageError(models.KindEncodeFailure, "ffmpeg produced an empty audio stream", nil)
	}

	progress.Done()
	return &models.AudioArtifact{
		Data:      data,
		MediaType: opts.MediaType,
		Extension: opts.Extension,
	}, nil
}

// probe inspects the container and rejects inputs with nothing to extract.
func (f *FFmpeg) probe(ctx context.Context, inputPath string) (probeResult, error) {
	var out bytes.Buffer
	stderr, err := f.runner.Run(ctx, f.cfg.FFprobePath, buildProbeArgs(inputPath), &out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return probeResult{}, cancelled(ctxErr)
		}
		return probeResult{}, models.NewStageError(models.KindUnsupportedContainer, "ffprobe: "+tail(stderr), err)
	}

	result, err := parseProbe(out.Bytes())
	if err != nil {
		return probeResult{}, models.NewStageError(models.KindUnsupportedContainer, "unreadable probe output", err)
	}
	if len(result.Streams) == 0 {
		return probeResult{}, models.NewStageError(models.KindUnsupportedContainer, "no decodable streams found", nil)
	}
	if result.audioStreamCount() == 0 {
		return probeResult{}, models.NewStageError(models.KindNoAudioStream,
			fmt.Sprintf("container has %d stream(s) but no audio track", len(result.Streams)), nil)
	}
	return result, nil
}

// buildFFmpegArgs extracts the selected audio stream, re-encodes it and
// streams machine-readable progress on stdout.
func buildFFmpegArgs(inputPath, outputPath string, opts Options) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-nostats",
		"-y",
		"-i", inputPath,
		"-map", opts.StreamMap,
		"-vn",
		"-b:a", opts.Bitrate,
		"-acodec", opts.Codec,
		"-f", opts.Format,
		"-progress", "pipe:1",
		outputPath,
	}
}

func cancelled(err error) *models.StageError {
	msg := "transcode cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "transcode deadline exceeded"
	}
	return models.NewStageError(models.KindCancelled, msg, err)
}

// tail keeps the last line of tool output, which is where ffmpeg reports
// the fatal error.
func tail(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "no diagnostic output"
	}
	if i := strings.LastIndexByte(output, '\n'); i >= 0 {
		return strings.TrimSpace(output[i+1:])
	}
	return output
}
