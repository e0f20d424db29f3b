package transcode

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

const probeVideoAndAudio = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video"},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "duration": "10.0"}
  ],
  "format": {"duration": "10.000000", "format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
}`

const probeVideoOnly = `{
  "streams": [{"index": 0, "codec_name": "h264", "codec_type": "video"}],
  "format": {"duration": "10.0"}
}`

// fakeRunner dispatches ffprobe and ffmpeg invocations to injected behavior.
type fakeRunner struct {
	probe  func(ctx context.Context, args []string, stdout io.Writer) (string, error)
	encode func(ctx context.Context, args []string, stdout io.Writer) (string, error)
	calls  []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, stdout io.Writer) (string, error) {
	f.calls = append(f.calls, name)
	switch name {
	case "ffprobe":
		if f.probe == nil {
			return "", nil
		}
		return f.probe(ctx, args, stdout)
	case "ffmpeg":
		if f.encode == nil {
			return "", nil
		}
		return f.encode(ctx, args, stdout)
	}
	return "", errors.New("unexpected command " + name)
}

func newTestFFmpeg(t *testing.T, runner commandRunner) (*FFmpeg, *string) {
	t.Helper()
	f := NewFFmpeg(FFmpegConfig{TempDir: t.TempDir()})
	f.runner = runner
	var workDir string
	f.mkdirTemp = func(dir, pattern string) (string, error) {
		d, err := os.MkdirTemp(dir, pattern)
		workDir = d
		return d, err
	}
	return f, &workDir
}

func probeJSON(body string) func(context.Context, []string, io.Writer) (string, error) {
	return func(_ context.Context, _ []string, stdout io.Writer) (string, error) {
		_, err := io.WriteString(stdout, body)
		return "", err
	}
}

func writeOutput(t *testing.T, args []string, data string) {
	t.Helper()
	if err := os.WriteFile(args[len(args)-1], []byte(data), 0o600); err != nil {
		t.Fatalf("write fake output: %v", err)
	}
}

func TestTranscodeSuccessReportsProgress(t *testing.T) {
	var encodeArgs []string
	runner := &fakeRunner{
		probe: probeJSON(probeVideoAndAudio),
		encode: func(_ context.Context, args []string, stdout io.Writer) (string, error) {
			encodeArgs = append([]string{}, args...)
			io.WriteString(stdout, "frame=10\nout_time_us=2500")
			io.WriteString(stdout, "000\nprogress=continue\nout_time_us=5000000\n")
			io.WriteString(stdout, "out_time_us=4000000\nprogress=end\n")
			writeOutput(t, args, "ID3-mp3-bytes")
			return "", nil
		},
	}
	f, workDir := newTestFFmpeg(t, runner)

	var progress []int
	artifact, err := f.Transcode(context.Background(), []byte("mp4"), Options{
		Progress: func(p int) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}

	if string(artifact.Data) != "ID3-mp3-bytes" {
		t.Fatalf("data = %q", artifact.Data)
	}
	if artifact.MediaType != "audio/mpeg" || artifact.Extension != ".mp3" {
		t.Fatalf("media type = %q ext = %q", artifact.MediaType, artifact.Extension)
	}
	if artifact.Size() == 0 {
		t.Fatal("expected non-zero artifact size")
	}

	want := []int{0, 25, 50, 100}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}

	joined := strings.Join(encodeArgs, " ")
	for _, fragment := range []string{"-map 0:a:0", "-acodec libmp3lame", "-b:a 20k", "-progress pipe:1", "-vn"} {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("ffmpeg args missing %q: %v", fragment, encodeArgs)
		}
	}

	if _, err := os.Stat(*workDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected workspace cleanup, stat err = %v", err)
	}
}

func TestTranscodeNoAudioStream(t *testing.T) {
	runner := &fakeRunner{probe: probeJSON(probeVideoOnly)}
	f, _ := newTestFFmpeg(t, runner)

	_, err := f.Transcode(context.Background(), []byte("mp4"), Options{})
	if kind := models.KindOf(err, ""); kind != models.KindNoAudioStream {
		t.Fatalf("kind = %q, want NoAudioStream (err=%v)", kind, err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("ffmpeg should not run without audio, calls=%v", runner.calls)
	}
}

func TestTranscodeUnsupportedContainer(t *testing.T) {
	tests := []struct {
		name  string
		probe func(context.Context, []string, io.Writer) (string, error)
	}{
		{
			name: "probe fails",
			probe: func(context.Context, []string, io.Writer) (string, error) {
				return "input: Invalid data found when processing input", errors.New("exit status 1")
			},
		},
		{name: "no streams", probe: probeJSON(`{"streams": [], "format": {}}`)},
		{name: "garbage output", probe: probeJSON(`not json`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFFmpeg(t, &fakeRunner{probe: tt.probe})
			_, err := f.Transcode(context.Background(), []byte("???"), Options{})
			if kind := models.KindOf(err, ""); kind != models.KindUnsupportedContainer {
				t.Fatalf("kind = %q, want UnsupportedContainer (err=%v)", kind, err)
			}
		})
	}
}

func TestTranscodeEmptyInput(t *testing.T) {
	runner := &fakeRunner{}
	f, _ := newTestFFmpeg(t, runner)

	_, err := f.Transcode(context.Background(), nil, Options{})
	if kind := models.KindOf(err, ""); kind != models.KindUnsupportedContainer {
		t.Fatalf("kind = %q, want UnsupportedContainer", kind)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("no commands expected, got %v", runner.calls)
	}
}

func TestTranscodeEncodeFailure(t *testing.T) {
	runner := &fakeRunner{
		probe: probeJSON(probeVideoAndAudio),
		encode: func(context.Context, []string, io.Writer) (string, error) {
			return "Stream mapping:\nUnknown encoder 'libmp3lame'", errors.New("exit status 1")
		},
	}
	f, _ := newTestFFmpeg(t, runner)

	_, err := f.Transcode(context.Background(), []byte("mp4"), Options{})
	var se *models.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Kind != models.KindEncodeFailure {
		t.Fatalf("kind = %q, want EncodeFailure", se.Kind)
	}
	if !strings.Contains(se.Message, "Unknown encoder") {
		t.Fatalf("message = %q, want last stderr line", se.Message)
	}
}

func TestTranscodeEmptyOutputIsEncodeFailure(t *testing.T) {
	runner := &fakeRunner{
		probe: probeJSON(probeVideoAndAudio),
		encode: func(_ context.Context, args []string, _ io.Writer) (string, error) {
			writeOutput(t, args, "")
			return "", nil
		},
	}
	f, _ := newTestFFmpeg(t, runner)

	_, err := f.Transcode(context.Background(), []byte("mp4"), Options{})
	if kind := models.KindOf(err, ""); kind != models.KindEncodeFailure {
		t.Fatalf("kind = %q, want EncodeFailure", kind)
	}
}

func TestTranscodeCancelledDuringEncode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{
		probe: probeJSON(probeVideoAndAudio),
		encode: func(ctx context.Context, _ []string, _ io.Writer) (string, error) {
			cancel()
			<-ctx.Done()
			return "", errors.New("signal: killed")
		},
	}
	f, workDir := newTestFFmpeg(t, runner)

	_, err := f.Transcode(ctx, []byte("mp4"), Options{})
	if kind := models.KindOf(err, ""); kind != models.KindCancelled {
		t.Fatalf("kind = %q, want Cancelled (err=%v)", kind, err)
	}
	if _, err := os.Stat(*workDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected workspace cleanup after cancel, stat err = %v", err)
	}
}

func TestTranscodeCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &fakeRunner{}
	f, _ := newTestFFmpeg(t, runner)

	_, err := f.Transcode(ctx, []byte("mp4"), Options{})
	if kind := models.KindOf(err, ""); kind != models.KindCancelled {
		t.Fatalf("kind = %q, want Cancelled", kind)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("no commands expected, got %v", runner.calls)
	}
}

func TestProgressWriterWithoutDurationOnlyReportsBounds(t *testing.T) {
	var got []int
	w := newProgressWriter(0, func(p int) { got = append(got, p) })
	w.Write([]byte("out_time_us=1000000\nout_time_us=2000000\n"))
	w.Done()
	w.Done()

	if len(got) != 1 || got[0] != 100 {
		t.Fatalf("progress = %v, want [100]", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("line one\nline two\n"); got != "line two" {
		t.Fatalf("tail = %q", got)
	}
	if got := tail("  "); got != "no diagnostic output" {
		t.Fatalf("tail = %q", got)
	}
}
