package transcode

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
)

// progressWriter consumes `ffmpeg -progress pipe:1` key=value lines and
// forwards a monotonic percentage of the probed duration.
type progressWriter struct {
	mu       sync.Mutex
	duration float64 // seconds
	emit     func(int)
	last     int
	partial  []byte
}

func newProgressWriter(durationSeconds float64, emit func(int)) *progressWriter {
	return &progressWriter{duration: durationSeconds, emit: emit, last: -1}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.handleLine(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *progressWriter) handleLine(line string) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds in current ffmpeg releases.
		us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || us < 0 || w.duration <= 0 {
			return
		}
		pct := int(float64(us) / (w.duration * 1e6) * 100)
		if pct > 99 {
			pct = 99
		}
		w.report(pct)
	case "progress":
		if strings.TrimSpace(value) == "end" {
			w.report(100)
		}
	}
}

// Done reports completion. Safe to call more than once.
func (w *progressWriter) Done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.report(100)
}

func (w *progressWriter) report(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct <= w.last {
		return
	}
	w.last = pct
	if w.emit != nil {
		w.emit(pct)
	}
}
