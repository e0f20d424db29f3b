package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/mediaingest/internal/ingest"
	"github.com/nikhilbhutani/mediaingest/internal/models"
	"github.com/nikhilbhutani/mediaingest/internal/tracker"
)

// SubmissionService is the part of the ingest pipeline the API drives.
type SubmissionService interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (uuid.UUID, error)
	Status(ctx context.Context, id uuid.UUID) (models.Submission, error)
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan tracker.Event, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type SubmissionHandler struct {
	svc            SubmissionService
	maxUploadBytes int64
	heartbeat      time.Duration
}

func NewSubmissionHandler(svc SubmissionService, maxUploadBytes int64) *SubmissionHandler {
	return &SubmissionHandler{svc: svc, maxUploadBytes: maxUploadBytes, heartbeat: 15 * time.Second}
}

// multipart overhead allowed on top of the video size limit
const formOverhead = 1 << 20

// Upload accepts multipart form fields "file", "prompt" and "callback_url"
// and answers 202 with the new submission id.
func (h *SubmissionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "video exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()

	if header.Size > h.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "video exceeds upload limit")
		return
	}
	video, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	id, err := h.svc.Submit(r.Context(), ingest.SubmitRequest{
		Video:       video,
		Prompt:      r.FormValue("prompt"),
		CallbackURL: r.FormValue("callback_url"),
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/submissions/"+id.String())
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "stage": string(models.StageReceived)})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrVideoTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ingest.ErrEmptyVideo),
		errors.Is(err, ingest.ErrPromptTooLong),
		errors.Is(err, ingest.ErrInvalidCallback):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to accept submission")
	}
}

func (h *SubmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	s, err := h.svc.Status(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SubmissionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	err := h.svc.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": "cancelling"})
	case errors.Is(err, ingest.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeLookupError(w, err)
	}
}

// Events streams stage and progress events as server-sent events. The stream
// ends after the terminal stage.
func (h *SubmissionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	events, err := h.svc.Subscribe(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}

	// Streams outlive the server write timeout.
	rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("streaming not supported", "error", err)
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				slog.Error("marshal event", "submission_id", id, "error", err)
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid submission id")
		return uuid.Nil, false
	}
	return id, true
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, tracker.ErrNotFound) {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	slog.Error("submission lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load submission")
}
