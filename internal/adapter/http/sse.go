package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/bnema/reel/internal/domain"
)

const keepAliveInterval = 15 * time.Second

type SSEHandler struct {
	jobs      JobService
	progress  ProgressSource
	logger    *slog.Logger
	keepAlive time.Duration
}

func NewSSEHandler(jobs JobService, progress ProgressSource, l *slog.Logger) *SSEHandler {
	return &SSEHandler{jobs: jobs, progress: progress, logger: l, keepAlive: keepAliveInterval}
}

// sseWrite writes an SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// sendKeepAlive writes an SSE comment to keep the connection active.
func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendSnapshot(w http.ResponseWriter, snap domain.ProgressSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	sseWrite(w, "progress", string(data))
}

// snapshotFromJob describes a job for which no snapshot was recorded, such
// as one cancelled before it ran.
func snapshotFromJob(job *domain.ProcessingJob) domain.ProgressSnapshot {
	snap := domain.ProgressSnapshot{
		JobID:   job.ID,
		Stage:   job.State,
		Attempt: job.AttemptCount + 1,
		At:      job.UpdatedAt,
	}
	if job.State == domain.JobStateCompleted {
		snap.PercentComplete = 100
	}
	if job.State.IsTerminal() {
		snap.LastError = job.ErrorDetail
	}
	return snap
}

// Events streams progress snapshots until the job is terminal or the client
// goes away. The stream ends with a "done" event.
func (h *SSEHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		job, err := h.jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		// Subscribe before reading the current state so nothing emitted in
		// between is lost.
		ch := h.progress.Subscribe(id)
		defer h.progress.Unsubscribe(id, ch)

		current, ok := h.progress.Last(id)
		if !ok || job.State.IsTerminal() {
			current = snapshotFromJob(job)
		}
		sendSnapshot(w, current)
		if current.Stage.IsTerminal() {
			sseWrite(w, "done", string(current.Stage))
			return
		}

		ctx := r.Context()
		keepAlive := time.NewTicker(h.keepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				sendKeepAlive(w)
			case snap, ok := <-ch:
				if !ok {
					return
				}
				sendSnapshot(w, snap)
				if snap.Stage.IsTerminal() {
					sseWrite(w, "done", string(snap.Stage))
					return
				}
			}
		}
	}
}
