package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
)

// maxSubmissionBytes bounds the JSON body of a submission.
const maxSubmissionBytes = 1 << 20

type Handlers struct {
	jobs     JobService
	progress ProgressSource
	version  string
	logger   *slog.Logger
}

func NewHandlers(jobs JobService, progress ProgressSource, version string, l *slog.Logger) *Handlers {
	return &Handlers{jobs: jobs, progress: progress, version: version, logger: l}
}

// JobView is the API representation of a job.
type JobView struct {
	*domain.ProcessingJob
	AvailableQualities []string                 `json:"available_qualities,omitempty"`
	MasterManifestKey  string                   `json:"master_manifest_key,omitempty"`
	Progress           *domain.ProgressSnapshot `json:"progress,omitempty"`
}

func newJobView(job *domain.ProcessingJob, progress ProgressSource) JobView {
	v := JobView{ProcessingJob: job}
	if job.Outcome != nil {
		v.AvailableQualities = job.Outcome.AvailableQualities()
		if m := job.Outcome.Master(); m != nil && m.Publish.Published() {
			v.MasterManifestKey = m.StorageKey
		}
	}
	if progress != nil {
		if snap, ok := progress.Last(job.ID); ok {
			v.Progress = &snap
		}
	}
	return v
}

type submitResponse struct {
	ID string `json:"id"`
}

func (h *Handlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
	}
}

func (h *Handlers) Submit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBytes)
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()

		var sub domain.Submission
		if err := dec.Decode(&sub); err != nil {
			writeError(w, http.StatusBadRequest, "invalid submission body")
			return
		}

		id, err := h.jobs.Enqueue(r.Context(), sub)
		if err != nil {
			h.fail(w, "submit", err)
			return
		}
		w.Header().Set("Location", "/v1/jobs/"+id)
		writeJSON(w, http.StatusCreated, submitResponse{ID: id})
	}
}

func (h *Handlers) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			h.fail(w, "status", err)
			return
		}
		writeJSON(w, http.StatusOK, newJobView(job, h.progress))
	}
}

func (h *Handlers) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.jobs.Cancel(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			h.fail(w, "cancel", err)
			return
		}
		status := http.StatusAccepted
		if job.State.IsTerminal() {
			status = http.StatusOK
		}
		writeJSON(w, status, newJobView(job, h.progress))
	}
}

// fail maps domain errors onto HTTP statuses.
func (h *Handlers) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrTerminal):
		writeError(w, http.StatusConflict, "job already terminal")
	default:
		h.logger.Error("request failed", "op", op, "error", logger.SanitizeForLog(err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
