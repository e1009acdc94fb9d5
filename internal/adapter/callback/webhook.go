// Package callback delivers the terminal notification for a job.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/backoff"
	"github.com/bnema/reel/internal/port"
)

// Notification is the JSON body posted to the webhook.
type Notification struct {
	JobID              string            `json:"job_id"`
	OwnerID            string            `json:"owner_id"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Status             domain.JobState   `json:"status"`
	Reason             string            `json:"reason,omitempty"`
	ErrorKind          domain.ErrorKind  `json:"error_kind,omitempty"`
	Flagged            bool              `json:"flagged,omitempty"`
	Attempts           int               `json:"attempts"`
	MasterManifestKey  string            `json:"master_manifest_key,omitempty"`
	AvailableQualities []string          `json:"available_qualities,omitempty"`
	Outcome            *domain.Outcome   `json:"outcome,omitempty"`
	CompletedAt        time.Time         `json:"completed_at"`
}

func NewNotification(job *domain.ProcessingJob, outcome *domain.Outcome) Notification {
	n := Notification{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Metadata:  job.Metadata,
		Status:    job.State,
		Reason:    job.ErrorDetail,
		ErrorKind: job.ErrorKind,
		Flagged:   job.Flagged,
		Attempts:  job.AttemptCount,
		Outcome:   outcome,
	}
	if job.TerminalAt != nil {
		n.CompletedAt = *job.TerminalAt
	}
	if outcome != nil {
		if m := outcome.Master(); m != nil {
			n.MasterManifestKey = m.StorageKey
		}
		n.AvailableQualities = outcome.AvailableQualities()
		if n.Reason == "" {
			n.Reason = outcome.Reason
		}
	}
	return n
}

type WebhookConfig struct {
	URL      string
	Timeout  time.Duration
	Attempts int
	Backoff  *backoff.Backoff
	Client   *http.Client
	Logger   *slog.Logger
}

// Webhook POSTs a Notification, retrying 5xx and transport errors.
type Webhook struct {
	url      string
	client   *http.Client
	attempts int
	backoff  *backoff.Backoff
	logger   *slog.Logger
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("callback url is required")
	}
	w := &Webhook{
		url:      cfg.URL,
		client:   cfg.Client,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		logger:   cfg.Logger,
	}
	if w.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		w.client = &http.Client{Timeout: timeout}
	}
	if w.attempts <= 0 {
		w.attempts = 3
	}
	if w.backoff == nil {
		w.backoff = backoff.New(500*time.Millisecond, 5*time.Second)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w, nil
}

func (w *Webhook) OnJobTerminal(ctx context.Context, job *domain.ProcessingJob, outcome *domain.Outcome) error {
	body, err := json.Marshal(NewNotification(job, outcome))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		retry, err := w.post(ctx, job.ID, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == w.attempts {
			break
		}
		w.logger.Warn("callback failed, retrying", "job_id", job.ID, "attempt", attempt, "error", err)
		if err := w.backoff.Wait(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("deliver callback for %s: %w", job.ID, lastErr)
}

func (w *Webhook) post(ctx context.Context, jobID string, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reel-Job", jobID)

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("callback returned %s", resp.Status)
	default:
		return false, fmt.Errorf("callback returned %s", resp.Status)
	}
}

var _ port.Finalizer = (*Webhook)(nil)
