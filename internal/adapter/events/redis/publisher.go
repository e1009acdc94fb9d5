// Package redis streams progress snapshots over Redis pub/sub and keeps the
// latest snapshot of every job under its own key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

const (
	defaultChannel     = "reel:progress"
	defaultSnapshotTTL = 24 * time.Hour
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	Channel      string
	SnapshotTTL  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

type Publisher struct {
	client  goredis.UniversalClient
	channel string
	ttl     time.Duration
	logger  *slog.Logger
}

// New connects and pings Redis. The caller owns Close.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client; cfg.Addr and credentials are ignored.
func NewWithClient(client goredis.UniversalClient, cfg Config) *Publisher {
	p := &Publisher{
		client:  client,
		channel: strings.TrimSpace(cfg.Channel),
		ttl:     cfg.SnapshotTTL,
		logger:  cfg.Logger,
	}
	if p.channel == "" {
		p.channel = defaultChannel
	}
	if p.ttl <= 0 {
		p.ttl = defaultSnapshotTTL
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

func (p *Publisher) Channel() string { return p.channel }

// SnapshotKey is where the last snapshot of jobID is stored.
func (p *Publisher) SnapshotKey(jobID string) string {
	return p.channel + ":job:" + jobID
}

// Emit publishes the snapshot and stores it as the job's latest in one
// round trip.
func (p *Publisher) Emit(ctx context.Context, snapshot domain.ProgressSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, payload)
	pipe.Set(ctx, p.SnapshotKey(snapshot.JobID), payload, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("progress publish failed", "job_id", snapshot.JobID, "error", err)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (p *Publisher) Last(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	payload, err := p.client.Get(ctx, p.SnapshotKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap domain.ProgressSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

var _ port.ProgressSink = (*Publisher)(nil)
