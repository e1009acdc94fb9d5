package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/reel/internal/domain"
)

type JobStoreKind string

const (
	JobStoreSQLite   JobStoreKind = "sqlite"
	JobStorePostgres JobStoreKind = "postgres"
	JobStoreJSONFile JobStoreKind = "jsonfile"
)

type ArtifactStoreKind string

const (
	ArtifactStoreLocal ArtifactStoreKind = "local"
	ArtifactStoreS3    ArtifactStoreKind = "s3"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Prefix    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type Config struct {
	HTTPAddr string
	APIToken string

	DataDir    string
	ScratchDir string

	JobStore    JobStoreKind
	PostgresDSN string

	ArtifactStore ArtifactStoreKind
	S3            S3Config
	Redis         RedisConfig
	CallbackURL   string

	Workers       int
	MaxActiveJobs int
	MaxEncodes    int
	LeaseTTL      time.Duration
	PollInterval  time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	RetryCap      time.Duration

	PublishAttempts  int
	PublishRetryBase time.Duration
	PublishRetryCap  time.Duration

	EncodeTimeout    time.Duration
	ProbeTimeout     time.Duration
	ThumbnailTimeout time.Duration
	UploadTimeout    time.Duration
	SlotTimeout      time.Duration
	FetchTimeout     time.Duration

	MaxResidency time.Duration
	Retention    time.Duration

	PartialPolicy      domain.PartialPolicy
	SegmentSeconds     int
	ThumbnailFractions []float64

	FFmpegPath   string
	FFprobePath  string
	FFmpegPreset string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. Errors name the
// offending key.
func Load() (*Config, error) {
	p := &parser{}

	dataDir := getEnv("REEL_DATA_DIR", "/data")
	cfg := &Config{
		HTTPAddr:    getEnv("REEL_HTTP_ADDR", ":7891"),
		APIToken:    os.Getenv("REEL_API_TOKEN"),
		DataDir:     dataDir,
		ScratchDir:  getEnv("REEL_SCRATCH_DIR", filepath.Join(dataDir, "scratch")),
		PostgresDSN: os.Getenv("REEL_POSTGRES_DSN"),
		S3: S3Config{
			Endpoint:  os.Getenv("REEL_S3_ENDPOINT"),
			AccessKey: os.Getenv("REEL_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("REEL_S3_SECRET_KEY"),
			Bucket:    os.Getenv("REEL_S3_BUCKET"),
			Region:    os.Getenv("REEL_S3_REGION"),
			UseSSL:    p.bool("REEL_S3_USE_SSL", true),
			Prefix:    os.Getenv("REEL_S3_PREFIX"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REEL_REDIS_ADDR"),
			Password: os.Getenv("REEL_REDIS_PASSWORD"),
			DB:       p.int("REEL_REDIS_DB", 0),
			Channel:  getEnv("REEL_REDIS_CHANNEL", "reel:progress"),
		},
		CallbackURL: os.Getenv("REEL_CALLBACK_URL"),

		Workers:       p.positive("REEL_WORKERS", 2),
		MaxActiveJobs: p.positive("REEL_MAX_ACTIVE_JOBS", 4),
		MaxEncodes:    p.positive("REEL_MAX_ENCODES", 4),
		LeaseTTL:      p.duration("REEL_LEASE_TTL", 2*time.Minute),
		PollInterval:  p.duration("REEL_POLL_INTERVAL", time.Second),
		MaxAttempts:   p.positive("REEL_MAX_ATTEMPTS", 3),
		RetryBase:     p.duration("REEL_RETRY_BASE", 5*time.Second),
		RetryCap:      p.duration("REEL_RETRY_CAP", 5*time.Minute),

		PublishAttempts:  p.positive("REEL_PUBLISH_ATTEMPTS", 3),
		PublishRetryBase: p.duration("REEL_PUBLISH_RETRY_BASE", 500*time.Millisecond),
		PublishRetryCap:  p.duration("REEL_PUBLISH_RETRY_CAP", 10*time.Second),

		EncodeTimeout:    p.duration("REEL_ENCODE_TIMEOUT", 2*time.Hour),
		ProbeTimeout:     p.duration("REEL_PROBE_TIMEOUT", time.Minute),
		ThumbnailTimeout: p.duration("REEL_THUMBNAIL_TIMEOUT", time.Minute),
		UploadTimeout:    p.duration("REEL_UPLOAD_TIMEOUT", 5*time.Minute),
		SlotTimeout:      p.duration("REEL_SLOT_TIMEOUT", 30*time.Minute),
		FetchTimeout:     p.duration("REEL_FETCH_TIMEOUT", 30*time.Minute),

		MaxResidency: p.duration("REEL_MAX_RESIDENCY", 24*time.Hour),
		Retention:    p.duration("REEL_RETENTION", 168*time.Hour),

		SegmentSeconds:     p.positive("REEL_SEGMENT_SECONDS", 6),
		ThumbnailFractions: p.fractions("REEL_THUMBNAIL_FRACTIONS", domain.DefaultThumbnailFractions),

		FFmpegPath:   getEnv("REEL_FFMPEG_PATH", "ffmpeg"),
		FFprobePath:  getEnv("REEL_FFPROBE_PATH", "ffprobe"),
		FFmpegPreset: getEnv("REEL_FFMPEG_PRESET", "veryfast"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
	if p.err != nil {
		return nil, p.err
	}

	switch kind := JobStoreKind(getEnv("REEL_JOB_STORE", string(JobStoreSQLite))); kind {
	case JobStoreSQLite, JobStorePostgres, JobStoreJSONFile:
		cfg.JobStore = kind
	default:
		return nil, fmt.Errorf("invalid REEL_JOB_STORE: unknown store %q", kind)
	}

	switch kind := ArtifactStoreKind(getEnv("REEL_ARTIFACT_STORE", string(ArtifactStoreLocal))); kind {
	case ArtifactStoreLocal, ArtifactStoreS3:
		cfg.ArtifactStore = kind
	default:
		return nil, fmt.Errorf("invalid REEL_ARTIFACT_STORE: unknown store %q", kind)
	}

	policy, err := domain.ParsePartialPolicy(os.Getenv("REEL_PARTIAL_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("invalid REEL_PARTIAL_POLICY: %w", err)
	}
	cfg.PartialPolicy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combinations Load cannot see one key at a time.
// serve calls it again after applying flag overrides.
func (c *Config) Validate() error {
	switch c.JobStore {
	case JobStorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("REEL_POSTGRES_DSN is required when REEL_JOB_STORE=postgres")
		}
	case JobStoreSQLite, JobStoreJSONFile:
	default:
		return fmt.Errorf("invalid REEL_JOB_STORE: unknown store %q", c.JobStore)
	}
	if c.ArtifactStore == ArtifactStoreS3 {
		if c.S3.Endpoint == "" {
			return fmt.Errorf("REEL_S3_ENDPOINT is required when REEL_ARTIFACT_STORE=s3")
		}
		if c.S3.Bucket == "" {
			return fmt.Errorf("REEL_S3_BUCKET is required when REEL_ARTIFACT_STORE=s3")
		}
	}
	if c.RetryCap < c.RetryBase {
		return fmt.Errorf("invalid REEL_RETRY_CAP: %s is below REEL_RETRY_BASE %s", c.RetryCap, c.RetryBase)
	}
	if c.PublishRetryCap < c.PublishRetryBase {
		return fmt.Errorf("invalid REEL_PUBLISH_RETRY_CAP: %s is below REEL_PUBLISH_RETRY_BASE %s", c.PublishRetryCap, c.PublishRetryBase)
	}
	return nil
}

// ArtifactRoot is where the local artifact store writes published files.
func (c *Config) ArtifactRoot() string {
	return filepath.Join(c.DataDir, "artifacts")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first error so Load can read every key in one pass.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) positive(key string, def int) int {
	n := p.int(key, def)
	if n <= 0 {
		p.fail(key, fmt.Errorf("must be positive, got %d", n))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if d <= 0 {
		p.fail(key, fmt.Errorf("must be positive, got %s", d))
		return def
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) fractions(key string, def []float64) []float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return append([]float64(nil), def...)
	}
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			p.fail(key, err)
			return def
		}
		if f < 0 || f > 1 {
			p.fail(key, fmt.Errorf("fraction %g outside [0,1]", f))
			return def
		}
		out = append(out, f)
	}
	return out
}
