package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/reel/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REEL_DATA_DIR", "/srv/reel")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7891", cfg.HTTPAddr)
	assert.Equal(t, "/srv/reel/scratch", cfg.ScratchDir)
	assert.Equal(t, "/srv/reel/artifacts", cfg.ArtifactRoot())
	assert.Equal(t, JobStoreSQLite, cfg.JobStore)
	assert.Equal(t, ArtifactStoreLocal, cfg.ArtifactStore)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 4, cfg.MaxActiveJobs)
	assert.Equal(t, 4, cfg.MaxEncodes)
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryBase)
	assert.Equal(t, 5*time.Minute, cfg.RetryCap)
	assert.Equal(t, 2*time.Hour, cfg.EncodeTimeout)
	assert.Equal(t, 168*time.Hour, cfg.Retention)
	assert.Equal(t, domain.PolicyBestEffort, cfg.PartialPolicy)
	assert.Equal(t, 6, cfg.SegmentSeconds)
	assert.Equal(t, domain.DefaultThumbnailFractions, cfg.ThumbnailFractions)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REEL_JOB_STORE", "postgres")
	t.Setenv("REEL_POSTGRES_DSN", "postgres://reel@db/reel")
	t.Setenv("REEL_ARTIFACT_STORE", "s3")
	t.Setenv("REEL_S3_ENDPOINT", "minio:9000")
	t.Setenv("REEL_S3_BUCKET", "vod")
	t.Setenv("REEL_S3_USE_SSL", "false")
	t.Setenv("REEL_REDIS_ADDR", "redis:6379")
	t.Setenv("REEL_REDIS_DB", "2")
	t.Setenv("REEL_WORKERS", "8")
	t.Setenv("REEL_LEASE_TTL", "45s")
	t.Setenv("REEL_PARTIAL_POLICY", "require-all")
	t.Setenv("REEL_THUMBNAIL_FRACTIONS", "0.2, 0.8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, JobStorePostgres, cfg.JobStore)
	assert.Equal(t, ArtifactStoreS3, cfg.ArtifactStore)
	assert.False(t, cfg.S3.UseSSL)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.LeaseTTL)
	assert.Equal(t, domain.PolicyRequireAll, cfg.PartialPolicy)
	assert.Equal(t, []float64{0.2, 0.8}, cfg.ThumbnailFractions)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		key  string
	}{
		{"bad int", map[string]string{"REEL_WORKERS": "many"}, "REEL_WORKERS"},
		{"zero encodes", map[string]string{"REEL_MAX_ENCODES": "0"}, "REEL_MAX_ENCODES"},
		{"bad duration", map[string]string{"REEL_LEASE_TTL": "soon"}, "REEL_LEASE_TTL"},
		{"bad bool", map[string]string{"REEL_S3_USE_SSL": "maybe"}, "REEL_S3_USE_SSL"},
		{"fraction range", map[string]string{"REEL_THUMBNAIL_FRACTIONS": "0.5,1.5"}, "REEL_THUMBNAIL_FRACTIONS"},
		{"unknown store", map[string]string{"REEL_JOB_STORE": "mongo"}, "REEL_JOB_STORE"},
		{"unknown artifacts", map[string]string{"REEL_ARTIFACT_STORE": "ftp"}, "REEL_ARTIFACT_STORE"},
		{"unknown policy", map[string]string{"REEL_PARTIAL_POLICY": "some"}, "REEL_PARTIAL_POLICY"},
		{"postgres without dsn", map[string]string{"REEL_JOB_STORE": "postgres"}, "REEL_POSTGRES_DSN"},
		{"s3 without bucket", map[string]string{"REEL_ARTIFACT_STORE": "s3", "REEL_S3_ENDPOINT": "minio:9000"}, "REEL_S3_BUCKET"},
		{"cap below base", map[string]string{"REEL_RETRY_BASE": "1m", "REEL_RETRY_CAP": "10s"}, "REEL_RETRY_CAP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}
