package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/bnema/reel/internal/adapter/storage/storetest"
	"github.com/bnema/reel/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens the database named by REEL_TEST_POSTGRES_DSN and
// empties the jobs table around each test. The database must be dedicated
// to automated runs.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("REEL_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("REEL_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := NewStore(ctx, Config{DSN: dsn, ApplicationName: "reel-test"})
	require.NoError(t, err)

	truncate := func() {
		_, err := store.pool.Exec(context.Background(), `TRUNCATE jobs`)
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		_ = store.Close()
	})
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) port.JobStore {
		return newTestStore(t)
	})
}

func TestNewStore_RequiresDSN(t *testing.T) {
	_, err := NewStore(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(storetest.NewJob("j", "", 0).LeaseExpiresAt))
	assert.NotNil(t, nullTime(storetest.NewJob("j", "", 0).CreatedAt))
}
