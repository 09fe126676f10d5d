package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/calypsokit/calydb/internal/config"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorageSQLite(t *testing.T) {
	cfg := config.DefaultStoreConfig()
	cfg.Path = filepath.Join(t.TempDir(), "nested", "calydb.db")
	ctx := context.Background()

	st, err := NewStorage(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Ping(ctx))
	n, err := st.CountRecords(ctx, types.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewStorageRejectsMissingCredentials(t *testing.T) {
	cfg := config.DefaultStoreConfig()
	cfg.Driver = config.DriverPostgres
	cfg.Postgres.User = ""

	_, err := NewStorage(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing store credentials")
}
