package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roam/roam-agent/internal/db"
)

func TestDeviceIDIsStableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roam.db")
	ctx := context.Background()

	store, err := db.Open(path)
	require.NoError(t, err)

	first, err := NewProvider(store, db.KeyDeviceID, nil).GetDeviceID(ctx)
	require.NoError(t, err)
	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	require.NoError(t, store.Close())

	store, err = db.Open(path)
	require.NoError(t, err)
	defer store.Close()

	second, err := NewProvider(store, db.KeyDeviceID, nil).GetDeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type brokenStorage struct{}

func (brokenStorage) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("read-only filesystem")
}

func (brokenStorage) Set(ctx context.Context, key, value string) error {
	return errors.New("read-only filesystem")
}

func TestStorageFailureIsFatal(t *testing.T) {
	_, err := NewProvider(brokenStorage{}, "k", nil).GetDeviceID(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
