package checkpoint //nolint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestFile_LoadMissing(t *testing.T) {
	t.Parallel()

	store := NewFile(filepath.Join(t.TempDir(), "replay.checkpoint"))

	ts, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.True(t, ts.IsZero(), "missing file must load as a zero position")
}

func TestFile_SaveLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "replay.checkpoint")
	store := NewFile(path)

	require.NoError(t, store.Save(t.Context(), bson.Timestamp{T: 1700000000, I: 3}))

	ts, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, bson.Timestamp{T: 1700000000, I: 3}, ts)

	// a later save replaces the previous position
	require.NoError(t, store.Save(t.Context(), bson.Timestamp{T: 1700000100, I: 1}))

	ts, err = store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, bson.Timestamp{T: 1700000100, I: 1}, ts)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must not remain after save")
}

func TestFile_LoadCorrupted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "replay.checkpoint")
	require.NoError(t, os.WriteFile(path, []byte("not-json"), 0o600))

	_, err := NewFile(path).Load(t.Context())
	require.Error(t, err)
}

func TestMemory_SaveLoad(t *testing.T) {
	t.Parallel()

	store := NewMemory()

	ts, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	require.NoError(t, store.Save(t.Context(), bson.Timestamp{T: 9, I: 9}))

	ts, err = store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, bson.Timestamp{T: 9, I: 9}, ts)
}
