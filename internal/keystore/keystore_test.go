package keystore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "alice.json")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	created, isNew, err := LoadOrCreate(path, "hunter2", "alice", now)
	require.NoError(t, err)
	assert.True(t, isNew)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, isNew, err := LoadOrCreate(path, "hunter2", "alice", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.True(t, created.Keys.Private.Equal(loaded.Keys.Private))
	assert.True(t, loaded.CreatedAt.Equal(now))
}

func TestLoad_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice.json")
	_, _, err := LoadOrCreate(path, "right", "alice", time.Now())
	require.NoError(t, err)

	_, err = Load(path, "wrong")
	require.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"), "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadOrCreate_RejectsOtherUsersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.json")
	_, _, err := LoadOrCreate(path, "pw", "alice", time.Now())
	require.NoError(t, err)

	_, _, err = LoadOrCreate(path, "pw", "bob", time.Now())
	require.Error(t, err)
}

func TestEntry_NeedsRotation(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{CreatedAt: now.Add(-100 * 24 * time.Hour)}
	assert.True(t, e.NeedsRotation(now, 90*24*time.Hour))
	assert.False(t, e.NeedsRotation(now, 0))
	assert.False(t, e.NeedsRotation(now, 365*24*time.Hour))
}
