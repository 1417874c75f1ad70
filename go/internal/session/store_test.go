package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")
	s := NewFileStore(path)

	token, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, token, "missing file reads as no credential")

	require.NoError(t, s.Save("abc123"))
	token, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())
	token, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestFileStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: [unterminated"), 0o600))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	var s MemoryStore
	require.NoError(t, s.Save("abc123"))
	token, _ := s.Load()
	assert.Equal(t, "abc123", token)
	require.NoError(t, s.Clear())
	token, _ = s.Load()
	assert.Empty(t, token)
}
