package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMirrorUploadAndDelete(t *testing.T) {
	src := filepath.Join(t.TempDir(), "layer")
	require.NoError(t, os.WriteFile(src, []byte("layer bytes"), 0o644))

	m, err := NewLocalMirror(filepath.Join(t.TempDir(), "mirror"))
	require.NoError(t, err)

	require.NoError(t, m.Upload(context.Background(), "abc123", src))

	got, err := os.ReadFile(filepath.Join(m.dir, "abc123"))
	require.NoError(t, err)
	assert.Equal(t, []byte("layer bytes"), got)

	require.NoError(t, m.Delete(context.Background(), "abc123"))
	_, err = os.Stat(filepath.Join(m.dir, "abc123"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalMirrorDeleteToleratesMissing(t *testing.T) {
	m, err := NewLocalMirror(filepath.Join(t.TempDir(), "mirror"))
	require.NoError(t, err)

	assert.NoError(t, m.Delete(context.Background(), "never-uploaded"))
}
