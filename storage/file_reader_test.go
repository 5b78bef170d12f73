package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileReader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(p, []byte("<html></html>"), 0o600))

	r := &LocalFileReader{}

	data, err := r.ReadFile(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))

	_, err = r.ReadFile(context.Background(), filepath.Join(dir, "missing.html"))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = r.ReadFile(context.Background(), dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
}
