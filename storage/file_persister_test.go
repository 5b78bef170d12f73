package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFilePersister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		path         string
		existingData string
		data         string
	}{
		{
			name: "just_file",
			path: "resources.json",
			data: `[{"method":"GET"}]`,
		},
		{
			name: "with_dir",
			path: "history/run-1/resources.json",
			data: "[]",
		},
		{
			name:         "replaces",
			path:         "resources.json",
			data:         "[]",
			existingData: "some much longer existing data",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			p := filepath.Join(dir, tt.path)
			if tt.existingData != "" {
				require.NoError(t, os.WriteFile(p, []byte(tt.existingData), 0o600))
			}

			l := &LocalFilePersister{}
			require.NoError(t, l.Persist(context.Background(), p, strings.NewReader(tt.data)))

			bb, err := os.ReadFile(filepath.Clean(p))
			require.NoError(t, err)
			assert.Equal(t, tt.data, string(bb))

			// no temporary leftovers next to the file
			entries, err := os.ReadDir(filepath.Dir(p))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestLocalFilePersisterCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	p := filepath.Join(dir, "resources.json")
	l := &LocalFilePersister{}
	err := l.Persist(ctx, p, strings.NewReader("data"))
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
