package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileReader reads files for file: URLs. Implementations must return an
// error matching fs.ErrNotExist for missing files.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// LocalFileReader reads files from the local disk.
type LocalFileReader struct{}

// ReadFile returns the contents of the file at path.
func (l *LocalFileReader) ReadFile(_ context.Context, path string) ([]byte, error) {
	cp := filepath.Clean(path)

	fi, err := os.Stat(cp)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("reading local file %q: is a directory", cp)
	}

	data, err := os.ReadFile(cp)
	if err != nil {
		return nil, fmt.Errorf("reading local file %q: %w", cp, err)
	}
	return data, nil
}
