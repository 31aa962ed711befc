package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalMirror copies committed layers into a directory, typically a shared
// cache volume. Deletes tolerate the file already being gone.
type LocalMirror struct {
	dir string
}

func NewLocalMirror(dir string) (*LocalMirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}
	return &LocalMirror{dir: dir}, nil
}

func (m *LocalMirror) Upload(ctx context.Context, key string, filePath string) error {
	src, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening layer file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(m.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("creating mirror staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, src); err != nil {
		return fmt.Errorf("copying layer to mirror: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing mirror staging file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.dir, key)); err != nil {
		return fmt.Errorf("publishing mirrored layer: %w", err)
	}
	return nil
}

func (m *LocalMirror) Delete(ctx context.Context, key string) error {
	if err := os.Remove(filepath.Join(m.dir, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting mirrored layer: %w", err)
	}
	return nil
}
