package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/spf13/afero"

	"chitram/api/internal/ids"
)

// FSBackend stores objects as files on an afero filesystem.
type FSBackend struct {
	fs   afero.Fs
	name string
}

// NewLocal roots a backend at basePath on the host filesystem.
func NewLocal(basePath string) (*FSBackend, error) {
	if basePath == "" {
		return nil, errors.New("local storage path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return NewFS("local", afero.NewBasePathFs(afero.NewOsFs(), basePath)), nil
}

// NewMemory keeps objects in process memory. Used by tests.
func NewMemory() *FSBackend {
	return NewFS("memory", afero.NewMemMapFs())
}

func NewFS(name string, filesystem afero.Fs) *FSBackend {
	return &FSBackend{fs: filesystem, name: name}
}

func (b *FSBackend) Name() string {
	return b.name
}

func (b *FSBackend) Save(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := path.Dir(key); dir != "." {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
	}

	// write-then-rename so readers never observe a partial object
	tmp := fmt.Sprintf("%s.%s.tmp", key, ids.New())
	if err := afero.WriteFile(b.fs, tmp, data, 0o644); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("write: %w", err)
	}
	if err := b.fs.Rename(tmp, key); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (b *FSBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *FSBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.fs.Remove(key); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (b *FSBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return afero.Exists(b.fs, key)
}
