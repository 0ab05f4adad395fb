package watermark

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileStore keeps one decimal text file per network: <dir>/<network>.lastblock.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("watermark dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watermark dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(network string) string {
	return filepath.Join(f.dir, network+".lastblock")
}

func (f *FileStore) Get(_ context.Context, network string) (uint64, bool, error) {
	raw, err := os.ReadFile(f.path(network))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read watermark: %w", err)
	}
	h, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse watermark %s: %w", f.path(network), err)
	}
	return h, true, nil
}

// Set writes a temp file in the same directory and renames it over the old one,
// so a crash leaves either the previous or the new value.
func (f *FileStore) Set(_ context.Context, network string, height uint64) error {
	if network == "" {
		return errors.New("network required")
	}
	tmp, err := os.CreateTemp(f.dir, network+".lastblock.*")
	if err != nil {
		return fmt.Errorf("create temp watermark: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.WriteString(strconv.FormatUint(height, 10)); err != nil {
		tmp.Close()
		return fmt.Errorf("write watermark: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync watermark: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close watermark: %w", err)
	}
	if err := os.Rename(name, f.path(network)); err != nil {
		return fmt.Errorf("replace watermark: %w", err)
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, network string) error {
	err := os.Remove(f.path(network))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete watermark: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
