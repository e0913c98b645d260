package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalArchiver writes archived documents under a base directory. Existing
// files are never overwritten.
type LocalArchiver struct {
	baseDir string
}

// NewLocalArchiver ensures the base directory exists.
func NewLocalArchiver(baseDir string) (*LocalArchiver, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("archive directory required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &LocalArchiver{baseDir: baseDir}, nil
}

// Archive writes body to key relative to the base directory.
func (a *LocalArchiver) Archive(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := a.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("prepare archive directory: %w", err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// retried fan-out of an entry already archived
			return nil
		}
		return fmt.Errorf("create archive file: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write archive file: %w", err)
	}
	return f.Close()
}

// Path exposes the absolute location of key.
func (a *LocalArchiver) Path(key string) string {
	p, _ := a.resolve(key)
	return p
}

func (a *LocalArchiver) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive key %q escapes base directory", key)
	}
	return filepath.Join(a.baseDir, cleaned), nil
}
