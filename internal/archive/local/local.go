// Package local implements the local filesystem archive sink. It suits single-node
// deployments and archives shipped off-host by other tooling.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex-audit/apex-audit/internal/archive"
	"github.com/apex-audit/apex-audit/internal/config"
)

func init() {
	archive.Register("local", func(cfg *config.ArchiveConfig) (archive.Sink, error) {
		return New(&cfg.Local)
	})
}

// LocalSink implements the Sink interface for local filesystem storage
type LocalSink struct {
	basePath string
}

// New creates a new local filesystem sink
func New(cfg *config.LocalArchiveConfig) (*LocalSink, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local archive base_path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalSink{basePath: cfg.BasePath}, nil
}

func (s *LocalSink) fullPath(path string) (string, error) {
	full := filepath.Join(s.basePath, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive path escapes base directory: %s", path)
	}
	return full, nil
}

// Put stores a file in the local filesystem. The file is written under a temporary name
// and renamed into place, so a partially written archive is never visible.
func (s *LocalSink) Put(ctx context.Context, path string, reader io.Reader, size int64) (*archive.PutResult, error) {
	fullPath, err := s.fullPath(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(file.Name()) // no-op after a successful rename

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), reader)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if size >= 0 && written != size {
		file.Close()
		return nil, fmt.Errorf("short write for %s: wrote %d of %d bytes", path, written, size)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(file.Name(), fullPath); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &archive.PutResult{
		Path:     path,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Exists checks if a file exists at the specified path
func (s *LocalSink) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := s.fullPath(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}
