// Package gcs implements the Google Cloud Storage archive sink. It authenticates with a
// service account key (JSON or file) or Application Default Credentials, and can target a
// GCS emulator through a custom endpoint.
package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/apex-audit/apex-audit/internal/archive"
	appconfig "github.com/apex-audit/apex-audit/internal/config"
)

func init() {
	archive.Register("gcs", func(cfg *appconfig.ArchiveConfig) (archive.Sink, error) {
		return New(&cfg.GCS)
	})
}

// GCSSink implements the Sink interface for Google Cloud Storage
type GCSSink struct {
	client *storage.Client
	bucket string
}

// New creates a new Google Cloud Storage sink
func New(cfg *appconfig.GCSArchiveConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.Endpoint != "":
		// emulators accept unauthenticated requests
		opts = append(opts, option.WithoutAuthentication())
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSSink{client: client, bucket: cfg.Bucket}, nil
}

// Close closes the GCS client
func (s *GCSSink) Close() error {
	return s.client.Close()
}

// Put streams a file to GCS, hashing it on the way
func (s *GCSSink) Put(ctx context.Context, path string, reader io.Reader, size int64) (*archive.PutResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(writer, hasher), reader)
	if err != nil {
		// cancelling the context aborts the upload
		cancel()
		writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &archive.PutResult{
		Path:     path,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Exists checks if an object exists at the specified path
func (s *GCSSink) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}
