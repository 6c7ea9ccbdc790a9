package gcs

import (
	"testing"

	appconfig "github.com/apex-audit/apex-audit/internal/config"
)

func TestNew_MissingBucket(t *testing.T) {
	_, err := New(&appconfig.GCSArchiveConfig{})
	if err == nil {
		t.Error("New() = nil error, want error for missing bucket")
	}
}

func TestNew_EmulatorEndpoint(t *testing.T) {
	s, err := New(&appconfig.GCSArchiveConfig{Bucket: "audit-archive", Endpoint: "http://localhost:4443/storage/v1/"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()
	if s.bucket != "audit-archive" {
		t.Errorf("bucket = %q, want audit-archive", s.bucket)
	}
}

func TestNew_CredentialsFile(t *testing.T) {
	// A missing credentials file may fail at client creation or at first use; either
	// way the credentials-file path must not panic.
	cfg := &appconfig.GCSArchiveConfig{
		Bucket:          "audit-archive",
		CredentialsFile: "/nonexistent/credentials.json",
	}
	if s, err := New(cfg); err == nil {
		s.Close()
	}
}
