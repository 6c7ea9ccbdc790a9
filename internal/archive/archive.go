// Package archive defines the Sink interface that retention cleanup exports expired rows
// to before deleting them, and the registry that maps archive.backend names (local, s3,
// gcs, azure) to sink constructors.
//
// Backends register themselves from an init() function in their own package:
//
//	func init() {
//	    archive.Register("mybackend", func(cfg *config.ArchiveConfig) (archive.Sink, error) {
//	        return New(&cfg.MyBackend)
//	    })
//	}
//
// The binary imports each backend with a blank import to trigger init().
package archive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/apex-audit/apex-audit/internal/config"
)

// Sink stores archive files. Implementations must be safe for sequential use by one
// cleanup run; they are not shared across goroutines.
type Sink interface {
	// Put stores the contents of reader at path and returns its size and checksum
	Put(ctx context.Context, path string, reader io.Reader, size int64) (*PutResult, error)

	// Exists checks if a file exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)
}

// PutResult contains information about a stored archive file
type PutResult struct {
	// Path is the sink path where the file was stored
	Path string

	// Size is the file size in bytes
	Size int64

	// Checksum is the SHA256 hash of the file contents
	Checksum string
}

// FactoryFunc creates a sink from the archive configuration
type FactoryFunc func(*config.ArchiveConfig) (Sink, error)

var factories = make(map[string]FactoryFunc)

// Register registers an archive sink factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewSink creates the sink named by cfg.Backend
func NewSink(cfg *config.ArchiveConfig) (Sink, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %q (registered: %s)", cfg.Backend, strings.Join(Registered(), ", "))
	}
	return factory(cfg)
}

// Registered returns the names of the registered backends
func Registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
