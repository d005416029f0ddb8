package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is wrapped by Read when no object exists at the path.
var ErrNotFound = errors.New("object not found")

// Backend stores exported artifacts (series text files, parquet tables)
// under slash-separated relative paths.
type Backend interface {
	// Write replaces the object at path with data
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the object at path, wrapping ErrNotFound when it is absent
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns the paths of all objects under prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at path; deleting a missing object is not an error
	Delete(ctx context.Context, path string) error

	// Exists reports whether an object exists at path
	Exists(ctx context.Context, path string) (bool, error)

	// Close releases resources held by the backend
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string
}

// Appender opens objects for appending. Only local storage supports it;
// the record trace is written through it.
type Appender interface {
	OpenAppend(path string) (io.WriteCloser, error)
}

// Options selects and configures a backend.
type Options struct {
	Backend   string
	LocalPath string
	S3        S3Config
	Azure     AzureBlobConfig
	Retry     RetryConfig
}

// New creates the backend named by opts.Backend. An empty name means local.
// Remote backends are wrapped in a RetryBackend.
func New(opts Options, logger zerolog.Logger) (Backend, error) {
	var (
		remote Backend
		err    error
	)
	switch strings.ToLower(opts.Backend) {
	case "", "local":
		return NewLocalBackend(opts.LocalPath, logger)
	case "s3", "minio":
		remote, err = NewS3Backend(&opts.S3, logger)
	case "azure", "azblob":
		remote, err = NewAzureBlobBackend(&opts.Azure, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewRetryBackend(remote, opts.Retry, logger), nil
}

// Location renders a human-readable location for a stored path.
func Location(b Backend, path string) string {
	switch bb := b.(type) {
	case *RetryBackend:
		return Location(bb.Unwrap(), path)
	case *LocalBackend:
		return bb.FullPath(path)
	case *S3Backend:
		return "s3://" + bb.Bucket() + "/" + path
	case *AzureBlobBackend:
		return "azure://" + bb.Container() + "/" + path
	default:
		return path
	}
}
