package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds retry settings for a RetryBackend.
type RetryConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultRetryConfig returns default retry settings
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// RetryBackend wraps a remote backend and retries failed calls with
// exponential backoff. ErrNotFound and context cancellation are not retried.
type RetryBackend struct {
	backend Backend
	cfg     RetryConfig
	logger  zerolog.Logger
}

// NewRetryBackend wraps backend.
func NewRetryBackend(backend Backend, cfg RetryConfig, logger zerolog.Logger) *RetryBackend {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryConfig().RetryDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryConfig().RetryMaxDelay
	}
	return &RetryBackend{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With().Str("component", "retry-storage").Str("backend", backend.Type()).Logger(),
	}
}

func (r *RetryBackend) do(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.RetryDelay * time.Duration(1<<uint(attempt))
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}

		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", r.cfg.MaxRetries).
			Dur("retry_delay", delay).
			Msg("Storage operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("storage %s failed after %d retries: %w", op, r.cfg.MaxRetries, lastErr)
}

func (r *RetryBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, "write", path, func() error { return r.backend.Write(ctx, path, data) })
}

func (r *RetryBackend) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", path, func() error {
		var err error
		data, err = r.backend.Read(ctx, path)
		return err
	})
	return data, err
}

func (r *RetryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		out, err = r.backend.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *RetryBackend) Delete(ctx context.Context, path string) error {
	return r.do(ctx, "delete", path, func() error { return r.backend.Delete(ctx, path) })
}

func (r *RetryBackend) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", path, func() error {
		var err error
		ok, err = r.backend.Exists(ctx, path)
		return err
	})
	return ok, err
}

func (r *RetryBackend) Close() error { return r.backend.Close() }

func (r *RetryBackend) Type() string { return r.backend.Type() }

// Unwrap returns the wrapped backend.
func (r *RetryBackend) Unwrap() Backend { return r.backend }
