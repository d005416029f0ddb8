package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend fails the first failures calls of every operation.
type flakyBackend struct {
	Backend
	failures int
	calls    int
	err      error
}

func (f *flakyBackend) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyBackend) Write(ctx context.Context, path string, data []byte) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Backend.Write(ctx, path, data)
}

func (f *flakyBackend) Read(ctx context.Context, path string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Backend.Read(ctx, path)
}

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxRetries: max, RetryDelay: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestRetryBackend_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyBackend{Backend: newLocal(t), failures: 2, err: errors.New("connection reset")}
	b := NewRetryBackend(inner, fastRetry(3), zerolog.Nop())

	require.NoError(t, b.Write(context.Background(), "a.txt", []byte("x")))
	assert.Equal(t, 3, inner.calls)
}

func TestRetryBackend_GivesUp(t *testing.T) {
	inner := &flakyBackend{Backend: newLocal(t), failures: 10, err: errors.New("service unavailable")}
	b := NewRetryBackend(inner, fastRetry(2), zerolog.Nop())

	err := b.Write(context.Background(), "a.txt", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, inner.calls)
}

func TestRetryBackend_NotFoundNotRetried(t *testing.T) {
	inner := &flakyBackend{Backend: newLocal(t), failures: 10, err: fmt.Errorf("%w: a.txt", ErrNotFound)}
	b := NewRetryBackend(inner, fastRetry(3), zerolog.Nop())

	_, err := b.Read(context.Background(), "a.txt")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, inner.calls)
}

func TestRetryBackend_ContextCanceled(t *testing.T) {
	inner := &flakyBackend{Backend: newLocal(t), failures: 10, err: errors.New("timeout")}
	b := NewRetryBackend(inner, RetryConfig{MaxRetries: 5, RetryDelay: time.Hour, RetryMaxDelay: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := b.Write(ctx, "a.txt", []byte("x"))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, inner.calls)
}

func TestRetryBackend_Delegates(t *testing.T) {
	local := newLocal(t)
	b := NewRetryBackend(local, fastRetry(1), zerolog.Nop())

	assert.Equal(t, "local", b.Type())
	assert.Same(t, Backend(local), b.Unwrap())
	assert.Equal(t, local.FullPath("x.txt"), Location(b, "x.txt"))
	require.NoError(t, b.Close())
}
