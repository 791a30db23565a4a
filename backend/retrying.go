package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/filebridge/filebridge"
)

// RetryConfig bounds the internal retry loop for transient backend failures.
type RetryConfig struct {
	// MaxTries is the total number of attempts, including the first.
	MaxTries uint

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryConfig returns the retry policy used by the engine.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Retrying wraps a Backend and retries transient failures with exponential
// backoff. Authorization and structural failures are never retried and
// surface immediately. When attempts are exhausted the last error is wrapped
// so it translates to ServerUnreachable.
type Retrying struct {
	inner  Backend
	config RetryConfig
	logger *slog.Logger
}

// RetryingOption configures a Retrying backend.
type RetryingOption func(*Retrying)

// WithRetryLogger sets the logger for retry events.
func WithRetryLogger(logger *slog.Logger) RetryingOption {
	return func(r *Retrying) {
		r.logger = logger
	}
}

// WithRetryConfig sets the retry policy.
func WithRetryConfig(cfg RetryConfig) RetryingOption {
	return func(r *Retrying) {
		r.config = cfg
	}
}

// NewRetrying wraps a backend with the retry policy.
func NewRetrying(inner Backend, opts ...RetryingOption) *Retrying {
	r := &Retrying{
		inner:  inner,
		config: DefaultRetryConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func retryOp[T any](r *Retrying, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.InitialInterval
	bo.MaxInterval = r.config.MaxInterval

	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !filebridge.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			r.logger.Debug("retrying backend operation", "op", op, "attempt", attempt, "error", err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(r.config.MaxTries))

	if err != nil && filebridge.Retryable(err) {
		// Attempts exhausted on a transient failure.
		return result, fmt.Errorf("%s: %w: %w", op, filebridge.ErrUnavailable, err)
	}
	return result, err
}

func (r *Retrying) Stat(ctx context.Context, path string) (*Entry, error) {
	return retryOp(r, ctx, "stat", func() (*Entry, error) {
		return r.inner.Stat(ctx, path)
	})
}

func (r *Retrying) List(ctx context.Context, path, cursor string, limit int) (*Listing, error) {
	return retryOp(r, ctx, "list", func() (*Listing, error) {
		return r.inner.List(ctx, path, cursor, limit)
	})
}

func (r *Retrying) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	return retryOp(r, ctx, "get", func() (io.ReadCloser, error) {
		return r.inner.Get(ctx, path)
	})
}

// Put is not retried mid-stream: the reader may have been partially consumed
// by a failed attempt, so a retry could upload truncated content.
func (r *Retrying) Put(ctx context.Context, path string, rd io.Reader) (*Entry, error) {
	entry, err := r.inner.Put(ctx, path, rd)
	if err != nil && filebridge.Retryable(err) {
		return nil, fmt.Errorf("put: %w: %w", filebridge.ErrUnavailable, err)
	}
	return entry, err
}

func (r *Retrying) Mkdir(ctx context.Context, path string) (*Entry, error) {
	return retryOp(r, ctx, "mkdir", func() (*Entry, error) {
		return r.inner.Mkdir(ctx, path)
	})
}

func (r *Retrying) Delete(ctx context.Context, path string) error {
	_, err := retryOp(r, ctx, "delete", func() (struct{}, error) {
		return struct{}{}, r.inner.Delete(ctx, path)
	})
	return err
}
