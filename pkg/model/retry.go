package model

import (
	"context"
	"time"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

// RetryConfig configures the retry mechanism for opening streams.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// RetryingClient wraps a StreamClient with exponential backoff on
// retryable open failures. Events flowing through an established stream
// are never retried; only OpenStream itself is.
type RetryingClient struct {
	inner StreamClient
	cfg   RetryConfig
}

// NewRetryingClient wraps inner with the given retry configuration.
func NewRetryingClient(inner StreamClient, cfg RetryConfig) *RetryingClient {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultRetryConfig().Multiplier
	}
	return &RetryingClient{inner: inner, cfg: cfg}
}

// OpenStream opens a stream, retrying retryable failures with backoff.
// Context cancellation aborts immediately with the last error wrapped.
func (rc *RetryingClient) OpenStream(ctx context.Context, req Request) (Stream, error) {
	interval := rc.cfg.InitialInterval
	var lastErr error

	for attempt := 0; attempt <= rc.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), errors.ErrCodeLLMTimeout, "stream open cancelled during backoff").
					WithContext("attempts", attempt)
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * rc.cfg.Multiplier)
			if rc.cfg.MaxInterval > 0 && interval > rc.cfg.MaxInterval {
				interval = rc.cfg.MaxInterval
			}
		}

		stream, err := rc.inner.OpenStream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, errors.Wrap(lastErr, errors.ErrCodeLLMError, "stream open failed after retries").
		WithContext("attempts", rc.cfg.MaxRetries+1)
}
