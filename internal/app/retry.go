package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"parley/api/internal/metrics"
	"parley/api/internal/store"
)

const retryBackoff = 25 * time.Millisecond

// withStore runs fn with a per-attempt timeout and retries it while it
// returns store.ErrUnavailable, up to cfg.StoreRetries extra attempts. A
// deadline hit inside fn is surfaced as ErrUnavailable by the store.
func withStore[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := s.cfg.StoreRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.StoreRetries.WithLabelValues(op).Inc()
			slog.Debug("retrying store call", "op", op, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return zero, store.ErrUnavailable
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		value, err := fn(callCtx)
		cancel()
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return zero, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	slog.Warn("store unavailable", "op", op, "attempts", attempts, "error", lastErr)
	return zero, lastErr
}

// withStoreErr is withStore for calls that only return an error.
func withStoreErr(ctx context.Context, s *Service, op string, fn func(ctx context.Context) error) error {
	_, err := withStore(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
