package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable marks transient failures that are safe to retry.
	ErrUnavailable = errors.New("store unavailable")
	// ErrArchived is returned when an append targets an archived thread.
	ErrArchived = errors.New("thread archived")
	// ErrInvalidTransition is returned for status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrHandleTaken is the conflict raised when an actor insert collides on handle.
	ErrHandleTaken = fmt.Errorf("handle taken: %w", ErrConflict)
)

// ConflictError carries the id of the record that already occupies the
// unique slot, when the store can tell.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict with %s", e.ExistingID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// classify maps driver errors onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "57P01",
			pgErr.Code == "57014":
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
