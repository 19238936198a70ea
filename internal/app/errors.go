package app

import (
	"errors"
	"fmt"
	"net/http"

	"parley/api/internal/identity"
	"parley/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func invalidParticipant(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_PARTICIPANT", message, nil)
}

// notFound is also the answer for resources the caller cannot see.
func notFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func unauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}

func threadAlreadyExists(existingID string) *DomainError {
	return domainError(http.StatusConflict, "THREAD_ALREADY_EXISTS", "An open thread already exists for this pair", map[string]any{
		"existingId": existingID,
	})
}

func threadArchived() *DomainError {
	return domainError(http.StatusConflict, "THREAD_ARCHIVED", "Thread is archived", nil)
}

func rateLimited() *DomainError {
	return domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many messages, slow down", nil)
}

func unavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Service temporarily unavailable", map[string]any{
		"retryable": true,
	})
}

// IsThreadAlreadyExists reports whether err is the create dedup signal and
// returns the id of the thread to use.
func IsThreadAlreadyExists(err error) (string, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "THREAD_ALREADY_EXISTS" {
		return "", false
	}
	details, _ := domainErr.Details.(map[string]any)
	existingID, _ := details["existingId"].(string)
	return existingID, true
}

// translate maps store and issuer errors onto the domain taxonomy. Errors
// that are already domain errors pass through; anything unrecognised is
// returned unchanged and becomes a generic server error at the edge.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		return threadAlreadyExists(conflict.ExistingID)
	case errors.Is(err, store.ErrConflict):
		return domainError(http.StatusConflict, "CONFLICT", "Resource already exists", nil)
	case errors.Is(err, store.ErrNotFound):
		return notFound()
	case errors.Is(err, store.ErrArchived):
		return threadArchived()
	case errors.Is(err, store.ErrInvalidTransition):
		return domainError(http.StatusConflict, "INVALID_TRANSITION", "Status transition not allowed", nil)
	case errors.Is(err, store.ErrUnavailable):
		return unavailable()
	case errors.Is(err, identity.ErrHandleSpaceExhausted):
		return domainError(http.StatusServiceUnavailable, "HANDLE_SPACE_EXHAUSTED", "No pseudonymous handle could be issued", nil)
	}
	return err
}
