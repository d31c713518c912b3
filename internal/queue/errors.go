package queue

import (
	"errors"
	"fmt"

	"qms/queue-engine/internal/store"
)

// Error kinds surfaced to callers. Every error returned by Service and the
// admin layer matches exactly one of them with errors.Is.
var (
	ErrNotActive      = errors.New("not active")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrStorageFailure = errors.New("storage failure")
)

// Classify wraps err with its kind. The original error stays in the chain.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotActive), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict), errors.Is(err, ErrStorageFailure):
		return err
	case errors.Is(err, store.ErrQueueNotActive), errors.Is(err, store.ErrCounterInactive):
		return fmt.Errorf("%w: %w", ErrNotActive, err)
	case errors.Is(err, store.ErrTokenNotFound), errors.Is(err, store.ErrInvalidState),
		errors.Is(err, store.ErrNoWaitingTokens), errors.Is(err, store.ErrCounterNotFound),
		errors.Is(err, store.ErrSessionNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrStaffAssigned),
		errors.Is(err, store.ErrCounterInUse):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
}

func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "storage_failure"
	}
}
