package store

import "errors"

var (
	ErrTokenNotFound   = errors.New("token not found")
	ErrInvalidState    = errors.New("invalid token state")
	ErrNoWaitingTokens = errors.New("no tokens in queue")
	ErrQueueNotActive  = errors.New("queue not active")
	ErrCounterNotFound = errors.New("counter not found")
	ErrCounterInactive = errors.New("counter inactive")
	ErrCounterInUse    = errors.New("counter has open tokens")
	ErrStaffAssigned   = errors.New("staff already assigned to another counter")
	ErrSessionNotFound = errors.New("no active session")
	ErrDuplicate       = errors.New("duplicate record")
)
