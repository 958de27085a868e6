package scheduler

import "errors"

var (
	ErrNoCurrentJob          = errors.New("device has no current job")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrClaimRetriesExhausted = errors.New("claim retries exhausted")
	ErrInvalidDefinition     = errors.New("job definition must be a JSON object")
	ErrNoTarget              = errors.New("job needs a requested device or device type")
)
