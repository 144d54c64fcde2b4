package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// Pipeline taxonomy.
	ErrValidation           = errors.New("opportunity failed validation")
	ErrRiskRejected         = errors.New("rejected by risk assessment")
	ErrVenue                = errors.New("venue error")
	ErrPartialExecution     = errors.New("partial execution")
	ErrTimeout              = errors.New("execution deadline exceeded")
	ErrCircuitBreakerActive = errors.New("circuit breaker active")
	ErrEmergencyStop        = errors.New("emergency stop engaged")
	ErrNoVenues             = errors.New("no venues available")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSizeFrozen        = errors.New("size is frozen once executing")
	ErrUnsupportedKind   = errors.New("unsupported opportunity kind")
	ErrUnknownVenue      = errors.New("unknown venue")
)
