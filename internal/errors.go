package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrKeyDisabled      = errors.New("api key disabled")
	ErrNotFound         = errors.New("not found")
	ErrBadRequest       = errors.New("bad request")
	ErrMethodNotAllowed = errors.New("unsupported method")
	ErrNoCandidates     = errors.New("no available account")
	ErrLockPoisoned     = errors.New("token exchange lock poisoned")
)
