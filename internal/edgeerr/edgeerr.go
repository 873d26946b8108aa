// Package edgeerr defines the error kinds shared across the core request
// path so callers can map them to HTTP statuses and log levels uniformly.
package edgeerr

import "errors"

var (
	ErrInvalidURL        = errors.New("invalid url")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNotFound          = errors.New("not found")
	ErrNoBackends        = errors.New("no healthy backends available")
	ErrBackendConnect    = errors.New("backend connect failed")
	ErrBackendTLS        = errors.New("backend tls failed")
	ErrUpstreamIO        = errors.New("upstream io error")
	ErrClientIO          = errors.New("client io error")
	ErrStorageError      = errors.New("storage error")
	ErrReplicationLagged = errors.New("replication lagged")
	ErrValidation        = errors.New("validation failed")
	ErrTimeout           = errors.New("timeout")
)

// Is reports whether err ultimately wraps target, a thin wrapper kept so
// call sites read "edgeerr.Is(err, edgeerr.ErrNotFound)" next to the
// sentinels they're matching against.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
