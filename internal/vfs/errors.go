package vfs

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds returned by filesystem operations. Callers match them with
// errors.Is; the transport layer decides how each kind maps to a status.
var (
	ErrNotFound            = errors.New("not found")
	ErrNotADirectory       = errors.New("not a directory")
	ErrNotAFile            = errors.New("not a file")
	ErrAlreadyExists       = errors.New("already exists")
	ErrDestinationExists   = fmt.Errorf("destination %w", ErrAlreadyExists)
	ErrNotEmpty            = errors.New("directory not empty")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrCycleDetected       = errors.New("cycle detected")
	ErrTypeConflict        = errors.New("type conflict")
	ErrUploadTimeout       = errors.New("upload readiness timeout")
	ErrInvalidState        = errors.New("invalid state")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrBlobNotFound is returned by a BlobStore for a reference it does not hold.
	ErrBlobNotFound = errors.New("blob not found")
)

// PathError records the operation and path that produced an error kind.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// NewPathError wraps err with the operation and path.
func NewPathError(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// RateLimitError signals that the blob service refused a call and asked the
// caller to wait. RetryAfter is zero when the service gave no hint.
// It never escapes the deletion scheduler.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited reports whether err is a rate-limit signal and returns it.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
