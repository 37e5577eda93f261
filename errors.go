package loopmon

import "errors"

// Lifecycle and access errors
var (
	ErrAlreadyStarted   = errors.New("already started")
	ErrStopped          = errors.New("monitor stopped")
	ErrAlreadyInstalled = errors.New("scheduler hooks already installed")
	ErrAccessDenied     = errors.New("access denied")
	ErrInvalidConfig    = errors.New("invalid configuration")
)
