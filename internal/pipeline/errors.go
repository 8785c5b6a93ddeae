package pipeline

import "errors"

var (
	// ErrNoReadyContent is returned by Rotate when no READY channel has a
	// prepared unit available. No state is changed.
	ErrNoReadyContent = errors.New("no ready content")

	// ErrConcurrentRotationConflict is returned when a rotation for the same
	// user is already running. The request is rejected, not queued.
	ErrConcurrentRotationConflict = errors.New("concurrent rotation conflict")

	// ErrInvalidChannelState reports a broken channel invariant. It indicates
	// a bug; the coordinator corrects the state before returning it.
	ErrInvalidChannelState = errors.New("invalid channel state")

	// ErrUserNotInitialized is returned for users without a pipeline.
	ErrUserNotInitialized = errors.New("user not initialized")

	// ErrBackgroundPreparationFailed is returned when background preparation
	// could not be scheduled.
	ErrBackgroundPreparationFailed = errors.New("background preparation failed")

	// ErrPreparationFailed is returned by the emergency path when no usable
	// unit could be produced within its budget.
	ErrPreparationFailed = errors.New("preparation failed")

	// ErrJobNotFound is returned for unknown or forgotten job ids.
	ErrJobNotFound = errors.New("preparation job not found")

	// ErrUnknownChannel is returned for channel ids outside 1..3.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrWorkerClosed is returned when work is submitted after Close.
	ErrWorkerClosed = errors.New("preparation worker closed")
)
