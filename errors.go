package jrnl

import (
	"errors"
)

var (
	// ErrInvalidArgument indicates a nil buffer, an out-of-range sector, or a
	// handle outside the registry bounds.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState indicates an operation attempted in a transaction state
	// that disallows it.
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrNotFound indicates an unallocated handle slot.
	ErrNotFound = errors.New("handle not registered")

	// ErrNoMemory indicates a full registry or a store that can not fit the
	// requested operation.
	ErrNoMemory = errors.New("no space")

	// ErrInvalidChecksum indicates a corrupted operation header or payload
	// found during replay (a torn write before the commit completed).
	ErrInvalidChecksum = errors.New("invalid checksum")

	// ErrInconsistentState indicates a persisted master that exists but
	// disagrees with the mount configuration.
	ErrInconsistentState = errors.New("inconsistent on-disk state")

	// ErrAborted is raised by the injected abort-points that the crash tests
	// use to simulate power loss mid-commit.
	ErrAborted = errors.New("aborted by test flag")
)
