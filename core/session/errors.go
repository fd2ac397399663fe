package session

import "errors"

// ErrBackendUnavailable is returned when the storage backend cannot be reached
// at call time. It is fatal for checkpoint reads and writes and advisory for
// history and usage writes.
var ErrBackendUnavailable = errors.New("chatcheckpoint: backend unavailable")

// ErrWriteConflict is returned when a concurrent writer already advanced the
// sequence of a session. The caller must re-read the latest snapshot and retry.
var ErrWriteConflict = errors.New("chatcheckpoint: write conflict")

// ErrModelInvocation wraps any failure of the external model collaborator,
// including cancellation of the turn while the model call was in flight.
var ErrModelInvocation = errors.New("chatcheckpoint: model invocation failed")

// ErrUnknownModel is returned when a model has no entry in the rate table.
var ErrUnknownModel = errors.New("chatcheckpoint: unknown model")

// ErrNotFound is returned by latest-snapshot lookups on sessions without any
// snapshot.
var ErrNotFound = errors.New("chatcheckpoint: not found")

// ErrUserMismatch is returned when a turn names a user that does not own the
// session.
var ErrUserMismatch = errors.New("chatcheckpoint: session belongs to another user")

// ErrInvalidMessage is returned for malformed input: empty identifiers,
// unsupported roles or negative token counts.
var ErrInvalidMessage = errors.New("chatcheckpoint: invalid message")
