package annotation

import "errors"

// Errors returned by Client implementations. Both are retryable by the
// caller on its own schedule.
var (
	// ErrUnreachable covers transport failures, timeouts, and 5xx responses.
	ErrUnreachable = errors.New("annotation service unreachable")
	// ErrRejected covers 4xx responses and exports without annotations.
	ErrRejected = errors.New("annotation service rejected request")
)
