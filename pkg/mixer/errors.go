package mixer

import (
	"errors"
	"fmt"

	"github.com/fairmix/fairmix/pkg/stream"
)

// Sentinel errors returned by coordinator commands.
var (
	// ErrAlreadyRegistered means the stream id is already known.
	ErrAlreadyRegistered = errors.New("stream already registered")
	// ErrUnknownStream means a command referenced an id not in the set.
	ErrUnknownStream = errors.New("unknown stream")
)

// CaptureFailedError reports that the host could not provide a usable
// capture for a stream.
type CaptureFailedError struct {
	Stream stream.ID
	Reason string
	Err    error
}

// Error implements error.
func (e *CaptureFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture failed for %q: %s: %v", e.Stream, e.Reason, e.Err)
	}
	return fmt.Sprintf("capture failed for %q: %s", e.Stream, e.Reason)
}

// Unwrap exposes the underlying cause.
func (e *CaptureFailedError) Unwrap() error { return e.Err }
