package transcriber

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the streaming socket is gone. The client does not
	// reconnect; a new Open is required.
	ErrConnection = errors.New("transcription connection lost")

	// ErrTimeout means a batch job did not finish within the poll policy.
	ErrTimeout = errors.New("transcription timed out")

	// ErrNoSpeech is returned when the backend produced an empty transcript.
	// It is a signal, not a failure.
	ErrNoSpeech = errors.New("no speech detected")

	// ErrNotOpen is returned by Send or Finish on a streaming client that was
	// never opened or has been closed.
	ErrNotOpen = errors.New("transcription client not open")
)

// FailedError is a backend-reported job failure.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string {
	if e.Reason == "" {
		return "transcription failed"
	}
	return "transcription failed: " + e.Reason
}

// RequestError is an HTTP call to the backend that did not succeed.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Outcome names an utterance result for logs and metrics.
func Outcome(err error) string {
	var failed *FailedError
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrNoSpeech):
		return "no_speech"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.As(err, &failed):
		return "failed"
	default:
		return "error"
	}
}
