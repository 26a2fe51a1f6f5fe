package squaresync

import (
	"errors"
	"fmt"
)

type FetchErrorKind int

const (
	// FetchKindUpstream covers upstream errors that are neither retryable nor
	// fatal; the fetcher swallows them and ends pagination early.
	FetchKindUpstream FetchErrorKind = iota
	FetchKindRateLimited
	FetchKindServerError
	FetchKindAuth
	FetchKindInvalidFilter
	FetchKindExhaustedRetries
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchKindRateLimited:
		return "rate_limited"
	case FetchKindServerError:
		return "server_error"
	case FetchKindAuth:
		return "auth"
	case FetchKindInvalidFilter:
		return "invalid_filter"
	case FetchKindExhaustedRetries:
		return "exhausted_retries"
	default:
		return "upstream"
	}
}

// FetchError classifies one failed call against the Square API.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Code       string
	Detail     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("square api %s (status=%d code=%s): %v", e.Kind, e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("square api %s (status=%d code=%s): %s", e.Kind, e.StatusCode, e.Code, e.Detail)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Retryable() bool {
	return e.Kind == FetchKindRateLimited || e.Kind == FetchKindServerError
}

// Fatal errors abort the whole run instead of ending pagination quietly.
func (e *FetchError) Fatal() bool {
	switch e.Kind {
	case FetchKindAuth, FetchKindInvalidFilter, FetchKindExhaustedRetries:
		return true
	}
	return false
}

var (
	ErrMalformedRecord = errors.New("malformed booking payload")
	ErrWindowRequired  = errors.New("an explicit start-at window is required")
	ErrNotConnected    = errors.New("square is not connected")

	// ErrRunLocked means another sync run holds the per-business lock. The
	// push endpoint maps it to a non-2xx so Pub/Sub redelivers the run once
	// the lock frees up.
	ErrRunLocked = errors.New("another sync run is in flight for this business")
)
