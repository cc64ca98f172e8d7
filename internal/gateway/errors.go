package gateway

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAllProvidersExhausted matches every *ExhaustedError
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrNoProviders is returned by New for an empty fallback chain
	ErrNoProviders = errors.New("no providers configured")

	// ErrProviderDenied is returned when the cost governor withdraws a
	// provider while the gateway waits to retry it
	ErrProviderDenied = errors.New("provider not allowed by cost governor")
)

// ExhaustedError is returned when every provider of the chain was skipped or
// failed. It unwraps to the last provider error, which is nil when nothing
// was attempted.
type ExhaustedError struct {
	Tried   []string
	Skipped []string
	Last    error
}

func (e *ExhaustedError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("%s: no admissible provider (skipped %s)", ErrAllProvidersExhausted, strings.Join(e.Skipped, ", "))
	}
	return fmt.Sprintf("%s after trying %s: %v", ErrAllProvidersExhausted, strings.Join(e.Tried, ", "), e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// StreamInterruptedError is the terminal element of a stream whose provider
// failed after the first chunk had been delivered. The gateway never falls
// back once a stream is committed.
type StreamInterruptedError struct {
	Provider        string
	Model           string
	ChunksDelivered int
	Err             error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream from %s/%s interrupted after %d chunks: %v", e.Provider, e.Model, e.ChunksDelivered, e.Err)
}

func (e *StreamInterruptedError) Unwrap() error {
	return e.Err
}
