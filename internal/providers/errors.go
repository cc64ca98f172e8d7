package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrCredentialMissing is returned when a provider is built without a credential
	ErrCredentialMissing = errors.New("credential missing")

	// ErrUnsupportedProvider is returned by the factory for unknown provider ids
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrEmptyResponse is returned when a vendor answers without any text
	ErrEmptyResponse = errors.New("empty response")
)

// Kind classifies a provider failure for the gateway's retry decision.
type Kind int

const (
	// KindFatal failures advance the gateway to the next provider
	KindFatal Kind = iota
	// KindRateLimited failures are retried on the same provider
	KindRateLimited
)

func (k Kind) String() string {
	if k == KindRateLimited {
		return "rate_limited"
	}
	return "fatal"
}

// Error is a classified vendor failure.
type Error struct {
	Provider   string
	Model      string
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration // vendor hint, zero when absent
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/")
		b.WriteString(e.Model)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RateLimited builds a retryable failure.
func RateLimited(provider, model string, status int, retryAfter time.Duration, err error) *Error {
	return &Error{Provider: provider, Model: model, Kind: KindRateLimited, StatusCode: status, RetryAfter: retryAfter, Err: err}
}

// Fatal builds a non-retryable failure.
func Fatal(provider, model string, status int, err error) *Error {
	return &Error{Provider: provider, Model: model, Kind: KindFatal, StatusCode: status, Err: err}
}

// IsRateLimited reports whether err is a rate-limit failure and returns the
// vendor's retry-after hint when one was given.
func IsRateLimited(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindRateLimited {
		return pe.RetryAfter, true
	}
	return 0, false
}

// classifyStatus maps an HTTP status to a failure kind. 429 and 529 (overloaded)
// are the vendor rate-limit signals.
func classifyStatus(provider, model string, status int, retryAfter time.Duration, err error) *Error {
	if status == http.StatusTooManyRequests || status == 529 {
		return RateLimited(provider, model, status, retryAfter, err)
	}
	return Fatal(provider, model, status, err)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
