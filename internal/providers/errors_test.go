package providers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimited(t *testing.T) {
	limited := RateLimited("gemini", "flash", 429, 3*time.Second, errors.New("quota"))
	wrapped := fmt.Errorf("attempt 1: %w", limited)

	hint, ok := IsRateLimited(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, hint)

	_, ok = IsRateLimited(Fatal("openai", "gpt", 500, errors.New("boom")))
	assert.False(t, ok)

	_, ok = IsRateLimited(errors.New("429 too many requests"))
	assert.False(t, ok, "classification is by type, never by message text")
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{529, KindRateLimited},
		{http.StatusInternalServerError, KindFatal},
		{http.StatusUnauthorized, KindFatal},
		{http.StatusBadRequest, KindFatal},
	}
	for _, tt := range tests {
		err := classifyStatus("anthropic", "claude", tt.status, 0, errors.New("x"))
		assert.Equal(t, tt.want, err.Kind, "status %d", tt.status)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 12*time.Second, parseRetryAfter("12", now))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-4", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))

	date := now.Add(30 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 30*time.Second, parseRetryAfter(date, now))
}

func TestError_Message(t *testing.T) {
	cause := errors.New("overloaded")
	err := RateLimited("anthropic", "claude-3", 529, 0, cause)

	assert.Equal(t, "anthropic/claude-3: rate_limited (status 529): overloaded", err.Error())
	assert.ErrorIs(t, err, cause)
}
