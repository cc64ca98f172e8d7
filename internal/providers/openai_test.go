package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := models.ProviderConfig{ProviderID: models.ProviderOpenAI, ModelID: "gpt-3.5-turbo", BaseURL: srv.URL + "/v1"}
	return NewOpenAIProvider(cfg, "sk-test").WithTimeout(5 * time.Second)
}

func TestOpenAI_Generate(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-3.5-turbo", body["model"])
		msgs, _ := body["messages"].([]any)
		if assert.Len(t, msgs, 2) {
			assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hydrate."},"finish_reason":"stop"}],"usage":{"prompt_tokens":11,"completion_tokens":2,"total_tokens":13}}`)
	})

	out, err := p.Generate(context.Background(), GenerationRequest{Prompt: "tip?", SystemInstruction: "coach"})
	require.NoError(t, err)
	assert.Equal(t, "Hydrate.", out.Text)
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 2}, out.Usage)
}

func TestOpenAI_RateLimited(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	})

	_, err := p.Generate(context.Background(), GenerationRequest{Prompt: "hi"})
	_, limited := IsRateLimited(err)
	assert.True(t, limited)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
}

func TestOpenAI_UnauthorizedIsFatal(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`)
	})

	_, err := p.Generate(context.Background(), GenerationRequest{Prompt: "hi"})
	require.Error(t, err)
	_, limited := IsRateLimited(err)
	assert.False(t, limited)
}

func TestOpenAI_Stream(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"s","choices":[{"index":0,"delta":{"content":"Sleep "}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"s","choices":[{"index":0,"delta":{"content":"more"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"s","choices":[],"usage":{"prompt_tokens":6,"completion_tokens":2,"total_tokens":8}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	s, err := p.GenerateStream(context.Background(), GenerationRequest{Prompt: "hi", Streaming: true})
	require.NoError(t, err)
	defer s.Close()

	var got string
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got += chunk
	}
	assert.Equal(t, "Sleep more", got)
	assert.Equal(t, Usage{InputTokens: 6, OutputTokens: 2}, s.Usage())
}

func TestFactory(t *testing.T) {
	f := NewFactory(time.Second)
	assert.ElementsMatch(t, []string{"gemini", "anthropic", "openai"}, f.SupportedTypes())

	for _, id := range f.SupportedTypes() {
		p, err := f.CreateProvider(models.ProviderConfig{ProviderID: id, ModelID: "m", CostClass: models.CostClassFree}, "key")
		require.NoError(t, err, id)
		assert.Equal(t, id, p.ProviderID())
		assert.Equal(t, "m", p.Model())
	}

	_, err := f.CreateProvider(models.ProviderConfig{ProviderID: "mistral", ModelID: "m"}, "key")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = f.CreateProvider(models.ProviderConfig{ProviderID: "openai", ModelID: "m"}, "")
	assert.ErrorIs(t, err, ErrCredentialMissing)
}
