package providers

import (
	"context"
	"encoding/json"
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

func newGeminiTestProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := models.ProviderConfig{ProviderID: models.ProviderGemini, ModelID: "gemini-1.5-flash", BaseURL: srv.URL}
	return NewGeminiProvider(cfg, "g-key", 5*time.Second)
}

func TestGemini_Generate(t *testing.T) {
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))

		var body geminiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if assert.NotNil(t, body.SystemInstruction) {
			assert.Equal(t, "you are a coach", body.SystemInstruction.Parts[0].Text)
		}
		assert.Equal(t, "plan my week", body.Contents[0].Parts[0].Text)
		assert.Equal(t, DefaultMaxTokens, body.GenerationConfig.MaxOutputTokens)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Monday: "},{"text":"easy run"}]}}],"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":5}}`)
	})

	out, err := p.Generate(context.Background(), GenerationRequest{Prompt: "plan my week", SystemInstruction: "you are a coach"})
	require.NoError(t, err)
	assert.Equal(t, "Monday: easy run", out.Text)
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 5}, out.Usage)
}

func TestGemini_ResourceExhaustedUsesRetryInfo(t *testing.T) {
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED","details":[
			{"@type":"type.googleapis.com/google.rpc.QuotaFailure","violations":[]},
			{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"17s"}]}}`)
	})

	_, err := p.Generate(context.Background(), GenerationRequest{Prompt: "hi"})
	hint, limited := IsRateLimited(err)
	assert.True(t, limited)
	assert.Equal(t, 17*time.Second, hint)
}

func TestGemini_BadRequestIsFatal(t *testing.T) {
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	})

	_, err := p.Generate(context.Background(), GenerationRequest{Prompt: "hi"})
	require.Error(t, err)
	_, limited := IsRateLimited(err)
	assert.False(t, limited)
	assert.Contains(t, err.Error(), "API key not valid")
}

func TestGemini_Stream(t *testing.T) {
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-1.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"Easy "}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"day"}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`+"\n\n")
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
	assert.Equal(t, "Easy day", got)
	assert.Equal(t, Usage{InputTokens: 4, OutputTokens: 2}, s.Usage())
}

func TestGemini_StreamErrorChunk(t *testing.T) {
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"error":{"code":500,"message":"internal","status":"INTERNAL"}}`+"\n\n")
	})

	s, err := p.GenerateStream(context.Background(), GenerationRequest{Prompt: "hi"})
	require.NoError(t, err)
	defer s.Close()

	chunk, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", chunk)

	_, err = s.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestRetryDelayFromDetails(t *testing.T) {
	details := []json.RawMessage{
		json.RawMessage(`{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"2.5s"}`),
	}
	assert.Equal(t, 2500*time.Millisecond, retryDelayFromDetails(details))
	assert.Equal(t, time.Duration(0), retryDelayFromDetails(nil))
}
