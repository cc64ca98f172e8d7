package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"
	geminiGeneratePath   = "/v1beta/models/{model}:generateContent"
	geminiStreamPath     = "/v1beta/models/{model}:streamGenerateContent"
	geminiRetryInfoType  = "type.googleapis.com/google.rpc.RetryInfo"
)

// GeminiProvider calls the Google Generative Language API
type GeminiProvider struct {
	model   string
	auth    Authenticator
	client  *resty.Client
	timeout time.Duration
	now     func() time.Time
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

// NewGeminiProvider creates a provider bound to cfg.ModelID
func NewGeminiProvider(cfg models.ProviderConfig, apiKey string, timeout time.Duration) *GeminiProvider {
	baseURL := geminiDefaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json")

	return &GeminiProvider{
		model:   cfg.ModelID,
		auth:    NewSimpleAPIKeyAuth(apiKey, "x-goog-api-key", ""),
		client:  client,
		timeout: timeout,
		now:     time.Now,
	}
}

func (p *GeminiProvider) ProviderID() string { return models.ProviderGemini }

func (p *GeminiProvider) Model() string { return p.model }

func (p *GeminiProvider) buildRequest(req GenerationRequest) geminiRequest {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokensOrDefault(),
			Temperature:     DefaultTemperature,
		},
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}
	return body
}

// Generate sends a generateContent request
func (p *GeminiProvider) Generate(ctx context.Context, req GenerationRequest) (*Completion, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var out geminiResponse
	var apiErr geminiErrorBody
	r := p.client.R().
		SetContext(ctx).
		SetPathParam("model", p.model).
		SetBody(p.buildRequest(req)).
		SetResult(&out).
		SetError(&apiErr)
	p.auth.Apply(r)

	start := p.now()
	resp, err := r.Post(geminiGeneratePath)
	if err != nil {
		return nil, Fatal(p.ProviderID(), p.model, 0, err)
	}
	if resp.IsError() {
		return nil, p.statusError(resp, &apiErr)
	}

	text := out.text()
	if text == "" {
		return nil, Fatal(p.ProviderID(), p.model, resp.StatusCode(), ErrEmptyResponse)
	}
	return &Completion{
		Text:            text,
		Usage:           out.usage(),
		ProviderLatency: p.now().Sub(start),
	}, nil
}

// GenerateStream opens a streamGenerateContent request in SSE mode
func (p *GeminiProvider) GenerateStream(ctx context.Context, req GenerationRequest) (Stream, error) {
	r := p.client.R().
		SetContext(ctx).
		SetPathParam("model", p.model).
		SetQueryParam("alt", "sse").
		SetBody(p.buildRequest(req)).
		SetDoNotParseResponse(true)
	p.auth.Apply(r)

	resp, err := r.Post(geminiStreamPath)
	if err != nil {
		return nil, Fatal(p.ProviderID(), p.model, 0, err)
	}
	body := resp.RawBody()
	if resp.IsError() {
		defer body.Close()
		data, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		var apiErr geminiErrorBody
		_ = json.Unmarshal(data, &apiErr)
		return nil, p.statusError(resp, &apiErr)
	}
	return &geminiStream{provider: p, reader: NewStreamReader(body)}, nil
}

// statusError classifies an error response. RESOURCE_EXHAUSTED is the Gemini
// quota signal; its RetryInfo detail carries the retry delay.
func (p *GeminiProvider) statusError(resp *resty.Response, body *geminiErrorBody) error {
	message := body.Error.Message
	if message == "" {
		message = resp.Status()
	}
	cause := errors.New(message)

	retryAfter := retryDelayFromDetails(body.Error.Details)
	if retryAfter == 0 {
		retryAfter = parseRetryAfter(resp.Header().Get("Retry-After"), p.now())
	}
	if body.Error.Status == "RESOURCE_EXHAUSTED" {
		return RateLimited(p.ProviderID(), p.model, resp.StatusCode(), retryAfter, cause)
	}
	return classifyStatus(p.ProviderID(), p.model, resp.StatusCode(), retryAfter, cause)
}

func retryDelayFromDetails(details []json.RawMessage) time.Duration {
	for _, raw := range details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if err := json.Unmarshal(raw, &detail); err != nil || detail.Type != geminiRetryInfoType {
			continue
		}
		if d, err := time.ParseDuration(detail.RetryDelay); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func (r *geminiResponse) usage() Usage {
	return Usage{
		InputTokens:  r.UsageMetadata.PromptTokenCount,
		OutputTokens: r.UsageMetadata.CandidatesTokenCount,
	}
}

type geminiStream struct {
	provider *GeminiProvider
	reader   *StreamReader
	usage    Usage
}

func (s *geminiStream) Recv() (string, error) {
	for {
		ev, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", Fatal(s.provider.ProviderID(), s.provider.model, 0, err)
		}

		// an error object may arrive in place of a chunk
		var apiErr geminiErrorBody
		if json.Unmarshal(ev.Data, &apiErr) == nil && apiErr.Error.Message != "" {
			cause := errors.New(apiErr.Error.Message)
			if apiErr.Error.Status == "RESOURCE_EXHAUSTED" || apiErr.Error.Code == http.StatusTooManyRequests {
				return "", RateLimited(s.provider.ProviderID(), s.provider.model, apiErr.Error.Code, retryDelayFromDetails(apiErr.Error.Details), cause)
			}
			return "", Fatal(s.provider.ProviderID(), s.provider.model, apiErr.Error.Code, cause)
		}

		var chunk geminiResponse
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			return "", Fatal(s.provider.ProviderID(), s.provider.model, 0, fmt.Errorf("malformed stream chunk: %w", err))
		}
		if u := chunk.usage(); u.InputTokens > 0 || u.OutputTokens > 0 {
			s.usage = u
		}
		if text := chunk.text(); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Usage() Usage { return s.usage }

func (s *geminiStream) Close() error { return s.reader.Close() }
