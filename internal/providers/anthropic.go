package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMessagesPath   = "/v1/messages"
)

// AnthropicProvider calls the Anthropic Messages API
type AnthropicProvider struct {
	model   string
	auth    Authenticator
	client  *resty.Client
	timeout time.Duration
	now     func() time.Time
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamed event payloads; only the fields the stream needs
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicProvider creates a provider bound to cfg.ModelID
func NewAnthropicProvider(cfg models.ProviderConfig, apiKey string, timeout time.Duration) *AnthropicProvider {
	baseURL := anthropicDefaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("anthropic-version", anthropicVersion).
		SetHeader("Content-Type", "application/json")

	return &AnthropicProvider{
		model:   cfg.ModelID,
		auth:    NewSimpleAPIKeyAuth(apiKey, "x-api-key", ""),
		client:  client,
		timeout: timeout,
		now:     time.Now,
	}
}

func (p *AnthropicProvider) ProviderID() string { return models.ProviderAnthropic }

func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) buildRequest(req GenerationRequest, stream bool) anthropicRequest {
	return anthropicRequest{
		Model:       p.model,
		MaxTokens:   req.MaxTokensOrDefault(),
		System:      req.SystemInstruction,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: DefaultTemperature,
		Stream:      stream,
	}
}

// Generate sends a non-streaming Messages request
func (p *AnthropicProvider) Generate(ctx context.Context, req GenerationRequest) (*Completion, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var out anthropicResponse
	var apiErr anthropicErrorBody
	r := p.client.R().
		SetContext(ctx).
		SetBody(p.buildRequest(req, false)).
		SetResult(&out).
		SetError(&apiErr)
	p.auth.Apply(r)

	start := p.now()
	resp, err := r.Post(anthropicMessagesPath)
	if err != nil {
		return nil, Fatal(p.ProviderID(), p.model, 0, err)
	}
	if resp.IsError() {
		return nil, p.statusError(resp, apiErr.Error.Message)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, Fatal(p.ProviderID(), p.model, resp.StatusCode(), ErrEmptyResponse)
	}

	return &Completion{
		Text:            text.String(),
		Usage:           Usage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens},
		ProviderLatency: p.now().Sub(start),
	}, nil
}

// GenerateStream opens a server-sent-events Messages stream
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req GenerationRequest) (Stream, error) {
	r := p.client.R().
		SetContext(ctx).
		SetBody(p.buildRequest(req, true)).
		SetHeader("Accept", "text/event-stream").
		SetDoNotParseResponse(true)
	p.auth.Apply(r)

	resp, err := r.Post(anthropicMessagesPath)
	if err != nil {
		return nil, Fatal(p.ProviderID(), p.model, 0, err)
	}
	body := resp.RawBody()
	if resp.IsError() {
		defer body.Close()
		data, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		var apiErr anthropicErrorBody
		_ = json.Unmarshal(data, &apiErr)
		return nil, p.statusError(resp, apiErr.Error.Message)
	}

	return &anthropicStream{provider: p, reader: NewStreamReader(body)}, nil
}

func (p *AnthropicProvider) statusError(resp *resty.Response, message string) error {
	if message == "" {
		message = resp.Status()
	}
	retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"), p.now())
	return classifyStatus(p.ProviderID(), p.model, resp.StatusCode(), retryAfter, errors.New(message))
}

type anthropicStream struct {
	provider *AnthropicProvider
	reader   *StreamReader
	usage    Usage
}

func (s *anthropicStream) Recv() (string, error) {
	for {
		ev, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", Fatal(s.provider.ProviderID(), s.provider.model, 0, err)
		}

		var payload anthropicStreamEvent
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return "", Fatal(s.provider.ProviderID(), s.provider.model, 0, fmt.Errorf("malformed stream event: %w", err))
		}

		switch payload.Type {
		case "message_start":
			s.usage.InputTokens = payload.Message.Usage.InputTokens
		case "content_block_delta":
			if payload.Delta.Text != "" {
				return payload.Delta.Text, nil
			}
		case "message_delta":
			s.usage.OutputTokens = payload.Usage.OutputTokens
		case "message_stop":
			return "", io.EOF
		case "error":
			cause := errors.New(payload.Error.Message)
			if payload.Error.Type == "overloaded_error" || payload.Error.Type == "rate_limit_error" {
				return "", RateLimited(s.provider.ProviderID(), s.provider.model, 0, 0, cause)
			}
			return "", Fatal(s.provider.ProviderID(), s.provider.model, 0, cause)
		}
	}
}

func (s *anthropicStream) Usage() Usage { return s.usage }

func (s *anthropicStream) Close() error { return s.reader.Close() }
