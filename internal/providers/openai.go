package providers

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

// OpenAIProvider calls the OpenAI chat completions API through go-openai
type OpenAIProvider struct {
	model   string
	client  *openai.Client
	timeout time.Duration
	now     func() time.Time
}

// NewOpenAIProvider creates a provider bound to cfg.ModelID
func NewOpenAIProvider(cfg models.ProviderConfig, apiKey string) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		model:  cfg.ModelID,
		client: openai.NewClientWithConfig(clientCfg),
		now:    time.Now,
	}
}

// WithTimeout bounds each blocking request.
func (p *OpenAIProvider) WithTimeout(d time.Duration) *OpenAIProvider {
	p.timeout = d
	return p
}

func (p *OpenAIProvider) ProviderID() string { return models.ProviderOpenAI }

func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) buildRequest(req GenerationRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemInstruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokensOrDefault(),
		Temperature: float32(DefaultTemperature),
	}
}

// Generate performs a chat completion
func (p *OpenAIProvider) Generate(ctx context.Context, req GenerationRequest) (*Completion, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := p.now()
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, Fatal(p.ProviderID(), p.model, 0, ErrEmptyResponse)
	}

	return &Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		ProviderLatency: p.now().Sub(start),
	}, nil
}

// GenerateStream opens a streamed chat completion that reports usage in its last chunk
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req GenerationRequest) (Stream, error) {
	body := p.buildRequest(req)
	body.Stream = true
	body.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, body)
	if err != nil {
		return nil, p.classify(err)
	}
	return &openAIStream{provider: p, stream: stream}, nil
}

// classify maps go-openai errors to provider failure kinds.
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(p.ProviderID(), p.model, apiErr.HTTPStatusCode, 0, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(p.ProviderID(), p.model, reqErr.HTTPStatusCode, 0, err)
	}
	return Fatal(p.ProviderID(), p.model, 0, err)
}

type openAIStream struct {
	provider *OpenAIProvider
	stream   *openai.ChatCompletionStream
	usage    Usage
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", s.provider.classify(err)
		}
		if resp.Usage != nil {
			s.usage = Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
		}
		if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
			return resp.Choices[0].Delta.Content, nil
		}
	}
}

func (s *openAIStream) Usage() Usage { return s.usage }

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
