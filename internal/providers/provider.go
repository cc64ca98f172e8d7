package providers

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

// DefaultTemperature is sent to every vendor.
const DefaultTemperature = 0.7

// DefaultMaxTokens is used when a request leaves MaxTokens unset.
const DefaultMaxTokens = 2048

// GenerationRequest is the vendor-neutral input of a completion.
type GenerationRequest struct {
	Prompt            string
	SystemInstruction string
	MaxTokens         int
	Streaming         bool
}

// MaxTokensOrDefault returns MaxTokens, or DefaultMaxTokens when unset.
func (r GenerationRequest) MaxTokensOrDefault() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}

// Usage is the token accounting reported by a vendor.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Text            string
	Usage           Usage
	ProviderLatency time.Duration
}

// Stream yields text chunks of a streaming call. Recv returns io.EOF after the
// last chunk. Usage is meaningful once Recv has returned io.EOF.
type Stream interface {
	Recv() (string, error)
	Usage() Usage
	Close() error
}

// ModelProvider is implemented by each vendor variant (Gemini, Anthropic, OpenAI).
// One instance is bound to one model and one credential.
type ModelProvider interface {
	// ProviderID returns the vendor identifier (the credential key)
	ProviderID() string

	// Model returns the vendor model id the instance calls
	Model() string

	// Generate performs a blocking completion
	Generate(ctx context.Context, req GenerationRequest) (*Completion, error)

	// GenerateStream opens a streaming completion
	GenerateStream(ctx context.Context, req GenerationRequest) (Stream, error)
}

// Factory creates provider instances for a fallback chain entry.
type Factory interface {
	// CreateProvider builds a provider bound to cfg.ModelID using credential
	CreateProvider(cfg models.ProviderConfig, credential string) (ModelProvider, error)

	// SupportedTypes returns the provider ids the factory can build
	SupportedTypes() []string
}

// HTTPFactory builds the vendor providers shipped with the gateway.
type HTTPFactory struct {
	Timeout time.Duration
}

// NewFactory returns a factory whose providers use timeout per HTTP request.
func NewFactory(timeout time.Duration) *HTTPFactory {
	return &HTTPFactory{Timeout: timeout}
}

func (f *HTTPFactory) CreateProvider(cfg models.ProviderConfig, credential string) (ModelProvider, error) {
	if credential == "" {
		return nil, fmt.Errorf("%s: %w", cfg.ProviderID, ErrCredentialMissing)
	}
	switch cfg.ProviderID {
	case models.ProviderGemini:
		return NewGeminiProvider(cfg, credential, f.Timeout), nil
	case models.ProviderAnthropic:
		return NewAnthropicProvider(cfg, credential, f.Timeout), nil
	case models.ProviderOpenAI:
		return NewOpenAIProvider(cfg, credential).WithTimeout(f.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.ProviderID)
	}
}

func (f *HTTPFactory) SupportedTypes() []string {
	return []string{models.ProviderGemini, models.ProviderAnthropic, models.ProviderOpenAI}
}

// completionStream adapts a finished Completion to the Stream interface so
// blocking and streaming calls share one consumption path.
type completionStream struct {
	completion *Completion
	done       bool
}

// StreamOf wraps a Completion as a single-chunk Stream.
func StreamOf(c *Completion) Stream {
	return &completionStream{completion: c}
}

func (s *completionStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	return s.completion.Text, nil
}

func (s *completionStream) Usage() Usage { return s.completion.Usage }

func (s *completionStream) Close() error { return nil }
