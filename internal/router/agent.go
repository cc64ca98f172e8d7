package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/gonzaloobispo/Bioengine-v3/internal/providers"
)

// ErrNoGenerator is returned by a specialist built without a text generator
var ErrNoGenerator = errors.New("specialist has no generator")

// AgentCapability describes what a specialist covers. It is exposed for
// diagnostics only; dispatch uses CanHandle.
type AgentCapability struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// QueryContext carries the athlete data a specialist may use in its prompt
type QueryContext map[string]any

// Message is one turn of the chat history
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is what a specialist answers. Router fills in Router on every
// routed response, failed ones included.
type Response struct {
	Agent            string           `json:"agent"`
	Text             string           `json:"response,omitempty"`
	Status           string           `json:"status"`
	Error            string           `json:"error,omitempty"`
	Focus            string           `json:"focus,omitempty"`
	CapabilitiesUsed []string         `json:"capabilities_used,omitempty"`
	Router           *RoutingDecision `json:"_router,omitempty"`
}

// SpecialistAgent is a responder scoped to one competency
type SpecialistAgent interface {
	// Name is the registry key
	Name() string

	Capabilities() []AgentCapability

	// CanHandle returns the agent's confidence for the query, in [0, 1]
	CanHandle(ctx context.Context, query string, qctx QueryContext) float64

	// Process answers the query
	Process(ctx context.Context, query string, qctx QueryContext, history []Message) (*Response, error)
}

// Generator produces text for a prompt. *gateway.Gateway implements it.
type Generator interface {
	Generate(ctx context.Context, req providers.GenerationRequest) (string, error)
}

// SpecialistError is returned by Route when the selected specialist failed.
// The routing decision is kept so callers can tell which agent failed.
type SpecialistError struct {
	Agent    string
	Decision *RoutingDecision
	Err      error
}

func (e *SpecialistError) Error() string {
	return fmt.Sprintf("specialist %s failed: %v", e.Agent, e.Err)
}

func (e *SpecialistError) Unwrap() error {
	return e.Err
}
