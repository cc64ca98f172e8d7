package router

import (
	"context"
	"errors"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gonzaloobispo/Bioengine-v3/internal/metrics"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

const (
	// DefaultConfidenceFloor is the best score below which the default agent answers
	DefaultConfidenceFloor = 0.4

	// DefaultAgentName is the agent that answers low-confidence queries
	DefaultAgentName = "coach"
)

var (
	// ErrNoAgents is returned when routing over an empty registry
	ErrNoAgents = errors.New("no agents registered")

	// ErrDefaultAgentMissing is returned when the floor applies and the
	// default agent is not registered
	ErrDefaultAgentMissing = errors.New("default agent not registered")
)

// RoutingDecision is attached to every routed response as "_router"
type RoutingDecision struct {
	SelectedAgent string             `json:"selected_agent"`
	Confidence    float64            `json:"confidence"`
	Alternatives  map[string]float64 `json:"alternatives"`
	Overridden    bool               `json:"overridden"` // the floor sent the query to the default agent
}

// Config holds the routing thresholds
type Config struct {
	ConfidenceFloor  float64
	DefaultAgent     string
	ScoreConcurrency int // agents scored in parallel; 0 means all at once
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:  DefaultConfidenceFloor,
		DefaultAgent:     DefaultAgentName,
		ScoreConcurrency: 4,
	}
}

// Router dispatches a query to the registered specialist with the highest
// confidence score.
type Router struct {
	registry *Registry
	cfg      Config
	logger   *utils.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the component logger
func WithLogger(l *utils.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics records routing decisions
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTracer sets the tracer for route spans
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// New creates a router over registry
func New(registry *Registry, cfg Config, opts ...Option) *Router {
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = DefaultAgentName
	}
	r := &Router{
		registry: registry,
		cfg:      cfg,
		logger:   utils.NewLogger("SpecialistRouter"),
		tracer:   otel.Tracer("github.com/gonzaloobispo/Bioengine-v3/internal/router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decide scores every agent and selects one without calling it.
//
// The highest score wins and ties go to the agent registered first. When the
// best score is below the confidence floor, the default agent is selected
// whatever its own score.
func (r *Router) Decide(ctx context.Context, query string, qctx QueryContext) (*RoutingDecision, SpecialistAgent, error) {
	agents := r.registry.All()
	if len(agents) == 0 {
		return nil, nil, ErrNoAgents
	}

	scores := make([]float64, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.ScoreConcurrency > 0 {
		g.SetLimit(r.cfg.ScoreConcurrency)
	}
	for i, a := range agents {
		g.Go(func() error {
			scores[i] = clampScore(a.CanHandle(gctx, query, qctx))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}

	dec := &RoutingDecision{
		SelectedAgent: agents[best].Name(),
		Confidence:    scores[best],
		Alternatives:  make(map[string]float64, len(agents)),
	}
	for i, a := range agents {
		dec.Alternatives[a.Name()] = scores[i]
	}

	selected := agents[best]
	if scores[best] < r.cfg.ConfidenceFloor {
		def, err := r.registry.Get(r.cfg.DefaultAgent)
		if err != nil {
			return nil, nil, errors.Join(ErrDefaultAgentMissing, err)
		}
		r.logger.Warn("Low routing confidence, using default agent",
			"best_agent", selected.Name(),
			"confidence", scores[best],
			"default_agent", def.Name(),
		)
		selected = def
		dec.SelectedAgent = def.Name()
		dec.Overridden = true
	}
	return dec, selected, nil
}

// Route selects a specialist and lets it answer. The returned response always
// carries the routing decision. When the specialist fails, Route returns a
// response with status "error" together with a *SpecialistError; no other
// specialist is tried.
func (r *Router) Route(ctx context.Context, query string, qctx QueryContext, history []Message) (*Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.route")
	defer span.End()

	r.logger.Info("Routing query", "query", truncate(query, 50))

	dec, agent, err := r.Decide(ctx, query, qctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("agent", dec.SelectedAgent),
		attribute.Float64("confidence", dec.Confidence),
		attribute.Bool("overridden", dec.Overridden),
	)
	r.metrics.ObserveRoute(dec.SelectedAgent, dec.Overridden, dec.Confidence)

	resp, err := agent.Process(ctx, query, qctx, history)
	if err != nil {
		r.logger.Error("Specialist failed", "agent", dec.SelectedAgent, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &Response{
			Agent:  dec.SelectedAgent,
			Status: StatusError,
			Error:  err.Error(),
			Router: dec,
		}, &SpecialistError{Agent: dec.SelectedAgent, Decision: dec, Err: err}
	}

	if resp == nil {
		resp = &Response{Status: StatusSuccess}
	}
	if resp.Agent == "" {
		resp.Agent = dec.SelectedAgent
	}
	resp.Router = dec
	return resp, nil
}

func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
