package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gonzaloobispo/Bioengine-v3/internal/credentials"
	"github.com/gonzaloobispo/Bioengine-v3/internal/metrics"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/providers"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

// Admission decides whether a non-free provider may be called.
// *governor.CostGovernor implements it.
type Admission interface {
	IsProviderAllowed(ctx context.Context, providerID string) (bool, error)
}

// UsageRecorder receives the estimated cost of every completed call.
// *governor.CostGovernor and *usage.Worker implement it.
type UsageRecorder interface {
	LogUsage(ctx context.Context, providerID string, costUSD float64) error
}

// EventSink receives diagnostic events. Implementations must not block.
type EventSink interface {
	Record(ev models.GatewayEvent)
}

// ModelInfo describes the provider that served the last successful call
type ModelInfo struct {
	ProviderID  string           `json:"provider_id"`
	ModelID     string           `json:"model_id"`
	Priority    int              `json:"priority"`
	CostClass   models.CostClass `json:"cost_class"`
	Description string           `json:"description"`
}

// BreakerSettings configures the per-provider circuit breaker
type BreakerSettings struct {
	Enabled          bool
	FailureThreshold uint32        // consecutive failed calls that open the breaker
	OpenTimeout      time.Duration // time before a half-open probe
}

// Gateway runs a generation request against a priority-ordered chain of
// providers, retrying rate-limited providers and falling back on failures.
// Providers are always tried one at a time.
type Gateway struct {
	entries   []*entry
	factory   providers.Factory
	creds     credentials.Store
	admission Admission
	usage     UsageRecorder
	sink      EventSink
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *utils.Logger

	maxAttempts    int
	baseDelay      time.Duration
	requestTimeout time.Duration
	streamTimeout  time.Duration
	breaker        BreakerSettings

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	current *entry
	warned  map[string]bool
}

// Option configures a Gateway
type Option func(*Gateway)

// WithAdmission sets the cost policy consulted for non-free providers.
// Without one every provider is admitted.
func WithAdmission(a Admission) Option {
	return func(g *Gateway) { g.admission = a }
}

// WithUsageRecorder sets where call costs are reported
func WithUsageRecorder(u UsageRecorder) Option {
	return func(g *Gateway) { g.usage = u }
}

// WithEventSink sets where diagnostic events go
func WithEventSink(s EventSink) Option {
	return func(g *Gateway) { g.sink = s }
}

// WithMetrics records attempts, fallbacks and breaker state
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer sets the tracer for per-attempt spans
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithLogger sets the component logger
func WithLogger(l *utils.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithRetry sets how often a rate-limited provider is tried and the linear
// backoff unit: the delay before attempt n+1 is baseDelay*n.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(g *Gateway) {
		if maxAttempts > 0 {
			g.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			g.baseDelay = baseDelay
		}
	}
}

// WithTimeouts sets the overall deadline of Generate and of GenerateStream.
// Zero means no deadline beyond the caller's context.
func WithTimeouts(request, stream time.Duration) Option {
	return func(g *Gateway) {
		g.requestTimeout = request
		g.streamTimeout = stream
	}
}

// WithBreaker enables a circuit breaker per provider
func WithBreaker(s BreakerSettings) Option {
	return func(g *Gateway) { g.breaker = s }
}

// WithClock replaces time.Now for event timestamps
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithSleep replaces the context-aware sleep used between retries
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = sleep }
}

type entry struct {
	cfg     models.ProviderConfig
	breaker *gobreaker.CircuitBreaker

	mu         sync.Mutex
	provider   providers.ModelProvider
	credential string
}

// New builds a gateway over chain, sorted by ascending priority. Providers
// are instantiated lazily, once a credential for them is found.
func New(chain []models.ProviderConfig, factory providers.Factory, creds credentials.Store, opts ...Option) (*Gateway, error) {
	if len(chain) == 0 {
		return nil, ErrNoProviders
	}
	for _, cfg := range chain {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	g := &Gateway{
		factory:     factory,
		creds:       creds,
		tracer:      otel.Tracer("github.com/gonzaloobispo/Bioengine-v3/internal/gateway"),
		logger:      utils.NewLogger("ModelGateway"),
		maxAttempts: 3,
		baseDelay:   10 * time.Second,
		now:         time.Now,
		sleep:       sleepContext,
		warned:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, cfg := range models.SortByPriority(chain) {
		e := &entry{cfg: cfg}
		if g.breaker.Enabled {
			e.breaker = g.newBreaker(cfg)
		}
		g.entries = append(g.entries, e)
	}
	g.current = g.entries[0]
	return g, nil
}

func (g *Gateway) newBreaker(cfg models.ProviderConfig) *gobreaker.CircuitBreaker {
	threshold := g.breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	label := cfg.Label()
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        label,
		MaxRequests: 1,
		Timeout:     g.breaker.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up says nothing about the provider.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("Circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			g.metrics.SetBreakerState(name, int(to))
		},
	})
}

// Chain returns the fallback chain in the order providers are tried
func (g *Gateway) Chain() []models.ProviderConfig {
	out := make([]models.ProviderConfig, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.cfg
	}
	return out
}

// Current describes the provider of the last successful call, or the first
// entry of the chain before any call succeeded.
func (g *Gateway) Current() ModelInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	cfg := g.current.cfg
	return ModelInfo{
		ProviderID:  cfg.ProviderID,
		ModelID:     cfg.ModelID,
		Priority:    cfg.Priority,
		CostClass:   cfg.CostClass,
		Description: cfg.Description,
	}
}

// Generate returns the full completion of the first provider that succeeds.
func (g *Gateway) Generate(ctx context.Context, req providers.GenerationRequest) (string, error) {
	req.Streaming = false
	text, err := Collect(g.run(ctx, req, g.requestTimeout))
	if err != nil {
		return "", err
	}
	return text, nil
}

// GenerateStream returns a lazy sequence of text chunks. Nothing is sent to
// a provider until the sequence is ranged over. Once a provider delivered its
// first chunk the stream is committed to it; a later failure is yielded as a
// final *StreamInterruptedError. Breaking out of the loop closes the
// provider stream.
func (g *Gateway) GenerateStream(ctx context.Context, req providers.GenerationRequest) iter.Seq2[string, error] {
	req.Streaming = true
	return g.run(ctx, req, g.streamTimeout)
}

// Collect drains a chunk sequence into a string. On error it returns the text
// received so far together with the error.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

// committed is a provider stream that has produced its first chunk.
type committed struct {
	entry   *entry
	stream  providers.Stream
	first   string
	started time.Time
}

func (g *Gateway) run(ctx context.Context, req providers.GenerationRequest, timeout time.Duration) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		// each range gets its own deadline; ctx is shared by every range
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		c, err := g.open(callCtx, req)
		if err != nil {
			yield("", err)
			return
		}
		defer g.settle(callCtx, c, req.Streaming)

		if req.Streaming {
			g.metrics.StreamStarted()
			defer g.metrics.StreamFinished()
		}

		if !yield(c.first, nil) {
			return
		}
		delivered := 1
		for {
			chunk, err := c.stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				cfg := c.entry.cfg
				g.logger.Error("Stream interrupted", "provider", cfg.Label(), "chunks", delivered, "error", err)
				g.emit(models.GatewayEvent{Type: models.EventInterrupted, Provider: cfg.ProviderID, Model: cfg.ModelID, Error: err.Error()})
				yield("", &StreamInterruptedError{
					Provider:        cfg.ProviderID,
					Model:           cfg.ModelID,
					ChunksDelivered: delivered,
					Err:             err,
				})
				return
			}
			if chunk == "" {
				continue
			}
			delivered++
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// open walks the chain in priority order and returns the first provider
// stream that produced a chunk.
func (g *Gateway) open(ctx context.Context, req providers.GenerationRequest) (*committed, error) {
	var (
		tried   []string
		skipped []string
		last    error
	)

	for _, e := range g.entries {
		if err := ctx.Err(); err != nil {
			return nil, g.aborted(err, last)
		}
		cfg := e.cfg

		credential, ok := g.creds.Lookup(cfg.ProviderID)
		if !ok || credential == "" {
			g.skip(e, "no_credential")
			skipped = append(skipped, cfg.Label())
			continue
		}
		if !g.admitted(ctx, e) {
			g.skip(e, "cost_policy")
			skipped = append(skipped, cfg.Label())
			continue
		}
		if e.breaker != nil && e.breaker.State() == gobreaker.StateOpen {
			g.skip(e, "circuit_open")
			skipped = append(skipped, cfg.Label())
			continue
		}

		p, err := e.get(g.factory, credential)
		if err != nil {
			g.fail(e, 0, err)
			tried = append(tried, cfg.Label())
			last = err
			continue
		}

		g.warnCost(e)
		tried = append(tried, cfg.Label())

		c, err := g.attemptWithBreaker(ctx, e, p, req)
		if err == nil {
			g.commit(e)
			return c, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.skip(e, "circuit_open")
			tried = tried[:len(tried)-1]
			skipped = append(skipped, cfg.Label())
			continue
		}
		last = err
		if ctx.Err() != nil {
			return nil, g.aborted(ctx.Err(), last)
		}
	}

	g.logger.Error("All providers exhausted", "tried", strings.Join(tried, ","), "skipped", strings.Join(skipped, ","), "error", last)
	ev := models.GatewayEvent{Type: models.EventExhausted, Reason: fmt.Sprintf("tried=%d skipped=%d", len(tried), len(skipped))}
	if last != nil {
		ev.Error = last.Error()
	}
	g.emit(ev)
	g.metrics.ObserveExhausted()
	return nil, &ExhaustedError{Tried: tried, Skipped: skipped, Last: last}
}

func (g *Gateway) attemptWithBreaker(ctx context.Context, e *entry, p providers.ModelProvider, req providers.GenerationRequest) (*committed, error) {
	if e.breaker == nil {
		return g.attempt(ctx, e, p, req)
	}
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return g.attempt(ctx, e, p, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*committed), nil
}

// attempt calls one provider, retrying while it reports rate limiting.
func (g *Gateway) attempt(ctx context.Context, e *entry, p providers.ModelProvider, req providers.GenerationRequest) (*committed, error) {
	cfg := e.cfg
	for n := 1; ; n++ {
		g.emit(models.GatewayEvent{Type: models.EventAttempt, Provider: cfg.ProviderID, Model: cfg.ModelID, CostClass: cfg.CostClass, Attempt: n})
		g.metrics.ObserveAttempt(cfg.ProviderID, cfg.ModelID)

		c, err := g.call(ctx, e, p, req, n)
		if err == nil {
			return c, nil
		}
		g.fail(e, n, err)

		hint, limited := providers.IsRateLimited(err)
		if !limited || n >= g.maxAttempts || ctx.Err() != nil {
			return nil, err
		}

		delay := g.baseDelay * time.Duration(n)
		if hint > 0 {
			delay = hint
		}
		g.logger.Warn("Provider rate limited, retrying", "provider", cfg.Label(), "attempt", n, "delay", delay)
		g.emit(models.GatewayEvent{Type: models.EventRetry, Provider: cfg.ProviderID, Model: cfg.ModelID, Attempt: n, DelayMs: delay.Milliseconds()})

		if err := g.sleep(ctx, delay); err != nil {
			return nil, err
		}
		if !g.admitted(ctx, e) {
			return nil, fmt.Errorf("%s: %w", cfg.Label(), ErrProviderDenied)
		}
	}
}

// call performs a single request and reads up to the first non-empty chunk.
// A provider that ends without any text has failed.
func (g *Gateway) call(ctx context.Context, e *entry, p providers.ModelProvider, req providers.GenerationRequest, n int) (*committed, error) {
	cfg := e.cfg
	ctx, span := g.tracer.Start(ctx, "gateway.attempt", trace.WithAttributes(
		attribute.String("provider", cfg.ProviderID),
		attribute.String("model", cfg.ModelID),
		attribute.Int("attempt", n),
		attribute.Bool("stream", req.Streaming),
	))
	defer span.End()

	started := g.now()
	var (
		stream providers.Stream
		err    error
	)
	if req.Streaming {
		stream, err = p.GenerateStream(ctx, req)
	} else {
		var c *providers.Completion
		c, err = p.Generate(ctx, req)
		if err == nil {
			stream = providers.StreamOf(c)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			err = providers.Fatal(cfg.ProviderID, cfg.ModelID, 0, providers.ErrEmptyResponse)
		}
		if err != nil {
			stream.Close()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if chunk != "" {
			if req.Streaming {
				g.metrics.ObserveFirstChunk(cfg.ProviderID, g.now().Sub(started))
			}
			return &committed{entry: e, stream: stream, first: chunk, started: started}, nil
		}
	}
}

// settle closes the committed stream and reports the call's cost.
func (g *Gateway) settle(ctx context.Context, c *committed, streaming bool) {
	c.stream.Close()
	cfg := c.entry.cfg
	g.metrics.ObserveAttemptDuration(cfg.ProviderID, streaming, g.now().Sub(c.started))

	if g.usage == nil {
		return
	}
	u := c.stream.Usage()
	cost := cfg.Pricing.Cost(u.InputTokens, u.OutputTokens)
	if err := g.usage.LogUsage(context.WithoutCancel(ctx), cfg.ProviderID, cost); err != nil {
		g.logger.Error("Failed to record usage", "provider", cfg.Label(), "cost_usd", cost, "error", err)
	}
}

func (g *Gateway) admitted(ctx context.Context, e *entry) bool {
	if e.cfg.CostClass.IsFree() || g.admission == nil {
		return true
	}
	ok, err := g.admission.IsProviderAllowed(ctx, e.cfg.ProviderID)
	if err != nil {
		g.logger.Error("Cost policy check failed", "provider", e.cfg.Label(), "error", err)
		return false
	}
	return ok
}

func (g *Gateway) commit(e *entry) {
	g.mu.Lock()
	prev := g.current
	g.current = e
	g.mu.Unlock()

	if prev != e {
		g.logger.Info("Switched provider", "from", prev.cfg.Label(), "to", e.cfg.Label())
		g.emit(models.GatewayEvent{Type: models.EventSwitch, Provider: e.cfg.ProviderID, Model: e.cfg.ModelID, From: prev.cfg.Label()})
		g.metrics.ObserveSwitch(prev.cfg.Label(), e.cfg.Label())
	}
}

func (g *Gateway) warnCost(e *entry) {
	if e.cfg.CostClass.IsFree() {
		return
	}
	label := e.cfg.Label()
	g.mu.Lock()
	first := !g.warned[label]
	g.warned[label] = true
	g.mu.Unlock()

	if first {
		g.logger.Warn("Using non-free provider", "provider", label, "cost_class", string(e.cfg.CostClass))
		g.emit(models.GatewayEvent{Type: models.EventCostWarning, Provider: e.cfg.ProviderID, Model: e.cfg.ModelID, CostClass: e.cfg.CostClass})
	}
}

func (g *Gateway) skip(e *entry, reason string) {
	g.logger.Debug("Skipping provider", "provider", e.cfg.Label(), "reason", reason)
	g.emit(models.GatewayEvent{Type: models.EventSkip, Provider: e.cfg.ProviderID, Model: e.cfg.ModelID, CostClass: e.cfg.CostClass, Reason: reason})
}

func (g *Gateway) fail(e *entry, attempt int, err error) {
	kind := providers.KindFatal.String()
	if _, limited := providers.IsRateLimited(err); limited {
		kind = providers.KindRateLimited.String()
	}
	g.logger.Warn("Provider failed", "provider", e.cfg.Label(), "attempt", attempt, "kind", kind, "error", err)
	g.emit(models.GatewayEvent{Type: models.EventError, Provider: e.cfg.ProviderID, Model: e.cfg.ModelID, Attempt: attempt, Reason: kind, Error: err.Error()})
	g.metrics.ObserveProviderError(e.cfg.ProviderID, kind)
}

func (g *Gateway) aborted(ctxErr, last error) error {
	if last == nil {
		return fmt.Errorf("generation aborted: %w", ctxErr)
	}
	return fmt.Errorf("generation aborted: %w (last provider error: %v)", ctxErr, last)
}

func (g *Gateway) emit(ev models.GatewayEvent) {
	if g.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now()
	}
	g.sink.Record(ev)
}

// get returns the provider instance for credential, rebuilding it when the
// credential changed since the last call.
func (e *entry) get(factory providers.Factory, credential string) (providers.ModelProvider, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.provider != nil && e.credential == credential {
		return e.provider, nil
	}
	p, err := factory.CreateProvider(e.cfg, credential)
	if err != nil {
		return nil, err
	}
	e.provider = p
	e.credential = credential
	return p, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
