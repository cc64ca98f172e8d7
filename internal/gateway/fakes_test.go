package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/credentials"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/providers"
)

// step scripts one call to a fake provider.
type step struct {
	openErr error    // returned by Generate / GenerateStream
	chunks  []string // delivered in order
	tailErr error    // returned after the chunks instead of io.EOF
	usage   providers.Usage
}

func ok(chunks ...string) step { return step{chunks: chunks} }
func fails(err error) step     { return step{openErr: err} }

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, label)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeProvider struct {
	cfg   models.ProviderConfig
	log   *callLog
	mu    sync.Mutex
	steps []step
	n     int

	lastStream *fakeStream
}

func (p *fakeProvider) ProviderID() string { return p.cfg.ProviderID }
func (p *fakeProvider) Model() string      { return p.cfg.ModelID }

func (p *fakeProvider) next() step {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.add(p.cfg.Label())
	if len(p.steps) == 0 {
		return step{openErr: fmt.Errorf("%s: no script", p.cfg.Label())}
	}
	i := p.n
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.n++
	return p.steps[i]
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *fakeProvider) Generate(ctx context.Context, req providers.GenerationRequest) (*providers.Completion, error) {
	s := p.next()
	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.tailErr != nil {
		return nil, s.tailErr
	}
	var text string
	for _, c := range s.chunks {
		text += c
	}
	if text == "" {
		return nil, providers.Fatal(p.cfg.ProviderID, p.cfg.ModelID, 0, providers.ErrEmptyResponse)
	}
	return &providers.Completion{Text: text, Usage: s.usage}, nil
}

func (p *fakeProvider) GenerateStream(ctx context.Context, req providers.GenerationRequest) (providers.Stream, error) {
	s := p.next()
	if s.openErr != nil {
		return nil, s.openErr
	}
	fs := &fakeStream{chunks: s.chunks, tailErr: s.tailErr, usage: s.usage}
	p.mu.Lock()
	p.lastStream = fs
	p.mu.Unlock()
	return fs, nil
}

type fakeStream struct {
	mu      sync.Mutex
	chunks  []string
	tailErr error
	usage   providers.Usage
	pos     int
	closed  bool
	closes  int
}

func (s *fakeStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("recv on closed stream")
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.tailErr != nil {
		return "", s.tailErr
	}
	return "", io.EOF
}

func (s *fakeStream) Usage() providers.Usage { return s.usage }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closes++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeFactory struct {
	byLabel map[string]*fakeProvider
}

func (f *fakeFactory) CreateProvider(cfg models.ProviderConfig, credential string) (providers.ModelProvider, error) {
	p, ok := f.byLabel[cfg.Label()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", providers.ErrUnsupportedProvider, cfg.Label())
	}
	return p, nil
}

func (f *fakeFactory) SupportedTypes() []string { return []string{"fake"} }

type fakeAdmission struct {
	mu      sync.Mutex
	allowed map[string]bool
	asked   []string
}

func (a *fakeAdmission) IsProviderAllowed(ctx context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, id)
	return a.allowed[id], nil
}

func (a *fakeAdmission) set(id string, v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[id] = v
}

type usageCall struct {
	provider string
	cost     float64
}

type fakeUsage struct {
	mu    sync.Mutex
	calls []usageCall
}

func (u *fakeUsage) LogUsage(ctx context.Context, id string, cost float64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, usageCall{id, cost})
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.GatewayEvent
}

func (r *eventRecorder) Record(ev models.GatewayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t models.EventType) []models.GatewayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.GatewayEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// harness wires a gateway over fake providers. Every provider has a
// credential unless removed from creds.
type harness struct {
	chain     []models.ProviderConfig
	providers map[string]*fakeProvider
	log       *callLog
	creds     *credentials.MapStore
	admission *fakeAdmission
	usage     *fakeUsage
	events    *eventRecorder
	sleeps    *sleepRecorder
}

func newHarness(chain ...models.ProviderConfig) *harness {
	h := &harness{
		chain:     chain,
		providers: make(map[string]*fakeProvider),
		log:       &callLog{},
		creds:     credentials.NewMapStore(nil),
		admission: &fakeAdmission{allowed: make(map[string]bool)},
		usage:     &fakeUsage{},
		events:    &eventRecorder{},
		sleeps:    &sleepRecorder{},
	}
	for _, cfg := range chain {
		h.providers[cfg.Label()] = &fakeProvider{cfg: cfg, log: h.log}
		h.creds.Set(cfg.ProviderID, "key-"+cfg.ProviderID)
	}
	return h
}

func (h *harness) script(label string, steps ...step) *harness {
	h.providers[label].steps = steps
	return h
}

func (h *harness) provider(label string) *fakeProvider {
	return h.providers[label]
}

func (h *harness) gateway(opts ...Option) *Gateway {
	base := []Option{
		WithAdmission(h.admission),
		WithUsageRecorder(h.usage),
		WithEventSink(h.events),
		WithSleep(h.sleeps.sleep),
		WithRetry(3, 10*time.Second),
	}
	g, err := New(h.chain, &fakeFactory{byLabel: h.providers}, h.creds, append(base, opts...)...)
	if err != nil {
		panic(err)
	}
	return g
}

func cfg(id, model string, priority int, class models.CostClass) models.ProviderConfig {
	return models.ProviderConfig{ProviderID: id, ModelID: model, Priority: priority, CostClass: class}
}
