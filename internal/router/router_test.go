package router

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzaloobispo/Bioengine-v3/internal/metrics"
)

type stubAgent struct {
	name      string
	score     float64
	err       error
	processed atomic.Int32
}

func (a *stubAgent) Name() string                    { return a.name }
func (a *stubAgent) Capabilities() []AgentCapability { return nil }

func (a *stubAgent) CanHandle(ctx context.Context, query string, qctx QueryContext) float64 {
	return a.score
}

func (a *stubAgent) Process(ctx context.Context, query string, qctx QueryContext, history []Message) (*Response, error) {
	a.processed.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return &Response{Agent: a.name, Text: "answer from " + a.name, Status: StatusSuccess}, nil
}

func newTestRouter(t *testing.T, agents ...SpecialistAgent) *Router {
	t.Helper()
	reg, err := NewRegistry(agents...)
	require.NoError(t, err)
	return New(reg, DefaultConfig())
}

func TestRoute_SelectsHighestScore(t *testing.T) {
	a := &stubAgent{name: "A", score: 0.9}
	b := &stubAgent{name: "B", score: 0.3}
	coach := &stubAgent{name: "coach", score: 0}
	r := newTestRouter(t, coach, a, b)

	resp, err := r.Route(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "A", resp.Agent)
	assert.Equal(t, "A", resp.Router.SelectedAgent)
	assert.Equal(t, 0.9, resp.Router.Confidence)
	assert.False(t, resp.Router.Overridden)
	assert.Equal(t, map[string]float64{"coach": 0, "A": 0.9, "B": 0.3}, resp.Router.Alternatives)
	assert.Zero(t, b.processed.Load())
}

func TestRoute_FloorFallsBackToDefault(t *testing.T) {
	a := &stubAgent{name: "A", score: 0.2}
	b := &stubAgent{name: "B", score: 0.35}
	coach := &stubAgent{name: "coach", score: 0.05}
	r := newTestRouter(t, a, b, coach)

	resp, err := r.Route(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "coach", resp.Agent)
	assert.Equal(t, "coach", resp.Router.SelectedAgent)
	assert.Equal(t, 0.35, resp.Router.Confidence, "confidence is the best score, not the default agent's")
	assert.True(t, resp.Router.Overridden)
	assert.Equal(t, int32(1), coach.processed.Load())
	assert.Zero(t, b.processed.Load())
}

func TestRoute_ScoreAtFloorIsAccepted(t *testing.T) {
	a := &stubAgent{name: "A", score: DefaultConfidenceFloor}
	coach := &stubAgent{name: "coach", score: 0}
	r := newTestRouter(t, coach, a)

	dec, _, err := r.Decide(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "A", dec.SelectedAgent)
}

func TestRoute_TiesGoToFirstRegistered(t *testing.T) {
	first := &stubAgent{name: "first", score: 0.7}
	second := &stubAgent{name: "second", score: 0.7}
	coach := &stubAgent{name: "coach", score: 0.7}

	r := newTestRouter(t, first, second, coach)
	for i := 0; i < 20; i++ {
		dec, _, err := r.Decide(context.Background(), "q", nil)
		require.NoError(t, err)
		assert.Equal(t, "first", dec.SelectedAgent)
	}

	r = newTestRouter(t, coach, second, first)
	dec, _, err := r.Decide(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "coach", dec.SelectedAgent)
}

func TestRoute_SpecialistErrorKeepsMetadata(t *testing.T) {
	boom := errors.New("generation failed")
	recovery := &stubAgent{name: "recovery", score: 0.95, err: boom}
	coach := &stubAgent{name: "coach", score: 0.8}
	r := newTestRouter(t, coach, recovery)

	resp, err := r.Route(context.Background(), "me duele la rodilla", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var se *SpecialistError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "recovery", se.Agent)
	assert.Equal(t, "recovery", se.Decision.SelectedAgent)

	require.NotNil(t, resp)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "recovery", resp.Router.SelectedAgent)
	assert.Contains(t, resp.Error, "generation failed")
	assert.Zero(t, coach.processed.Load(), "no retry with another specialist")
}

func TestRoute_ClampsScores(t *testing.T) {
	wild := &stubAgent{name: "wild", score: 7}
	nan := &stubAgent{name: "nan", score: math.NaN()}
	neg := &stubAgent{name: "coach", score: -3}
	r := newTestRouter(t, nan, neg, wild)

	dec, _, err := r.Decide(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "wild", dec.SelectedAgent)
	assert.Equal(t, 1.0, dec.Confidence)
	assert.Equal(t, 0.0, dec.Alternatives["nan"])
	assert.Equal(t, 0.0, dec.Alternatives["coach"])
}

func TestRoute_Errors(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Route(context.Background(), "q", nil, nil)
	assert.ErrorIs(t, err, ErrNoAgents)

	r = newTestRouter(t, &stubAgent{name: "A", score: 0.1})
	_, err = r.Route(context.Background(), "q", nil, nil)
	assert.ErrorIs(t, err, ErrDefaultAgentMissing)
}

func TestRoute_ConfigurableFloor(t *testing.T) {
	reg, err := NewRegistry(&stubAgent{name: "coach", score: 0}, &stubAgent{name: "A", score: 0.5})
	require.NoError(t, err)
	r := New(reg, Config{ConfidenceFloor: 0.6, DefaultAgent: "coach", ScoreConcurrency: 1})

	dec, _, err := r.Decide(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "coach", dec.SelectedAgent)
}

func TestRoute_MetadataJSON(t *testing.T) {
	r := newTestRouter(t, &stubAgent{name: "coach", score: 0.8})
	resp, err := r.Route(context.Background(), "q", nil, nil)
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	block, ok := decoded["_router"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "coach", block["selected_agent"])
	assert.Equal(t, 0.8, block["confidence"])
	assert.Contains(t, block, "alternatives")
}

func TestRoute_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	reg, err := NewRegistry(&stubAgent{name: "coach", score: 0.1})
	require.NoError(t, err)
	r := New(reg, DefaultConfig(), WithMetrics(m))

	_, err = r.Route(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutedQueries.WithLabelValues("coach", "true")))
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(&stubAgent{name: "coach"}, &stubAgent{name: "recovery"})
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Register(&stubAgent{name: "coach"}), ErrDuplicateAgent)
	assert.Equal(t, []string{"coach", "recovery"}, reg.Names())
	assert.Equal(t, 2, reg.Len())

	_, err = reg.Get("biomechanics")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	a, err := reg.Get("recovery")
	require.NoError(t, err)
	assert.Equal(t, "recovery", a.Name())
}
