package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzaloobispo/Bioengine-v3/internal/providers"
)

type fakeGenerator struct {
	text string
	err  error
	last providers.GenerationRequest
}

func (g *fakeGenerator) Generate(ctx context.Context, req providers.GenerationRequest) (string, error) {
	g.last = req
	return g.text, g.err
}

func TestSpecialistScores(t *testing.T) {
	coach, recovery, bio := NewCoach(nil), NewRecovery(nil), NewBiomechanics(nil)
	ctx := context.Background()

	tests := []struct {
		query                   string
		coach, recovery, biomec float64
	}{
		{"Quiero mejorar mi rendimiento", 0.8, 0.1, 0.1},
		{"Me duele la RODILLA al correr", 0, 0.95, 0.1},
		{"Revisa mi técnica en este video", 0.8, 0.1, 0.9},
		{"knee pain after intervals", 0, 0.95, 0.1},
		{"hola", 0, 0.1, 0.1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.coach, coach.CanHandle(ctx, tt.query, nil), tt.query)
		assert.Equal(t, tt.recovery, recovery.CanHandle(ctx, tt.query, nil), tt.query)
		assert.Equal(t, tt.biomec, bio.CanHandle(ctx, tt.query, nil), tt.query)
	}
}

func TestDefaultSpecialistsRouting(t *testing.T) {
	gen := &fakeGenerator{text: "ok"}
	reg, err := NewRegistry(DefaultSpecialists(gen)...)
	require.NoError(t, err)
	r := New(reg, DefaultConfig())
	ctx := context.Background()

	tests := []struct{ query, want string }{
		{"me duele la rodilla", "recovery"},
		{"analiza mi postura al correr", "biomechanics"},
		{"dame un plan para la semana", "coach"},
		{"¿qué tiempo hace hoy?", "coach"},
		{"técnica de carrera y dolor", "recovery"},
		{"biomecánica de mi zancada", "biomechanics"},
	}
	for _, tt := range tests {
		resp, err := r.Route(ctx, tt.query, nil, nil)
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, resp.Agent, tt.query)
	}
}

func TestSpecialistProcess(t *testing.T) {
	gen := &fakeGenerator{text: "Descansa hoy."}
	s := NewRecovery(gen)

	history := make([]Message, 10)
	for i := range history {
		history[i] = Message{Role: "user", Content: string(rune('a' + i))}
	}
	resp, err := s.Process(context.Background(), "me duele", QueryContext{"hrv": 42}, history)
	require.NoError(t, err)

	assert.Equal(t, "recovery", resp.Agent)
	assert.Equal(t, "Descansa hoy.", resp.Text)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "medical_safety", resp.Focus)
	assert.Equal(t, []string{"injury_management"}, resp.CapabilitiesUsed)

	assert.Contains(t, gen.last.Prompt, "me duele")
	assert.Contains(t, gen.last.Prompt, `"hrv": 42`)
	assert.Contains(t, gen.last.Prompt, "user: j")
	assert.NotContains(t, gen.last.Prompt, "user: a\n", "only the last turns are kept")
	assert.NotEmpty(t, gen.last.SystemInstruction)
}

func TestSpecialistProcessErrors(t *testing.T) {
	_, err := NewCoach(nil).Process(context.Background(), "plan", nil, nil)
	assert.ErrorIs(t, err, ErrNoGenerator)

	boom := errors.New("exhausted")
	_, err = NewCoach(&fakeGenerator{err: boom}).Process(context.Background(), "plan", nil, nil)
	assert.ErrorIs(t, err, boom)
}

func TestWithGenerator(t *testing.T) {
	base := NewCoach(nil)
	gen := &fakeGenerator{text: "x"}
	bound := base.WithGenerator(gen)

	_, err := base.Process(context.Background(), "plan", nil, nil)
	assert.ErrorIs(t, err, ErrNoGenerator)

	resp, err := bound.Process(context.Background(), "plan", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", resp.Text)
	assert.Len(t, bound.Capabilities(), 2)
}
