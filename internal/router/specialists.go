package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gonzaloobispo/Bioengine-v3/internal/providers"
)

// historyTurns is how many trailing chat turns go into a specialist prompt
const historyTurns = 6

// KeywordSpecialist scores a query by keyword presence and answers through a
// Generator. A query containing any trigger scores MatchScore, any other
// query scores BaseScore.
type KeywordSpecialist struct {
	name         string
	focus        string
	instruction  string
	capabilities []AgentCapability
	triggers     []string
	matchScore   float64
	baseScore    float64
	maxTokens    int
	gen          Generator
}

func (s *KeywordSpecialist) Name() string { return s.name }

func (s *KeywordSpecialist) Capabilities() []AgentCapability {
	return append([]AgentCapability(nil), s.capabilities...)
}

// WithGenerator returns a copy of the specialist answering through gen
func (s *KeywordSpecialist) WithGenerator(gen Generator) *KeywordSpecialist {
	cp := *s
	cp.gen = gen
	return &cp
}

func (s *KeywordSpecialist) CanHandle(ctx context.Context, query string, qctx QueryContext) float64 {
	q := strings.ToLower(query)
	for _, kw := range s.triggers {
		if strings.Contains(q, kw) {
			return s.matchScore
		}
	}
	return s.baseScore
}

func (s *KeywordSpecialist) Process(ctx context.Context, query string, qctx QueryContext, history []Message) (*Response, error) {
	if s.gen == nil {
		return nil, fmt.Errorf("%s: %w", s.name, ErrNoGenerator)
	}

	prompt, err := s.prompt(query, qctx, history)
	if err != nil {
		return nil, err
	}
	text, err := s.gen.Generate(ctx, providers.GenerationRequest{
		Prompt:            prompt,
		SystemInstruction: s.instruction,
		MaxTokens:         s.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}

	used := make([]string, len(s.capabilities))
	for i, c := range s.capabilities {
		used[i] = c.Name
	}
	return &Response{
		Agent:            s.name,
		Text:             text,
		Status:           StatusSuccess,
		Focus:            s.focus,
		CapabilitiesUsed: used,
	}, nil
}

func (s *KeywordSpecialist) prompt(query string, qctx QueryContext, history []Message) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Athlete query:\n%q\n", query)

	if len(qctx) > 0 {
		data, err := json.MarshalIndent(qctx, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to encode query context: %w", err)
		}
		b.WriteString("\nAvailable data:\n")
		b.Write(data)
		b.WriteString("\n")
	}

	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	if len(history) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	return b.String(), nil
}

// NewCoach builds the default specialist for performance and planning
func NewCoach(gen Generator) *KeywordSpecialist {
	return &KeywordSpecialist{
		name:  "coach",
		focus: "performance",
		instruction: "You are the BioEngine coach, an expert trainer for masters athletes (49+). " +
			"Optimize performance through careful load dosing and look for windows of opportunity.",
		capabilities: []AgentCapability{
			{
				Name:        "performance_analysis",
				Description: "Deep analysis of athletic performance and trends.",
				Keywords:    []string{"rendimiento", "mejora", "análisis", "progreso", "entrenamiento"},
			},
			{
				Name:        "training_planning",
				Description: "Adaptive training plan generation.",
				Keywords:    []string{"plan", "rutina", "sesión", "ejercicios", "fase"},
			},
		},
		triggers: []string{
			"rendimiento", "mejorar", "plan", "entrenar", "análisis", "biomecánica", "técnica",
			"performance", "improve", "train", "analysis",
		},
		matchScore: 0.8,
		baseScore:  0,
		gen:        gen,
	}
}

// NewRecovery builds the injury and pain specialist
func NewRecovery(gen Generator) *KeywordSpecialist {
	return &KeywordSpecialist{
		name:  "recovery",
		focus: "medical_safety",
		instruction: "You are the BioEngine recovery specialist. Medical safety and preventing chronic damage come first. " +
			"With pain above 3/10 always recommend rest or low-load physiotherapy.",
		capabilities: []AgentCapability{
			{
				Name:        "injury_management",
				Description: "Assessment and management of reported injuries and pain.",
				Keywords:    []string{"dolor", "lesión", "rodilla", "duele", "molestia", "inflamación"},
			},
		},
		triggers: []string{
			"dolor", "lesión", "rodilla", "molestia", "articulación",
			"pain", "injury", "knee", "sore", "joint",
		},
		matchScore: 0.95,
		baseScore:  0.1,
		gen:        gen,
	}
}

// NewBiomechanics builds the technique and gait specialist
func NewBiomechanics(gen Generator) *KeywordSpecialist {
	return &KeywordSpecialist{
		name:  "biomechanics",
		focus: "movement_efficiency",
		instruction: "You are the BioEngine biomechanics specialist. Focus on movement efficiency and technique correction. " +
			"Analyze asymmetries and loading patterns.",
		capabilities: []AgentCapability{
			{
				Name:        "gait_analysis",
				Description: "Walking and running gait analysis.",
				Keywords:    []string{"técnica", "postura", "biomecánica", "pisada", "marcha", "video"},
			},
		},
		triggers: []string{
			"técnica", "postura", "biomecánica", "video", "asimetría",
			"technique", "posture", "biomechanics", "gait", "asymmetry",
		},
		matchScore: 0.9,
		baseScore:  0.1,
		gen:        gen,
	}
}

// DefaultSpecialists returns coach, recovery and biomechanics in that order
func DefaultSpecialists(gen Generator) []SpecialistAgent {
	return []SpecialistAgent{NewCoach(gen), NewRecovery(gen), NewBiomechanics(gen)}
}
