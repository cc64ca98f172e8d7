package router

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateAgent is returned when registering a name twice
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrAgentNotFound is returned for unknown agent names
	ErrAgentNotFound = errors.New("agent not found")
)

// Registry holds specialists in registration order
type Registry struct {
	mu     sync.RWMutex
	order  []SpecialistAgent
	byName map[string]SpecialistAgent
}

// NewRegistry creates a registry holding agents, in order
func NewRegistry(agents ...SpecialistAgent) (*Registry, error) {
	r := &Registry{byName: make(map[string]SpecialistAgent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends an agent. Registration order breaks routing ties.
func (r *Registry) Register(agent SpecialistAgent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := agent.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
	}
	r.byName[name] = agent
	r.order = append(r.order, agent)
	return nil
}

func (r *Registry) Get(name string) (SpecialistAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return agent, nil
}

// Names lists agent names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	for i, a := range r.order {
		names[i] = a.Name()
	}
	return names
}

// All returns a snapshot of the agents in registration order
func (r *Registry) All() []SpecialistAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SpecialistAgent(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
