package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

// Store persists pending actions. Transition must be an atomic
// compare-and-swap on status = pending.
type Store interface {
	// Insert returns storage.ErrActionExists for a duplicate id
	Insert(ctx context.Context, a *models.PendingAction) error

	// Get returns storage.ErrActionNotFound for unknown ids
	Get(ctx context.Context, id string) (*models.PendingAction, error)

	// Transition moves a pending action to u.To and reports whether it did.
	// It returns false without error when the action is missing, no longer
	// pending, or expired at u.UnexpiredAt.
	Transition(ctx context.Context, id string, u TransitionUpdate) (bool, error)

	// ListPending returns pending actions with expires_at > now, newest first
	ListPending(ctx context.Context, now time.Time) ([]*models.PendingAction, error)
}

// TransitionUpdate describes the terminal state an action moves to
type TransitionUpdate struct {
	To     models.ActionStatus
	At     time.Time
	By     string // approver, for approved
	Reason string // rejection reason, for rejected

	// UnexpiredAt, when set, makes the transition apply only if the action
	// has not expired at that instant.
	UnexpiredAt time.Time
}

// MemoryStore keeps actions in process memory
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]*models.PendingAction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]*models.PendingAction)}
}

func (s *MemoryStore) Insert(ctx context.Context, a *models.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actions[a.ActionID]; exists {
		return storage.ErrActionExists
	}
	s.actions[a.ActionID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, storage.ErrActionNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, u TransitionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok || a.Status != models.ActionPending {
		return false, nil
	}
	if !u.UnexpiredAt.IsZero() && a.ExpiredAt(u.UnexpiredAt) {
		return false, nil
	}
	applyTransition(a, u)
	return true, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, now time.Time) ([]*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PendingAction
	for _, a := range s.actions {
		if a.Status == models.ActionPending && a.ExpiresAt.After(now) {
			out = append(out, a.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func applyTransition(a *models.PendingAction, u TransitionUpdate) {
	a.Status = u.To
	switch u.To {
	case models.ActionApproved:
		at := u.At
		a.ApprovedAt = &at
		a.ApprovedBy = u.By
	case models.ActionRejected:
		a.RejectionReason = u.Reason
	}
}

func sortNewestFirst(actions []*models.PendingAction) {
	sort.Slice(actions, func(i, j int) bool {
		if !actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].CreatedAt.After(actions[j].CreatedAt)
		}
		return actions[i].ActionID > actions[j].ActionID
	})
}
