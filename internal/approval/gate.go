package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gonzaloobispo/Bioengine-v3/internal/metrics"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

var (
	// ErrActionNotPending is logged when approve or reject hits a decided action
	ErrActionNotPending = errors.New("action is not pending")

	// ErrActionExpired is logged when approve or reject hits an expired action
	ErrActionExpired = errors.New("action has expired")

	// ErrInvalidTTL is returned by CreateAction for a negative TTL
	ErrInvalidTTL = errors.New("ttl must not be negative")

	// ErrMissingType is returned by CreateAction without an action type
	ErrMissingType = errors.New("action type is required")
)

const idTimeLayout = "20060102_150405"

// ActionRequest describes an action to put in front of a human.
// A zero TTL creates an action that is already expired.
type ActionRequest struct {
	Type            string
	Description     string
	Severity        models.Severity
	ProposedChanges map[string]any
	Reasoning       string
	Risks           []string
	Benefits        []string
	TTL             time.Duration
}

// Gate holds proposed actions until a human approves or rejects them.
// Every status change goes through the store's compare-and-swap, so at most
// one decision wins for a given action.
type Gate struct {
	store   Store
	policy  Policy
	logger  *utils.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Gate
type Option func(*Gate)

// WithPolicy replaces the default thresholds
func WithPolicy(p Policy) Option {
	return func(g *Gate) { g.policy = p }
}

// WithClock sets the time source used for ids and expiry
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the component logger
func WithLogger(l *utils.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics records created and resolved actions
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a Gate backed by store
func New(store Store, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		policy: DefaultPolicy(),
		logger: utils.NewLogger("ApprovalGate"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateAction stores a new pending action and returns it
func (g *Gate) CreateAction(ctx context.Context, req ActionRequest) (*models.PendingAction, error) {
	if req.Type == "" {
		return nil, ErrMissingType
	}
	if req.TTL < 0 {
		return nil, ErrInvalidTTL
	}
	severity := req.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}

	now := g.now()
	a := &models.PendingAction{
		ActionID:        newActionID(req.Type, now),
		ActionType:      req.Type,
		Description:     req.Description,
		Severity:        severity,
		ProposedChanges: models.JSONB(req.ProposedChanges),
		Reasoning:       req.Reasoning,
		Risks:           models.StringList(req.Risks),
		Benefits:        models.StringList(req.Benefits),
		CreatedAt:       now,
		ExpiresAt:       now.Add(req.TTL),
		Status:          models.ActionPending,
	}
	if err := g.store.Insert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}

	g.metrics.ObserveActionCreated(a.ActionType, string(a.Severity))
	g.logger.Info("Created pending action",
		"action_id", a.ActionID,
		"action_type", a.ActionType,
		"severity", string(a.Severity),
		"expires_at", a.ExpiresAt,
	)
	return a, nil
}

func newActionID(actionType string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", actionType, now.Format(idTimeLayout), uuid.NewString()[:8])
}

// Approve marks a pending, unexpired action as approved by approvedBy.
// It returns false when the action is unknown, already decided or expired.
// An expired action is moved to expired as a side effect.
func (g *Gate) Approve(ctx context.Context, id, approvedBy string) (bool, error) {
	a, ok, err := g.decidable(ctx, id)
	if err != nil || !ok {
		return false, err
	}

	now := g.now()
	won, err := g.store.Transition(ctx, id, TransitionUpdate{
		To:          models.ActionApproved,
		At:          now,
		By:          approvedBy,
		UnexpiredAt: now,
	})
	if err != nil {
		return false, err
	}
	if !won {
		g.logger.Warn("Approval lost to a concurrent decision", "action_id", id)
		return false, nil
	}

	g.metrics.ObserveActionResolved(string(models.ActionApproved))
	g.logger.Info("Action approved", "action_id", id, "action_type", a.ActionType, "approved_by", approvedBy)
	return true, nil
}

// Reject marks a pending action as rejected with reason. Unlike Approve it
// does not look at the expiry: a pending action past its TTL can still be
// rejected.
func (g *Gate) Reject(ctx context.Context, id, reason string) (bool, error) {
	a, err := g.store.Get(ctx, id)
	if errors.Is(err, storage.ErrActionNotFound) {
		g.logger.Warn("Action not found", "action_id", id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if a.Status != models.ActionPending {
		g.logger.Warn("Cannot reject action", "action_id", id, "status", string(a.Status), "error", ErrActionNotPending)
		return false, nil
	}

	won, err := g.store.Transition(ctx, id, TransitionUpdate{
		To:     models.ActionRejected,
		At:     g.now(),
		Reason: reason,
	})
	if err != nil {
		return false, err
	}
	if !won {
		g.logger.Warn("Rejection lost to a concurrent decision", "action_id", id)
		return false, nil
	}

	g.metrics.ObserveActionResolved(string(models.ActionRejected))
	g.logger.Info("Action rejected", "action_id", id, "action_type", a.ActionType, "reason", reason)
	return true, nil
}

// decidable loads id and reports whether it may still be approved
func (g *Gate) decidable(ctx context.Context, id string) (*models.PendingAction, bool, error) {
	a, err := g.store.Get(ctx, id)
	if errors.Is(err, storage.ErrActionNotFound) {
		g.logger.Warn("Action not found", "action_id", id)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if a.Status != models.ActionPending {
		g.logger.Warn("Cannot decide action", "action_id", id, "status", string(a.Status), "error", ErrActionNotPending)
		return a, false, nil
	}
	if a.ExpiredAt(g.now()) {
		if err := g.expire(ctx, a); err != nil {
			return nil, false, err
		}
		g.logger.Warn("Cannot decide action", "action_id", id, "error", ErrActionExpired)
		return a, false, nil
	}
	return a, true, nil
}

func (g *Gate) expire(ctx context.Context, a *models.PendingAction) error {
	won, err := g.store.Transition(ctx, a.ActionID, TransitionUpdate{To: models.ActionExpired, At: g.now()})
	if err != nil {
		return err
	}
	if won {
		a.Status = models.ActionExpired
		g.metrics.ObserveActionResolved(string(models.ActionExpired))
		return nil
	}
	// someone else decided first; report what is stored now
	cur, err := g.store.Get(ctx, a.ActionID)
	if err != nil {
		return err
	}
	*a = *cur
	return nil
}

// Get returns the action with id. A pending action past its expiry is
// moved to expired before being returned.
func (g *Gate) Get(ctx context.Context, id string) (*models.PendingAction, error) {
	a, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == models.ActionPending && a.ExpiredAt(g.now()) {
		if err := g.expire(ctx, a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// GetPendingActions returns the pending, unexpired actions, newest first
func (g *Gate) GetPendingActions(ctx context.Context) ([]*models.PendingAction, error) {
	return g.store.ListPending(ctx, g.now())
}
