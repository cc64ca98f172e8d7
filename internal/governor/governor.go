package governor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/metrics"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

var (
	// ErrInvalidCost is returned by LogUsage for negative or non-finite costs
	ErrInvalidCost = errors.New("cost must be a finite non-negative number")

	// ErrInvalidCeiling is returned by EnablePaidModels for a negative cost ceiling
	ErrInvalidCeiling = errors.New("max cost must not be negative")
)

const (
	revertExpired = "expired"
	revertCeiling = "cost_ceiling"
	revertManual  = "disabled"
)

// CostGovernor decides which non-free providers may be called and keeps
// per-provider usage and cost. It is safe for concurrent use.
type CostGovernor struct {
	store   UsageStore
	logger  *utils.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu serializes state transitions (enable, disable, revert) against the
	// reads and writes that may trigger them.
	mu    sync.Mutex
	timer *time.Timer
}

// Option configures a CostGovernor
type Option func(*CostGovernor)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(g *CostGovernor) { g.now = now }
}

// WithLogger sets the logger
func WithLogger(l *utils.Logger) Option {
	return func(g *CostGovernor) { g.logger = l }
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *CostGovernor) { g.metrics = m }
}

// New registers every provider of the chain with the store and restores a
// paid window left open by a previous process.
//
// A provider listed with several cost classes is registered with the most
// restrictive one.
func New(ctx context.Context, store UsageStore, chain []models.ProviderConfig, opts ...Option) (*CostGovernor, error) {
	g := &CostGovernor{
		store:  store,
		logger: utils.NewLogger("CostGovernor"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	classes := make(map[string]models.CostClass)
	for _, cfg := range chain {
		if prev, ok := classes[cfg.ProviderID]; !ok || restrictiveness(cfg.CostClass) > restrictiveness(prev) {
			classes[cfg.ProviderID] = cfg.CostClass
		}
	}
	ids := make([]string, 0, len(classes))
	for id := range classes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := g.now()
	for _, id := range ids {
		class := classes[id]
		if err := store.EnsureProvider(ctx, id, class, models.DefaultAllowState(class), now); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	w, err := g.activeWindowLocked(ctx)
	if err != nil {
		return nil, err
	}
	if w != nil {
		g.scheduleLocked(w)
		g.metrics.SetPaidWindowOpen(true)
		g.logger.Info("Restored paid window", "expires_at", w.ExpiresAt, "max_cost_usd", w.MaxCostUSD)
	}
	return g, nil
}

func restrictiveness(c models.CostClass) int {
	switch c {
	case models.CostClassFree:
		return 0
	case models.CostClassFreeTier:
		return 1
	default:
		return 2
	}
}

// IsProviderAllowed reports whether the gateway may call providerID right now.
// Free providers are always allowed; unknown providers never are.
func (g *CostGovernor) IsProviderAllowed(ctx context.Context, providerID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.activeWindowLocked(ctx); err != nil {
		return false, err
	}
	rec, err := g.store.Get(ctx, providerID)
	if err != nil {
		if errors.Is(err, storage.ErrUsageRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.Admits(), nil
}

// EnablePaidModels admits every blocked non-free provider until the window
// closes. A window closes when duration elapses or when spend since opening
// reaches maxCostUSD; a zero duration or ceiling disables that bound.
// Providers set to always stay always. Re-enabling replaces the open window.
func (g *CostGovernor) EnablePaidModels(ctx context.Context, duration time.Duration, maxCostUSD float64) (*models.PaidWindow, error) {
	if maxCostUSD < 0 || math.IsNaN(maxCostUSD) {
		return nil, ErrInvalidCeiling
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	recs, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := g.now()
	var total float64
	for _, rec := range recs {
		total += rec.EstimatedCostUSD
		if rec.CostClass.IsFree() || rec.AllowUsage != models.AllowBlocked {
			continue
		}
		if err := g.store.SetAllowState(ctx, rec.ProviderID, models.AllowTemporary, now); err != nil {
			return nil, fmt.Errorf("failed to enable %s: %w", rec.ProviderID, err)
		}
	}

	w := &models.PaidWindow{
		EnabledAt:       now,
		MaxCostUSD:      maxCostUSD,
		CostBaselineUSD: total,
	}
	if duration > 0 {
		w.ExpiresAt = now.Add(duration)
	}
	if err := g.store.SaveWindow(ctx, w); err != nil {
		return nil, err
	}
	g.scheduleLocked(w)
	g.metrics.SetPaidWindowOpen(true)

	g.logger.Warn("Paid models enabled",
		"duration", duration,
		"max_cost_usd", maxCostUSD,
		"baseline_usd", total,
	)
	return w, nil
}

// DisablePaidModels blocks every non-free provider, including those set to
// always, and closes the paid window. Calling it again is a no-op.
func (g *CostGovernor) DisablePaidModels(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	recs, err := g.store.List(ctx)
	if err != nil {
		return err
	}
	now := g.now()
	for _, rec := range recs {
		if rec.CostClass.IsFree() || rec.AllowUsage == models.AllowBlocked {
			continue
		}
		if err := g.store.SetAllowState(ctx, rec.ProviderID, models.AllowBlocked, now); err != nil {
			return fmt.Errorf("failed to disable %s: %w", rec.ProviderID, err)
		}
	}
	if err := g.closeWindowLocked(ctx, revertManual); err != nil {
		return err
	}
	g.logger.Info("Paid models disabled")
	return nil
}

// LogUsage records one completed call and its estimated cost. When the
// increment makes spend reach the paid window's ceiling, the window closes.
func (g *CostGovernor) LogUsage(ctx context.Context, providerID string, costUSD float64) error {
	if costUSD < 0 || math.IsNaN(costUSD) || math.IsInf(costUSD, 0) {
		return ErrInvalidCost
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.AddUsage(ctx, providerID, costUSD, g.now()); err != nil {
		return err
	}
	g.metrics.ObserveUsage(providerID, costUSD)

	w, err := g.activeWindowLocked(ctx)
	if err != nil || w == nil || w.MaxCostUSD <= 0 {
		return err
	}
	total, err := g.totalCostLocked(ctx)
	if err != nil {
		return err
	}
	if w.CeilingReached(total) {
		g.logger.Warn("Paid window cost ceiling reached",
			"spent_usd", total-w.CostBaselineUSD,
			"max_cost_usd", w.MaxCostUSD,
		)
		return g.revertLocked(ctx, revertCeiling)
	}
	return nil
}

// ProviderStatus is one row of Status
type ProviderStatus struct {
	ProviderID       string            `json:"provider_id"`
	CostClass        models.CostClass  `json:"cost_class"`
	AllowUsage       models.AllowState `json:"allow_usage"`
	Allowed          bool              `json:"allowed"`
	UsageCount       int64             `json:"usage_count"`
	EstimatedCostUSD float64           `json:"estimated_cost_usd"`
	LastUsedAt       *time.Time        `json:"last_used_at,omitempty"`
}

// Status is a read-only snapshot of the governor
type Status struct {
	FreeModels   []ProviderStatus   `json:"free_models"`
	PaidModels   []ProviderStatus   `json:"paid_models"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	PaidWindow   *models.PaidWindow `json:"paid_window,omitempty"`
}

// GetStatus returns every provider split by cost class, the total spend and
// the open paid window, if any.
func (g *CostGovernor) GetStatus(ctx context.Context) (*Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, err := g.activeWindowLocked(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		FreeModels: []ProviderStatus{},
		PaidModels: []ProviderStatus{},
		PaidWindow: w,
	}
	for _, rec := range recs {
		ps := ProviderStatus{
			ProviderID:       rec.ProviderID,
			CostClass:        rec.CostClass,
			AllowUsage:       rec.AllowUsage,
			Allowed:          rec.Admits(),
			UsageCount:       rec.UsageCount,
			EstimatedCostUSD: rec.EstimatedCostUSD,
			LastUsedAt:       rec.LastUsedAt,
		}
		st.TotalCostUSD += rec.EstimatedCostUSD
		if rec.CostClass.IsFree() {
			st.FreeModels = append(st.FreeModels, ps)
		} else {
			st.PaidModels = append(st.PaidModels, ps)
		}
	}
	return st, nil
}

// Close stops the revert timer. Persisted state is left as is; the next
// process restores or lazily reverts the window.
func (g *CostGovernor) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopTimerLocked()
}

// activeWindowLocked returns the open window, reverting it first when it has
// expired. A nil window with a nil error means no window is open.
func (g *CostGovernor) activeWindowLocked(ctx context.Context) (*models.PaidWindow, error) {
	w, err := g.store.GetWindow(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoPaidWindow) {
			return nil, nil
		}
		return nil, err
	}
	if w.Expired(g.now()) {
		return nil, g.revertLocked(ctx, revertExpired)
	}
	return w, nil
}

// revertLocked moves temporary providers back to blocked and closes the window.
func (g *CostGovernor) revertLocked(ctx context.Context, reason string) error {
	recs, err := g.store.List(ctx)
	if err != nil {
		return err
	}
	now := g.now()
	var reverted []string
	for _, rec := range recs {
		if rec.AllowUsage != models.AllowTemporary {
			continue
		}
		if err := g.store.SetAllowState(ctx, rec.ProviderID, models.AllowBlocked, now); err != nil {
			return fmt.Errorf("failed to revert %s: %w", rec.ProviderID, err)
		}
		reverted = append(reverted, rec.ProviderID)
	}
	if err := g.closeWindowLocked(ctx, reason); err != nil {
		return err
	}
	g.logger.Info("Paid window closed", "reason", reason, "reverted", fmt.Sprint(reverted))
	return nil
}

func (g *CostGovernor) closeWindowLocked(ctx context.Context, reason string) error {
	if err := g.store.ClearWindow(ctx); err != nil {
		return err
	}
	g.stopTimerLocked()
	g.metrics.SetPaidWindowOpen(false)
	g.metrics.ObservePaidWindowRevert(reason)
	return nil
}

func (g *CostGovernor) totalCostLocked(ctx context.Context) (float64, error) {
	recs, err := g.store.List(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, rec := range recs {
		total += rec.EstimatedCostUSD
	}
	return total, nil
}

func (g *CostGovernor) scheduleLocked(w *models.PaidWindow) {
	g.stopTimerLocked()
	if w.ExpiresAt.IsZero() {
		return
	}
	d := w.ExpiresAt.Sub(g.now())
	if d < 0 {
		d = 0
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.timer != t {
			return
		}
		g.timer = nil
		if _, err := g.activeWindowLocked(ctx); err != nil {
			g.logger.Error("Failed to revert paid window", "error", err)
		}
	})
	g.timer = t
}

func (g *CostGovernor) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
