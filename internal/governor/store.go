package governor

import (
	"context"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

// UsageStore persists per-provider usage records and the paid window.
// Implementations must make AddUsage an atomic increment.
type UsageStore interface {
	// EnsureProvider creates the record with the initial state when absent.
	// When present with the same class it leaves the record alone; when the
	// class changed it stores the new class and resets the state to initial.
	// Counters are never reset.
	EnsureProvider(ctx context.Context, providerID string, class models.CostClass, initial models.AllowState, at time.Time) error

	// Get returns storage.ErrUsageRecordNotFound for unknown providers
	Get(ctx context.Context, providerID string) (*models.UsageRecord, error)

	// List returns every record ordered by provider id
	List(ctx context.Context) ([]*models.UsageRecord, error)

	SetAllowState(ctx context.Context, providerID string, state models.AllowState, at time.Time) error

	// AddUsage increments the usage count by one and the cost by costUSD
	AddUsage(ctx context.Context, providerID string, costUSD float64, at time.Time) error

	// GetWindow returns storage.ErrNoPaidWindow when no window is open
	GetWindow(ctx context.Context) (*models.PaidWindow, error)
	SaveWindow(ctx context.Context, w *models.PaidWindow) error
	ClearWindow(ctx context.Context) error
}
