package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

// SQLStore implements UsageStore on the provider_usage and paid_window tables
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a store on an opened and migrated database
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db.Conn()}
}

type usageRow struct {
	ProviderID       string        `db:"provider_id"`
	CostClass        string        `db:"cost_class"`
	UsageCount       int64         `db:"usage_count"`
	EstimatedCostUSD float64       `db:"estimated_cost_usd"`
	LastUsedAt       sql.NullInt64 `db:"last_used_at"`
	AllowUsage       int           `db:"allow_usage"`
	UpdatedAt        int64         `db:"updated_at"`
}

func (r usageRow) record() *models.UsageRecord {
	rec := &models.UsageRecord{
		ProviderID:       r.ProviderID,
		CostClass:        models.CostClass(r.CostClass),
		UsageCount:       r.UsageCount,
		EstimatedCostUSD: r.EstimatedCostUSD,
		AllowUsage:       models.AllowState(r.AllowUsage),
		UpdatedAt:        storage.FromMillis(r.UpdatedAt),
	}
	if r.LastUsedAt.Valid {
		t := storage.FromMillis(r.LastUsedAt.Int64)
		rec.LastUsedAt = &t
	}
	return rec
}

const usageColumns = `provider_id, cost_class, usage_count, estimated_cost_usd, last_used_at, allow_usage, updated_at`

func (s *SQLStore) EnsureProvider(ctx context.Context, providerID string, class models.CostClass, initial models.AllowState, at time.Time) error {
	query := s.db.Rebind(`
		INSERT INTO provider_usage (provider_id, cost_class, allow_usage, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			allow_usage = CASE WHEN provider_usage.cost_class = excluded.cost_class
				THEN provider_usage.allow_usage ELSE excluded.allow_usage END,
			updated_at = CASE WHEN provider_usage.cost_class = excluded.cost_class
				THEN provider_usage.updated_at ELSE excluded.updated_at END,
			cost_class = excluded.cost_class
	`)
	if _, err := s.db.ExecContext(ctx, query, providerID, string(class), int(initial), storage.ToMillis(at)); err != nil {
		return fmt.Errorf("failed to register provider %s: %w", providerID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, providerID string) (*models.UsageRecord, error) {
	var row usageRow
	query := s.db.Rebind(`SELECT ` + usageColumns + ` FROM provider_usage WHERE provider_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, providerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUsageRecordNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return row.record(), nil
}

func (s *SQLStore) List(ctx context.Context) ([]*models.UsageRecord, error) {
	var rows []usageRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+usageColumns+` FROM provider_usage ORDER BY provider_id`); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	out := make([]*models.UsageRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *SQLStore) SetAllowState(ctx context.Context, providerID string, state models.AllowState, at time.Time) error {
	query := s.db.Rebind(`UPDATE provider_usage SET allow_usage = ?, updated_at = ? WHERE provider_id = ?`)
	res, err := s.db.ExecContext(ctx, query, int(state), storage.ToMillis(at), providerID)
	if err != nil {
		return fmt.Errorf("failed to set allow state: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) AddUsage(ctx context.Context, providerID string, costUSD float64, at time.Time) error {
	query := s.db.Rebind(`
		UPDATE provider_usage
		SET usage_count = usage_count + 1,
		    estimated_cost_usd = estimated_cost_usd + ?,
		    last_used_at = ?,
		    updated_at = ?
		WHERE provider_id = ?
	`)
	ms := storage.ToMillis(at)
	res, err := s.db.ExecContext(ctx, query, costUSD, ms, ms, providerID)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return requireRow(res)
}

type windowRow struct {
	EnabledAt       int64         `db:"enabled_at"`
	ExpiresAt       sql.NullInt64 `db:"expires_at"`
	MaxCostUSD      float64       `db:"max_cost_usd"`
	CostBaselineUSD float64       `db:"cost_baseline_usd"`
}

func (s *SQLStore) GetWindow(ctx context.Context) (*models.PaidWindow, error) {
	var row windowRow
	err := s.db.GetContext(ctx, &row, `SELECT enabled_at, expires_at, max_cost_usd, cost_baseline_usd FROM paid_window WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNoPaidWindow
		}
		return nil, fmt.Errorf("failed to get paid window: %w", err)
	}
	w := &models.PaidWindow{
		EnabledAt:       storage.FromMillis(row.EnabledAt),
		MaxCostUSD:      row.MaxCostUSD,
		CostBaselineUSD: row.CostBaselineUSD,
	}
	if row.ExpiresAt.Valid {
		w.ExpiresAt = storage.FromMillis(row.ExpiresAt.Int64)
	}
	return w, nil
}

func (s *SQLStore) SaveWindow(ctx context.Context, w *models.PaidWindow) error {
	var expires sql.NullInt64
	if !w.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: storage.ToMillis(w.ExpiresAt), Valid: true}
	}
	query := s.db.Rebind(`
		INSERT INTO paid_window (id, enabled_at, expires_at, max_cost_usd, cost_baseline_usd)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled_at = excluded.enabled_at,
			expires_at = excluded.expires_at,
			max_cost_usd = excluded.max_cost_usd,
			cost_baseline_usd = excluded.cost_baseline_usd
	`)
	if _, err := s.db.ExecContext(ctx, query, storage.ToMillis(w.EnabledAt), expires, w.MaxCostUSD, w.CostBaselineUSD); err != nil {
		return fmt.Errorf("failed to save paid window: %w", err)
	}
	return nil
}

func (s *SQLStore) ClearWindow(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM paid_window WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear paid window: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrUsageRecordNotFound
	}
	return nil
}
