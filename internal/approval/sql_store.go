package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

// SQLStore implements Store on the hitl_actions table
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db.Conn()}
}

type actionRow struct {
	ActionID        string            `db:"action_id"`
	ActionType      string            `db:"action_type"`
	Description     string            `db:"description"`
	Severity        string            `db:"severity"`
	ProposedChanges models.JSONB      `db:"proposed_changes"`
	Reasoning       string            `db:"reasoning"`
	Risks           models.StringList `db:"risks"`
	Benefits        models.StringList `db:"benefits"`
	CreatedAt       int64             `db:"created_at"`
	ExpiresAt       int64             `db:"expires_at"`
	Status          string            `db:"status"`
	ApprovedAt      sql.NullInt64     `db:"approved_at"`
	ApprovedBy      string            `db:"approved_by"`
	RejectionReason string            `db:"rejection_reason"`
}

func (r *actionRow) action() *models.PendingAction {
	a := &models.PendingAction{
		ActionID:        r.ActionID,
		ActionType:      r.ActionType,
		Description:     r.Description,
		Severity:        models.Severity(r.Severity),
		ProposedChanges: r.ProposedChanges,
		Reasoning:       r.Reasoning,
		Risks:           r.Risks,
		Benefits:        r.Benefits,
		CreatedAt:       storage.FromMillis(r.CreatedAt),
		ExpiresAt:       storage.FromMillis(r.ExpiresAt),
		Status:          models.ActionStatus(r.Status),
		ApprovedBy:      r.ApprovedBy,
		RejectionReason: r.RejectionReason,
	}
	if r.ApprovedAt.Valid {
		t := storage.FromMillis(r.ApprovedAt.Int64)
		a.ApprovedAt = &t
	}
	return a
}

const actionColumns = `action_id, action_type, description, severity, proposed_changes, reasoning,
	risks, benefits, created_at, expires_at, status, approved_at, approved_by, rejection_reason`

func (s *SQLStore) Insert(ctx context.Context, a *models.PendingAction) error {
	query := s.db.Rebind(`
		INSERT INTO hitl_actions (action_id, action_type, description, severity, proposed_changes,
			reasoning, risks, benefits, created_at, expires_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (action_id) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		a.ActionID, a.ActionType, a.Description, string(a.Severity), a.ProposedChanges,
		a.Reasoning, a.Risks, a.Benefits,
		storage.ToMillis(a.CreatedAt), storage.ToMillis(a.ExpiresAt), string(a.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrActionExists
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.PendingAction, error) {
	var row actionRow
	query := s.db.Rebind(`SELECT ` + actionColumns + ` FROM hitl_actions WHERE action_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrActionNotFound
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return row.action(), nil
}

// Transition issues a single conditional UPDATE, so the database decides
// which of several racing callers wins.
func (s *SQLStore) Transition(ctx context.Context, id string, u TransitionUpdate) (bool, error) {
	sets := []string{"status = ?"}
	args := []any{string(u.To)}
	switch u.To {
	case models.ActionApproved:
		sets = append(sets, "approved_at = ?", "approved_by = ?")
		args = append(args, storage.ToMillis(u.At), u.By)
	case models.ActionRejected:
		sets = append(sets, "rejection_reason = ?")
		args = append(args, u.Reason)
	}

	where := "action_id = ? AND status = ?"
	args = append(args, id, string(models.ActionPending))
	if !u.UnexpiredAt.IsZero() {
		where += " AND expires_at > ?"
		args = append(args, storage.ToMillis(u.UnexpiredAt))
	}

	query := s.db.Rebind("UPDATE hitl_actions SET " + strings.Join(sets, ", ") + " WHERE " + where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) ListPending(ctx context.Context, now time.Time) ([]*models.PendingAction, error) {
	var rows []actionRow
	query := s.db.Rebind(`
		SELECT ` + actionColumns + `
		FROM hitl_actions
		WHERE status = ? AND expires_at > ?
		ORDER BY created_at DESC, action_id DESC
	`)
	if err := s.db.SelectContext(ctx, &rows, query, string(models.ActionPending), storage.ToMillis(now)); err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	out := make([]*models.PendingAction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].action())
	}
	return out, nil
}
