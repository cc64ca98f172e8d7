package models

import "time"

// Severity ranks how risky a proposed action is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ActionStatus is the lifecycle state of a PendingAction.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExpired  ActionStatus = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s ActionStatus) Terminal() bool {
	return s != ActionPending
}

// PendingAction is a proposed change that waits for a human decision.
type PendingAction struct {
	ActionID        string       `db:"action_id" json:"action_id"`
	ActionType      string       `db:"action_type" json:"action_type"`
	Description     string       `db:"description" json:"description"`
	Severity        Severity     `db:"severity" json:"severity"`
	ProposedChanges JSONB        `db:"proposed_changes" json:"proposed_changes"`
	Reasoning       string       `db:"reasoning" json:"reasoning"`
	Risks           StringList   `db:"risks" json:"risks"`
	Benefits        StringList   `db:"benefits" json:"benefits"`
	CreatedAt       time.Time    `db:"-" json:"created_at"`
	ExpiresAt       time.Time    `db:"-" json:"expires_at"`
	Status          ActionStatus `db:"status" json:"status"`
	ApprovedAt      *time.Time   `db:"-" json:"approved_at,omitempty"`
	ApprovedBy      string       `db:"approved_by" json:"approved_by,omitempty"`
	RejectionReason string       `db:"rejection_reason" json:"rejection_reason,omitempty"`
}

// ExpiredAt reports whether a pending action is past its expiry at now.
func (a *PendingAction) ExpiredAt(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (a *PendingAction) Clone() *PendingAction {
	if a == nil {
		return nil
	}
	out := *a
	if a.ProposedChanges != nil {
		out.ProposedChanges = make(JSONB, len(a.ProposedChanges))
		for k, v := range a.ProposedChanges {
			out.ProposedChanges[k] = v
		}
	}
	out.Risks = append(StringList(nil), a.Risks...)
	out.Benefits = append(StringList(nil), a.Benefits...)
	if a.ApprovedAt != nil {
		t := *a.ApprovedAt
		out.ApprovedAt = &t
	}
	return &out
}
