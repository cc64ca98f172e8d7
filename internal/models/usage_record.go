package models

import (
	"fmt"
	"time"
)

// AllowState is the governor's admission flag for a provider.
type AllowState int

const (
	AllowBlocked   AllowState = 0 // never admitted unless the provider is free
	AllowTemporary AllowState = 1 // admitted until the paid window closes
	AllowAlways    AllowState = 2 // admitted until explicitly disabled
)

func (a AllowState) String() string {
	switch a {
	case AllowBlocked:
		return "blocked"
	case AllowTemporary:
		return "temporary"
	case AllowAlways:
		return "always"
	default:
		return fmt.Sprintf("AllowState(%d)", int(a))
	}
}

// Allowed reports whether the state admits calls.
func (a AllowState) Allowed() bool {
	return a == AllowTemporary || a == AllowAlways
}

// UsageRecord is the per-provider usage and admission row kept by the cost governor.
type UsageRecord struct {
	ProviderID       string     `db:"provider_id" json:"provider_id"`
	CostClass        CostClass  `db:"cost_class" json:"cost_class"`
	UsageCount       int64      `db:"usage_count" json:"usage_count"`
	EstimatedCostUSD float64    `db:"estimated_cost_usd" json:"estimated_cost_usd"`
	LastUsedAt       *time.Time `db:"-" json:"last_used_at,omitempty"`
	AllowUsage       AllowState `db:"allow_usage" json:"allow_usage"`
	UpdatedAt        time.Time  `db:"-" json:"updated_at"`
}

// Admits reports whether the record's provider may be called right now.
func (r *UsageRecord) Admits() bool {
	return r.CostClass.IsFree() || r.AllowUsage.Allowed()
}

// DefaultAllowState returns the initial admission state for a cost class:
// free providers are always allowed, everything else starts blocked.
func DefaultAllowState(class CostClass) AllowState {
	if class.IsFree() {
		return AllowAlways
	}
	return AllowBlocked
}

// PaidWindow records an operator-opened period during which non-free providers
// are temporarily admitted.
type PaidWindow struct {
	EnabledAt       time.Time `json:"enabled_at"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"` // zero means no automatic expiry
	MaxCostUSD      float64   `json:"max_cost_usd"`         // zero means no ceiling
	CostBaselineUSD float64   `json:"cost_baseline_usd"`    // total spend when the window opened
}

// Expired reports whether the window has passed its expiry time.
func (w *PaidWindow) Expired(now time.Time) bool {
	return !w.ExpiresAt.IsZero() && !now.Before(w.ExpiresAt)
}

// CeilingReached reports whether spend since the window opened reached the ceiling.
func (w *PaidWindow) CeilingReached(totalCostUSD float64) bool {
	return w.MaxCostUSD > 0 && totalCostUSD-w.CostBaselineUSD >= w.MaxCostUSD
}
