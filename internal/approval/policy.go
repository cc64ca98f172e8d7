package approval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

// ActionTrainingLoadIncrease is the type of actions created for load changes
const ActionTrainingLoadIncrease = "training_load_increase"

// ErrInvalidLoad is returned for a non-positive current load
var ErrInvalidLoad = errors.New("current load must be positive")

// Policy holds the thresholds used by the built-in checks
type Policy struct {
	// LoadChangeThresholdPct is the largest increase that needs no approval
	LoadChangeThresholdPct float64
	// HighSeverityPct is the largest increase that stays medium severity
	HighSeverityPct float64
	LoadChangeTTL   time.Duration
}

// DefaultPolicy returns the 10%/20% thresholds with a 48h TTL
func DefaultPolicy() Policy {
	return Policy{
		LoadChangeThresholdPct: 10,
		HighSeverityPct:        20,
		LoadChangeTTL:          48 * time.Hour,
	}
}

// PolicyFromConfig builds a Policy from the approval config section. Unset
// thresholds keep their defaults; a zero threshold is kept as is.
func PolicyFromConfig(cfg config.ApprovalConfig) Policy {
	p := DefaultPolicy()
	if cfg.LoadChangeThresholdPct != nil {
		p.LoadChangeThresholdPct = *cfg.LoadChangeThresholdPct
	}
	if cfg.HighSeverityPct != nil {
		p.HighSeverityPct = *cfg.HighSeverityPct
	}
	if cfg.LoadChangeTTL > 0 {
		p.LoadChangeTTL = cfg.LoadChangeTTL
	}
	return p
}

// LoadContext is the athlete state considered by CheckTrainingLoadChange
type LoadContext struct {
	PainLevel float64 // 0-10
	Fatigue   string  // "low", "normal" or "high"
}

// CheckTrainingLoadChange creates an approval action when going from current
// to proposed load is a large enough increase. It returns the new action,
// or nil when no approval is needed.
func (g *Gate) CheckTrainingLoadChange(ctx context.Context, current, proposed float64, lc LoadContext) (*models.PendingAction, error) {
	if current <= 0 || math.IsNaN(current) || math.IsInf(current, 0) {
		return nil, ErrInvalidLoad
	}

	pct := increasePct(current, proposed)
	if pct <= g.policy.LoadChangeThresholdPct {
		return nil, nil
	}

	severity := models.SeverityMedium
	if pct > g.policy.HighSeverityPct {
		severity = models.SeverityHigh
	}
	risks := []string{
		fmt.Sprintf("Load increase of %.1f%% exceeds the recommended %.0f%% limit", pct, g.policy.LoadChangeThresholdPct),
		"Overload and injury risk for a masters athlete",
		"Possible worsening of patellar tendinosis",
	}
	if lc.PainLevel > 0 {
		risks = append(risks, fmt.Sprintf("Active pain reported (level %g/10)", lc.PainLevel))
		severity = models.SeverityCritical
	}
	if strings.EqualFold(lc.Fatigue, "high") {
		risks = append(risks, "High fatigue detected")
	}

	return g.CreateAction(ctx, ActionRequest{
		Type:        ActionTrainingLoadIncrease,
		Description: fmt.Sprintf("Increase training load from %g to %g (%.1f%% increase)", current, proposed, pct),
		Severity:    severity,
		ProposedChanges: map[string]any{
			"current_load":        current,
			"proposed_load":       proposed,
			"increase_percentage": pct,
		},
		Reasoning: fmt.Sprintf("The proposed load exceeds the %.0f%% progression rule for masters athletes", g.policy.LoadChangeThresholdPct),
		Risks:     risks,
		Benefits: []string{
			"Progress toward performance goals",
			"Physiological adaptation if executed correctly",
		},
		TTL: g.policy.LoadChangeTTL,
	})
}

// increasePct is rounded to 1e-6 so that 10 -> 11 is exactly 10%
func increasePct(current, proposed float64) float64 {
	pct := (proposed - current) / current * 100
	return math.Round(pct*1e6) / 1e6
}
