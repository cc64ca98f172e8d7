// Package httpapi serves the operational endpoints of the gateway process:
// health, Prometheus metrics and the token-protected admin API over the cost
// governor and the approval gate.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gonzaloobispo/Bioengine-v3/internal/app"
	"github.com/gonzaloobispo/Bioengine-v3/internal/approval"
	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
	"github.com/gonzaloobispo/Bioengine-v3/internal/gateway"
	"github.com/gonzaloobispo/Bioengine-v3/internal/governor"
	"github.com/gonzaloobispo/Bioengine-v3/internal/middleware"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

// healthTimeout bounds a single /healthz probe
const healthTimeout = 2 * time.Second

// Dependencies aggregates the services the HTTP layer needs
type Dependencies struct {
	Governor  *governor.CostGovernor
	Approvals *approval.Gate
	Gateway   *gateway.Gateway
	Registry  *prometheus.Registry
	Health    func(ctx context.Context) error
	Defaults  config.GovernorConfig
	logger    *utils.Logger
}

// DependenciesFromApp takes the services out of a built App
func DependenciesFromApp(a *app.App) *Dependencies {
	return &Dependencies{
		Governor:  a.Governor,
		Approvals: a.Approvals,
		Gateway:   a.Gateway,
		Registry:  a.Registry,
		Health:    a.Health,
		Defaults:  a.Config.Governor,
	}
}

// NewRouter registers every route. The admin routes are only mounted when
// adminToken is set.
func NewRouter(deps *Dependencies, adminToken string) http.Handler {
	if deps.logger == nil {
		deps.logger = utils.NewLogger("HTTP")
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", deps.handleHealth)
	if deps.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	if adminToken != "" {
		admin := http.NewServeMux()
		admin.HandleFunc("GET /admin/models", deps.handleModels)
		admin.HandleFunc("GET /admin/cost/status", deps.handleCostStatus)
		admin.HandleFunc("POST /admin/cost/enable", deps.handleCostEnable)
		admin.HandleFunc("POST /admin/cost/disable", deps.handleCostDisable)
		admin.HandleFunc("GET /admin/actions", deps.handleListActions)
		admin.HandleFunc("POST /admin/actions/check-load", deps.handleCheckLoad)
		admin.HandleFunc("GET /admin/actions/{id}", deps.handleGetAction)
		admin.HandleFunc("POST /admin/actions/{id}/approve", deps.handleApprove)
		admin.HandleFunc("POST /admin/actions/{id}/reject", deps.handleReject)
		mux.Handle("/admin/", middleware.AdminTokenMiddleware(adminToken)(admin))
	} else {
		deps.logger.Warn("ADMIN_TOKEN not set, admin API disabled")
	}

	return middleware.RequestLog(deps.logger)(mux)
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if d.Health != nil {
		if err := d.Health(ctx); err != nil {
			utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Dependencies) handleModels(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"current": d.Gateway.Current(),
		"chain":   d.Gateway.Chain(),
	})
}
