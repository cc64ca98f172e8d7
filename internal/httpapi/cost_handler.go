package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/governor"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

// EnablePaidRequest opens a paid window. Omitted fields take the configured
// defaults; "0s" and 0 disable the time and cost bounds.
type EnablePaidRequest struct {
	Duration   *string  `json:"duration,omitempty"`
	MaxCostUSD *float64 `json:"max_cost_usd,omitempty"`
}

func (d *Dependencies) handleCostStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.Governor.GetStatus(r.Context())
	if err != nil {
		d.logger.Error("Failed to read cost status", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read cost status")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, status)
}

func (d *Dependencies) handleCostEnable(w http.ResponseWriter, r *http.Request) {
	var req EnablePaidRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	duration := d.Defaults.DefaultWindow
	if req.Duration != nil {
		parsed, err := time.ParseDuration(*req.Duration)
		if err != nil || parsed < 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "duration must be a non-negative Go duration such as \"90m\"")
			return
		}
		duration = parsed
	}
	maxCost := d.Defaults.DefaultMaxCostUSD
	if req.MaxCostUSD != nil {
		maxCost = *req.MaxCostUSD
	}

	window, err := d.Governor.EnablePaidModels(r.Context(), duration, maxCost)
	if errors.Is(err, governor.ErrInvalidCeiling) {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		d.logger.Error("Failed to enable paid models", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to enable paid models")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, window)
}

func (d *Dependencies) handleCostDisable(w http.ResponseWriter, r *http.Request) {
	if err := d.Governor.DisablePaidModels(r.Context()); err != nil {
		d.logger.Error("Failed to disable paid models", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to disable paid models")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
