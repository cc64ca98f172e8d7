package httpapi

import (
	"errors"
	"net/http"

	"github.com/gonzaloobispo/Bioengine-v3/internal/approval"
	"github.com/gonzaloobispo/Bioengine-v3/internal/middleware"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

// RejectRequest carries the optional rejection reason
type RejectRequest struct {
	Reason string `json:"reason"`
}

// CheckLoadRequest asks whether a training load change needs approval
type CheckLoadRequest struct {
	CurrentLoad  float64 `json:"current_load"`
	ProposedLoad float64 `json:"proposed_load"`
	PainLevel    float64 `json:"pain_level"`
	Fatigue      string  `json:"fatigue"`
}

// CheckLoadResponse carries the created action when approval is required
type CheckLoadResponse struct {
	RequiresApproval bool                  `json:"requires_approval"`
	ActionID         string                `json:"action_id,omitempty"`
	Action           *models.PendingAction `json:"action,omitempty"`
}

// DecisionResponse reports the outcome of approve and reject
type DecisionResponse struct {
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
}

func (d *Dependencies) handleListActions(w http.ResponseWriter, r *http.Request) {
	pending, err := d.Approvals.GetPendingActions(r.Context())
	if err != nil {
		d.logger.Error("Failed to list pending actions", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list pending actions")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, pending)
}

func (d *Dependencies) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := d.Approvals.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrActionNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Action not found")
		return
	}
	if err != nil {
		d.logger.Error("Failed to load action", "action_id", r.PathValue("id"), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load action")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, a)
}

func (d *Dependencies) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor, _ := middleware.GetAdminActor(r.Context())
	ok, err := d.Approvals.Approve(r.Context(), id, actor)
	d.respondDecision(w, r, id, ok, err)
}

func (d *Dependencies) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	ok, err := d.Approvals.Reject(r.Context(), id, req.Reason)
	d.respondDecision(w, r, id, ok, err)
}

// respondDecision maps a refused decision to 404 for unknown actions and 409
// with the stored status otherwise.
func (d *Dependencies) respondDecision(w http.ResponseWriter, r *http.Request, id string, ok bool, err error) {
	if err != nil {
		d.logger.Error("Decision failed", "action_id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Decision failed")
		return
	}
	a, gerr := d.Approvals.Get(r.Context(), id)
	if errors.Is(gerr, storage.ErrActionNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Action not found")
		return
	}
	if gerr != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load action")
		return
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	utils.RespondWithJSON(w, code, DecisionResponse{ActionID: id, Status: string(a.Status)})
}

func (d *Dependencies) handleCheckLoad(w http.ResponseWriter, r *http.Request) {
	var req CheckLoadRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := d.Approvals.CheckTrainingLoadChange(r.Context(), req.CurrentLoad, req.ProposedLoad, approval.LoadContext{
		PainLevel: req.PainLevel,
		Fatigue:   req.Fatigue,
	})
	if errors.Is(err, approval.ErrInvalidLoad) {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		d.logger.Error("Load check failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Load check failed")
		return
	}
	if a == nil {
		utils.RespondWithJSON(w, http.StatusOK, CheckLoadResponse{})
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, CheckLoadResponse{RequiresApproval: true, ActionID: a.ActionID, Action: a})
}
