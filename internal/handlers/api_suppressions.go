package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/suppression"
)

// handleListSuppressions handles GET /api/suppressions (rules in force now)
func (h *APIHandler) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, h.suppression.Active(time.Now()))
}

// handleGetSuppression handles GET /api/suppressions/{id}
func (h *APIHandler) handleGetSuppression(w http.ResponseWriter, r *http.Request) {
	rule, err := h.suppression.Get(r.PathValue("id"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, rule)
}

// handleCreateSuppression handles POST /api/suppressions
func (h *APIHandler) handleCreateSuppression(w http.ResponseWriter, r *http.Request) {
	var req api.SuppressRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	rule, moved, err := h.suppression.Suppress(suppression.Request{
		Predicate: req.Predicate,
		From:      req.ActiveFrom,
		Until:     req.ActiveUntil,
		Reason:    req.Reason,
	}, actorOf(r, req.Actor))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	api.RespondJSON(w, http.StatusCreated, api.SuppressResponse{
		Rule:       *rule,
		Suppressed: api.AlertsToListItems(moved),
	})
}

// handleLiftSuppression handles POST /api/suppressions/{id}/lift
func (h *APIHandler) handleLiftSuppression(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	reactivated, err := h.suppression.Lift(r.PathValue("id"), req.Actor)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	h.correlateAgain(r.Context(), reactivated)
	api.RespondJSON(w, http.StatusOK, api.LiftResponse{Reactivated: api.AlertsToListItems(reactivated)})
}

// correlateAgain forwards released alerts even if the client goes away
func (h *APIHandler) correlateAgain(ctx context.Context, alerts []database.Alert) {
	if h.ingest == nil || len(alerts) == 0 {
		return
	}
	h.ingest.Reactivated(context.WithoutCancel(ctx), alerts)
}
