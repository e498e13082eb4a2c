package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/lifecycle"
)

var alertStates = map[database.AlertState]bool{
	database.AlertStatePending:      true,
	database.AlertStateActive:       true,
	database.AlertStateAcknowledged: true,
	database.AlertStateResolved:     true,
	database.AlertStateClosed:       true,
	database.AlertStateSuppressed:   true,
}

// alertFilter builds a lifecycle filter from the query string. Returns
// field errors for the 422 response.
func alertFilter(r *http.Request, page api.PaginationParams) (lifecycle.Filter, map[string]string) {
	errs := map[string]string{}
	f := lifecycle.Filter{
		Sources:    api.QueryList(r, "source"),
		RuleIDs:    api.QueryList(r, "rule_id"),
		IncidentID: r.URL.Query().Get("incident_id"),
		Limit:      page.PerPage,
		Offset:     page.Offset(),
	}
	for _, v := range api.QueryList(r, "state") {
		state := database.AlertState(strings.ToUpper(v))
		if !alertStates[state] {
			errs["state"] = "unknown alert state " + strconv.Quote(v)
			continue
		}
		f.States = append(f.States, state)
	}
	var err error
	if f.Severities, err = api.ParseSeverities(r); err != nil {
		errs["severity"] = err.Error()
	}
	if f.From, f.To, err = api.ParseTimeRange(r); err != nil {
		errs["time_range"] = err.Error()
	}
	if f.Tags, err = api.ParseTags(r); err != nil {
		errs["tag"] = err.Error()
	}
	if v := r.URL.Query().Get("internal"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs["internal"] = "must be true or false"
		} else {
			f.Internal = &b
		}
	}
	if len(errs) > 0 {
		return f, errs
	}
	return f, nil
}

// handleListAlerts handles GET /api/alerts
func (h *APIHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	page := api.ParsePagination(r)
	filter, errs := alertFilter(r, page)
	if errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	alerts, total, err := h.alerts.Query(filter)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PaginatedResponse{
		Data: api.AlertsToListItems(alerts),
		Pagination: api.PaginationMeta{
			Page:       page.Page,
			PerPage:    page.PerPage,
			Total:      total,
			TotalPages: page.TotalPages(total),
		},
	})
}

// handleGetAlert handles GET /api/alerts/{id}
func (h *APIHandler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.Get(r.PathValue("id"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, alert)
}

// handleAlertTransitions handles GET /api/alerts/{id}/transitions
func (h *APIHandler) handleAlertTransitions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.alerts.Get(id); err != nil {
		api.RespondServiceError(w, err)
		return
	}
	history, err := h.alerts.Transitions(id)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, history)
}

// handleAcknowledgeAlert handles POST /api/alerts/{id}/acknowledge
func (h *APIHandler) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	alert, err := h.alerts.Acknowledge(r.PathValue("id"), req.Actor)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, alert)
}

// handleResolveAlert handles POST /api/alerts/{id}/resolve
func (h *APIHandler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	alert, err := h.alerts.Resolve(r.PathValue("id"), req.Actor)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, alert)
}
