package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/incidents"
)

var incidentStates = map[database.IncidentState]bool{
	database.IncidentStateOpen:          true,
	database.IncidentStateInvestigating: true,
	database.IncidentStateEscalated:     true,
	database.IncidentStateResolved:      true,
	database.IncidentStateClosed:        true,
}

// handleListIncidents handles GET /api/incidents
func (h *APIHandler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	page := api.ParsePagination(r)
	errs := map[string]string{}
	filter := incidents.Filter{Limit: page.PerPage, Offset: page.Offset()}

	for _, v := range api.QueryList(r, "state") {
		state := database.IncidentState(strings.ToUpper(v))
		if !incidentStates[state] {
			errs["state"] = "unknown incident state " + strconv.Quote(v)
			continue
		}
		filter.States = append(filter.States, state)
	}
	var err error
	if filter.Severities, err = api.ParseSeverities(r); err != nil {
		errs["severity"] = err.Error()
	}
	if filter.From, filter.To, err = api.ParseTimeRange(r); err != nil {
		errs["time_range"] = err.Error()
	}
	if len(errs) > 0 {
		api.RespondValidationError(w, errs)
		return
	}

	list, total, err := h.incidents.Query(filter)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PaginatedResponse{
		Data: api.IncidentsToListItems(list),
		Pagination: api.PaginationMeta{
			Page:       page.Page,
			PerPage:    page.PerPage,
			Total:      total,
			TotalPages: page.TotalPages(total),
		},
	})
}

// handleGetIncident handles GET /api/incidents/{id}
func (h *APIHandler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.incidents.Get(r.PathValue("id"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	members, err := h.alerts.GetMany(inc.MemberAlertIDs())
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.IncidentToDetail(*inc, members))
}

// handleIncidentMerges handles GET /api/incidents/{id}/merges
func (h *APIHandler) handleIncidentMerges(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.incidents.Get(id); err != nil {
		api.RespondServiceError(w, err)
		return
	}
	merges, err := h.incidents.Merges(id)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, merges)
}

type incidentAction func(id, actor string) (*database.Incident, error)

func (h *APIHandler) incidentInvestigate(id, actor string) (*database.Incident, error) {
	return h.incidents.Investigate(id, actor)
}

func (h *APIHandler) incidentEscalate(id, actor string) (*database.Incident, error) {
	return h.incidents.Escalate(id, actor)
}

func (h *APIHandler) incidentResolve(id, actor string) (*database.Incident, error) {
	return h.incidents.Resolve(id, actor)
}

func (h *APIHandler) incidentClose(id, actor string) (*database.Incident, error) {
	return h.incidents.Close(id, actor)
}

// handleIncidentAction handles POST /api/incidents/{id}/{action}
func (h *APIHandler) handleIncidentAction(action incidentAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeAction(w, r)
		if !ok {
			return
		}
		inc, err := action(r.PathValue("id"), req.Actor)
		if err != nil {
			api.RespondServiceError(w, err)
			return
		}
		api.RespondJSON(w, http.StatusOK, inc)
	}
}

// handleMergeIncident handles POST /api/incidents/{id}/merge. The incident
// in the path is the survivor.
func (h *APIHandler) handleMergeIncident(w http.ResponseWriter, r *http.Request) {
	var req api.MergeIncidentRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	inc, err := h.incidents.Merge(req.SourceIncidentID, r.PathValue("id"), actorOf(r, req.Actor), req.Reason)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, inc)
}
