package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/incidents"
	"github.com/akmatori/alertflow/internal/lifecycle"
	"github.com/akmatori/alertflow/internal/pipeline"
	"github.com/akmatori/alertflow/internal/suppression"
)

// ActorHeader names the operator when the request body does not
const ActorHeader = "X-Actor"

// Ingestor is the part of the pipeline the API feeds
type Ingestor interface {
	SampleSink
	// Reactivated hands alerts released from suppression back to correlation
	Reactivated(ctx context.Context, alerts []database.Alert)
}

// APIHandler handles the query and action endpoints
type APIHandler struct {
	alerts      *lifecycle.Store
	suppression *suppression.Manager
	incidents   *incidents.Manager
	ingest      Ingestor
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(alerts *lifecycle.Store, sup *suppression.Manager, inc *incidents.Manager, ingest Ingestor) *APIHandler {
	return &APIHandler{
		alerts:      alerts,
		suppression: sup,
		incidents:   inc,
		ingest:      ingest,
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Alerts
	mux.HandleFunc("GET /api/alerts", h.handleListAlerts)
	mux.HandleFunc("GET /api/alerts/{id}", h.handleGetAlert)
	mux.HandleFunc("GET /api/alerts/{id}/transitions", h.handleAlertTransitions)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", h.handleAcknowledgeAlert)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", h.handleResolveAlert)

	// Suppressions
	mux.HandleFunc("GET /api/suppressions", h.handleListSuppressions)
	mux.HandleFunc("POST /api/suppressions", h.handleCreateSuppression)
	mux.HandleFunc("GET /api/suppressions/{id}", h.handleGetSuppression)
	mux.HandleFunc("POST /api/suppressions/{id}/lift", h.handleLiftSuppression)

	// Incidents
	mux.HandleFunc("GET /api/incidents", h.handleListIncidents)
	mux.HandleFunc("GET /api/incidents/{id}", h.handleGetIncident)
	mux.HandleFunc("GET /api/incidents/{id}/merges", h.handleIncidentMerges)
	mux.HandleFunc("POST /api/incidents/{id}/investigate", h.handleIncidentAction(h.incidentInvestigate))
	mux.HandleFunc("POST /api/incidents/{id}/escalate", h.handleIncidentAction(h.incidentEscalate))
	mux.HandleFunc("POST /api/incidents/{id}/resolve", h.handleIncidentAction(h.incidentResolve))
	mux.HandleFunc("POST /api/incidents/{id}/close", h.handleIncidentAction(h.incidentClose))
	mux.HandleFunc("POST /api/incidents/{id}/merge", h.handleMergeIncident)

	// Ingestion
	mux.HandleFunc("POST /api/samples", h.handleSubmitSamples)
}

// decodeAction reads the optional action body and fills in the actor
func decodeAction(w http.ResponseWriter, r *http.Request) (api.ActionRequest, bool) {
	var req api.ActionRequest
	if err := api.DecodeOptionalJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return req, false
	}
	req.Actor = actorOf(r, req.Actor)
	return req, true
}

// actorOf prefers the body's actor, then the X-Actor header
func actorOf(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := r.Header.Get(ActorHeader); h != "" {
		return h
	}
	return "api"
}

// respondSubmitError maps a failed hand-off to the pipeline
func respondSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotRunning):
		log.Printf("Warning: API: %v", err)
		w.Header().Set("Retry-After", "5")
		api.RespondErrorWithCode(w, http.StatusServiceUnavailable, "pipeline_stopped", "pipeline is not running")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		api.RespondErrorWithCode(w, http.StatusServiceUnavailable, "timeout", "request ended before the sample was queued")
	default:
		api.RespondServiceError(w, err)
	}
}
