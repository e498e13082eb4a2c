package api

import (
	"time"

	"github.com/akmatori/alertflow/internal/database"
)

// ========== Action Types ==========

// ActionRequest is the body of POST /api/alerts/{id}/{action} and
// POST /api/incidents/{id}/{action}. The body may be omitted.
type ActionRequest struct {
	Actor  string `json:"actor" validate:"omitempty,max=128"`
	Reason string `json:"reason" validate:"omitempty,max=1024"`
}

// SuppressRequest is the request body for POST /api/suppressions.
type SuppressRequest struct {
	Predicate   database.MatchPredicate `json:"match_predicate"`
	ActiveFrom  *time.Time              `json:"active_from,omitempty"`
	ActiveUntil *time.Time              `json:"active_until,omitempty"`
	Reason      string                  `json:"reason" validate:"required,max=1024"`
	Actor       string                  `json:"actor" validate:"omitempty,max=128"`
}

// MergeIncidentRequest is the request body for POST /api/incidents/{id}/merge.
// The incident in the path survives; the source is merged into it.
type MergeIncidentRequest struct {
	SourceIncidentID string `json:"source_incident_id" validate:"required,uuid"`
	Actor            string `json:"actor" validate:"omitempty,max=128"`
	Reason           string `json:"reason" validate:"omitempty,max=1024"`
}

// SampleBatchRequest is the request body for POST /api/samples.
type SampleBatchRequest struct {
	Samples []SampleRequest `json:"samples" validate:"required,min=1,max=1000,dive"`
}

// SampleRequest is one raw observation.
type SampleRequest struct {
	RuleID    string                  `json:"rule_id" validate:"required,max=128"`
	Source    string                  `json:"source" validate:"required,max=255"`
	Timestamp *time.Time              `json:"timestamp,omitempty"`
	Value     *float64                `json:"value,omitempty"`
	Metrics   database.MetricSnapshot `json:"metrics,omitempty"`
	Event     map[string]string       `json:"event,omitempty"`
}

// SampleBatchResponse reports how many samples were queued.
type SampleBatchResponse struct {
	Accepted int               `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// ========== Response Types ==========

// SuppressResponse is returned by POST /api/suppressions.
type SuppressResponse struct {
	Rule       database.SuppressionRule `json:"rule"`
	Suppressed []AlertListItem          `json:"suppressed"`
}

// LiftResponse is returned by POST /api/suppressions/{id}/lift.
type LiftResponse struct {
	Reactivated []AlertListItem `json:"reactivated"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Channels []string `json:"channels,omitempty"`
}

// ========== Pagination Types ==========

// PaginationMeta contains pagination metadata for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// PaginatedResponse wraps a list response with pagination metadata.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// ========== Mapper Output Types ==========

// AlertListItem is the compact representation of an alert for list views.
// It omits the description and metric snapshot.
type AlertListItem struct {
	ID              string              `json:"id"`
	RuleID          string              `json:"rule_id"`
	RuleName        string              `json:"rule_name"`
	Severity        database.Severity   `json:"severity"`
	State           database.AlertState `json:"state"`
	Source          string              `json:"source"`
	Tags            database.StringMap  `json:"tags,omitempty"`
	IncidentID      *string             `json:"incident_id,omitempty"`
	EscalationLevel int                 `json:"escalation_level"`
	Internal        bool                `json:"internal,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty"`
}

// IncidentListItem is a compact representation of an incident for list views.
// It omits the timeline and reports only the member count.
type IncidentListItem struct {
	ID              string                 `json:"id"`
	Title           string                 `json:"title"`
	State           database.IncidentState `json:"state"`
	Severity        database.Severity      `json:"severity"`
	EscalationLevel int                    `json:"escalation_level"`
	AlertCount      int                    `json:"alert_count"`
	SupersededBy    *string                `json:"superseded_by,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
}

// IncidentDetail is an incident with its members and timeline.
type IncidentDetail struct {
	database.Incident
	Alerts []AlertListItem `json:"alerts"`
}
