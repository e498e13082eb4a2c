package api

import (
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/rules"
)

// AlertToListItem converts a database Alert to a compact list representation.
func AlertToListItem(a database.Alert) AlertListItem {
	return AlertListItem{
		ID:              a.ID,
		RuleID:          a.RuleID,
		RuleName:        a.RuleName,
		Severity:        a.Severity,
		State:           a.State,
		Source:          a.Source,
		Tags:            a.Tags,
		IncidentID:      a.IncidentID,
		EscalationLevel: a.EscalationLevel,
		Internal:        a.Internal,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		ResolvedAt:      a.ResolvedAt,
	}
}

// AlertsToListItems converts a slice of database Alerts to list items.
func AlertsToListItems(alerts []database.Alert) []AlertListItem {
	items := make([]AlertListItem, len(alerts))
	for i, a := range alerts {
		items[i] = AlertToListItem(a)
	}
	return items
}

// IncidentToListItem converts a database Incident to a compact list representation.
func IncidentToListItem(i database.Incident) IncidentListItem {
	return IncidentListItem{
		ID:              i.ID,
		Title:           i.Title,
		State:           i.State,
		Severity:        i.Severity,
		EscalationLevel: i.EscalationLevel,
		AlertCount:      len(i.Members),
		SupersededBy:    i.SupersededBy,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
		ResolvedAt:      i.ResolvedAt,
	}
}

// IncidentsToListItems converts a slice of database Incidents to list items.
func IncidentsToListItems(incidents []database.Incident) []IncidentListItem {
	items := make([]IncidentListItem, len(incidents))
	for i, inc := range incidents {
		items[i] = IncidentToListItem(inc)
	}
	return items
}

// IncidentToDetail attaches the member alerts to an incident.
func IncidentToDetail(inc database.Incident, members []database.Alert) IncidentDetail {
	return IncidentDetail{Incident: inc, Alerts: AlertsToListItems(members)}
}

// SampleFromRequest converts an ingestion request into a pipeline sample.
// A missing timestamp is left zero for the evaluator to fill in.
func SampleFromRequest(r SampleRequest) rules.Sample {
	s := rules.Sample{
		RuleID:  r.RuleID,
		Source:  r.Source,
		Value:   r.Value,
		Metrics: r.Metrics,
		Event:   r.Event,
	}
	if r.Timestamp != nil {
		s.Timestamp = *r.Timestamp
	}
	return s
}
