package handlers

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/pipeline"
)

type alertPage struct {
	Data       []api.AlertListItem `json:"data"`
	Pagination api.PaginationMeta  `json:"pagination"`
}

type incidentPage struct {
	Data       []api.IncidentListItem `json:"data"`
	Pagination api.PaginationMeta     `json:"pagination"`
}

func TestListAlerts_FiltersAndPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.alert(t, fmt.Sprintf("db-%d", i), database.SeverityHigh)
	}
	low := f.alert(t, "web-1", database.SeverityLow)
	if _, err := f.store.Acknowledge(low.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	var page alertPage
	f.do(t, http.MethodGet, "/api/alerts?severity=high&per_page=2", nil).
		AssertStatus(http.StatusOK).DecodeJSON(&page)
	if page.Pagination.Total != 3 || page.Pagination.TotalPages != 2 || len(page.Data) != 2 {
		t.Errorf("unexpected page %+v (%d items)", page.Pagination, len(page.Data))
	}

	page = alertPage{}
	f.do(t, http.MethodGet, "/api/alerts?state=acknowledged", nil).
		AssertStatus(http.StatusOK).DecodeJSON(&page)
	if len(page.Data) != 1 || page.Data[0].ID != low.ID {
		t.Errorf("state filter returned %+v", page.Data)
	}

	page = alertPage{}
	f.do(t, http.MethodGet, "/api/alerts?source=db-0,db-2", nil).
		AssertStatus(http.StatusOK).DecodeJSON(&page)
	if page.Pagination.Total != 2 {
		t.Errorf("source filter total = %d, want 2", page.Pagination.Total)
	}
}

func TestListAlerts_RejectsBadFilters(t *testing.T) {
	f := newFixture(t)

	var resp api.ErrorResponse
	f.do(t, http.MethodGet, "/api/alerts?state=EXPLODED&severity=urgent&from=soon&internal=maybe", nil).
		AssertStatus(http.StatusUnprocessableEntity).DecodeJSON(&resp)
	for _, field := range []string{"state", "severity", "time_range", "internal"} {
		if resp.Details[field] == "" {
			t.Errorf("missing detail for %s in %v", field, resp.Details)
		}
	}
}

func TestAlertActions(t *testing.T) {
	f := newFixture(t)
	a := f.alert(t, "db-1", database.SeverityHigh)

	var got database.Alert
	f.do(t, http.MethodPost, "/api/alerts/"+a.ID+"/acknowledge", api.ActionRequest{Actor: "alice"}).
		AssertStatus(http.StatusOK).DecodeJSON(&got)
	if got.State != database.AlertStateAcknowledged {
		t.Errorf("state = %s, want ACKNOWLEDGED", got.State)
	}

	// no body and no X-Actor header
	f.do(t, http.MethodPost, "/api/alerts/"+a.ID+"/resolve", nil).AssertStatus(http.StatusOK)

	var history []database.AlertTransition
	f.do(t, http.MethodGet, "/api/alerts/"+a.ID+"/transitions", nil).
		AssertStatus(http.StatusOK).DecodeJSON(&history)
	var states []database.AlertState
	for _, h := range history {
		states = append(states, h.To)
	}
	want := []database.AlertState{database.AlertStatePending, database.AlertStateActive, database.AlertStateAcknowledged, database.AlertStateResolved}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("transition mismatch (-want +got):\n%s", diff)
	}
	if history[2].Actor != "alice" || history[3].Actor != "api" {
		t.Errorf("actors = %q, %q", history[2].Actor, history[3].Actor)
	}
}

func TestAlertActions_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	a := f.alert(t, "db-1", database.SeverityHigh)
	if _, err := f.store.Resolve(a.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	var resp api.ErrorResponse
	f.do(t, http.MethodPost, "/api/alerts/"+a.ID+"/acknowledge", nil).
		AssertStatus(http.StatusConflict).DecodeJSON(&resp)
	if resp.Code != api.CodeInvalidTransition {
		t.Errorf("code = %q, want %q", resp.Code, api.CodeInvalidTransition)
	}

	f.do(t, http.MethodPost, "/api/alerts/missing/acknowledge", nil).
		AssertStatus(http.StatusNotFound)
	f.do(t, http.MethodGet, "/api/alerts/missing", nil).
		AssertStatus(http.StatusNotFound)
	f.do(t, http.MethodGet, "/api/alerts/"+a.ID+"/acknowledge", nil).
		AssertStatus(http.StatusMethodNotAllowed)
}

func TestSuppressAndLift(t *testing.T) {
	f := newFixture(t)
	a := f.alert(t, "db-1", database.SeverityHigh)
	f.alert(t, "web-1", database.SeverityHigh)

	var created api.SuppressResponse
	f.do(t, http.MethodPost, "/api/suppressions", api.SuppressRequest{
		Predicate: database.MatchPredicate{Sources: []string{"db-1"}},
		Reason:    "maintenance",
		Actor:     "alice",
	}).AssertStatus(http.StatusCreated).DecodeJSON(&created)

	if len(created.Suppressed) != 1 || created.Suppressed[0].ID != a.ID {
		t.Fatalf("suppressed = %+v, want only %s", created.Suppressed, a.ID)
	}
	if created.Rule.CreatedBy != "alice" {
		t.Errorf("created_by = %q", created.Rule.CreatedBy)
	}

	var active []database.SuppressionRule
	f.do(t, http.MethodGet, "/api/suppressions", nil).AssertStatus(http.StatusOK).DecodeJSON(&active)
	if len(active) != 1 {
		t.Errorf("active rules = %d, want 1", len(active))
	}

	var lifted api.LiftResponse
	f.do(t, http.MethodPost, "/api/suppressions/"+created.Rule.ID+"/lift", nil).
		AssertStatus(http.StatusOK).DecodeJSON(&lifted)
	if len(lifted.Reactivated) != 1 || lifted.Reactivated[0].State != database.AlertStateActive {
		t.Fatalf("reactivated = %+v", lifted.Reactivated)
	}
	if len(f.ingest.reactivated) != 1 || f.ingest.reactivated[0].ID != a.ID {
		t.Errorf("pipeline got %d reactivated alerts, want %s", len(f.ingest.reactivated), a.ID)
	}

	// a lifted rule cannot be lifted again
	f.do(t, http.MethodPost, "/api/suppressions/"+created.Rule.ID+"/lift", nil).
		AssertStatus(http.StatusConflict)
}

func TestSuppress_Validation(t *testing.T) {
	f := newFixture(t)

	// reason is required by the request schema
	f.do(t, http.MethodPost, "/api/suppressions", api.SuppressRequest{
		Predicate: database.MatchPredicate{Sources: []string{"db-1"}},
	}).AssertStatus(http.StatusUnprocessableEntity).AssertBodyContains("reason")

	// an empty predicate is rejected by the manager
	f.do(t, http.MethodPost, "/api/suppressions", api.SuppressRequest{Reason: "everything"}).
		AssertStatus(http.StatusUnprocessableEntity).AssertBodyContains(api.CodeMalformed)

	past := time.Now().Add(-time.Hour)
	f.do(t, http.MethodPost, "/api/suppressions", api.SuppressRequest{
		Predicate:   database.MatchPredicate{Sources: []string{"db-1"}},
		ActiveUntil: &past,
		Reason:      "already over",
	}).AssertStatus(http.StatusUnprocessableEntity)
}

func TestIncidentQueryAndActions(t *testing.T) {
	f := newFixture(t)
	a := f.alert(t, "db-1", database.SeverityHigh)
	b := f.alert(t, "db-1", database.SeverityCritical)
	inc := f.incident(t, "g1", a, b)

	var page incidentPage
	f.do(t, http.MethodGet, "/api/incidents?state=open", nil).AssertStatus(http.StatusOK).DecodeJSON(&page)
	if len(page.Data) != 1 || page.Data[0].AlertCount != 2 {
		t.Fatalf("incidents = %+v", page.Data)
	}

	var detail api.IncidentDetail
	f.do(t, http.MethodGet, "/api/incidents/"+inc.ID, nil).AssertStatus(http.StatusOK).DecodeJSON(&detail)
	if len(detail.Alerts) != 2 || len(detail.Timeline) == 0 {
		t.Errorf("detail has %d alerts and %d timeline entries", len(detail.Alerts), len(detail.Timeline))
	}

	var got database.Incident
	f.do(t, http.MethodPost, "/api/incidents/"+inc.ID+"/investigate", api.ActionRequest{Actor: "alice"}).
		AssertStatus(http.StatusOK).DecodeJSON(&got)
	if got.State != database.IncidentStateInvestigating {
		t.Errorf("state = %s, want INVESTIGATING", got.State)
	}

	got = database.Incident{}
	f.do(t, http.MethodPost, "/api/incidents/"+inc.ID+"/escalate", nil).
		AssertStatus(http.StatusOK).DecodeJSON(&got)
	if got.State != database.IncidentStateEscalated || got.EscalationLevel != 1 {
		t.Errorf("escalate gave %s level %d", got.State, got.EscalationLevel)
	}

	f.do(t, http.MethodPost, "/api/incidents/"+inc.ID+"/resolve", nil).AssertStatus(http.StatusOK)
	f.do(t, http.MethodPost, "/api/incidents/"+inc.ID+"/investigate", nil).AssertStatus(http.StatusConflict)
	f.do(t, http.MethodPost, "/api/incidents/"+inc.ID+"/close", nil).AssertStatus(http.StatusOK)
	f.do(t, http.MethodPost, "/api/incidents/missing/close", nil).AssertStatus(http.StatusNotFound)
}

func TestMergeIncidents(t *testing.T) {
	f := newFixture(t)
	target := f.incident(t, "g1", f.alert(t, "db-1", database.SeverityHigh), f.alert(t, "db-1", database.SeverityHigh))
	source := f.incident(t, "g2", f.alert(t, "web-1", database.SeverityLow), f.alert(t, "web-1", database.SeverityLow))

	var merged database.Incident
	f.do(t, http.MethodPost, "/api/incidents/"+target.ID+"/merge", api.MergeIncidentRequest{
		SourceIncidentID: source.ID,
		Actor:            "alice",
	}).AssertStatus(http.StatusOK).DecodeJSON(&merged)
	if merged.ID != target.ID {
		t.Errorf("survivor = %s, want %s", merged.ID, target.ID)
	}

	var gone database.Incident
	f.do(t, http.MethodGet, "/api/incidents/"+source.ID, nil).AssertStatus(http.StatusOK).DecodeJSON(&gone)
	if gone.State != database.IncidentStateClosed || gone.SupersededBy == nil || *gone.SupersededBy != target.ID {
		t.Errorf("source state %s superseded_by %v", gone.State, gone.SupersededBy)
	}

	var merges []database.IncidentMerge
	f.do(t, http.MethodGet, "/api/incidents/"+target.ID+"/merges", nil).AssertStatus(http.StatusOK).DecodeJSON(&merges)
	if len(merges) != 1 {
		t.Errorf("merges = %d, want 1", len(merges))
	}

	f.do(t, http.MethodPost, "/api/incidents/"+target.ID+"/merge", api.MergeIncidentRequest{SourceIncidentID: "nope"}).
		AssertStatus(http.StatusUnprocessableEntity)
	f.do(t, http.MethodPost, "/api/incidents/"+target.ID+"/merge", api.MergeIncidentRequest{SourceIncidentID: target.ID}).
		AssertStatus(http.StatusUnprocessableEntity)
}

func TestSubmitSamples(t *testing.T) {
	f := newFixture(t)
	v := 97.0

	var resp api.SampleBatchResponse
	f.do(t, http.MethodPost, "/api/samples", api.SampleBatchRequest{Samples: []api.SampleRequest{
		{RuleID: "cpu-high", Source: "db-1", Value: &v},
		{RuleID: "cpu-high", Source: "db-2"},
	}}).AssertStatus(http.StatusAccepted).DecodeJSON(&resp)

	if resp.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", resp.Accepted)
	}
	if resp.Rejected["samples[1]"] == "" {
		t.Errorf("rejected = %v, want samples[1]", resp.Rejected)
	}
	if len(f.ingest.samples) != 1 || f.ingest.samples[0].Source != "db-1" {
		t.Errorf("pipeline got %+v", f.ingest.samples)
	}
}

func TestSubmitSamples_Errors(t *testing.T) {
	f := newFixture(t)
	v := 1.0

	f.do(t, http.MethodPost, "/api/samples", api.SampleBatchRequest{Samples: []api.SampleRequest{{Source: "db-1", Value: &v}}}).
		AssertStatus(http.StatusUnprocessableEntity).AssertBodyContains("samples[0].rule_id")

	f.do(t, http.MethodPost, "/api/samples", api.SampleBatchRequest{Samples: []api.SampleRequest{{RuleID: "r", Source: "db-1"}}}).
		AssertStatus(http.StatusUnprocessableEntity)

	f.ingest.err = pipeline.ErrNotRunning
	f.do(t, http.MethodPost, "/api/samples", api.SampleBatchRequest{Samples: []api.SampleRequest{{RuleID: "r", Source: "db-1", Value: &v}}}).
		AssertStatus(http.StatusServiceUnavailable).AssertBodyContains("pipeline_stopped")
}
