package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/akmatori/alertflow/internal/alerts"
	"github.com/akmatori/alertflow/internal/alerts/adapters"
	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/pipeline"
	"github.com/akmatori/alertflow/internal/testhelpers"
)

const alertmanagerBody = `{
	"status": "firing",
	"alerts": [
		{
			"status": "firing",
			"labels": {"alertname": "HighCPU", "alertflow_rule": "cpu-high", "instance": "db-1"},
			"startsAt": "2026-03-01T12:00:00Z"
		},
		{
			"status": "resolved",
			"labels": {"alertname": "HighCPU", "alertflow_rule": "cpu-high", "instance": "db-2"},
			"startsAt": "2026-03-01T11:00:00Z",
			"endsAt": "2026-03-01T11:30:00Z"
		}
	]
}`

func newWebhookMux(ingest *fakeIngest, secrets map[string]string) *http.ServeMux {
	registry := alerts.NewRegistry(adapters.NewAlertmanagerAdapter(), adapters.NewGrafanaAdapter())
	mux := http.NewServeMux()
	NewHTTPHandler(NewAlertHandler(registry, ingest, secrets)).SetupRoutes(mux)
	return mux
}

func TestHandleWebhook_SubmitsSamples(t *testing.T) {
	ingest := &fakeIngest{}
	mux := newWebhookMux(ingest, map[string]string{"alertmanager": "s3cret"})

	var resp api.SampleBatchResponse
	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/webhook/alert/alertmanager", strings.NewReader(alertmanagerBody)).
		WithHeader("X-Alertmanager-Secret", "s3cret").
		Execute(mux).
		AssertStatus(http.StatusAccepted).
		DecodeJSON(&resp)

	if resp.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", resp.Accepted)
	}
	if len(ingest.samples) != 2 {
		t.Fatalf("submitted %d samples, want 2", len(ingest.samples))
	}
	firing, resolved := ingest.samples[0], ingest.samples[1]
	if firing.RuleID != "cpu-high" || firing.Source != "db-1" || *firing.Value != 1 {
		t.Errorf("firing sample = %+v", firing)
	}
	if resolved.Source != "db-2" || *resolved.Value != 0 || resolved.Event["status"] != "resolved" {
		t.Errorf("resolved sample = %+v", resolved)
	}
}

func TestHandleWebhook_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		secret string
		want   int
	}{
		{"wrong method", http.MethodGet, "/webhook/alert/alertmanager", "", "s3cret", http.StatusMethodNotAllowed},
		{"missing source", http.MethodPost, "/webhook/alert/", alertmanagerBody, "s3cret", http.StatusBadRequest},
		{"unknown source", http.MethodPost, "/webhook/alert/nagios", alertmanagerBody, "s3cret", http.StatusNotFound},
		{"bad secret", http.MethodPost, "/webhook/alert/alertmanager", alertmanagerBody, "wrong", http.StatusUnauthorized},
		{"bad payload", http.MethodPost, "/webhook/alert/alertmanager", `{"alerts": "x"}`, "s3cret", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingest := &fakeIngest{}
			mux := newWebhookMux(ingest, map[string]string{"alertmanager": "s3cret"})
			testhelpers.NewHTTPTestContext(t, tt.method, tt.path, strings.NewReader(tt.body)).
				WithHeader("Authorization", "Bearer "+tt.secret).
				Execute(mux).
				AssertStatus(tt.want)
			if len(ingest.samples) != 0 {
				t.Errorf("submitted %d samples on error", len(ingest.samples))
			}
		})
	}
}

func TestHandleWebhook_UnauthenticatedSourceAndStoppedPipeline(t *testing.T) {
	ingest := &fakeIngest{err: pipeline.ErrNotRunning}
	mux := newWebhookMux(ingest, nil)

	body := `{"alerts": [{"status": "firing", "labels": {"alertname": "Up", "instance": "web-1"}}]}`
	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/webhook/alert/grafana", strings.NewReader(body)).
		Execute(mux).
		AssertStatus(http.StatusServiceUnavailable)
}
