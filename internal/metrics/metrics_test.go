package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestObservers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDelivery(database.ChannelWebhook, database.AttemptFailed)
	m.ObserveDelivery(database.ChannelWebhook, database.AttemptFailed)
	m.ObserveEvent(events.Event{Kind: events.KindIncident, Type: events.Created})
	m.ObserveTask("escalation", nil)
	m.ObserveTask("escalation", errors.New("store down"))
	m.ObserveStage("correlation", time.Now())

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"alertflow_notification_attempts_total", map[string]string{"channel": "WEBHOOK", "status": "FAILED"}, 2},
		{"alertflow_events_total", map[string]string{"kind": "incident", "type": "created"}, 1},
		{"alertflow_scheduler_runs_total", map[string]string{"task": "escalation", "result": "ok"}, 1},
		{"alertflow_scheduler_runs_total", map[string]string{"task": "escalation", "result": "error"}, 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveDelivery(database.ChannelChat, database.AttemptSent)
	m.ObserveEvent(events.Event{})
	m.ObserveTask("x", nil)
	m.ObserveStage("x", time.Now())
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.WindowAlerts.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "alertflow_correlation_window_alerts 3") {
		t.Errorf("metrics output missing gauge:\n%s", body)
	}
}
