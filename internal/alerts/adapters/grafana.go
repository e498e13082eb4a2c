package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/akmatori/alertflow/internal/alerts"
)

// GrafanaAdapter handles Grafana alerting webhooks
type GrafanaAdapter struct {
	alerts.BaseAdapter
}

// NewGrafanaAdapter creates a new Grafana adapter
func NewGrafanaAdapter() *GrafanaAdapter {
	return &GrafanaAdapter{
		BaseAdapter: alerts.BaseAdapter{Type: "grafana", SecretHeader: "X-Grafana-Secret"},
	}
}

// GrafanaPayload represents the webhook payload from Grafana
// Supports both legacy alerting and Grafana Alerting (unified alerting)
type GrafanaPayload struct {
	// Unified Alerting format
	Receiver string         `json:"receiver"`
	Status   string         `json:"status"`
	Alerts   []GrafanaAlert `json:"alerts"`

	// Legacy alerting format
	RuleName    string `json:"ruleName"`
	State       string `json:"state"`
	Message     string `json:"message"`
	RuleURL     string `json:"ruleUrl"`
	RuleID      int    `json:"ruleId"`
	Title       string `json:"title"`
	OrgID       int    `json:"orgId"`
	DashboardID int    `json:"dashboardId"`
	PanelID     int    `json:"panelId"`
	EvalMatches []struct {
		Value  float64           `json:"value"`
		Metric string            `json:"metric"`
		Tags   map[string]string `json:"tags"`
	} `json:"evalMatches"`
}

// GrafanaAlert represents a single alert in unified alerting
type GrafanaAlert struct {
	Status       string             `json:"status"`
	Labels       map[string]string  `json:"labels"`
	Annotations  map[string]string  `json:"annotations"`
	StartsAt     string             `json:"startsAt"`
	EndsAt       string             `json:"endsAt"`
	Values       map[string]float64 `json:"values"`
	Fingerprint  string             `json:"fingerprint"`
	GeneratorURL string             `json:"generatorURL"`
}

// Parse decodes a Grafana webhook in either format
func (a *GrafanaAdapter) Parse(body []byte) ([]alerts.ExternalAlert, error) {
	var payload GrafanaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse grafana payload: %w", err)
	}

	if len(payload.Alerts) > 0 {
		out := make([]alerts.ExternalAlert, 0, len(payload.Alerts))
		for _, alert := range payload.Alerts {
			out = append(out, a.parseUnifiedAlert(alert))
		}
		return out, nil
	}
	if payload.RuleName == "" && payload.Title == "" {
		return nil, fmt.Errorf("grafana payload carries no alerts")
	}
	return []alerts.ExternalAlert{a.parseLegacyAlert(payload)}, nil
}

func (a *GrafanaAdapter) parseUnifiedAlert(alert GrafanaAlert) alerts.ExternalAlert {
	ext := alerts.ExternalAlert{
		Name:        alert.Labels["alertname"],
		Firing:      alerts.IsFiring(alert.Status),
		Labels:      alert.Labels,
		Annotations: alert.Annotations,
		Values:      alert.Values,
		StartsAt:    parseGrafanaTime(alert.StartsAt),
		Fingerprint: alert.Fingerprint,
	}
	if !ext.Firing {
		ext.EndsAt = parseGrafanaTime(alert.EndsAt)
	}
	return ext
}

func (a *GrafanaAdapter) parseLegacyAlert(payload GrafanaPayload) alerts.ExternalAlert {
	// ok, no_data and paused all mean the condition no longer holds
	state := strings.ToLower(payload.State)
	firing := state == "alerting" || state == "pending"

	labels := make(map[string]string)
	values := make(map[string]float64)
	for _, match := range payload.EvalMatches {
		for k, v := range match.Tags {
			labels[k] = v
		}
		if match.Metric != "" {
			values[match.Metric] = match.Value
		}
	}

	name := payload.RuleName
	if name == "" {
		name = payload.Title
	}
	labels["alertname"] = name
	labels["grafana_state"] = state

	annotations := map[string]string{}
	if payload.Message != "" {
		annotations["summary"] = payload.Message
	}
	if payload.RuleURL != "" {
		annotations["runbook_url"] = payload.RuleURL
	}

	return alerts.ExternalAlert{
		Name:        name,
		Firing:      firing,
		Labels:      labels,
		Annotations: annotations,
		Values:      values,
		Fingerprint: strconv.Itoa(payload.OrgID) + "-" + strconv.Itoa(payload.DashboardID) + "-" + strconv.Itoa(payload.RuleID),
	}
}

// parseGrafanaTime treats Grafana's zero time ("0001-01-01T00:00:00Z") and garbage as unset
func parseGrafanaTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
