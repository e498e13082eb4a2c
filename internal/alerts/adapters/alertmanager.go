package adapters

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/akmatori/alertflow/internal/alerts"
)

// AlertmanagerAdapter handles Prometheus Alertmanager webhooks
type AlertmanagerAdapter struct {
	alerts.BaseAdapter
}

// NewAlertmanagerAdapter creates a new Alertmanager adapter
func NewAlertmanagerAdapter() *AlertmanagerAdapter {
	return &AlertmanagerAdapter{
		BaseAdapter: alerts.BaseAdapter{Type: "alertmanager", SecretHeader: "X-Alertmanager-Secret"},
	}
}

// AlertmanagerPayload represents the webhook payload from Alertmanager
type AlertmanagerPayload struct {
	Version           string              `json:"version"`
	GroupKey          string              `json:"groupKey"`
	Status            string              `json:"status"`
	Receiver          string              `json:"receiver"`
	GroupLabels       map[string]string   `json:"groupLabels"`
	CommonLabels      map[string]string   `json:"commonLabels"`
	CommonAnnotations map[string]string   `json:"commonAnnotations"`
	ExternalURL       string              `json:"externalURL"`
	Alerts            []AlertmanagerAlert `json:"alerts"`
}

// AlertmanagerAlert represents a single alert in the payload
type AlertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// Parse decodes an Alertmanager webhook. Group-wide labels and annotations
// fill in what an individual alert leaves out.
func (a *AlertmanagerAdapter) Parse(body []byte) ([]alerts.ExternalAlert, error) {
	var payload AlertmanagerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse alertmanager payload: %w", err)
	}
	if len(payload.Alerts) == 0 {
		return nil, fmt.Errorf("alertmanager payload carries no alerts")
	}

	out := make([]alerts.ExternalAlert, 0, len(payload.Alerts))
	for _, alert := range payload.Alerts {
		status := alert.Status
		if status == "" {
			status = payload.Status
		}
		labels := mergeLabels(payload.CommonLabels, alert.Labels)
		ext := alerts.ExternalAlert{
			Name:        labels["alertname"],
			Firing:      alerts.IsFiring(status),
			Labels:      labels,
			Annotations: mergeLabels(payload.CommonAnnotations, alert.Annotations),
			StartsAt:    alert.StartsAt,
			Fingerprint: alert.Fingerprint,
		}
		// Alertmanager sends a far-future endsAt while firing
		if !ext.Firing {
			ext.EndsAt = alert.EndsAt
		}
		out = append(out, ext)
	}
	return out, nil
}

// mergeLabels overlays specific on common without mutating either
func mergeLabels(common, specific map[string]string) map[string]string {
	out := make(map[string]string, len(common)+len(specific))
	for k, v := range common {
		out[k] = v
	}
	for k, v := range specific {
		out[k] = v
	}
	return out
}
