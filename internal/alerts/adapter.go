// Package alerts translates alerts pushed by external monitoring systems
// into samples, so their firing and resolved notifications drive rules like
// any other observation.
package alerts

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/rules"
)

// ErrUnauthorized is returned when a webhook carries a wrong or missing secret
var ErrUnauthorized = errors.New("invalid webhook secret")

// ExternalAlert is the common format all adapters produce
type ExternalAlert struct {
	Name        string
	Firing      bool
	Labels      map[string]string
	Annotations map[string]string
	// Values are the query results the source evaluated, when it reports them
	Values      map[string]float64
	StartsAt    time.Time
	EndsAt      time.Time
	Fingerprint string
}

// Adapter parses one source type's webhook payload
type Adapter interface {
	// SourceType returns the source type name (e.g., "alertmanager")
	SourceType() string

	// Authenticate checks the request against the configured secret
	Authenticate(r *http.Request, secret string) error

	// Parse decodes a webhook body. One webhook can carry several alerts.
	Parse(body []byte) ([]ExternalAlert, error)
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	Type string
	// SecretHeader is checked before the Authorization header
	SecretHeader string
}

// SourceType returns the source type name
func (b *BaseAdapter) SourceType() string {
	return b.Type
}

// Authenticate accepts the secret in SecretHeader or as a bearer token.
// An empty secret disables the check.
func (b *BaseAdapter) Authenticate(r *http.Request, secret string) error {
	if secret == "" {
		return nil
	}
	got := r.Header.Get(b.SecretHeader)
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Mapping says which labels name the rule and the source of a sample
type Mapping struct {
	// RuleLabels are tried in order; the alert name is the fallback
	RuleLabels []string
	// SourceLabels are tried in order; the source type is the fallback
	SourceLabels []string
}

// DefaultMapping routes on an explicit alertflow_rule label, then the alert name,
// and identifies the source by instance, host or job
func DefaultMapping() Mapping {
	return Mapping{
		RuleLabels:   []string{"alertflow_rule"},
		SourceLabels: []string{"instance", "host", "job"},
	}
}

// ToSample turns an external alert into a sample. The value is 1 while the
// alert fires and 0 once it resolved; labels and the status become the event
// payload so both threshold and event rules can consume it.
func ToSample(a ExternalAlert, sourceType string, m Mapping) rules.Sample {
	s := rules.Sample{
		RuleID: firstLabel(a.Labels, m.RuleLabels, a.Name),
		Source: firstLabel(a.Labels, m.SourceLabels, sourceType),
	}

	value := 0.0
	status := "resolved"
	s.Timestamp = a.EndsAt
	if a.Firing {
		value = 1
		status = "firing"
		s.Timestamp = a.StartsAt
	}
	s.Value = &value

	s.Event = make(map[string]string, len(a.Labels)+len(a.Annotations)+2)
	for k, v := range a.Labels {
		s.Event[k] = v
	}
	for k, v := range a.Annotations {
		s.Event["annotation."+k] = v
	}
	s.Event["status"] = status
	s.Event["source_type"] = sourceType

	if len(a.Values) > 0 {
		keys := make([]string, 0, len(a.Values))
		for k := range a.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.Metrics = append(s.Metrics, database.MetricPoint{Key: k, Value: a.Values[k]})
		}
	}
	return s
}

func firstLabel(labels map[string]string, keys []string, fallback string) string {
	for _, k := range keys {
		if v := labels[k]; v != "" {
			return v
		}
	}
	return fallback
}

// IsFiring normalizes the status strings sources use
func IsFiring(status string) bool {
	switch strings.ToLower(status) {
	case "resolved", "ok", "recovery", "inactive", "normal":
		return false
	default:
		return true
	}
}

// Registry looks adapters up by source type
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry registers the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.SourceType()] = a
	}
	return r
}

// Get returns the adapter for a source type
func (r *Registry) Get(sourceType string) (Adapter, bool) {
	a, ok := r.adapters[sourceType]
	return a, ok
}

// Types returns the registered source types, sorted
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
