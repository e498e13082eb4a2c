// Package testhelpers provides additional data builders for testing
package testhelpers

import (
	"time"

	"github.com/google/uuid"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/rules"
)

// ========================================
// Candidate Builder
// ========================================

// CandidateBuilder builds rule candidates for testing
type CandidateBuilder struct {
	c rules.Candidate
}

// NewCandidateBuilder creates a new candidate builder with defaults
func NewCandidateBuilder() *CandidateBuilder {
	return &CandidateBuilder{
		c: rules.Candidate{
			RuleID:   "cpu-high",
			RuleName: "CPU high",
			Severity: database.SeverityHigh,
			Source:   "db-1",
			Snapshot: database.MetricSnapshot{{Key: "cpu", Value: 95}},
			Tags:     map[string]string{},
			At:       time.Now(),
		},
	}
}

// WithRule sets the rule id and name
func (b *CandidateBuilder) WithRule(id, name string) *CandidateBuilder {
	b.c.RuleID = id
	b.c.RuleName = name
	return b
}

// WithSource sets the source
func (b *CandidateBuilder) WithSource(source string) *CandidateBuilder {
	b.c.Source = source
	return b
}

// WithSeverity sets the severity
func (b *CandidateBuilder) WithSeverity(s database.Severity) *CandidateBuilder {
	b.c.Severity = s
	return b
}

// WithDescription sets the description
func (b *CandidateBuilder) WithDescription(d string) *CandidateBuilder {
	b.c.Description = d
	return b
}

// WithTag adds a tag
func (b *CandidateBuilder) WithTag(key, value string) *CandidateBuilder {
	b.c.Tags[key] = value
	return b
}

// WithMetrics replaces the snapshot
func (b *CandidateBuilder) WithMetrics(points ...database.MetricPoint) *CandidateBuilder {
	b.c.Snapshot = points
	return b
}

// At sets the observation time
func (b *CandidateBuilder) At(t time.Time) *CandidateBuilder {
	b.c.At = t
	return b
}

// Build returns the constructed candidate
func (b *CandidateBuilder) Build() *rules.Candidate {
	c := b.c
	c.Tags = make(map[string]string, len(b.c.Tags))
	for k, v := range b.c.Tags {
		c.Tags[k] = v
	}
	return &c
}

// ========================================
// Alert Builder
// ========================================

// AlertBuilder builds alert records for testing
type AlertBuilder struct {
	alert database.Alert
}

// NewAlertBuilder creates a new alert builder with defaults
func NewAlertBuilder() *AlertBuilder {
	now := time.Now()
	return &AlertBuilder{
		alert: database.Alert{
			ID:             uuid.New().String(),
			RuleID:         "cpu-high",
			RuleName:       "CPU high",
			Severity:       database.SeverityHigh,
			State:          database.AlertStateActive,
			Source:         "db-1",
			MetricSnapshot: database.MetricSnapshot{{Key: "cpu", Value: 95}},
			Tags:           database.StringMap{},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
}

// WithID sets the alert id
func (b *AlertBuilder) WithID(id string) *AlertBuilder {
	b.alert.ID = id
	return b
}

// WithRule sets the rule id and name
func (b *AlertBuilder) WithRule(id, name string) *AlertBuilder {
	b.alert.RuleID = id
	b.alert.RuleName = name
	return b
}

// WithSource sets the source
func (b *AlertBuilder) WithSource(source string) *AlertBuilder {
	b.alert.Source = source
	return b
}

// WithSeverity sets the severity
func (b *AlertBuilder) WithSeverity(s database.Severity) *AlertBuilder {
	b.alert.Severity = s
	return b
}

// WithState sets the state
func (b *AlertBuilder) WithState(s database.AlertState) *AlertBuilder {
	b.alert.State = s
	return b
}

// WithDescription sets the description
func (b *AlertBuilder) WithDescription(d string) *AlertBuilder {
	b.alert.Description = d
	return b
}

// WithTag adds a tag
func (b *AlertBuilder) WithTag(key, value string) *AlertBuilder {
	b.alert.Tags[key] = value
	return b
}

// WithMetrics replaces the snapshot
func (b *AlertBuilder) WithMetrics(points ...database.MetricPoint) *AlertBuilder {
	b.alert.MetricSnapshot = points
	return b
}

// CreatedAt sets created and updated time
func (b *AlertBuilder) CreatedAt(t time.Time) *AlertBuilder {
	b.alert.CreatedAt = t
	b.alert.UpdatedAt = t
	return b
}

// Build returns the constructed alert
func (b *AlertBuilder) Build() database.Alert {
	a := b.alert
	a.Tags = make(database.StringMap, len(b.alert.Tags))
	for k, v := range b.alert.Tags {
		a.Tags[k] = v
	}
	return a
}

// ========================================
// Suppression Rule Builder
// ========================================

// SuppressionRuleBuilder builds suppression rules for testing
type SuppressionRuleBuilder struct {
	rule database.SuppressionRule
}

// NewSuppressionRuleBuilder creates a builder for an indefinite rule active now
func NewSuppressionRuleBuilder() *SuppressionRuleBuilder {
	return &SuppressionRuleBuilder{
		rule: database.SuppressionRule{
			ID:         uuid.New().String(),
			ActiveFrom: time.Now(),
			Reason:     "test suppression",
			CreatedBy:  "tester",
		},
	}
}

// WithID sets the rule id
func (b *SuppressionRuleBuilder) WithID(id string) *SuppressionRuleBuilder {
	b.rule.ID = id
	return b
}

// MatchSources matches alerts by source
func (b *SuppressionRuleBuilder) MatchSources(sources ...string) *SuppressionRuleBuilder {
	b.rule.Predicate.Sources = sources
	return b
}

// MatchRules matches alerts by rule id
func (b *SuppressionRuleBuilder) MatchRules(ids ...string) *SuppressionRuleBuilder {
	b.rule.Predicate.RuleIDs = ids
	return b
}

// MatchSeverities matches alerts by severity
func (b *SuppressionRuleBuilder) MatchSeverities(s ...database.Severity) *SuppressionRuleBuilder {
	b.rule.Predicate.Severities = s
	return b
}

// MatchTag matches alerts by tag
func (b *SuppressionRuleBuilder) MatchTag(key, value string) *SuppressionRuleBuilder {
	if b.rule.Predicate.Tags == nil {
		b.rule.Predicate.Tags = map[string]string{}
	}
	b.rule.Predicate.Tags[key] = value
	return b
}

// Window sets the active window; a zero until means indefinite
func (b *SuppressionRuleBuilder) Window(from, until time.Time) *SuppressionRuleBuilder {
	b.rule.ActiveFrom = from
	if until.IsZero() {
		b.rule.ActiveUntil = nil
	} else {
		b.rule.ActiveUntil = &until
	}
	return b
}

// Build returns the constructed rule
func (b *SuppressionRuleBuilder) Build() database.SuppressionRule {
	return b.rule
}
