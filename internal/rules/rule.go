// Package rules turns metric and event samples into alert candidates.
package rules

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/akmatori/alertflow/internal/database"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Operator is a threshold comparison
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Compare applies the operator to value and threshold
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// Aggregation reduces a window to one value
type Aggregation string

const (
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggSum   Aggregation = "sum"
	AggLast  Aggregation = "last"
	AggCount Aggregation = "count"
)

// Rule is a threshold rule over one metric (or an event match)
type Rule struct {
	ID          string            `yaml:"id" json:"id" validate:"required,max=128"`
	Name        string            `yaml:"name" json:"name" validate:"max=255"`
	Description string            `yaml:"description" json:"description"`
	Tags        map[string]string `yaml:"tags" json:"tags,omitempty"`
	Metric      string            `yaml:"metric" json:"metric" validate:"required_without=EventMatch"`
	Operator    Operator          `yaml:"operator" json:"operator" validate:"required,oneof=> >= < <= == !="`
	Threshold   float64           `yaml:"threshold" json:"threshold"`
	Window      time.Duration     `yaml:"window" json:"window" validate:"gte=0"`
	WindowSize  int               `yaml:"window_size" json:"window_size" validate:"gte=0,lte=10000"`
	Aggregation Aggregation       `yaml:"aggregation" json:"aggregation" validate:"omitempty,oneof=avg min max sum last count"`
	Severity    database.Severity `yaml:"severity" json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	FireAfter   int               `yaml:"fire_after" json:"fire_after" validate:"gte=0"`
	ClearAfter  int               `yaml:"clear_after" json:"clear_after" validate:"gte=0"`
	EventMatch  map[string]string `yaml:"event_match" json:"event_match,omitempty"`
	Enabled     *bool             `yaml:"enabled" json:"enabled,omitempty"`
}

// IsEnabled treats a missing flag as enabled
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// IsEventRule reports whether the rule counts matching events instead of values
func (r *Rule) IsEventRule() bool {
	return len(r.EventMatch) > 0
}

// Validate checks field constraints
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: rule %q: %v", database.ErrMalformed, r.ID, err)
	}
	if r.Window == 0 && r.WindowSize == 0 && r.Aggregation != "" && r.Aggregation != AggLast {
		return fmt.Errorf("%w: rule %q: aggregation %s needs a window or window_size", database.ErrMalformed, r.ID, r.Aggregation)
	}
	return nil
}

// normalized returns a copy with defaults applied
func (r *Rule) normalized() *Rule {
	c := *r
	if c.FireAfter < 1 {
		c.FireAfter = 1
	}
	if c.ClearAfter < 1 {
		c.ClearAfter = 1
	}
	if c.Aggregation == "" {
		if c.IsEventRule() {
			c.Aggregation = AggCount
		} else {
			c.Aggregation = AggLast
		}
	}
	if c.WindowSize == 0 {
		if c.Window > 0 {
			c.WindowSize = defaultTimedWindowSize
		} else {
			c.WindowSize = 1
		}
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return &c
}

// defaultTimedWindowSize caps time-bounded windows declared without window_size
const defaultTimedWindowSize = 1024

// Sample is one observation for a rule on a source
type Sample struct {
	RuleID    string                  `json:"rule_id" validate:"required"`
	Source    string                  `json:"source" validate:"required"`
	Timestamp time.Time               `json:"timestamp"`
	Value     *float64                `json:"value,omitempty"`
	Metrics   database.MetricSnapshot `json:"metrics,omitempty"`
	Event     map[string]string       `json:"event,omitempty"`
}

// Validate checks that the sample carries a rule, a source and a payload
func (s *Sample) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: sample: %v", database.ErrMalformed, err)
	}
	if s.Value == nil && len(s.Event) == 0 {
		return fmt.Errorf("%w: sample for %s/%s has neither value nor event", database.ErrMalformed, s.RuleID, s.Source)
	}
	return nil
}

// Candidate is a would-be alert produced when a rule fires
type Candidate struct {
	RuleID      string                  `json:"rule_id"`
	RuleName    string                  `json:"rule_name"`
	Description string                  `json:"description"`
	Severity    database.Severity       `json:"severity"`
	Source      string                  `json:"source"`
	Snapshot    database.MetricSnapshot `json:"metric_snapshot"`
	Tags        map[string]string       `json:"tags,omitempty"`
	Internal    bool                    `json:"internal,omitempty"`
	At          time.Time               `json:"at"`
}

// Alert builds the record shape of the candidate; state and id are left to the store
func (c *Candidate) Alert() *database.Alert {
	tags := make(database.StringMap, len(c.Tags))
	for k, v := range c.Tags {
		tags[k] = v
	}
	return &database.Alert{
		RuleID:         c.RuleID,
		RuleName:       c.RuleName,
		Description:    c.Description,
		Severity:       c.Severity,
		Source:         c.Source,
		MetricSnapshot: c.Snapshot,
		Tags:           tags,
		Internal:       c.Internal,
	}
}
