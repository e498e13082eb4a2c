package rules

import (
	"time"

	"github.com/akmatori/alertflow/internal/database"
)

// Decision is the outcome of one evaluation
type Decision int

const (
	DecisionNone Decision = iota
	DecisionFire
	DecisionClear
)

func (d Decision) String() string {
	switch d {
	case DecisionFire:
		return "fire"
	case DecisionClear:
		return "clear"
	default:
		return "none"
	}
}

// SeriesState is the hysteresis state of one rule+source series
type SeriesState struct {
	Firing            bool
	ConsecutiveHits   int
	ConsecutiveClears int
	LastSeen          time.Time
	LastValue         float64
}

// Result is what Evaluate decided and the state to carry forward
type Result struct {
	Decision  Decision
	Value     float64
	Satisfied bool
	State     SeriesState
}

// Evaluate aggregates the window, compares it with the threshold and applies
// fire_after / clear_after hysteresis. It does not modify its inputs.
func Evaluate(rule *Rule, window *Window, state SeriesState, at time.Time) Result {
	r := rule.normalized()
	value, ok := window.Aggregate(r.Aggregation)
	satisfied := ok && r.Operator.Compare(value, r.Threshold)

	next := state
	next.LastSeen = at
	if ok {
		next.LastValue = value
	}

	if !satisfied {
		return clearStep(r, next, value)
	}

	next.ConsecutiveHits++
	next.ConsecutiveClears = 0
	res := Result{Value: value, Satisfied: true, State: next}
	if !next.Firing && next.ConsecutiveHits >= r.FireAfter {
		res.State.Firing = true
		res.Decision = DecisionFire
	}
	return res
}

// clearStep records one clear evaluation
func clearStep(r *Rule, state SeriesState, value float64) Result {
	state.ConsecutiveClears++
	state.ConsecutiveHits = 0
	res := Result{Value: value, State: state}
	if state.Firing && state.ConsecutiveClears >= r.ClearAfter {
		res.State.Firing = false
		res.Decision = DecisionClear
	}
	return res
}

// EvaluateStale forces one clear evaluation for a series that stopped reporting
func EvaluateStale(rule *Rule, state SeriesState) Result {
	return clearStep(rule.normalized(), state, state.LastValue)
}

// MatchesEvent reports whether every event_match key equals the payload value.
// A match value of "*" only requires the key to be present.
func MatchesEvent(rule *Rule, payload map[string]string) bool {
	if !rule.IsEventRule() {
		return false
	}
	for k, want := range rule.EventMatch {
		got, ok := payload[k]
		if !ok || (want != "*" && got != want) {
			return false
		}
	}
	return true
}

// BuildCandidate assembles the alert candidate for a firing series
func BuildCandidate(rule *Rule, sample Sample, value float64) *Candidate {
	metric := rule.Metric
	if metric == "" {
		metric = "event_count"
	}
	snapshot := database.MetricSnapshot{{Key: metric, Value: value}}
	for _, p := range sample.Metrics {
		if p.Key != metric {
			snapshot = append(snapshot, p)
		}
	}

	tags := make(map[string]string, len(rule.Tags))
	for k, v := range rule.Tags {
		tags[k] = v
	}

	at := sample.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	name := rule.Name
	if name == "" {
		name = rule.ID
	}
	return &Candidate{
		RuleID:      rule.ID,
		RuleName:    name,
		Description: rule.Description,
		Severity:    rule.Severity,
		Source:      sample.Source,
		Snapshot:    snapshot,
		Tags:        tags,
		At:          at,
	}
}
