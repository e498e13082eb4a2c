// Package escalation raises the escalation level of alerts that stay
// unacknowledged for too long.
package escalation

import (
	"errors"
	"log"
	"time"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/lifecycle"
)

// Policy maps severities to escalation periods
type Policy struct {
	Periods map[database.Severity]time.Duration
	Cap     int
}

// DefaultPolicy returns the default escalation periods and a cap of 3
func DefaultPolicy() Policy {
	return Policy{
		Periods: map[database.Severity]time.Duration{
			database.SeverityCritical: 15 * time.Minute,
			database.SeverityHigh:     30 * time.Minute,
			database.SeverityMedium:   time.Hour,
			database.SeverityLow:      4 * time.Hour,
		},
		Cap: 3,
	}
}

// Period returns the escalation period for a severity; zero disables escalation
func (p Policy) Period(sev database.Severity) time.Duration {
	return p.Periods[sev]
}

// DueLevel is the number of full periods elapsed since since, capped
func (p Policy) DueLevel(sev database.Severity, since, now time.Time) int {
	period := p.Period(sev)
	if period <= 0 || !now.After(since) {
		return 0
	}
	level := int(now.Sub(since) / period)
	if level > p.Cap {
		level = p.Cap
	}
	return level
}

// Engine escalates ACTIVE alerts that are not part of an incident.
// Incident escalation lives with the incident manager and uses the same Policy.
type Engine struct {
	store  *lifecycle.Store
	policy Policy
}

// NewEngine creates an escalation engine
func NewEngine(store *lifecycle.Store, policy Policy) *Engine {
	return &Engine{store: store, policy: policy}
}

// Policy returns the engine's policy
func (e *Engine) Policy() Policy {
	return e.policy
}

// Scan raises every overdue alert to its due level. Returns how many alerts changed.
func (e *Engine) Scan(now time.Time) (int, error) {
	alerts, err := e.store.ActiveUnescalated()
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range alerts {
		a := &alerts[i]
		due := e.policy.DueLevel(a.Severity, a.CreatedAt, now)
		if due <= a.EscalationLevel {
			continue
		}
		_, ok, err := e.store.Escalate(a.ID, due)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return changed, err
		}
		if ok {
			changed++
			log.Printf("EscalationEngine: alert %s (%s) escalated to level %d", a.ID, a.Severity, due)
		}
	}
	return changed, nil
}
