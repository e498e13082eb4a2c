package incidents

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/lifecycle"
)

// transitions lists the legal incident state changes
var transitions = map[database.IncidentState][]database.IncidentState{
	database.IncidentStateOpen: {
		database.IncidentStateInvestigating, database.IncidentStateEscalated,
		database.IncidentStateResolved, database.IncidentStateClosed,
	},
	database.IncidentStateInvestigating: {
		database.IncidentStateEscalated, database.IncidentStateResolved, database.IncidentStateClosed,
	},
	database.IncidentStateEscalated: {
		database.IncidentStateInvestigating, database.IncidentStateResolved, database.IncidentStateClosed,
	},
	database.IncidentStateResolved: {database.IncidentStateClosed},
}

// CanTransition reports whether an incident may move from -> to
func CanTransition(from, to database.IncidentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalid(inc *database.Incident, to database.IncidentState) error {
	return &database.InvalidTransitionError{Entity: "incident", ID: inc.ID, From: string(inc.State), To: string(to)}
}

func isCapOrClosed(err error) bool {
	return errors.Is(err, database.ErrEscalationCap) || errors.Is(err, database.ErrInvalidTransition)
}

// changeState moves an incident to a new state with a timeline entry
func (m *Manager) changeState(id string, to database.IncidentState, actor, entry, detail string, extra map[string]interface{}) (*database.Incident, error) {
	unlock := m.lockIncidents(id)
	defer unlock()
	return m.changeStateLocked(id, to, actor, entry, detail, extra)
}

func (m *Manager) changeStateLocked(id string, to database.IncidentState, actor, entry, detail string, extra map[string]interface{}) (*database.Incident, error) {
	var inc *database.Incident
	now := m.now()
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var err error
		inc, err = m.load(tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(inc.State, to) {
			return invalid(inc, to)
		}
		updates := map[string]interface{}{
			"state":            to,
			"updated_at":       now,
			"state_changed_at": now,
		}
		for k, v := range extra {
			updates[k] = v
		}
		if err := tx.Model(&database.Incident{}).Where("id = ? AND state = ?", id, inc.State).Updates(updates).Error; err != nil {
			return err
		}
		return appendTimeline(tx, id, actor, entry, detail, now)
	})
	if err != nil {
		return nil, database.MapError(err)
	}
	return m.load(m.db, id)
}

// Investigate marks an incident as being worked on
func (m *Manager) Investigate(id, actor string) (*database.Incident, error) {
	inc, err := m.changeState(id, database.IncidentStateInvestigating, actor, EntryInvestigate,
		"investigation started by "+actor, nil)
	if err != nil {
		return nil, err
	}
	m.publish(events.Updated, inc, actor, nil)
	return inc, nil
}

// Resolve resolves an open incident
func (m *Manager) Resolve(id, actor string) (*database.Incident, error) {
	inc, err := m.changeState(id, database.IncidentStateResolved, actor, EntryResolved,
		"resolved by "+actor, map[string]interface{}{"resolved_at": m.now()})
	if err != nil {
		return nil, err
	}
	m.releaseOpenMembers(inc.ID)
	log.Printf("IncidentManager: incident %s resolved by %s", id, actor)
	m.publish(events.Resolved, inc, actor, nil)
	return inc, nil
}

// Close closes an open or resolved incident
func (m *Manager) Close(id, actor string) (*database.Incident, error) {
	inc, err := m.changeState(id, database.IncidentStateClosed, actor, EntryClosed, "closed by "+actor, nil)
	if err != nil {
		return nil, err
	}
	m.releaseOpenMembers(inc.ID)
	m.publish(events.Updated, inc, actor, nil)
	return inc, nil
}

// releaseOpenMembers clears the incident reference of members that are still
// open so they can escalate on their own or join a later incident
func (m *Manager) releaseOpenMembers(incidentID string) {
	var ids []string
	err := m.db.Model(&database.Alert{}).
		Where("incident_id = ? AND state IN ?", incidentID, []database.AlertState{
			database.AlertStatePending, database.AlertStateActive, database.AlertStateAcknowledged, database.AlertStateSuppressed,
		}).Pluck("id", &ids).Error
	if err != nil {
		log.Printf("Warning: IncidentManager: could not list open members of %s: %v", incidentID, err)
		return
	}
	if err := m.alerts.LinkIncident(ids, nil); err != nil {
		log.Printf("Warning: IncidentManager: could not release members of %s: %v", incidentID, err)
	}
}

// Escalate raises an incident one level by hand
func (m *Manager) Escalate(id, actor string) (*database.Incident, error) {
	unlock := m.lockIncidents(id)
	defer unlock()
	return m.escalateLocked(id, actor, "escalated by "+actor)
}

// escalateLocked applies one escalation step. The caller holds the incident lock.
func (m *Manager) escalateLocked(id, actor, reason string) (*database.Incident, error) {
	now := m.now()
	var inc *database.Incident
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var err error
		inc, err = m.load(tx, id)
		if err != nil {
			return err
		}
		if !inc.State.IsOpen() {
			return invalid(inc, database.IncidentStateEscalated)
		}
		if inc.EscalationLevel >= m.policy.Cap {
			return fmt.Errorf("%w: incident %s is at level %d", database.ErrEscalationCap, id, inc.EscalationLevel)
		}
		updates := map[string]interface{}{
			"escalation_level":  inc.EscalationLevel + 1,
			"last_escalated_at": now,
			"updated_at":        now,
		}
		if inc.State != database.IncidentStateEscalated {
			updates["state"] = database.IncidentStateEscalated
			updates["state_changed_at"] = now
		}
		if err := tx.Model(&database.Incident{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		detail := fmt.Sprintf("level %d -> %d: %s", inc.EscalationLevel, inc.EscalationLevel+1, reason)
		return appendTimeline(tx, id, actor, EntryEscalated, detail, now)
	})
	if err != nil {
		return nil, database.MapError(err)
	}
	fresh, err := m.load(m.db, id)
	if err != nil {
		return nil, err
	}
	log.Printf("IncidentManager: incident %s escalated to level %d (%s)", id, fresh.EscalationLevel, reason)
	m.publish(events.Escalated, fresh, actor, map[string]interface{}{
		"from_level": fresh.EscalationLevel - 1,
		"level":      fresh.EscalationLevel,
		"reason":     reason,
	})
	return fresh, nil
}

// ScanEscalations raises open incidents to the level their age calls for.
// Returns the number of escalation steps taken.
func (m *Manager) ScanEscalations(now time.Time) (int, error) {
	var open []database.Incident
	if err := m.db.Where("state IN ? AND escalation_level < ?", openIncidentStates, m.policy.Cap).
		Order("created_at, id").Find(&open).Error; err != nil {
		return 0, database.MapError(err)
	}
	steps := 0
	for _, inc := range open {
		due := m.policy.DueLevel(inc.Severity, inc.CreatedAt, now)
		for level := inc.EscalationLevel; level < due; level++ {
			_, err := m.escalateWithLock(inc.ID, fmt.Sprintf("open for %s", now.Sub(inc.CreatedAt).Round(time.Second)))
			if err != nil {
				if isCapOrClosed(err) {
					break
				}
				return steps, err
			}
			steps++
		}
	}
	return steps, nil
}

func (m *Manager) escalateWithLock(id, reason string) (*database.Incident, error) {
	unlock := m.lockIncidents(id)
	defer unlock()
	return m.escalateLocked(id, lifecycle.SystemActor, reason)
}

// AlertResolved records that a member alert reached RESOLVED or CLOSED and
// resolves its incident once every member has.
func (m *Manager) AlertResolved(alertID string) (*database.Incident, error) {
	m.membership.Lock()
	defer m.membership.Unlock()

	open, err := m.openIncidentsFor([]string{alertID})
	if err != nil || len(open) == 0 {
		return nil, err
	}
	id := open[0].ID

	unlock := m.lockIncidents(id)
	defer unlock()

	now := m.now()
	if err := m.db.Transaction(func(tx *gorm.DB) error {
		return appendTimeline(tx, id, lifecycle.SystemActor, EntryAlertClosed, "alert "+alertID+" resolved", now)
	}); err != nil {
		return nil, database.MapError(err)
	}

	var remaining int64
	sub := m.db.Model(&database.IncidentMember{}).Select("alert_id").Where("incident_id = ?", id)
	if err := m.db.Model(&database.Alert{}).
		Where("id IN (?) AND state NOT IN ?", sub, []database.AlertState{database.AlertStateResolved, database.AlertStateClosed}).
		Count(&remaining).Error; err != nil {
		return nil, database.MapError(err)
	}
	if remaining > 0 {
		return m.load(m.db, id)
	}

	inc, err := m.changeStateLocked(id, database.IncidentStateResolved, lifecycle.SystemActor, EntryAutoResolved,
		"every member alert resolved", map[string]interface{}{"resolved_at": now})
	if err != nil {
		return nil, err
	}
	log.Printf("IncidentManager: incident %s auto-resolved", id)
	m.publish(events.Resolved, inc, lifecycle.SystemActor, map[string]interface{}{"reason": "all members resolved"})
	return inc, nil
}
