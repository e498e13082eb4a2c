// Package lifecycle is the only writer of alert records and their state.
package lifecycle

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/locks"
	"github.com/akmatori/alertflow/internal/rules"
)

// SystemActor is recorded for transitions the pipeline applies on its own
const SystemActor = "system"

// transitions lists the only legal alert state changes
var transitions = map[database.AlertState][]database.AlertState{
	database.AlertStatePending:      {database.AlertStateActive},
	database.AlertStateActive:       {database.AlertStateAcknowledged, database.AlertStateResolved, database.AlertStateSuppressed},
	database.AlertStateAcknowledged: {database.AlertStateResolved},
	database.AlertStateResolved:     {database.AlertStateClosed},
	database.AlertStateSuppressed:   {database.AlertStateActive},
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to database.AlertState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// resolvePaths are the transition sequences that end an open alert
var resolvePaths = map[database.AlertState][]database.AlertState{
	database.AlertStatePending:      {database.AlertStateActive, database.AlertStateResolved},
	database.AlertStateActive:       {database.AlertStateResolved},
	database.AlertStateAcknowledged: {database.AlertStateResolved},
	database.AlertStateSuppressed:   {database.AlertStateActive, database.AlertStateResolved},
}

var openStates = []database.AlertState{
	database.AlertStatePending,
	database.AlertStateActive,
	database.AlertStateAcknowledged,
	database.AlertStateSuppressed,
}

// Store manages alert records
type Store struct {
	db    *gorm.DB
	bus   events.Publisher
	locks *locks.Keyed
	now   func() time.Time
}

// NewStore creates a lifecycle store. bus may be nil.
func NewStore(db *gorm.DB, bus events.Publisher) *Store {
	return &Store{
		db:    db,
		bus:   bus,
		locks: locks.NewKeyed(),
		now:   time.Now,
	}
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func seriesKey(ruleID, source string) string {
	return "series:" + ruleID + "|" + source
}

func alertKey(id string) string {
	return "alert:" + id
}

// laterOf keeps updated_at monotonic
func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// step applies one transition inside tx and appends its history row
func (s *Store) step(tx *gorm.DB, alert *database.Alert, to database.AlertState, actor, reason string, extra map[string]interface{}) error {
	from := alert.State
	if !CanTransition(from, to) {
		return &database.InvalidTransitionError{Entity: "alert", ID: alert.ID, From: string(from), To: string(to)}
	}
	at := laterOf(alert.UpdatedAt, s.now())
	updates := map[string]interface{}{
		"state":      to,
		"updated_at": at,
	}
	for k, v := range extra {
		updates[k] = v
	}
	if err := tx.Model(&database.Alert{}).Where("id = ? AND state = ?", alert.ID, from).Updates(updates).Error; err != nil {
		return err
	}
	if err := tx.Create(&database.AlertTransition{
		AlertID: alert.ID,
		From:    from,
		To:      to,
		Actor:   actor,
		Reason:  reason,
		At:      at,
	}).Error; err != nil {
		return err
	}
	alert.State = to
	alert.UpdatedAt = at
	return nil
}

func (s *Store) publish(t events.Type, alert *database.Alert, actor string, data map[string]interface{}) {
	if s.bus == nil || alert == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["state"] = alert.State
	data["rule_id"] = alert.RuleID
	data["source"] = alert.Source
	if alert.IncidentID != nil {
		data["incident_id"] = *alert.IncidentID
	}
	s.bus.Publish(events.Event{
		Type:     t,
		Kind:     events.KindAlert,
		TargetID: alert.ID,
		Severity: alert.Severity,
		Internal: alert.Internal,
		Actor:    actor,
		Data:     data,
	})
}

func (s *Store) load(tx *gorm.DB, id string) (*database.Alert, error) {
	var alert database.Alert
	if err := tx.First(&alert, "id = ?", id).Error; err != nil {
		return nil, database.MapError(err)
	}
	return &alert, nil
}

// openFor returns the open alert for a rule+source pair, if any
func (s *Store) openFor(tx *gorm.DB, ruleID, source string) (*database.Alert, error) {
	var alert database.Alert
	err := tx.Where("rule_id = ? AND source = ? AND state IN ?", ruleID, source, openStates).
		Order("created_at DESC").First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, database.MapError(err)
	}
	return &alert, nil
}

func writeTags(tx *gorm.DB, alertID string, tags database.StringMap) error {
	if len(tags) == 0 {
		return nil
	}
	rows := make([]database.AlertTag, 0, len(tags))
	for k, v := range tags {
		rows = append(rows, database.AlertTag{AlertID: alertID, Key: k, Value: v})
	}
	return tx.Create(&rows).Error
}

// Create records a candidate as a PENDING alert. When an open alert already
// exists for the rule+source pair its snapshot is refreshed and it is returned
// with created == false.
func (s *Store) Create(cand *rules.Candidate) (*database.Alert, bool, error) {
	return s.admit(cand, nil, false)
}

// Admit records a candidate and moves it to ACTIVE, or through ACTIVE to
// SUPPRESSED when suppressionRef is set, in a single transaction.
func (s *Store) Admit(cand *rules.Candidate, suppressionRef *string) (*database.Alert, bool, error) {
	return s.admit(cand, suppressionRef, true)
}

func (s *Store) admit(cand *rules.Candidate, suppressionRef *string, activate bool) (*database.Alert, bool, error) {
	if cand == nil || cand.RuleID == "" || cand.Source == "" || !cand.Severity.Valid() {
		return nil, false, fmt.Errorf("%w: candidate needs rule, source and a valid severity", database.ErrMalformed)
	}

	unlock := s.locks.Lock(seriesKey(cand.RuleID, cand.Source))
	defer unlock()

	var result *database.Alert
	created := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := s.openFor(tx, cand.RuleID, cand.Source)
		if err != nil {
			return err
		}
		if existing != nil {
			at := laterOf(existing.UpdatedAt, s.now())
			if err := tx.Model(&database.Alert{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
				"metric_snapshot": cand.Snapshot,
				"updated_at":      at,
			}).Error; err != nil {
				return err
			}
			existing.MetricSnapshot = cand.Snapshot
			existing.UpdatedAt = at
			result = existing
			return nil
		}

		alert := cand.Alert()
		alert.ID = uuid.New().String()
		alert.State = database.AlertStatePending
		alert.CreatedAt = cand.At
		if alert.CreatedAt.IsZero() {
			alert.CreatedAt = s.now()
		}
		alert.UpdatedAt = laterOf(alert.CreatedAt, s.now())
		if err := tx.Create(alert).Error; err != nil {
			return err
		}
		if err := writeTags(tx, alert.ID, alert.Tags); err != nil {
			return err
		}
		if err := tx.Create(&database.AlertTransition{
			AlertID: alert.ID,
			From:    "",
			To:      database.AlertStatePending,
			Actor:   SystemActor,
			Reason:  "candidate",
			At:      alert.UpdatedAt,
		}).Error; err != nil {
			return err
		}

		if activate {
			if err := s.step(tx, alert, database.AlertStateActive, SystemActor, "admitted", nil); err != nil {
				return err
			}
			if suppressionRef != nil {
				if err := s.step(tx, alert, database.AlertStateSuppressed, SystemActor, "suppressed on arrival",
					map[string]interface{}{"suppression_ref": *suppressionRef}); err != nil {
					return err
				}
				alert.SuppressionRef = suppressionRef
			}
		}
		result = alert
		created = true
		return nil
	})
	if err != nil {
		return nil, false, database.MapError(err)
	}

	if created {
		s.publish(events.Created, result, SystemActor, nil)
	} else {
		s.publish(events.Updated, result, SystemActor, map[string]interface{}{"deduplicated": true})
	}
	return result, created, nil
}

// transition applies one state change under the alert's lock
func (s *Store) transition(id string, to database.AlertState, actor, reason string, evt events.Type, extra func(*database.Alert) map[string]interface{}) (*database.Alert, error) {
	unlock := s.locks.Lock(alertKey(id))
	defer unlock()

	var alert *database.Alert
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		alert, err = s.load(tx, id)
		if err != nil {
			return err
		}
		var fields map[string]interface{}
		if extra != nil {
			fields = extra(alert)
		}
		return s.step(tx, alert, to, actor, reason, fields)
	})
	if err != nil {
		return nil, database.MapError(err)
	}
	// Reload so callers observe the persisted record including extra fields
	fresh, err := s.load(s.db, id)
	if err != nil {
		return nil, err
	}
	s.publish(evt, fresh, actor, map[string]interface{}{"reason": reason})
	return fresh, nil
}

// Activate moves a PENDING alert to ACTIVE
func (s *Store) Activate(id, actor string) (*database.Alert, error) {
	return s.transition(id, database.AlertStateActive, actor, "activated", events.Updated, nil)
}

// Suppress moves an ACTIVE alert to SUPPRESSED and records the rule reference
func (s *Store) Suppress(id, ref, actor string) (*database.Alert, error) {
	return s.transition(id, database.AlertStateSuppressed, actor, "suppressed by "+ref, events.Updated,
		func(*database.Alert) map[string]interface{} {
			return map[string]interface{}{"suppression_ref": ref}
		})
}

// Unsuppress moves a SUPPRESSED alert back to ACTIVE
func (s *Store) Unsuppress(id, actor string) (*database.Alert, error) {
	return s.transition(id, database.AlertStateActive, actor, "suppression ended", events.Updated,
		func(*database.Alert) map[string]interface{} {
			return map[string]interface{}{"suppression_ref": nil}
		})
}

// Resuppress points a SUPPRESSED alert at another rule without changing state
func (s *Store) Resuppress(id, ref string) (*database.Alert, error) {
	unlock := s.locks.Lock(alertKey(id))
	defer unlock()

	alert, err := s.load(s.db, id)
	if err != nil {
		return nil, err
	}
	if alert.State != database.AlertStateSuppressed {
		return nil, &database.InvalidTransitionError{Entity: "alert", ID: id, From: string(alert.State), To: string(database.AlertStateSuppressed)}
	}
	if err := s.db.Model(&database.Alert{}).Where("id = ?", id).UpdateColumn("suppression_ref", ref).Error; err != nil {
		return nil, database.MapError(err)
	}
	alert.SuppressionRef = &ref
	return alert, nil
}

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED
func (s *Store) Acknowledge(id, actor string) (*database.Alert, error) {
	return s.transition(id, database.AlertStateAcknowledged, actor, "acknowledged", events.Updated, nil)
}

// Resolve moves an ACTIVE or ACKNOWLEDGED alert to RESOLVED
func (s *Store) Resolve(id, actor string) (*database.Alert, error) {
	return s.transition(id, database.AlertStateResolved, actor, "resolved", events.Resolved,
		func(*database.Alert) map[string]interface{} {
			return map[string]interface{}{"resolved_at": s.now()}
		})
}

// AutoResolve resolves the open alert of a rule+source pair after its rule
// cleared. Suppressed or pending alerts pass through ACTIVE in the same
// transaction. Returns ErrNotFound when nothing is open.
func (s *Store) AutoResolve(ruleID, source string) (*database.Alert, error) {
	unlockSeries := s.locks.Lock(seriesKey(ruleID, source))
	open, err := s.openFor(s.db, ruleID, source)
	unlockSeries()
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, fmt.Errorf("%w: no open alert for %s/%s", database.ErrNotFound, ruleID, source)
	}

	unlock := s.locks.Lock(alertKey(open.ID))
	defer unlock()

	var alert *database.Alert
	err = s.db.Transaction(func(tx *gorm.DB) error {
		alert, err = s.load(tx, open.ID)
		if err != nil {
			return err
		}
		path, ok := resolvePaths[alert.State]
		if !ok {
			return &database.InvalidTransitionError{Entity: "alert", ID: alert.ID, From: string(alert.State), To: string(database.AlertStateResolved)}
		}
		for _, to := range path {
			var extra map[string]interface{}
			switch to {
			case database.AlertStateActive:
				extra = map[string]interface{}{"suppression_ref": nil}
			case database.AlertStateResolved:
				extra = map[string]interface{}{"resolved_at": s.now()}
			}
			if err := s.step(tx, alert, to, SystemActor, "rule cleared", extra); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, database.MapError(err)
	}
	fresh, err := s.load(s.db, open.ID)
	if err != nil {
		return nil, err
	}
	s.publish(events.Resolved, fresh, SystemActor, map[string]interface{}{"reason": "rule cleared"})
	return fresh, nil
}

// Close moves a RESOLVED alert to CLOSED
func (s *Store) Close(id, actor string) (*database.Alert, error) {
	return s.transition(id, database.AlertStateClosed, actor, "closed", events.Updated, nil)
}

// CloseExpired closes RESOLVED alerts whose grace period passed with no newer
// alert on the same rule+source pair
func (s *Store) CloseExpired(grace time.Duration) (int, error) {
	cutoff := s.now().Add(-grace)
	var candidates []database.Alert
	err := s.db.Where("state = ? AND resolved_at IS NOT NULL AND resolved_at <= ?", database.AlertStateResolved, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM alerts newer WHERE newer.rule_id = alerts.rule_id AND newer.source = alerts.source AND newer.created_at > alerts.resolved_at)").
		Order("resolved_at, id").Find(&candidates).Error
	if err != nil {
		return 0, database.MapError(err)
	}

	closed := 0
	for _, a := range candidates {
		if _, err := s.transition(a.ID, database.AlertStateClosed, SystemActor, "grace period elapsed", events.Updated, nil); err != nil {
			if errors.Is(err, database.ErrInvalidTransition) {
				continue
			}
			return closed, err
		}
		closed++
	}
	if closed > 0 {
		log.Printf("Lifecycle: closed %d resolved alerts after grace period", closed)
	}
	return closed, nil
}

// Escalate raises the escalation level of an ACTIVE alert. It is a no-op
// (changed == false) when the alert is no longer ACTIVE or already at level.
func (s *Store) Escalate(id string, level int) (alert *database.Alert, changed bool, err error) {
	unlock := s.locks.Lock(alertKey(id))
	defer unlock()

	alert, err = s.load(s.db, id)
	if err != nil {
		return nil, false, err
	}
	if alert.State != database.AlertStateActive || level <= alert.EscalationLevel {
		return alert, false, nil
	}
	at := laterOf(alert.UpdatedAt, s.now())
	if err := s.db.Model(&database.Alert{}).Where("id = ? AND state = ?", id, database.AlertStateActive).Updates(map[string]interface{}{
		"escalation_level": level,
		"updated_at":       at,
	}).Error; err != nil {
		return nil, false, database.MapError(err)
	}
	from := alert.EscalationLevel
	alert.EscalationLevel = level
	alert.UpdatedAt = at
	s.publish(events.Escalated, alert, SystemActor, map[string]interface{}{"from_level": from, "level": level})
	return alert, true, nil
}

// LinkCorrelation points alerts at their latest correlation group
func (s *Store) LinkCorrelation(alertIDs []string, groupID string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	err := s.db.Model(&database.Alert{}).Where("id IN ?", alertIDs).UpdateColumn("correlation_id", groupID).Error
	return database.MapError(err)
}

// LinkIncident points an alert at its incident; nil clears the reference
func (s *Store) LinkIncident(alertIDs []string, incidentID *string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	var value interface{}
	if incidentID != nil {
		value = *incidentID
	}
	err := s.db.Model(&database.Alert{}).Where("id IN ?", alertIDs).UpdateColumn("incident_id", value).Error
	return database.MapError(err)
}

// Get returns one alert
func (s *Store) Get(id string) (*database.Alert, error) {
	return s.load(s.db, id)
}

// GetMany returns alerts by id in (created_at, id) order
func (s *Store) GetMany(ids []string) ([]database.Alert, error) {
	var alerts []database.Alert
	if len(ids) == 0 {
		return alerts, nil
	}
	if err := s.db.Where("id IN ?", ids).Order("created_at, id").Find(&alerts).Error; err != nil {
		return nil, database.MapError(err)
	}
	return alerts, nil
}

// Transitions returns the state history of an alert, oldest first
func (s *Store) Transitions(id string) ([]database.AlertTransition, error) {
	var history []database.AlertTransition
	if err := s.db.Where("alert_id = ?", id).Order("id").Find(&history).Error; err != nil {
		return nil, database.MapError(err)
	}
	return history, nil
}

// RecentVisible returns ACTIVE and ACKNOWLEDGED alerts created since the given time
func (s *Store) RecentVisible(since time.Time) ([]database.Alert, error) {
	var alerts []database.Alert
	err := s.db.Where("state IN ? AND created_at >= ?",
		[]database.AlertState{database.AlertStateActive, database.AlertStateAcknowledged}, since).
		Order("created_at, id").Find(&alerts).Error
	if err != nil {
		return nil, database.MapError(err)
	}
	return alerts, nil
}

// ActiveUnescalated lists ACTIVE alerts that are not part of an incident
func (s *Store) ActiveUnescalated() ([]database.Alert, error) {
	var alerts []database.Alert
	err := s.db.Where("state = ? AND incident_id IS NULL", database.AlertStateActive).
		Order("created_at, id").Find(&alerts).Error
	if err != nil {
		return nil, database.MapError(err)
	}
	return alerts, nil
}

// SuppressedBy lists SUPPRESSED alerts referencing a suppression rule
func (s *Store) SuppressedBy(ref string) ([]database.Alert, error) {
	var alerts []database.Alert
	err := s.db.Where("state = ? AND suppression_ref = ?", database.AlertStateSuppressed, ref).
		Order("created_at, id").Find(&alerts).Error
	if err != nil {
		return nil, database.MapError(err)
	}
	return alerts, nil
}
