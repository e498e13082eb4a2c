// Package incidents turns correlation groups into incidents and manages
// their membership, timeline, escalation and resolution.
package incidents

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/escalation"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/lifecycle"
	"github.com/akmatori/alertflow/internal/locks"
)

// Timeline event types
const (
	EntryCreated      = "created"
	EntryAlertsAdded  = "alerts_added"
	EntryEscalated    = "escalated"
	EntryInvestigate  = "investigating"
	EntryAlertClosed  = "alert_resolved"
	EntryResolved     = "resolved"
	EntryClosed       = "closed"
	EntryMerged       = "merged"
	EntryMergedInto   = "merged_into"
	EntryAutoResolved = "auto_resolved"
)

var openIncidentStates = []database.IncidentState{
	database.IncidentStateOpen,
	database.IncidentStateInvestigating,
	database.IncidentStateEscalated,
}

// Manager owns incidents
type Manager struct {
	db     *gorm.DB
	alerts *lifecycle.Store
	bus    events.Publisher
	policy escalation.Policy
	locks  *locks.Keyed
	now    func() time.Time

	// membership serialises every change to which alert belongs to which incident
	membership sync.Mutex

	settingsMu    sync.RWMutex
	minConfidence float64
}

// NewManager creates an incident manager
func NewManager(db *gorm.DB, alerts *lifecycle.Store, bus events.Publisher, policy escalation.Policy) *Manager {
	return &Manager{
		db:            db,
		alerts:        alerts,
		bus:           bus,
		policy:        policy,
		locks:         locks.NewKeyed(),
		now:           time.Now,
		minConfidence: database.BandMedium.LowerBound(),
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetMinConfidence sets the smallest group confidence that creates or grows incidents
func (m *Manager) SetMinConfidence(c float64) {
	m.settingsMu.Lock()
	m.minConfidence = c
	m.settingsMu.Unlock()
}

func (m *Manager) threshold() float64 {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.minConfidence
}

func incidentKey(id string) string {
	return "incident:" + id
}

// lockIncidents takes incident locks in id order and returns the release func
func (m *Manager) lockIncidents(ids ...string) func() {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	var unlocks []func()
	prev := ""
	for _, id := range sorted {
		if id == prev {
			continue
		}
		prev = id
		unlocks = append(unlocks, m.locks.Lock(incidentKey(id)))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// appendTimeline writes the next timeline entry of an incident
func appendTimeline(tx *gorm.DB, incidentID, actor, eventType, detail string, at time.Time) error {
	var last struct{ Max int }
	if err := tx.Model(&database.TimelineEntry{}).Select("COALESCE(MAX(seq), 0) AS max").
		Where("incident_id = ?", incidentID).Scan(&last).Error; err != nil {
		return err
	}
	return tx.Create(&database.TimelineEntry{
		IncidentID: incidentID,
		Seq:        last.Max + 1,
		Timestamp:  at,
		Actor:      actor,
		EventType:  eventType,
		Detail:     detail,
		Origin:     incidentID,
	}).Error
}

func (m *Manager) load(tx *gorm.DB, id string) (*database.Incident, error) {
	var inc database.Incident
	if err := tx.First(&inc, "id = ?", id).Error; err != nil {
		return nil, database.MapError(err)
	}
	return &inc, nil
}

func (m *Manager) publish(t events.Type, inc *database.Incident, actor string, data map[string]interface{}) {
	if m.bus == nil || inc == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["state"] = inc.State
	data["title"] = inc.Title
	data["escalation_level"] = inc.EscalationLevel

	var members []database.IncidentMember
	m.db.Where("incident_id = ?", inc.ID).Order("id").Find(&members)
	ids := make([]string, 0, len(members))
	for _, mem := range members {
		ids = append(ids, mem.AlertID)
	}
	data["member_alert_ids"] = ids

	internal := len(ids) > 0
	if internal {
		var external int64
		m.db.Model(&database.Alert{}).Where("id IN ? AND internal = ?", ids, false).Count(&external)
		internal = external == 0
	}

	m.bus.Publish(events.Event{
		Type:     t,
		Kind:     events.KindIncident,
		TargetID: inc.ID,
		Severity: inc.Severity,
		Internal: internal,
		Actor:    actor,
		Data:     data,
	})
}

func titleFor(alerts []database.Alert) string {
	if len(alerts) == 0 {
		return "Incident"
	}
	first := alerts[0]
	name := first.RuleName
	if name == "" {
		name = first.RuleID
	}
	title := fmt.Sprintf("%s on %s", name, first.Source)
	if len(alerts) > 1 {
		title += fmt.Sprintf(" (+%d related)", len(alerts)-1)
	}
	return title
}

func alertIDs(alerts []database.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	return ids
}

// openIncidentsFor returns the open incidents containing any of the alerts,
// oldest first
func (m *Manager) openIncidentsFor(alertIDs []string) ([]database.Incident, error) {
	var incs []database.Incident
	if len(alertIDs) == 0 {
		return incs, nil
	}
	sub := m.db.Model(&database.IncidentMember{}).Select("incident_id").Where("alert_id IN ?", alertIDs)
	err := m.db.Where("id IN (?) AND state IN ?", sub, openIncidentStates).
		Order("created_at, id").Find(&incs).Error
	if err != nil {
		return nil, database.MapError(err)
	}
	return incs, nil
}

// HandleGroup applies one correlation group. Live members (ACTIVE or
// ACKNOWLEDGED) join the oldest open incident any of them belongs to, other
// open incidents they span are merged into it, and when none exists a new
// incident is created from at least two live members. Returns the incident
// the group landed in, or nil when the group was not actionable.
func (m *Manager) HandleGroup(group *database.CorrelationGroup) (*database.Incident, error) {
	if group == nil || group.Confidence < m.threshold() {
		return nil, nil
	}

	m.membership.Lock()
	defer m.membership.Unlock()

	members, err := m.alerts.GetMany(group.MemberAlertIDs)
	if err != nil {
		return nil, err
	}
	var live []database.Alert
	for _, a := range members {
		if a.State.IsVisible() {
			live = append(live, a)
		}
	}

	open, err := m.openIncidentsFor(alertIDs(live))
	if err != nil {
		return nil, err
	}

	if len(open) == 0 {
		if len(live) < 2 {
			return nil, nil
		}
		return m.create(live, group)
	}

	target := open[0]
	for _, other := range open[1:] {
		reason := fmt.Sprintf("correlation group %s spans both incidents", group.ID)
		if _, err := m.merge(other.ID, target.ID, lifecycle.SystemActor, group.Confidence, reason); err != nil {
			return nil, err
		}
	}
	return m.attach(target.ID, live, group)
}

func (m *Manager) create(live []database.Alert, group *database.CorrelationGroup) (*database.Incident, error) {
	now := m.now()
	severity := database.SeverityLow
	for _, a := range live {
		severity = database.MaxSeverity(severity, a.Severity)
	}
	groupID := group.ID
	inc := &database.Incident{
		ID:             uuid.New().String(),
		Title:          titleFor(live),
		State:          database.IncidentStateOpen,
		Severity:       severity,
		CorrelationID:  &groupID,
		CreatedAt:      now,
		UpdatedAt:      now,
		StateChangedAt: now,
	}

	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inc).Error; err != nil {
			return err
		}
		if err := insertMembers(tx, inc.ID, live, group, now); err != nil {
			return err
		}
		detail := fmt.Sprintf("created from correlation group %s (%s, %s %.2f) with alerts %s",
			group.ID, group.Strategy, group.ConfidenceBand, group.Confidence, strings.Join(alertIDs(live), ", "))
		return appendTimeline(tx, inc.ID, lifecycle.SystemActor, EntryCreated, detail, now)
	})
	if err != nil {
		return nil, database.MapError(err)
	}
	if err := m.alerts.LinkIncident(alertIDs(live), &inc.ID); err != nil {
		return nil, err
	}

	log.Printf("IncidentManager: created incident %s (%s) with %d alerts", inc.ID, inc.Severity, len(live))
	m.publish(events.Created, inc, lifecycle.SystemActor, map[string]interface{}{"correlation_id": group.ID})
	return inc, nil
}

func insertMembers(tx *gorm.DB, incidentID string, alerts []database.Alert, group *database.CorrelationGroup, at time.Time) error {
	if len(alerts) == 0 {
		return nil
	}
	rows := make([]database.IncidentMember, 0, len(alerts))
	for _, a := range alerts {
		row := database.IncidentMember{
			IncidentID: incidentID,
			AlertID:    a.ID,
			Severity:   a.Severity,
			AttachedAt: at,
		}
		if group != nil {
			row.CorrelationID = group.ID
			row.CorrelationConfidence = group.Confidence
		}
		rows = append(rows, row)
	}
	return tx.Create(&rows).Error
}

// attach adds the live alerts that are not members yet. A severity raise
// escalates the incident by one level.
func (m *Manager) attach(incidentID string, live []database.Alert, group *database.CorrelationGroup) (*database.Incident, error) {
	unlock := m.lockIncidents(incidentID)
	defer unlock()

	var existing []database.IncidentMember
	if err := m.db.Where("incident_id = ?", incidentID).Find(&existing).Error; err != nil {
		return nil, database.MapError(err)
	}
	have := make(map[string]bool, len(existing))
	for _, mem := range existing {
		have[mem.AlertID] = true
	}
	var added []database.Alert
	for _, a := range live {
		if !have[a.ID] {
			added = append(added, a)
		}
	}

	inc, err := m.load(m.db, incidentID)
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return inc, nil
	}

	now := m.now()
	raised := inc.Severity
	for _, a := range added {
		raised = database.MaxSeverity(raised, a.Severity)
	}
	err = m.db.Transaction(func(tx *gorm.DB) error {
		if err := insertMembers(tx, incidentID, added, group, now); err != nil {
			return err
		}
		if err := tx.Model(&database.Incident{}).Where("id = ?", incidentID).Updates(map[string]interface{}{
			"severity":   raised,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		return appendTimeline(tx, incidentID, lifecycle.SystemActor, EntryAlertsAdded,
			"alerts added: "+strings.Join(alertIDs(added), ", "), now)
	})
	if err != nil {
		return nil, database.MapError(err)
	}
	if err := m.alerts.LinkIncident(alertIDs(added), &incidentID); err != nil {
		return nil, err
	}

	previous := inc.Severity
	inc.Severity = raised
	inc.UpdatedAt = now
	log.Printf("IncidentManager: attached %d alerts to incident %s", len(added), incidentID)
	m.publish(events.Updated, inc, lifecycle.SystemActor, map[string]interface{}{"added_alert_ids": alertIDs(added)})

	if raised.Rank() > previous.Rank() {
		if _, err := m.escalateLocked(incidentID, lifecycle.SystemActor,
			fmt.Sprintf("severity raised from %s to %s", previous, raised)); err != nil && !isCapOrClosed(err) {
			return nil, err
		}
	}
	return m.load(m.db, incidentID)
}
