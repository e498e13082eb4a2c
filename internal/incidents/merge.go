package incidents

import (
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
)

// Interleave merges two timelines by timestamp while keeping each one's own
// order. On equal timestamps the target's entry comes first.
func Interleave(target, source []database.TimelineEntry) []database.TimelineEntry {
	out := make([]database.TimelineEntry, 0, len(target)+len(source))
	i, j := 0, 0
	for i < len(target) && j < len(source) {
		if source[j].Timestamp.Before(target[i].Timestamp) {
			out = append(out, source[j])
			j++
		} else {
			out = append(out, target[i])
			i++
		}
	}
	out = append(out, target[i:]...)
	return append(out, source[j:]...)
}

// Merge folds incident source into target on behalf of an operator
func (m *Manager) Merge(sourceID, targetID, actor, reason string) (*database.Incident, error) {
	m.membership.Lock()
	defer m.membership.Unlock()
	if reason == "" {
		reason = "merged by " + actor
	}
	return m.merge(sourceID, targetID, actor, 1.0, reason)
}

// merge moves members and timeline of source into target, closes source with
// superseded_by = target and records the merge. The caller holds the
// membership lock.
func (m *Manager) merge(sourceID, targetID, actor string, confidence float64, reason string) (*database.Incident, error) {
	if sourceID == targetID {
		return nil, fmt.Errorf("%w: cannot merge incident %s into itself", database.ErrMalformed, sourceID)
	}
	unlock := m.lockIncidents(sourceID, targetID)
	defer unlock()

	now := m.now()
	var movedAlerts []string
	var source, target *database.Incident
	var raisedFrom database.Severity
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var err error
		if source, err = m.load(tx, sourceID); err != nil {
			return err
		}
		if target, err = m.load(tx, targetID); err != nil {
			return err
		}
		if !source.State.IsOpen() {
			return invalid(source, database.IncidentStateClosed)
		}
		if !target.State.IsOpen() {
			return &database.InvalidTransitionError{Entity: "incident", ID: target.ID, From: string(target.State), To: "MERGE_TARGET"}
		}

		if err := tx.Model(&database.IncidentMember{}).Where("incident_id = ?", sourceID).
			Pluck("alert_id", &movedAlerts).Error; err != nil {
			return err
		}
		if err := tx.Model(&database.IncidentMember{}).Where("incident_id = ?", sourceID).
			Update("incident_id", targetID).Error; err != nil {
			return err
		}

		var targetLine, sourceLine []database.TimelineEntry
		if err := tx.Where("incident_id = ?", targetID).Order("seq").Find(&targetLine).Error; err != nil {
			return err
		}
		if err := tx.Where("incident_id = ?", sourceID).Order("seq").Find(&sourceLine).Error; err != nil {
			return err
		}
		for i, e := range Interleave(targetLine, sourceLine) {
			if err := tx.Model(&database.TimelineEntry{}).Where("id = ?", e.ID).
				Updates(map[string]interface{}{"incident_id": targetID, "seq": i + 1}).Error; err != nil {
				return err
			}
		}
		detail := fmt.Sprintf("incident %s merged in (%s)", sourceID, reason)
		if err := appendTimeline(tx, targetID, actor, EntryMerged, detail, now); err != nil {
			return err
		}
		if err := appendTimeline(tx, sourceID, actor, EntryMergedInto, "merged into "+targetID, now); err != nil {
			return err
		}

		if err := tx.Model(&database.Incident{}).Where("id = ?", sourceID).Updates(map[string]interface{}{
			"state":            database.IncidentStateClosed,
			"superseded_by":    targetID,
			"state_changed_at": now,
			"updated_at":       now,
		}).Error; err != nil {
			return err
		}
		raisedFrom = target.Severity
		severity := database.MaxSeverity(target.Severity, source.Severity)
		if err := tx.Model(&database.Incident{}).Where("id = ?", targetID).Updates(map[string]interface{}{
			"severity":   severity,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		target.Severity = severity

		return tx.Create(&database.IncidentMerge{
			SourceIncidentID: sourceID,
			TargetIncidentID: targetID,
			MergeConfidence:  confidence,
			MergeReason:      reason,
			MergedBy:         actor,
			CreatedAt:        now,
		}).Error
	})
	if err != nil {
		return nil, database.MapError(err)
	}
	if err := m.alerts.LinkIncident(movedAlerts, &targetID); err != nil {
		return nil, err
	}

	log.Printf("IncidentManager: merged incident %s into %s (%d alerts moved) by %s", sourceID, targetID, len(movedAlerts), actor)
	if closed, err := m.load(m.db, sourceID); err == nil {
		m.publish(events.Updated, closed, actor, map[string]interface{}{"superseded_by": targetID})
	}
	merged, err := m.load(m.db, targetID)
	if err != nil {
		return nil, err
	}
	m.publish(events.Updated, merged, actor, map[string]interface{}{"merged_incident_id": sourceID})

	if target.Severity.Rank() > raisedFrom.Rank() {
		if _, err := m.escalateLocked(targetID, actor,
			fmt.Sprintf("severity raised from %s to %s by merge", raisedFrom, target.Severity)); err != nil && !isCapOrClosed(err) {
			return nil, err
		}
		return m.load(m.db, targetID)
	}
	return merged, nil
}
