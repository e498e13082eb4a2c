package lifecycle

import (
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
)

// Filter selects alerts. Zero fields do not filter.
type Filter struct {
	States     []database.AlertState
	Severities []database.Severity
	Sources    []string
	RuleIDs    []string
	Tags       map[string]string
	IncidentID string
	From       time.Time
	To         time.Time
	Internal   *bool
	Limit      int
	Offset     int
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	if len(f.Severities) > 0 {
		q = q.Where("severity IN ?", f.Severities)
	}
	if len(f.Sources) > 0 {
		q = q.Where("source IN ?", f.Sources)
	}
	if len(f.RuleIDs) > 0 {
		q = q.Where("rule_id IN ?", f.RuleIDs)
	}
	if f.IncidentID != "" {
		q = q.Where("incident_id = ?", f.IncidentID)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	if f.Internal != nil {
		q = q.Where("internal = ?", *f.Internal)
	}
	for k, v := range f.Tags {
		q = q.Where("id IN (SELECT alert_id FROM alert_tags WHERE tag_key = ? AND tag_value = ?)", k, v)
	}
	return q
}

// Query returns matching alerts newest first, with the total before paging
func (s *Store) Query(f Filter) ([]database.Alert, int64, error) {
	var total int64
	if err := f.apply(s.db.Model(&database.Alert{})).Count(&total).Error; err != nil {
		return nil, 0, database.MapError(err)
	}

	q := f.apply(s.db.Model(&database.Alert{})).Order("created_at DESC, id")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var alerts []database.Alert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, 0, database.MapError(err)
	}
	return alerts, total, nil
}
