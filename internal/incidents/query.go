package incidents

import (
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
)

// Filter selects incidents. Zero fields do not filter.
type Filter struct {
	States     []database.IncidentState
	Severities []database.Severity
	From       time.Time
	To         time.Time
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
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	return q
}

// Get returns an incident with its members and ordered timeline
func (m *Manager) Get(id string) (*database.Incident, error) {
	var inc database.Incident
	err := m.db.
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("attached_at, id") }).
		Preload("Timeline", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		First(&inc, "id = ?", id).Error
	if err != nil {
		return nil, database.MapError(err)
	}
	return &inc, nil
}

// Query returns matching incidents newest first, with the total before paging
func (m *Manager) Query(f Filter) ([]database.Incident, int64, error) {
	var total int64
	if err := f.apply(m.db.Model(&database.Incident{})).Count(&total).Error; err != nil {
		return nil, 0, database.MapError(err)
	}
	q := f.apply(m.db.Model(&database.Incident{})).Preload("Members").Order("created_at DESC, id")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var incs []database.Incident
	if err := q.Find(&incs).Error; err != nil {
		return nil, 0, database.MapError(err)
	}
	return incs, total, nil
}

// OpenForAlert returns the open incident an alert belongs to, or nil
func (m *Manager) OpenForAlert(alertID string) (*database.Incident, error) {
	open, err := m.openIncidentsFor([]string{alertID})
	if err != nil || len(open) == 0 {
		return nil, err
	}
	return &open[0], nil
}

// Merges returns the merge audit trail of an incident, as source or target
func (m *Manager) Merges(id string) ([]database.IncidentMerge, error) {
	var merges []database.IncidentMerge
	err := m.db.Where("source_incident_id = ? OR target_incident_id = ?", id, id).
		Order("created_at, id").Find(&merges).Error
	if err != nil {
		return nil, database.MapError(err)
	}
	return merges, nil
}
