package database

import "time"

// IncidentMerge tracks when incidents are merged together.
// This provides an audit trail for merge operations, whether automatic or manual (by operators).
type IncidentMerge struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SourceIncidentID string    `gorm:"size:36;not null;index" json:"source_incident_id"` // The incident that was merged away (closed)
	TargetIncidentID string    `gorm:"size:36;not null;index" json:"target_incident_id"` // The incident that absorbed the source
	MergeConfidence  float64   `json:"merge_confidence"`                                 // Correlation confidence that triggered the merge, 1.0 for manual merges
	MergeReason      string    `gorm:"type:text" json:"merge_reason"`
	MergedBy         string    `gorm:"type:varchar(128);not null" json:"merged_by"` // 'system' for automatic merges, or the operator for manual merges
	CreatedAt        time.Time `json:"created_at"`
}

func (IncidentMerge) TableName() string {
	return "incident_merges"
}
