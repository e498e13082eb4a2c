package database

import "time"

// IncidentMember tracks alerts that have been aggregated into an incident
type IncidentMember struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	IncidentID            string    `gorm:"size:36;not null;uniqueIndex:idx_incident_member" json:"incident_id"`
	AlertID               string    `gorm:"size:36;not null;uniqueIndex:idx_incident_member;index" json:"alert_id"`
	Severity              Severity  `gorm:"type:varchar(20)" json:"severity"`
	CorrelationID         string    `gorm:"size:36" json:"correlation_id"`
	CorrelationConfidence float64   `json:"correlation_confidence"`
	AttachedAt            time.Time `gorm:"not null" json:"attached_at"`
}

func (IncidentMember) TableName() string {
	return "incident_members"
}
