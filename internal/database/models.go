package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// scanBytes accepts the representations drivers use for json columns
func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("type assertion to []byte failed")
	}
}

// ========== Enumerations ==========

// Severity is the normalized alert severity
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists all severities from lowest to highest
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// Rank orders severities; unknown values rank below LOW
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity normalizes a severity string (case-insensitive)
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

// MaxSeverity returns the higher of two severities
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertState is a state of the alert lifecycle state machine
type AlertState string

const (
	AlertStatePending      AlertState = "PENDING"
	AlertStateActive       AlertState = "ACTIVE"
	AlertStateAcknowledged AlertState = "ACKNOWLEDGED"
	AlertStateResolved     AlertState = "RESOLVED"
	AlertStateClosed       AlertState = "CLOSED"
	AlertStateSuppressed   AlertState = "SUPPRESSED"
)

// IsVisible reports whether alerts in this state take part in correlation
func (s AlertState) IsVisible() bool {
	return s == AlertStateActive || s == AlertStateAcknowledged
}

// IsOpen reports whether the alert still represents a live condition
func (s AlertState) IsOpen() bool {
	switch s {
	case AlertStatePending, AlertStateActive, AlertStateAcknowledged, AlertStateSuppressed:
		return true
	default:
		return false
	}
}

// IncidentState is a state of an incident
type IncidentState string

const (
	IncidentStateOpen          IncidentState = "OPEN"
	IncidentStateInvestigating IncidentState = "INVESTIGATING"
	IncidentStateEscalated     IncidentState = "ESCALATED"
	IncidentStateResolved      IncidentState = "RESOLVED"
	IncidentStateClosed        IncidentState = "CLOSED"
)

// IsOpen reports whether the incident still accepts members
func (s IncidentState) IsOpen() bool {
	switch s {
	case IncidentStateOpen, IncidentStateInvestigating, IncidentStateEscalated:
		return true
	default:
		return false
	}
}

// CorrelationStrategy names one of the correlation strategies
type CorrelationStrategy string

const (
	StrategyTemporal      CorrelationStrategy = "TEMPORAL"
	StrategySpatial       CorrelationStrategy = "SPATIAL"
	StrategySemantic      CorrelationStrategy = "SEMANTIC"
	StrategyMetricPattern CorrelationStrategy = "METRIC_PATTERN"
)

// ConfidenceBand is the coarse bucket of a correlation confidence
type ConfidenceBand string

const (
	BandVeryLow    ConfidenceBand = "VERY_LOW"
	BandLow        ConfidenceBand = "LOW"
	BandMedium     ConfidenceBand = "MEDIUM"
	BandMediumHigh ConfidenceBand = "MEDIUM_HIGH"
	BandHigh       ConfidenceBand = "HIGH"
)

// BandFor maps a confidence in [0,1] to its band
func BandFor(confidence float64) ConfidenceBand {
	switch {
	case confidence < 0.2:
		return BandVeryLow
	case confidence < 0.4:
		return BandLow
	case confidence < 0.6:
		return BandMedium
	case confidence < 0.8:
		return BandMediumHigh
	default:
		return BandHigh
	}
}

// LowerBound returns the smallest confidence that falls into the band
func (b ConfidenceBand) LowerBound() float64 {
	switch b {
	case BandLow:
		return 0.2
	case BandMedium:
		return 0.4
	case BandMediumHigh:
		return 0.6
	case BandHigh:
		return 0.8
	default:
		return 0
	}
}

// Channel is a notification delivery channel
type Channel string

const (
	ChannelRealtime Channel = "REALTIME_STREAM"
	ChannelEmail    Channel = "EMAIL"
	ChannelWebhook  Channel = "WEBHOOK"
	ChannelChat     Channel = "CHAT"
)

// AttemptStatus is the status of one notification attempt
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptSent      AttemptStatus = "SENT"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptAbandoned AttemptStatus = "ABANDONED"
)

// ========== JSON column types ==========

// MetricPoint is one key/value pair of a metric snapshot
type MetricPoint struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// MetricSnapshot keeps metric values in the order they were captured
type MetricSnapshot []MetricPoint

// Scan implements the sql.Scanner interface
func (m *MetricSnapshot) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface
func (m MetricSnapshot) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

// Keys returns the metric names in capture order
func (m MetricSnapshot) Keys() []string {
	keys := make([]string, 0, len(m))
	for _, p := range m {
		keys = append(keys, p.Key)
	}
	return keys
}

// Get returns the value recorded for key
func (m MetricSnapshot) Get(key string) (float64, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return 0, false
}

// StringMap is a string-to-string JSON column (tags, labels)
type StringMap map[string]string

// Scan implements the sql.Scanner interface
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// StringList is a JSON array of strings
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Contains reports whether s is in the list
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// ========== Alerts ==========

// Alert is one rule violation instance. Only the lifecycle store writes it.
type Alert struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	RuleID          string         `gorm:"size:128;not null;index:idx_alert_rule_source" json:"rule_id"`
	RuleName        string         `gorm:"size:255" json:"rule_name"`
	Description     string         `gorm:"type:text" json:"description"`
	Severity        Severity       `gorm:"type:varchar(20);not null;index" json:"severity"`
	State           AlertState     `gorm:"type:varchar(20);not null;index" json:"state"`
	Source          string         `gorm:"size:255;not null;index:idx_alert_rule_source" json:"source"`
	MetricSnapshot  MetricSnapshot `gorm:"type:jsonb" json:"metric_snapshot"`
	Tags            StringMap      `gorm:"type:jsonb" json:"tags"`
	CorrelationID   *string        `gorm:"size:36" json:"correlation_id,omitempty"`
	IncidentID      *string        `gorm:"size:36;index" json:"incident_id,omitempty"`
	SuppressionRef  *string        `gorm:"size:36;index" json:"suppression_ref,omitempty"`
	EscalationLevel int            `gorm:"default:0" json:"escalation_level"`
	Internal        bool           `gorm:"default:false" json:"internal"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

func (Alert) TableName() string {
	return "alerts"
}

// AlertTag mirrors Alert.Tags so queries can filter on tags portably
type AlertTag struct {
	ID      uint   `gorm:"primaryKey" json:"-"`
	AlertID string `gorm:"size:36;not null;index" json:"alert_id"`
	Key     string `gorm:"column:tag_key;size:128;not null;index:idx_alert_tag_kv" json:"key"`
	Value   string `gorm:"column:tag_value;size:255;index:idx_alert_tag_kv" json:"value"`
}

func (AlertTag) TableName() string {
	return "alert_tags"
}

// AlertTransition records one applied state transition
type AlertTransition struct {
	ID      uint       `gorm:"primaryKey" json:"id"`
	AlertID string     `gorm:"size:36;not null;index" json:"alert_id"`
	From    AlertState `gorm:"column:from_state;type:varchar(20);not null" json:"from"`
	To      AlertState `gorm:"column:to_state;type:varchar(20);not null" json:"to"`
	Actor   string     `gorm:"size:128" json:"actor"`
	Reason  string     `gorm:"type:text" json:"reason"`
	At      time.Time  `gorm:"not null" json:"at"`
}

func (AlertTransition) TableName() string {
	return "alert_transitions"
}

// ========== Correlation ==========

// CorrelationGroup is the immutable output of one correlation pass
type CorrelationGroup struct {
	ID             string              `gorm:"primaryKey;size:36" json:"id"`
	MemberAlertIDs StringList          `gorm:"type:jsonb" json:"member_alert_ids"`
	Strategy       CorrelationStrategy `gorm:"type:varchar(20);not null" json:"strategy"`
	Confidence     float64             `json:"confidence"`
	ConfidenceBand ConfidenceBand      `gorm:"type:varchar(20);not null;index" json:"confidence_band"`
	Scores         JSONB               `gorm:"type:jsonb" json:"scores"`
	ComputedAt     time.Time           `gorm:"not null;index" json:"computed_at"`
}

func (CorrelationGroup) TableName() string {
	return "correlation_groups"
}

// Actionable reports whether the group has enough members to act on
func (g *CorrelationGroup) Actionable() bool {
	return len(g.MemberAlertIDs) >= 2
}

// ========== Incidents ==========

// Incident groups alerts that represent one operational problem
type Incident struct {
	ID              string        `gorm:"primaryKey;size:36" json:"id"`
	Title           string        `gorm:"type:varchar(255)" json:"title"`
	State           IncidentState `gorm:"type:varchar(20);not null;index" json:"state"`
	Severity        Severity      `gorm:"type:varchar(20);not null;index" json:"severity"`
	EscalationLevel int           `gorm:"default:0" json:"escalation_level"`
	CorrelationID   *string       `gorm:"size:36" json:"correlation_id,omitempty"`
	SupersededBy    *string       `gorm:"size:36" json:"superseded_by,omitempty"`
	CreatedAt       time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	StateChangedAt  time.Time     `json:"state_changed_at"`
	LastEscalatedAt *time.Time    `json:"last_escalated_at,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`

	Members  []IncidentMember `gorm:"foreignKey:IncidentID" json:"members,omitempty"`
	Timeline []TimelineEntry  `gorm:"foreignKey:IncidentID" json:"timeline,omitempty"`
}

func (Incident) TableName() string {
	return "incidents"
}

// MemberAlertIDs returns the ids of all member alerts
func (i *Incident) MemberAlertIDs() []string {
	ids := make([]string, 0, len(i.Members))
	for _, m := range i.Members {
		ids = append(ids, m.AlertID)
	}
	return ids
}

// TimelineEntry is one append-only entry of an incident timeline
type TimelineEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	IncidentID string    `gorm:"size:36;not null;index" json:"incident_id"`
	Seq        int       `gorm:"not null" json:"seq"`
	Timestamp  time.Time `gorm:"not null" json:"timestamp"`
	Actor      string    `gorm:"size:128;not null" json:"actor"`
	EventType  string    `gorm:"size:64;not null" json:"event_type"`
	Detail     string    `gorm:"type:text" json:"detail"`
	// Origin is the incident the entry was first written to (differs after a merge)
	Origin string `gorm:"size:36" json:"origin"`
}

func (TimelineEntry) TableName() string {
	return "incident_timeline"
}

// ========== Suppression ==========

// MatchPredicate is a structural filter over alert fields.
// Empty fields match anything; non-empty fields must all match.
type MatchPredicate struct {
	Sources    []string          `json:"sources,omitempty" yaml:"sources"`
	RuleIDs    []string          `json:"rule_ids,omitempty" yaml:"rule_ids"`
	Severities []Severity        `json:"severities,omitempty" yaml:"severities"`
	Tags       map[string]string `json:"tags,omitempty" yaml:"tags"`
}

// Scan implements the sql.Scanner interface
func (p *MatchPredicate) Scan(value interface{}) error {
	if value == nil {
		*p = MatchPredicate{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, p)
}

// Value implements the driver.Valuer interface
func (p MatchPredicate) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// IsEmpty reports whether the predicate would match every alert
func (p MatchPredicate) IsEmpty() bool {
	return len(p.Sources) == 0 && len(p.RuleIDs) == 0 && len(p.Severities) == 0 && len(p.Tags) == 0
}

// SuppressionRule holds matching alerts out of correlation and notification
type SuppressionRule struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	Predicate   MatchPredicate `gorm:"type:jsonb" json:"match_predicate"`
	ActiveFrom  time.Time      `gorm:"not null;index" json:"active_from"`
	ActiveUntil *time.Time     `gorm:"index" json:"active_until,omitempty"`
	Reason      string         `gorm:"type:text" json:"reason"`
	CreatedBy   string         `gorm:"size:128" json:"created_by"`
	ExpiredAt   *time.Time     `json:"expired_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (SuppressionRule) TableName() string {
	return "suppression_rules"
}

// ActiveAt reports whether the rule's window covers t
func (r *SuppressionRule) ActiveAt(t time.Time) bool {
	if r.ExpiredAt != nil {
		return false
	}
	if t.Before(r.ActiveFrom) {
		return false
	}
	return r.ActiveUntil == nil || t.Before(*r.ActiveUntil)
}

// ========== Notifications ==========

// NotificationAttempt is one delivery try on one channel for one event
type NotificationAttempt struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id"`
	Channel       Channel       `gorm:"type:varchar(32);not null;index:idx_attempt_target" json:"channel"`
	EventID       string        `gorm:"size:36;not null;index" json:"event_id"`
	EventType     string        `gorm:"size:32;not null" json:"event_type"`
	TargetKind    string        `gorm:"size:16;not null" json:"target_kind"`
	TargetEventID string        `gorm:"size:36;not null;index:idx_attempt_target" json:"target_event_id"`
	AttemptNumber int           `gorm:"not null" json:"attempt_number"`
	Internal      bool          `gorm:"default:false" json:"internal"`
	Severity      Severity      `gorm:"type:varchar(20)" json:"severity,omitempty"`
	Status        AttemptStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Subject       string        `gorm:"type:text" json:"subject"`
	Body          string        `gorm:"type:text" json:"body"`
	ScheduledAt   time.Time     `gorm:"not null;index" json:"scheduled_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Error         *string       `gorm:"type:text" json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (NotificationAttempt) TableName() string {
	return "notification_attempts"
}

// ========== Quarantine ==========

// QuarantinedItem keeps a malformed pipeline item together with its error
type QuarantinedItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Stage     string    `gorm:"size:64;not null;index" json:"stage"`
	Payload   JSONB     `gorm:"type:jsonb" json:"payload"`
	Error     string    `gorm:"type:text;not null" json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

func (QuarantinedItem) TableName() string {
	return "quarantined_items"
}
