package database

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestJSONB_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		wantErr bool
	}{
		{name: "nil value", input: nil},
		{name: "valid JSON bytes", input: []byte(`{"key": "value"}`)},
		{name: "valid JSON string", input: `{"key": "value"}`},
		{name: "invalid JSON", input: []byte(`not json`), wantErr: true},
		{name: "wrong type", input: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j JSONB
			err := j.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONB_Value(t *testing.T) {
	value, err := JSONB(nil).Value()
	if err != nil || value != nil {
		t.Errorf("nil JSONB Value() = %v, %v; want nil, nil", value, err)
	}
	value, err = JSONB{"key": "value"}.Value()
	if err != nil || value == nil {
		t.Errorf("populated JSONB Value() = %v, %v", value, err)
	}
}

func TestSeverity_Rank(t *testing.T) {
	order := Severities()
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
	if Severity("bogus").Valid() {
		t.Error("unknown severity should not be valid")
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input string
		want  Severity
		ok    bool
	}{
		{"critical", SeverityCritical, true},
		{" High ", SeverityHigh, true},
		{"LOW", SeverityLow, true},
		{"urgent", Severity("URGENT"), false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseSeverity(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseSeverity(%q) = %s, %v; want %s, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMaxSeverity(t *testing.T) {
	if got := MaxSeverity(SeverityLow, SeverityHigh); got != SeverityHigh {
		t.Errorf("MaxSeverity(LOW, HIGH) = %s", got)
	}
	if got := MaxSeverity(SeverityCritical, SeverityMedium); got != SeverityCritical {
		t.Errorf("MaxSeverity(CRITICAL, MEDIUM) = %s", got)
	}
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		confidence float64
		want       ConfidenceBand
	}{
		{0, BandVeryLow},
		{0.19, BandVeryLow},
		{0.2, BandLow},
		{0.39, BandLow},
		{0.4, BandMedium},
		{0.6, BandMediumHigh},
		{0.79, BandMediumHigh},
		{0.8, BandHigh},
		{1, BandHigh},
	}
	for _, tt := range tests {
		if got := BandFor(tt.confidence); got != tt.want {
			t.Errorf("BandFor(%v) = %s, want %s", tt.confidence, got, tt.want)
		}
		if BandFor(tt.want.LowerBound()) != tt.want {
			t.Errorf("LowerBound of %s falls outside the band", tt.want)
		}
	}
}

func TestAlertState_Predicates(t *testing.T) {
	visible := map[AlertState]bool{
		AlertStateActive:       true,
		AlertStateAcknowledged: true,
	}
	for _, s := range []AlertState{AlertStatePending, AlertStateActive, AlertStateAcknowledged,
		AlertStateResolved, AlertStateClosed, AlertStateSuppressed} {
		if s.IsVisible() != visible[s] {
			t.Errorf("%s.IsVisible() = %v", s, s.IsVisible())
		}
	}
	if AlertStateResolved.IsOpen() || AlertStateClosed.IsOpen() {
		t.Error("resolved and closed alerts are not open")
	}
	if !AlertStateSuppressed.IsOpen() {
		t.Error("suppressed alerts are still open")
	}
}

func TestMatchPredicate_IsEmpty(t *testing.T) {
	if !(MatchPredicate{}).IsEmpty() {
		t.Error("zero predicate should be empty")
	}
	if (MatchPredicate{Sources: []string{"db-1"}}).IsEmpty() {
		t.Error("predicate with sources should not be empty")
	}
}

func TestSuppressionRule_ActiveAt(t *testing.T) {
	now := time.Now()
	until := now.Add(time.Hour)
	expired := now

	tests := []struct {
		name string
		rule SuppressionRule
		at   time.Time
		want bool
	}{
		{"indefinite", SuppressionRule{ActiveFrom: now}, now.Add(24 * time.Hour), true},
		{"before window", SuppressionRule{ActiveFrom: now}, now.Add(-time.Second), false},
		{"inside window", SuppressionRule{ActiveFrom: now, ActiveUntil: &until}, now.Add(time.Minute), true},
		{"window end is exclusive", SuppressionRule{ActiveFrom: now, ActiveUntil: &until}, until, false},
		{"lifted", SuppressionRule{ActiveFrom: now, ExpiredAt: &expired}, now.Add(time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.ActiveAt(tt.at); got != tt.want {
				t.Errorf("ActiveAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTableNames(t *testing.T) {
	tests := []struct {
		model     interface{ TableName() string }
		tableName string
	}{
		{Alert{}, "alerts"},
		{AlertTag{}, "alert_tags"},
		{AlertTransition{}, "alert_transitions"},
		{CorrelationGroup{}, "correlation_groups"},
		{Incident{}, "incidents"},
		{IncidentMember{}, "incident_members"},
		{TimelineEntry{}, "incident_timeline"},
		{IncidentMerge{}, "incident_merges"},
		{SuppressionRule{}, "suppression_rules"},
		{NotificationAttempt{}, "notification_attempts"},
		{QuarantinedItem{}, "quarantined_items"},
		{CorrelationSettings{}, "correlation_settings"},
	}

	for _, tt := range tests {
		t.Run(tt.tableName, func(t *testing.T) {
			result := tt.model.TableName()
			if result != tt.tableName {
				t.Errorf("TableName() = %s, want %s", result, tt.tableName)
			}
		})
	}
}

func TestAlert_RoundTripPreservesSnapshotOrder(t *testing.T) {
	db := setupTestDB(t)

	alert := Alert{
		ID:       "a-1",
		RuleID:   "cpu-high",
		Severity: SeverityCritical,
		State:    AlertStateActive,
		Source:   "db-1",
		MetricSnapshot: MetricSnapshot{
			{Key: "memory", Value: 91},
			{Key: "cpu", Value: 97.5},
			{Key: "disk", Value: 12},
		},
		Tags: StringMap{"service": "orders"},
	}
	if err := db.Create(&alert).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	var loaded Alert
	if err := db.First(&loaded, "id = ?", "a-1").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(alert.MetricSnapshot, loaded.MetricSnapshot); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if loaded.Tags["service"] != "orders" {
		t.Errorf("tags = %v", loaded.Tags)
	}
	if v, ok := loaded.MetricSnapshot.Get("cpu"); !ok || v != 97.5 {
		t.Errorf("Get(cpu) = %v, %v", v, ok)
	}
}

func TestSuppressionRule_PredicateRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	rule := SuppressionRule{
		ID: "s-1",
		Predicate: MatchPredicate{
			Sources:    []string{"db-1"},
			Severities: []Severity{SeverityLow},
			Tags:       map[string]string{"env": "staging"},
		},
		ActiveFrom: time.Now(),
		Reason:     "maintenance",
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var loaded SuppressionRule
	if err := db.First(&loaded, "id = ?", "s-1").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(rule.Predicate, loaded.Predicate); diff != "" {
		t.Errorf("predicate mismatch (-want +got):\n%s", diff)
	}
}

func TestGetOrCreateCorrelationSettings(t *testing.T) {
	db := setupTestDB(t)

	seed := NewDefaultCorrelationSettings()
	seed.LinkThreshold = 0.7

	first, err := GetOrCreateCorrelationSettings(db, seed)
	if err != nil {
		t.Fatalf("GetOrCreateCorrelationSettings: %v", err)
	}
	if first.LinkThreshold != 0.7 {
		t.Errorf("LinkThreshold = %v, want seeded 0.7", first.LinkThreshold)
	}

	first.SemanticWeight = 2
	if err := UpdateCorrelationSettings(db, first); err != nil {
		t.Fatalf("UpdateCorrelationSettings: %v", err)
	}

	second, err := GetOrCreateCorrelationSettings(db, nil)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected singleton row, got ids %d and %d", first.ID, second.ID)
	}
	if second.Weights()[StrategySemantic] != 2 {
		t.Errorf("semantic weight = %v, want 2", second.Weights()[StrategySemantic])
	}

	var count int64
	db.Model(&CorrelationSettings{}).Count(&count)
	if count != 1 {
		t.Errorf("settings rows = %d, want 1", count)
	}
}

func TestCorrelationSettings_Durations(t *testing.T) {
	s := NewDefaultCorrelationSettings()
	if s.TemporalDelta() != 5*time.Minute {
		t.Errorf("TemporalDelta() = %v", s.TemporalDelta())
	}
	if s.WindowAge() != 30*time.Minute {
		t.Errorf("WindowAge() = %v", s.WindowAge())
	}
	if s.StrategyTimeout() != 150*time.Millisecond {
		t.Errorf("StrategyTimeout() = %v", s.StrategyTimeout())
	}
	if s.MinConfidence != 0.2 || s.IncidentConfidence != 0.4 {
		t.Errorf("thresholds = %v / %v", s.MinConfidence, s.IncidentConfidence)
	}
}

func TestQuarantine(t *testing.T) {
	db := setupTestDB(t)

	if err := Quarantine(db, "evaluate", JSONB{"rule_id": ""}, errors.New("missing rule id")); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	var items []QuarantinedItem
	db.Find(&items)
	if len(items) != 1 {
		t.Fatalf("expected 1 quarantined item, got %d", len(items))
	}
	if items[0].Stage != "evaluate" || items[0].Error != "missing rule id" {
		t.Errorf("unexpected item: %+v", items[0])
	}
}
