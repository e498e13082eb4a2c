package database

import "time"

// CorrelationSettings controls correlation scoring and incident thresholds
type CorrelationSettings struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	TemporalWeight         float64   `gorm:"default:1" json:"temporal_weight"`
	SpatialWeight          float64   `gorm:"default:1" json:"spatial_weight"`
	SemanticWeight         float64   `gorm:"default:1" json:"semantic_weight"`
	MetricPatternWeight    float64   `gorm:"default:1" json:"metric_pattern_weight"`
	LinkThreshold          float64   `gorm:"default:0.6" json:"link_threshold"`
	MinConfidence          float64   `gorm:"default:0.2" json:"min_confidence"`
	IncidentConfidence     float64   `gorm:"default:0.4" json:"incident_confidence"`
	SemanticThreshold      float64   `gorm:"default:0.3" json:"semantic_threshold"`
	TemporalDeltaSeconds   int       `gorm:"default:300" json:"temporal_delta_seconds"`
	WindowMinutes          int       `gorm:"default:30" json:"window_minutes"`
	WindowMaxAlerts        int       `gorm:"default:500" json:"window_max_alerts"`
	StrategyTimeoutMillis  int       `gorm:"default:150" json:"strategy_timeout_millis"`
	SettingsRefreshSeconds int       `gorm:"default:60" json:"settings_refresh_seconds"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func (CorrelationSettings) TableName() string {
	return "correlation_settings"
}

// NewDefaultCorrelationSettings returns settings with default values
func NewDefaultCorrelationSettings() *CorrelationSettings {
	return &CorrelationSettings{
		TemporalWeight:         1,
		SpatialWeight:          1,
		SemanticWeight:         1,
		MetricPatternWeight:    1,
		LinkThreshold:          0.6,
		MinConfidence:          BandLow.LowerBound(),
		IncidentConfidence:     BandMedium.LowerBound(),
		SemanticThreshold:      0.3,
		TemporalDeltaSeconds:   300,
		WindowMinutes:          30,
		WindowMaxAlerts:        500,
		StrategyTimeoutMillis:  150,
		SettingsRefreshSeconds: 60,
	}
}

// Weights returns the strategy weights keyed by strategy
func (s *CorrelationSettings) Weights() map[CorrelationStrategy]float64 {
	return map[CorrelationStrategy]float64{
		StrategyTemporal:      s.TemporalWeight,
		StrategySpatial:       s.SpatialWeight,
		StrategySemantic:      s.SemanticWeight,
		StrategyMetricPattern: s.MetricPatternWeight,
	}
}

// TemporalDelta returns the temporal strategy delta
func (s *CorrelationSettings) TemporalDelta() time.Duration {
	return time.Duration(s.TemporalDeltaSeconds) * time.Second
}

// WindowAge returns the maximum age of alerts kept in the correlation window
func (s *CorrelationSettings) WindowAge() time.Duration {
	return time.Duration(s.WindowMinutes) * time.Minute
}

// StrategyTimeout returns the per-strategy compute budget
func (s *CorrelationSettings) StrategyTimeout() time.Duration {
	return time.Duration(s.StrategyTimeoutMillis) * time.Millisecond
}
