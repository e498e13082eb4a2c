package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/correlation"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/escalation"
	"github.com/akmatori/alertflow/internal/incidents"
	"github.com/akmatori/alertflow/internal/lifecycle"
	"github.com/akmatori/alertflow/internal/notify"
	"github.com/akmatori/alertflow/internal/suppression"
)

// EscalationTask raises overdue alerts and incidents
func EscalationTask(engine *escalation.Engine, mgr *incidents.Manager) Task {
	return Task{
		Name: "escalation",
		Run: func(ctx context.Context, now time.Time) (int, error) {
			alerts, err := engine.Scan(now)
			if err != nil {
				return alerts, err
			}
			steps, err := mgr.ScanEscalations(now)
			return alerts + steps, err
		},
	}
}

// SuppressionExpiryTask ends suppression windows that passed. Alerts that
// return to ACTIVE are handed to onReactivated.
func SuppressionExpiryTask(mgr *suppression.Manager, onReactivated func(context.Context, []database.Alert)) Task {
	return Task{
		Name: "suppression_expiry",
		Run: func(ctx context.Context, now time.Time) (int, error) {
			alerts, err := mgr.ExpireDue(now)
			if len(alerts) > 0 && onReactivated != nil {
				onReactivated(ctx, alerts)
			}
			return len(alerts), err
		},
	}
}

// RetentionTask closes resolved alerts once grace has passed
func RetentionTask(store *lifecycle.Store, grace time.Duration) Task {
	return Task{
		Name: "retention",
		Run: func(ctx context.Context, now time.Time) (int, error) {
			return store.CloseExpired(grace)
		},
	}
}

// DeliveryRetryTask sends notification attempts whose backoff elapsed
func DeliveryRetryTask(d *notify.Dispatcher) Task {
	return Task{
		Name: "delivery_retry",
		Run:  d.ProcessDue,
	}
}

// SettingsRefresher reloads correlation settings from the store so operators
// can retune scoring without a restart
type SettingsRefresher struct {
	db         *gorm.DB
	correlator *correlation.Correlator
	incidents  *incidents.Manager

	mu        sync.Mutex
	lastCheck time.Time
	applied   time.Time
}

// NewSettingsRefresher creates a refresher. The first Run always loads.
func NewSettingsRefresher(db *gorm.DB, c *correlation.Correlator, mgr *incidents.Manager) *SettingsRefresher {
	return &SettingsRefresher{db: db, correlator: c, incidents: mgr}
}

// Task wraps the refresher for a Scheduler
func (r *SettingsRefresher) Task() Task {
	return Task{Name: "settings_refresh", Run: r.Run}
}

// Run loads the settings row when the refresh interval passed and applies it
// if it changed. Returns 1 when new settings were applied.
func (r *SettingsRefresher) Run(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.correlator.Settings()
	interval := time.Duration(current.SettingsRefreshSeconds) * time.Second
	if !r.lastCheck.IsZero() && now.Sub(r.lastCheck) < interval {
		return 0, nil
	}
	r.lastCheck = now

	settings, err := database.GetOrCreateCorrelationSettings(r.db.WithContext(ctx), current)
	if err != nil {
		return 0, err
	}
	if !r.applied.IsZero() && !settings.UpdatedAt.After(r.applied) {
		return 0, nil
	}
	r.applied = settings.UpdatedAt

	r.correlator.UpdateSettings(settings)
	if r.incidents != nil {
		r.incidents.SetMinConfidence(settings.IncidentConfidence)
	}
	log.Printf("Scheduler: applied correlation settings (link threshold %.2f, incident confidence %.2f, window %dm)",
		settings.LinkThreshold, settings.IncidentConfidence, settings.WindowMinutes)
	return 1, nil
}
