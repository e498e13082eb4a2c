// Package correlation groups related alerts using temporal, spatial, semantic
// and metric-pattern strategies.
package correlation

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/lifecycle"
)

// Options configure a Correlator
type Options struct {
	Settings *database.CorrelationSettings
	Topology *Topology
	Patterns [][]string
	// Strategies replaces the default strategy set when non-nil
	Strategies []Strategy
}

// Correlator keeps the window of visible alerts and regroups it as alerts
// arrive. It never changes alert state; it only links alerts to groups.
type Correlator struct {
	db    *gorm.DB
	store *lifecycle.Store
	bus   events.Publisher
	now   func() time.Time

	mu         sync.Mutex
	settings   *database.CorrelationSettings
	topology   *Topology
	patterns   [][]string
	strategies []Strategy
	custom     bool
	window     *Window
	cache      map[pairKey]PairScore
}

// New creates a correlator. store and bus may be nil when groups only need
// to be persisted.
func New(db *gorm.DB, store *lifecycle.Store, bus events.Publisher, opts Options) *Correlator {
	settings := opts.Settings
	if settings == nil {
		settings = database.NewDefaultCorrelationSettings()
	}
	c := &Correlator{
		db:       db,
		store:    store,
		bus:      bus,
		now:      time.Now,
		settings: settings,
		topology: opts.Topology,
		patterns: opts.Patterns,
		window:   NewWindow(settings.WindowAge(), settings.WindowMaxAlerts),
		cache:    make(map[pairKey]PairScore),
	}
	if opts.Strategies != nil {
		c.strategies = opts.Strategies
		c.custom = true
	} else {
		c.strategies = DefaultStrategies(settings, c.topology, c.patterns)
	}
	return c
}

// SetClock replaces the time source
func (c *Correlator) SetClock(now func() time.Time) {
	c.now = now
}

// Settings returns the settings in use
func (c *Correlator) Settings() *database.CorrelationSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings applies new tuning; cached pair scores are dropped
func (c *Correlator) UpdateSettings(s *database.CorrelationSettings) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
	c.window.SetLimits(s.WindowAge(), s.WindowMaxAlerts)
	c.rebuildLocked()
}

// SetTopology replaces the declared source topology
func (c *Correlator) SetTopology(t *Topology) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topology = t
	c.rebuildLocked()
}

func (c *Correlator) rebuildLocked() {
	if !c.custom {
		c.strategies = DefaultStrategies(c.settings, c.topology, c.patterns)
	}
	c.cache = make(map[pairKey]PairScore)
}

// Stats returns the number of alerts and distinct sources in the window
func (c *Correlator) Stats() (alerts, sources int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Len(), c.window.Sources()
}

// Forget drops an alert that left the visible states
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetLocked(id)
}

func (c *Correlator) forgetLocked(id string) {
	c.window.Remove(id)
	for k := range c.cache {
		if k.a == id || k.b == id {
			delete(c.cache, k)
		}
	}
}

// Warm loads recently visible alerts into the window without grouping them
func (c *Correlator) Warm(alerts []database.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for i := range alerts {
		a := alerts[i]
		if a.State.IsVisible() {
			for _, id := range c.window.Add(&a, now) {
				c.forgetLocked(id)
			}
		}
	}
}

// Recover rebuilds the window from the store after a restart, so the next
// alerts can still group with ones that were visible before it. Returns the
// window size.
func (c *Correlator) Recover() (int, error) {
	if c.store == nil {
		return 0, nil
	}
	since := c.now().Add(-c.Settings().WindowAge())
	alerts, err := c.store.RecentVisible(since)
	if err != nil {
		return 0, err
	}
	c.Warm(alerts)
	n, sources := c.Stats()
	log.Printf("Correlator: recovered %d visible alerts from %d sources", n, sources)
	return n, nil
}

// Observe adds an alert to the window, scores the pairs it has not seen yet,
// regroups and persists the groups that contain the alert.
func (c *Correlator) Observe(ctx context.Context, alert database.Alert) ([]database.CorrelationGroup, error) {
	if !alert.State.IsVisible() {
		c.Forget(alert.ID)
		return nil, nil
	}

	groups, members, err := c.regroup(ctx, alert)
	if err != nil || len(groups) == 0 {
		return nil, err
	}
	if err := c.persist(groups, members); err != nil {
		return nil, err
	}
	return groups, nil
}

// regroup runs under the lock and returns the groups containing alert
func (c *Correlator) regroup(ctx context.Context, alert database.Alert) ([]database.CorrelationGroup, map[string]*database.Alert, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.forgetLocked(alert.ID)
	for _, id := range c.window.Add(&alert, now) {
		c.forgetLocked(id)
	}
	if _, ok := c.window.Get(alert.ID); !ok {
		// Too old for the window
		return nil, nil, nil
	}

	all := c.window.Alerts()
	var missing []pair
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if _, ok := c.cache[keyOf(all[i].ID, all[j].ID)]; !ok {
				missing = append(missing, pair{all[i], all[j]})
			}
		}
	}

	pass := make(map[pairKey]PairScore, len(missing))
	if len(missing) > 0 {
		scores, err := scorePairs(ctx, c.strategies, missing, c.settings.StrategyTimeout())
		if err != nil {
			return nil, nil, err
		}
		for k, p := range missing {
			key := keyOf(p.a.ID, p.b.ID)
			if scores[k].TimedOut {
				// Not cached so the next pass scores it again
				pass[key] = scores[k]
				continue
			}
			c.cache[key] = scores[k]
		}
	}

	lookup := func(a, b *database.Alert) PairScore {
		key := keyOf(a.ID, b.ID)
		if ps, ok := pass[key]; ok {
			return ps
		}
		return c.cache[key]
	}

	var out []database.CorrelationGroup
	members := make(map[string]*database.Alert)
	for _, g := range buildGroups(all, lookup, c.settings, now) {
		if !g.MemberAlertIDs.Contains(alert.ID) {
			continue
		}
		for _, id := range g.MemberAlertIDs {
			a, _ := c.window.Get(id)
			members[id] = a
		}
		out = append(out, g)
	}
	return out, members, nil
}

func (c *Correlator) persist(groups []database.CorrelationGroup, members map[string]*database.Alert) error {
	if c.db != nil {
		if err := c.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&groups).Error; err != nil {
			return database.MapError(err)
		}
	}
	for i := range groups {
		g := &groups[i]
		if c.store != nil {
			if err := c.store.LinkCorrelation(g.MemberAlertIDs, g.ID); err != nil {
				return err
			}
		}
		severity := database.SeverityLow
		internal := true
		for _, id := range g.MemberAlertIDs {
			if a := members[id]; a != nil {
				severity = database.MaxSeverity(severity, a.Severity)
				internal = internal && a.Internal
			}
		}
		log.Printf("Correlator: group %s with %d alerts, %s confidence %.2f (%s)",
			g.ID, len(g.MemberAlertIDs), g.Strategy, g.Confidence, g.ConfidenceBand)
		if c.bus != nil {
			c.bus.Publish(events.Event{
				Type:     events.Correlated,
				Kind:     events.KindGroup,
				TargetID: g.ID,
				Severity: severity,
				Internal: internal,
				Actor:    lifecycle.SystemActor,
				Data: map[string]interface{}{
					"member_alert_ids": []string(g.MemberAlertIDs),
					"strategy":         g.Strategy,
					"confidence":       g.Confidence,
					"confidence_band":  g.ConfidenceBand,
				},
			})
		}
	}
	return nil
}
