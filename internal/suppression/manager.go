// Package suppression decides whether candidates are hidden by maintenance
// windows and re-submits suppressed alerts when their window ends.
package suppression

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/lifecycle"
	"github.com/akmatori/alertflow/internal/rules"
)

// Verdict is the outcome of filtering one candidate
type Verdict struct {
	Suppressed bool
	// RuleRef is the most restrictive matching rule
	RuleRef string
	// Matched lists every matching rule, most restrictive first
	Matched []string
}

// Ref returns the rule reference, or nil for a visible verdict
func (v Verdict) Ref() *string {
	if !v.Suppressed {
		return nil
	}
	ref := v.RuleRef
	return &ref
}

// Manager owns suppression rules
type Manager struct {
	db    *gorm.DB
	store *lifecycle.Store
	now   func() time.Time

	mu    sync.RWMutex
	rules map[string]*database.SuppressionRule
}

// NewManager creates a manager and loads unexpired rules
func NewManager(db *gorm.DB, store *lifecycle.Store) (*Manager, error) {
	m := &Manager{
		db:    db,
		store: store,
		now:   time.Now,
		rules: make(map[string]*database.SuppressionRule),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Reload refreshes the in-memory rule cache from the database
func (m *Manager) Reload() error {
	var stored []database.SuppressionRule
	if err := m.db.Where("expired_at IS NULL").Find(&stored).Error; err != nil {
		return database.MapError(err)
	}
	cache := make(map[string]*database.SuppressionRule, len(stored))
	for i := range stored {
		cache[stored[i].ID] = &stored[i]
	}
	m.mu.Lock()
	m.rules = cache
	m.mu.Unlock()
	return nil
}

func (m *Manager) evaluate(s Subject, now time.Time, skip string) Verdict {
	m.mu.RLock()
	var matched []*database.SuppressionRule
	for _, r := range m.rules {
		if r.ID == skip || !r.ActiveAt(now) {
			continue
		}
		if Matches(r.Predicate, s) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	if len(matched) == 0 {
		return Verdict{}
	}
	sortByRestrictiveness(matched)
	v := Verdict{Suppressed: true, RuleRef: matched[0].ID}
	for _, r := range matched {
		v.Matched = append(v.Matched, r.ID)
	}
	if len(matched) > 1 {
		log.Printf("SuppressionManager: %v: %s/%s matched %v, using %s",
			database.ErrSuppressionConflict, s.RuleID, s.Source, v.Matched, v.RuleRef)
	}
	return v
}

// Filter decides whether a candidate is visible or suppressed
func (m *Manager) Filter(c *rules.Candidate) Verdict {
	return m.evaluate(SubjectOfCandidate(c), m.now(), "")
}

// FilterAlert applies Filter to an existing alert
func (m *Manager) FilterAlert(a *database.Alert) Verdict {
	return m.evaluate(SubjectOfAlert(a), m.now(), "")
}

// Active lists rules whose window covers now, ordered by id
func (m *Manager) Active(now time.Time) []database.SuppressionRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.SuppressionRule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.ActiveAt(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one rule, expired or not
func (m *Manager) Get(id string) (*database.SuppressionRule, error) {
	var r database.SuppressionRule
	if err := m.db.First(&r, "id = ?", id).Error; err != nil {
		return nil, database.MapError(err)
	}
	return &r, nil
}

// Request describes a suppression created by an operator
type Request struct {
	Predicate database.MatchPredicate `json:"match_predicate"`
	From      *time.Time              `json:"active_from,omitempty"`
	Until     *time.Time              `json:"active_until,omitempty"`
	Reason    string                  `json:"reason"`
}

func (r Request) validate(now time.Time) error {
	if r.Predicate.IsEmpty() {
		return fmt.Errorf("%w: suppression predicate must constrain at least one field", database.ErrMalformed)
	}
	for _, sev := range r.Predicate.Severities {
		if !sev.Valid() {
			return fmt.Errorf("%w: unknown severity %q", database.ErrMalformed, sev)
		}
	}
	from := now
	if r.From != nil {
		from = *r.From
	}
	if r.Until != nil && !r.Until.After(from) {
		return fmt.Errorf("%w: active_until must be after active_from", database.ErrMalformed)
	}
	return nil
}

// Suppress creates a rule and moves matching ACTIVE alerts to SUPPRESSED.
// Returns the rule and the alerts it suppressed.
func (m *Manager) Suppress(req Request, actor string) (*database.SuppressionRule, []database.Alert, error) {
	now := m.now()
	if err := req.validate(now); err != nil {
		return nil, nil, err
	}
	rule := &database.SuppressionRule{
		ID:          uuid.New().String(),
		Predicate:   req.Predicate,
		ActiveFrom:  now,
		ActiveUntil: req.Until,
		Reason:      req.Reason,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.From != nil {
		rule.ActiveFrom = *req.From
	}
	if err := m.db.Create(rule).Error; err != nil {
		return nil, nil, database.MapError(err)
	}
	m.mu.Lock()
	m.rules[rule.ID] = rule
	m.mu.Unlock()
	log.Printf("SuppressionManager: rule %s created by %s (%s)", rule.ID, actor, rule.Reason)

	moved, err := m.applyToActive(rule, actor)
	return rule, moved, err
}

// applyToActive suppresses ACTIVE alerts that the rule matches now
func (m *Manager) applyToActive(rule *database.SuppressionRule, actor string) ([]database.Alert, error) {
	if !rule.ActiveAt(m.now()) {
		return nil, nil
	}
	var active []database.Alert
	if err := m.db.Where("state = ?", database.AlertStateActive).Order("created_at, id").Find(&active).Error; err != nil {
		return nil, database.MapError(err)
	}
	var moved []database.Alert
	for i := range active {
		if !Matches(rule.Predicate, SubjectOfAlert(&active[i])) {
			continue
		}
		a, err := m.store.Suppress(active[i].ID, rule.ID, actor)
		if errors.Is(err, database.ErrInvalidTransition) {
			// The alert moved on since it was listed
			continue
		}
		if err != nil {
			return moved, err
		}
		moved = append(moved, *a)
	}
	return moved, nil
}

// ExpireDue processes every rule whose window ended before now, exactly once.
// Alerts it held are re-filtered: suppressed again under another rule or
// returned to ACTIVE. The reactivated alerts are returned for correlation.
// Alerts still held by an already expired rule, left over when an earlier
// pass failed part way, are released too.
func (m *Manager) ExpireDue(now time.Time) ([]database.Alert, error) {
	var due []database.SuppressionRule
	if err := m.db.Where("expired_at IS NULL AND active_until IS NOT NULL AND active_until <= ?", now).
		Order("active_until, id").Find(&due).Error; err != nil {
		return nil, database.MapError(err)
	}
	var reactivated []database.Alert
	for i := range due {
		alerts, err := m.expire(&due[i], now)
		reactivated = append(reactivated, alerts...)
		if err != nil {
			return reactivated, err
		}
	}

	stranded, err := m.strandedRefs()
	if err != nil {
		return reactivated, err
	}
	for _, ref := range stranded {
		alerts, err := m.release(ref, now)
		reactivated = append(reactivated, alerts...)
		if err != nil {
			return reactivated, err
		}
	}
	return reactivated, nil
}

// strandedRefs lists expired rules that still hold SUPPRESSED alerts
func (m *Manager) strandedRefs() ([]string, error) {
	expired := m.db.Model(&database.SuppressionRule{}).Select("id").Where("expired_at IS NOT NULL")
	var refs []string
	err := m.db.Model(&database.Alert{}).
		Where("state = ? AND suppression_ref IN (?)", database.AlertStateSuppressed, expired).
		Distinct("suppression_ref").Order("suppression_ref").Pluck("suppression_ref", &refs).Error
	if err != nil {
		return nil, database.MapError(err)
	}
	return refs, nil
}

// Lift ends a rule early and re-submits the alerts it held
func (m *Manager) Lift(id, actor string) ([]database.Alert, error) {
	rule, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if rule.ExpiredAt != nil {
		return nil, &database.InvalidTransitionError{Entity: "suppression", ID: id, From: "EXPIRED", To: "LIFTED"}
	}
	now := m.now()
	if err := m.db.Model(&database.SuppressionRule{}).Where("id = ?", id).
		Updates(map[string]interface{}{"active_until": now, "updated_at": now}).Error; err != nil {
		return nil, database.MapError(err)
	}
	rule.ActiveUntil = &now
	log.Printf("SuppressionManager: rule %s lifted by %s", id, actor)
	return m.expire(rule, now)
}

// expire claims the rule and re-submits its alerts. The claim is a
// conditional update so concurrent callers cannot both process a rule.
func (m *Manager) expire(rule *database.SuppressionRule, now time.Time) ([]database.Alert, error) {
	res := m.db.Model(&database.SuppressionRule{}).
		Where("id = ? AND expired_at IS NULL", rule.ID).
		UpdateColumn("expired_at", now)
	if res.Error != nil {
		return nil, database.MapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	m.mu.Lock()
	delete(m.rules, rule.ID)
	m.mu.Unlock()

	return m.release(rule.ID, now)
}

// release re-filters the alerts an expired rule still holds. Each alert
// leaves SUPPRESSED under its own lock, so a pass that stops on a store
// error is resumed by the next one without touching released alerts twice.
func (m *Manager) release(ref string, now time.Time) ([]database.Alert, error) {
	held, err := m.store.SuppressedBy(ref)
	if err != nil {
		return nil, err
	}
	var reactivated []database.Alert
	resuppressed := 0
	for i := range held {
		a := &held[i]
		v := m.evaluate(SubjectOfAlert(a), now, ref)
		if v.Suppressed {
			if _, err := m.store.Resuppress(a.ID, v.RuleRef); err != nil && !errors.Is(err, database.ErrInvalidTransition) {
				return reactivated, err
			}
			resuppressed++
			continue
		}
		fresh, err := m.store.Unsuppress(a.ID, lifecycle.SystemActor)
		if errors.Is(err, database.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return reactivated, err
		}
		reactivated = append(reactivated, *fresh)
	}
	log.Printf("SuppressionManager: rule %s expired, %d alerts reactivated, %d still suppressed",
		ref, len(reactivated), resuppressed)
	return reactivated, nil
}

// Upsert applies suppression definitions loaded from the definitions file.
// A definition whose window reaches past now is re-armed even if its earlier
// window already expired. Returns the alerts newly suppressed.
func (m *Manager) Upsert(defs []database.SuppressionRule) ([]database.Alert, error) {
	now := m.now()
	var changed []*database.SuppressionRule
	for i := range defs {
		def := defs[i]
		if def.Predicate.IsEmpty() {
			log.Printf("Warning: SuppressionManager: skipping definition %s with empty predicate", def.ID)
			continue
		}
		var existing database.SuppressionRule
		err := m.db.First(&existing, "id = ?", def.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			def.CreatedAt = now
			def.UpdatedAt = now
			if err := m.db.Create(&def).Error; err != nil {
				return nil, database.MapError(err)
			}
		case err != nil:
			return nil, database.MapError(err)
		default:
			updates := map[string]interface{}{
				"predicate":    def.Predicate,
				"active_from":  def.ActiveFrom,
				"active_until": def.ActiveUntil,
				"reason":       def.Reason,
				"updated_at":   now,
			}
			if existing.ExpiredAt != nil && (def.ActiveUntil == nil || def.ActiveUntil.After(now)) {
				updates["expired_at"] = nil
				def.ExpiredAt = nil
			} else {
				def.ExpiredAt = existing.ExpiredAt
			}
			if err := m.db.Model(&database.SuppressionRule{}).Where("id = ?", def.ID).Updates(updates).Error; err != nil {
				return nil, database.MapError(err)
			}
		}
		changed = append(changed, &def)
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}

	var moved []database.Alert
	for _, r := range changed {
		if r.ExpiredAt != nil {
			continue
		}
		alerts, err := m.applyToActive(r, "definitions")
		moved = append(moved, alerts...)
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}
