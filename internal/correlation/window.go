package correlation

import (
	"sort"
	"time"

	"github.com/akmatori/alertflow/internal/database"
)

// Window is the arena of recently visible alerts, bounded by age and count.
// Alerts are kept sorted by (created_at, id) and indexed by source.
type Window struct {
	maxAge   time.Duration
	maxCount int

	byTime   []*database.Alert
	byID     map[string]*database.Alert
	bySource map[string]map[string]struct{}
}

// NewWindow creates an empty window
func NewWindow(maxAge time.Duration, maxCount int) *Window {
	return &Window{
		maxAge:   maxAge,
		maxCount: maxCount,
		byID:     make(map[string]*database.Alert),
		bySource: make(map[string]map[string]struct{}),
	}
}

// SetLimits changes the bounds; they apply on the next Add or Evict
func (w *Window) SetLimits(maxAge time.Duration, maxCount int) {
	w.maxAge = maxAge
	w.maxCount = maxCount
}

func less(a, b *database.Alert) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// search returns the insertion index of a in byTime
func (w *Window) search(a *database.Alert) int {
	return sort.Search(len(w.byTime), func(i int) bool { return !less(w.byTime[i], a) })
}

// Len returns the number of alerts in the window
func (w *Window) Len() int { return len(w.byTime) }

// Sources returns the number of distinct sources in the window
func (w *Window) Sources() int { return len(w.bySource) }

// Get returns an alert by id
func (w *Window) Get(id string) (*database.Alert, bool) {
	a, ok := w.byID[id]
	return a, ok
}

// Add inserts or replaces an alert and evicts what falls outside the bounds.
// Returns the ids of evicted alerts.
func (w *Window) Add(a *database.Alert, now time.Time) []string {
	w.Remove(a.ID)
	i := w.search(a)
	w.byTime = append(w.byTime, nil)
	copy(w.byTime[i+1:], w.byTime[i:])
	w.byTime[i] = a
	w.byID[a.ID] = a
	if w.bySource[a.Source] == nil {
		w.bySource[a.Source] = make(map[string]struct{})
	}
	w.bySource[a.Source][a.ID] = struct{}{}
	return w.Evict(now)
}

// Remove drops an alert; it reports whether the alert was present
func (w *Window) Remove(id string) bool {
	a, ok := w.byID[id]
	if !ok {
		return false
	}
	i := w.search(a)
	for i < len(w.byTime) && w.byTime[i].ID != id {
		i++
	}
	if i < len(w.byTime) {
		w.byTime = append(w.byTime[:i], w.byTime[i+1:]...)
	}
	delete(w.byID, id)
	if ids := w.bySource[a.Source]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(w.bySource, a.Source)
		}
	}
	return true
}

// Evict removes alerts older than the age bound, then the oldest alerts
// beyond the count bound. Returns the evicted ids, oldest first.
func (w *Window) Evict(now time.Time) []string {
	var evicted []string
	if w.maxAge > 0 {
		cutoff := now.Add(-w.maxAge)
		n := sort.Search(len(w.byTime), func(i int) bool { return !w.byTime[i].CreatedAt.Before(cutoff) })
		for _, a := range w.byTime[:n] {
			evicted = append(evicted, a.ID)
		}
	}
	if w.maxCount > 0 && len(w.byTime)-len(evicted) > w.maxCount {
		extra := len(w.byTime) - len(evicted) - w.maxCount
		for _, a := range w.byTime[len(evicted) : len(evicted)+extra] {
			evicted = append(evicted, a.ID)
		}
	}
	for _, id := range evicted {
		w.Remove(id)
	}
	return evicted
}

// Between returns alerts created in [from, to], in window order
func (w *Window) Between(from, to time.Time) []*database.Alert {
	lo := sort.Search(len(w.byTime), func(i int) bool { return !w.byTime[i].CreatedAt.Before(from) })
	hi := sort.Search(len(w.byTime), func(i int) bool { return w.byTime[i].CreatedAt.After(to) })
	if lo >= hi {
		return nil
	}
	out := make([]*database.Alert, hi-lo)
	copy(out, w.byTime[lo:hi])
	return out
}

// FromSource returns the ids of alerts from one source, sorted
func (w *Window) FromSource(source string) []string {
	ids := make([]string, 0, len(w.bySource[source]))
	for id := range w.bySource[source] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Alerts returns every alert in window order
func (w *Window) Alerts() []*database.Alert {
	out := make([]*database.Alert, len(w.byTime))
	copy(out, w.byTime)
	return out
}
