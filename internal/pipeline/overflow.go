package pipeline

import "sync"

// overflow holds evaluator output the admission stage could not take yet.
// When full it sheds the lowest-severity candidate first; next returns the
// highest severity first and keeps arrival order within a severity, so the
// items of one series leave in the order they came. Clears are never shed.
type overflow struct {
	mu       sync.Mutex
	limit    int
	items    []*item
	inflight bool
	ready    chan struct{}
	onShed   func(*item)
}

func newOverflow(limit int, onShed func(*item)) *overflow {
	if limit < 1 {
		limit = 1
	}
	return &overflow{limit: limit, ready: make(chan struct{}, 1), onShed: onShed}
}

// Len returns the number of buffered items
func (o *overflow) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// busy reports whether anything is buffered or on its way downstream.
// While busy, new evaluator output must queue behind it.
func (o *overflow) busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items) > 0 || o.inflight
}

func (o *overflow) push(it *item) {
	o.mu.Lock()
	var shed *item
	if len(o.items) >= o.limit {
		if low, ok := o.lowestCandidate(); !ok || it.severity().Rank() < o.items[low].severity().Rank() {
			if it.clear == nil {
				shed = it
			}
		} else {
			shed = o.items[low]
			o.items = append(o.items[:low], o.items[low+1:]...)
		}
	}
	if shed != it {
		o.items = append(o.items, it)
	}
	o.mu.Unlock()

	if shed != nil && o.onShed != nil {
		o.onShed(shed)
	}
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// lowestCandidate returns the oldest fired candidate of the lowest severity
func (o *overflow) lowestCandidate() (int, bool) {
	idx := -1
	for i, it := range o.items {
		if it.clear != nil {
			continue
		}
		if idx < 0 || it.severity().Rank() < o.items[idx].severity().Rank() {
			idx = i
		}
	}
	return idx, idx >= 0
}

// next removes the oldest item of the highest severity and marks it in flight
// until done is called
func (o *overflow) next() (*item, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, false
	}
	idx := 0
	for i, it := range o.items {
		if it.severity().Rank() > o.items[idx].severity().Rank() {
			idx = i
		}
	}
	it := o.items[idx]
	o.items = append(o.items[:idx], o.items[idx+1:]...)
	o.inflight = true
	return it, true
}

func (o *overflow) done() {
	o.mu.Lock()
	o.inflight = false
	o.mu.Unlock()
}
