package rules

import (
	"math"
	"time"
)

type point struct {
	at    time.Time
	value float64
}

// Window is a fixed-capacity ring buffer of samples for one rule+source series
type Window struct {
	buf   []point
	start int
	n     int
}

// NewWindow creates a window holding at most size points
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{buf: make([]point, size)}
}

// Cap returns the window capacity
func (w *Window) Cap() int { return len(w.buf) }

// Len returns the number of points held
func (w *Window) Len() int { return w.n }

// Push appends a point, overwriting the oldest when full
func (w *Window) Push(at time.Time, value float64) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = point{at: at, value: value}
		w.n++
		return
	}
	w.buf[w.start] = point{at: at, value: value}
	w.start = (w.start + 1) % len(w.buf)
}

// Prune drops points older than cutoff, oldest first
func (w *Window) Prune(cutoff time.Time) {
	for w.n > 0 && w.buf[w.start].at.Before(cutoff) {
		w.buf[w.start] = point{}
		w.start = (w.start + 1) % len(w.buf)
		w.n--
	}
}

// Resize returns a window of the new capacity keeping the newest points
func (w *Window) Resize(size int) *Window {
	if size < 1 {
		size = 1
	}
	if size == len(w.buf) {
		return w
	}
	nw := NewWindow(size)
	skip := 0
	if w.n > size {
		skip = w.n - size
	}
	for i := skip; i < w.n; i++ {
		p := w.buf[(w.start+i)%len(w.buf)]
		nw.Push(p.at, p.value)
	}
	return nw
}

// Aggregate reduces the window; ok is false when it is empty
func (w *Window) Aggregate(agg Aggregation) (float64, bool) {
	if w.n == 0 {
		if agg == AggCount {
			return 0, true
		}
		return 0, false
	}
	var sum float64
	minV, maxV := math.Inf(1), math.Inf(-1)
	for i := 0; i < w.n; i++ {
		v := w.buf[(w.start+i)%len(w.buf)].value
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	switch agg {
	case AggAvg:
		return sum / float64(w.n), true
	case AggMin:
		return minV, true
	case AggMax:
		return maxV, true
	case AggSum:
		return sum, true
	case AggCount:
		return float64(w.n), true
	default:
		return w.buf[(w.start+w.n-1)%len(w.buf)].value, true
	}
}

// Newest returns the timestamp of the latest point
func (w *Window) Newest() (time.Time, bool) {
	if w.n == 0 {
		return time.Time{}, false
	}
	return w.buf[(w.start+w.n-1)%len(w.buf)].at, true
}
