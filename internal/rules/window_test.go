package rules

import (
	"testing"
	"time"
)

func TestWindow_RingOverwritesOldest(t *testing.T) {
	base := time.Unix(1000, 0)
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Push(base.Add(time.Duration(i)*time.Second), float64(i))
	}

	if w.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", w.Len())
	}
	if v, _ := w.Aggregate(AggMin); v != 3 {
		t.Errorf("min = %v, want 3", v)
	}
	if v, _ := w.Aggregate(AggLast); v != 5 {
		t.Errorf("last = %v, want 5", v)
	}
}

func TestWindow_Aggregations(t *testing.T) {
	w := NewWindow(10)
	now := time.Now()
	for _, v := range []float64{4, 8, 6} {
		w.Push(now, v)
	}

	tests := []struct {
		agg  Aggregation
		want float64
	}{
		{AggAvg, 6},
		{AggMin, 4},
		{AggMax, 8},
		{AggSum, 18},
		{AggLast, 6},
		{AggCount, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.agg), func(t *testing.T) {
			got, ok := w.Aggregate(tt.agg)
			if !ok || got != tt.want {
				t.Errorf("Aggregate(%s) = %v, %v; want %v", tt.agg, got, ok, tt.want)
			}
		})
	}
}

func TestWindow_EmptyAggregate(t *testing.T) {
	w := NewWindow(4)
	if _, ok := w.Aggregate(AggAvg); ok {
		t.Error("avg of empty window should not be ok")
	}
	if v, ok := w.Aggregate(AggCount); !ok || v != 0 {
		t.Errorf("count of empty window = %v, %v; want 0, true", v, ok)
	}
}

func TestWindow_Prune(t *testing.T) {
	base := time.Unix(1000, 0)
	w := NewWindow(5)
	for i := 0; i < 5; i++ {
		w.Push(base.Add(time.Duration(i)*time.Minute), float64(i))
	}
	w.Prune(base.Add(3 * time.Minute))

	if w.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", w.Len())
	}
	if v, _ := w.Aggregate(AggMin); v != 3 {
		t.Errorf("min after prune = %v, want 3", v)
	}
}

func TestWindow_ResizeKeepsNewest(t *testing.T) {
	w := NewWindow(4)
	now := time.Now()
	for i := 1; i <= 4; i++ {
		w.Push(now, float64(i))
	}

	smaller := w.Resize(2)
	if smaller.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", smaller.Len())
	}
	if v, _ := smaller.Aggregate(AggSum); v != 7 {
		t.Errorf("sum = %v, want 7", v)
	}

	larger := smaller.Resize(8)
	if larger.Cap() != 8 || larger.Len() != 2 {
		t.Errorf("Cap/Len = %d/%d", larger.Cap(), larger.Len())
	}
}
