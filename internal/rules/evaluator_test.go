package rules

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akmatori/alertflow/internal/database"
)

func value(v float64) *float64 { return &v }

func newTestEvaluator(rules ...*Rule) *Evaluator {
	e := NewEvaluator(4)
	e.Swap(NewRuleSet(1, rules))
	return e
}

func TestEvaluator_FireAndClear(t *testing.T) {
	rule := cpuRule()
	rule.WindowSize = 1
	e := newTestEvaluator(rule)
	base := time.Unix(10_000, 0)

	var fired, cleared int
	for i, v := range []float64{95, 95, 95, 10, 10} {
		out, err := e.Process(Sample{RuleID: rule.ID, Source: "db-1", Timestamp: base.Add(time.Duration(i) * time.Second), Value: value(v)})
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		switch out.Decision {
		case DecisionFire:
			fired++
			if out.Candidate == nil || out.Candidate.Source != "db-1" {
				t.Errorf("fire without candidate: %+v", out)
			}
		case DecisionClear:
			cleared++
		}
	}
	if fired != 1 || cleared != 1 {
		t.Errorf("fired=%d cleared=%d, want 1 and 1", fired, cleared)
	}
}

func TestEvaluator_SeriesAreIndependent(t *testing.T) {
	rule := cpuRule()
	rule.FireAfter = 1
	rule.WindowSize = 1
	e := newTestEvaluator(rule)

	out, _ := e.Process(Sample{RuleID: rule.ID, Source: "db-1", Value: value(99)})
	if out.Decision != DecisionFire {
		t.Fatalf("db-1 should fire")
	}
	out, _ = e.Process(Sample{RuleID: rule.ID, Source: "db-2", Value: value(10)})
	if out.Decision != DecisionNone {
		t.Errorf("db-2 decision = %s, want none", out.Decision)
	}
	if e.SeriesCount() != 2 {
		t.Errorf("SeriesCount() = %d, want 2", e.SeriesCount())
	}
}

func TestEvaluator_MalformedSamples(t *testing.T) {
	rule := cpuRule()
	eventRule := &Rule{ID: "deploy", Operator: OpGreaterEqual, Threshold: 1, Severity: database.SeverityLow,
		EventMatch: map[string]string{"type": "deploy"}}
	e := newTestEvaluator(rule, eventRule)

	tests := []struct {
		name   string
		sample Sample
	}{
		{"unknown rule", Sample{RuleID: "nope", Source: "db-1", Value: value(1)}},
		{"missing source", Sample{RuleID: rule.ID, Value: value(1)}},
		{"no payload", Sample{RuleID: rule.ID, Source: "db-1"}},
		{"event for value rule", Sample{RuleID: rule.ID, Source: "db-1", Event: map[string]string{"type": "deploy"}}},
		{"value for event rule", Sample{RuleID: eventRule.ID, Source: "db-1", Value: value(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Process(tt.sample)
			if !errors.Is(err, database.ErrMalformed) {
				t.Errorf("error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestEvaluator_EventRuleCountsMatches(t *testing.T) {
	rule := &Rule{
		ID:         "deploy-failures",
		Operator:   OpGreaterEqual,
		Threshold:  2,
		Window:     time.Minute,
		Severity:   database.SeverityHigh,
		EventMatch: map[string]string{"status": "failed"},
	}
	e := newTestEvaluator(rule)
	base := time.Unix(20_000, 0)

	out, _ := e.Process(Sample{RuleID: rule.ID, Source: "ci", Timestamp: base, Event: map[string]string{"status": "failed"}})
	if out.Decision != DecisionNone {
		t.Fatalf("one failure should not fire")
	}
	out, _ = e.Process(Sample{RuleID: rule.ID, Source: "ci", Timestamp: base.Add(time.Second), Event: map[string]string{"status": "ok"}})
	if out.Decision != DecisionNone {
		t.Fatalf("non-matching event should be ignored")
	}
	out, _ = e.Process(Sample{RuleID: rule.ID, Source: "ci", Timestamp: base.Add(2 * time.Second), Event: map[string]string{"status": "failed"}})
	if out.Decision != DecisionFire {
		t.Fatalf("second failure within window should fire, got %s", out.Decision)
	}
	if v, _ := out.Candidate.Snapshot.Get("event_count"); v != 2 {
		t.Errorf("event_count = %v, want 2", v)
	}
}

func TestEvaluator_DisabledRuleIgnored(t *testing.T) {
	rule := cpuRule()
	off := false
	rule.Enabled = &off
	e := newTestEvaluator(rule)

	out, err := e.Process(Sample{RuleID: rule.ID, Source: "db-1", Value: value(100)})
	if err != nil || out.Decision != DecisionNone {
		t.Errorf("Process() = %+v, %v", out, err)
	}
}

func TestEvaluator_SwapKeepsSurvivingSeries(t *testing.T) {
	cpu := cpuRule()
	cpu.FireAfter = 1
	cpu.WindowSize = 1
	mem := &Rule{ID: "mem-high", Metric: "memory", Operator: OpGreater, Threshold: 80, Severity: database.SeverityHigh}
	e := newTestEvaluator(cpu, mem)

	e.Process(Sample{RuleID: cpu.ID, Source: "db-1", Value: value(99)})
	e.Process(Sample{RuleID: mem.ID, Source: "db-1", Value: value(10)})

	updated := *cpu
	updated.WindowSize = 5
	prev := e.Swap(NewRuleSet(2, []*Rule{&updated}))
	if prev.Version != 1 || e.RuleSet().Version != 2 {
		t.Errorf("versions = %d -> %d", prev.Version, e.RuleSet().Version)
	}

	state, ok := e.Series(cpu.ID, "db-1")
	if !ok || !state.Firing {
		t.Errorf("surviving series lost its state: %+v, %v", state, ok)
	}
	if _, ok := e.Series(mem.ID, "db-1"); ok {
		t.Error("series of removed rule should be dropped")
	}
}

func TestEvaluator_SweepStale(t *testing.T) {
	rule := cpuRule()
	rule.FireAfter = 1
	rule.ClearAfter = 2
	rule.WindowSize = 1
	e := newTestEvaluator(rule)
	base := time.Unix(30_000, 0)

	e.Process(Sample{RuleID: rule.ID, Source: "db-1", Timestamp: base, Value: value(99)})

	if out := e.SweepStale(base.Add(time.Minute), 5*time.Minute); len(out) != 0 {
		t.Fatalf("fresh series should not be swept, got %+v", out)
	}
	if out := e.SweepStale(base.Add(10*time.Minute), 5*time.Minute); len(out) != 0 {
		t.Fatalf("first stale sweep should only count one clear, got %+v", out)
	}
	out := e.SweepStale(base.Add(11*time.Minute), 5*time.Minute)
	if len(out) != 1 || out[0].Decision != DecisionClear || out[0].Source != "db-1" {
		t.Fatalf("second stale sweep should clear, got %+v", out)
	}
	if out := e.SweepStale(base.Add(12*time.Minute), 5*time.Minute); len(out) != 0 {
		t.Errorf("cleared series should not be swept again, got %+v", out)
	}
}

func TestEvaluator_ConcurrentSamples(t *testing.T) {
	rule := cpuRule()
	rule.FireAfter = 1
	rule.WindowSize = 1
	e := newTestEvaluator(rule)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := map[string]int{}
	for _, src := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				out, err := e.Process(Sample{RuleID: rule.ID, Source: src, Value: value(99)})
				if err != nil {
					t.Errorf("Process() error = %v", err)
					return
				}
				if out.Decision == DecisionFire {
					mu.Lock()
					fired[src]++
					mu.Unlock()
				}
			}
		}(src)
	}
	wg.Wait()

	for _, src := range []string{"a", "b", "c", "d"} {
		if fired[src] != 1 {
			t.Errorf("source %s fired %d times, want 1", src, fired[src])
		}
	}
}

func TestShardIndex_Stable(t *testing.T) {
	a := ShardIndex("cpu-high", "db-1", 8)
	for i := 0; i < 10; i++ {
		if ShardIndex("cpu-high", "db-1", 8) != a {
			t.Fatal("ShardIndex is not stable")
		}
	}
	if ShardIndex("x", "y", 1) != 0 {
		t.Error("single shard must be 0")
	}
}
