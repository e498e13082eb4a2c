package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/akmatori/alertflow/internal/database"
)

const definitionsYAML = `
rules:
  - id: cpu-high
    name: CPU high
    metric: cpu
    operator: ">"
    threshold: 90
    window: 5m
    window_size: 10
    aggregation: avg
    severity: CRITICAL
    fire_after: 2
    clear_after: 3
    tags:
      service: orders
  - id: broken
    metric: cpu
    operator: "=~"
    threshold: 1
    severity: HIGH
  - id: deploy-failed
    operator: ">="
    threshold: 1
    severity: MEDIUM
    event_match:
      status: failed
suppressions:
  - id: maint-db
    reason: maintenance
    match:
      sources: [db-1]
    until: 2030-01-01T00:00:00Z
  - id: everything
    match: {}
topology:
  - from: api-1
    to: db-1
`

func TestParseDefinitions(t *testing.T) {
	defs, rejected, err := ParseDefinitions([]byte(definitionsYAML))
	if err != nil {
		t.Fatalf("ParseDefinitions() error = %v", err)
	}

	if len(defs.Rules) != 2 {
		t.Fatalf("expected 2 valid rules, got %d", len(defs.Rules))
	}
	cpu := defs.Rules[0]
	if cpu.Window != 5*time.Minute || cpu.Aggregation != AggAvg || cpu.Severity != database.SeverityCritical {
		t.Errorf("cpu rule decoded wrong: %+v", cpu)
	}
	if len(defs.Suppressions) != 1 || defs.Suppressions[0].ID != "maint-db" {
		t.Errorf("suppressions = %+v", defs.Suppressions)
	}
	if defs.Suppressions[0].Until == nil {
		t.Error("until should be decoded")
	}
	if len(defs.Topology) != 1 || defs.Topology[0].To != "db-1" {
		t.Errorf("topology = %+v", defs.Topology)
	}
	if len(rejected) != 2 {
		t.Fatalf("expected 2 rejections, got %+v", rejected)
	}
}

func TestParseDefinitions_InvalidYAML(t *testing.T) {
	if _, _, err := ParseDefinitions([]byte("rules: [")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestSuppressionDef_Rule(t *testing.T) {
	now := time.Now()
	def := SuppressionDef{ID: "s", Match: database.MatchPredicate{RuleIDs: []string{"cpu-high"}}, Reason: "noisy"}
	rule := def.Rule(now)
	if !rule.ActiveFrom.Equal(now) || rule.ActiveUntil != nil || rule.CreatedBy != "definitions" {
		t.Errorf("unexpected rule: %+v", rule)
	}
}

func TestLoader_LoadAndReject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	if err := os.WriteFile(path, []byte(definitionsYAML), 0600); err != nil {
		t.Fatal(err)
	}

	var got *RuleSet
	var rejections []Rejection
	l := NewLoader(path, func(_ *Definitions, rs *RuleSet) { got = rs }, func(r Rejection) { rejections = append(rejections, r) })
	if err := l.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil || got.Version != 1 || got.Len() != 2 {
		t.Fatalf("unexpected rule set: %+v", got)
	}
	if len(rejections) != 2 {
		t.Errorf("rejections = %d, want 2", len(rejections))
	}

	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Errorf("reload version = %d, want 2", got.Version)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), nil, nil)
	if err := l.Load(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoader_WatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var versions []int64
	var ruleCounts []int
	l := NewLoader(path, func(_ *Definitions, rs *RuleSet) {
		mu.Lock()
		versions = append(versions, rs.Version)
		ruleCounts = append(ruleCounts, rs.Len())
		mu.Unlock()
	}, nil)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(definitionsYAML), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(ruleCounts)
		last := 0
		if n > 0 {
			last = ruleCounts[n-1]
		}
		mu.Unlock()
		if n >= 2 && last == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("definitions were not reloaded, versions=%v", versions)
}
