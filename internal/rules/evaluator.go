package rules

import (
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akmatori/alertflow/internal/database"
)

// RuleSet is an immutable, versioned snapshot of the active rules
type RuleSet struct {
	Version  int64
	LoadedAt time.Time
	rules    map[string]*Rule
	order    []string
}

// NewRuleSet builds a snapshot; rules are copied and normalized
func NewRuleSet(version int64, rules []*Rule) *RuleSet {
	rs := &RuleSet{
		Version:  version,
		LoadedAt: time.Now(),
		rules:    make(map[string]*Rule, len(rules)),
	}
	for _, r := range rules {
		if _, dup := rs.rules[r.ID]; dup {
			log.Printf("Warning: duplicate rule id %s, keeping the first definition", r.ID)
			continue
		}
		rs.rules[r.ID] = r.normalized()
		rs.order = append(rs.order, r.ID)
	}
	return rs
}

// Get returns the rule with the given id
func (rs *RuleSet) Get(id string) (*Rule, bool) {
	r, ok := rs.rules[id]
	return r, ok
}

// Rules returns the rules in definition order
func (rs *RuleSet) Rules() []*Rule {
	out := make([]*Rule, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, rs.rules[id])
	}
	return out
}

// Len returns the number of rules
func (rs *RuleSet) Len() int { return len(rs.rules) }

// SeriesKey identifies one rule+source series
type SeriesKey struct {
	RuleID string
	Source string
}

// ShardIndex maps a series onto one of n owners
func ShardIndex(ruleID, source string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return int(h.Sum32() % uint32(n))
}

// Outcome is the result of processing one sample or one stale sweep step
type Outcome struct {
	Decision  Decision
	RuleID    string
	Source    string
	Severity  database.Severity
	Value     float64
	At        time.Time
	Candidate *Candidate
}

type series struct {
	window *Window
	state  SeriesState
}

type shard struct {
	mu     sync.Mutex
	series map[SeriesKey]*series
}

// Evaluator keeps per-series windows and hysteresis state and evaluates
// samples against the current rule snapshot
type Evaluator struct {
	current atomic.Pointer[RuleSet]
	shards  []*shard
}

// NewEvaluator creates an evaluator with the given number of state shards
func NewEvaluator(shards int) *Evaluator {
	if shards < 1 {
		shards = 1
	}
	e := &Evaluator{shards: make([]*shard, shards)}
	for i := range e.shards {
		e.shards[i] = &shard{series: make(map[SeriesKey]*series)}
	}
	e.current.Store(NewRuleSet(0, nil))
	return e
}

// RuleSet returns the current snapshot
func (e *Evaluator) RuleSet() *RuleSet {
	return e.current.Load()
}

// Swap installs a new snapshot. Series of removed rules are dropped; series of
// kept rules survive with their window resized if needed.
func (e *Evaluator) Swap(rs *RuleSet) *RuleSet {
	prev := e.current.Swap(rs)
	dropped := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, s := range sh.series {
			rule, ok := rs.Get(key.RuleID)
			if !ok {
				delete(sh.series, key)
				dropped++
				continue
			}
			if s.window.Cap() != rule.WindowSize {
				s.window = s.window.Resize(rule.WindowSize)
			}
		}
		sh.mu.Unlock()
	}
	log.Printf("Evaluator: installed rule set v%d (%d rules, %d series dropped)", rs.Version, rs.Len(), dropped)
	return prev
}

func (e *Evaluator) shardFor(ruleID, source string) *shard {
	return e.shards[ShardIndex(ruleID, source, len(e.shards))]
}

// Process evaluates one sample. Structural problems return ErrMalformed.
func (e *Evaluator) Process(sample Sample) (Outcome, error) {
	if err := sample.Validate(); err != nil {
		return Outcome{}, err
	}
	at := sample.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	out := Outcome{RuleID: sample.RuleID, Source: sample.Source, At: at}

	sh := e.shardFor(sample.RuleID, sample.Source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rule, ok := e.current.Load().Get(sample.RuleID)
	if !ok {
		return out, fmt.Errorf("%w: unknown rule %q", database.ErrMalformed, sample.RuleID)
	}
	if !rule.IsEnabled() {
		return out, nil
	}
	out.Severity = rule.Severity

	var value float64
	if rule.IsEventRule() {
		if len(sample.Event) == 0 {
			return out, fmt.Errorf("%w: rule %q expects an event payload", database.ErrMalformed, rule.ID)
		}
		if !MatchesEvent(rule, sample.Event) {
			return out, nil
		}
		value = 1
	} else {
		if sample.Value == nil {
			return out, fmt.Errorf("%w: rule %q expects a value", database.ErrMalformed, rule.ID)
		}
		value = *sample.Value
	}

	key := SeriesKey{RuleID: sample.RuleID, Source: sample.Source}
	s, ok := sh.series[key]
	if !ok {
		s = &series{window: NewWindow(rule.WindowSize)}
		sh.series[key] = s
	}
	s.window.Push(at, value)
	if rule.Window > 0 {
		s.window.Prune(at.Add(-rule.Window))
	}

	res := Evaluate(rule, s.window, s.state, at)
	s.state = res.State
	out.Decision = res.Decision
	out.Value = res.Value
	if res.Decision == DecisionFire {
		out.Candidate = BuildCandidate(rule, sample, res.Value)
	}
	return out, nil
}

// SweepStale applies one clear evaluation to every firing series that has not
// reported for staleAfter
func (e *Evaluator) SweepStale(now time.Time, staleAfter time.Duration) []Outcome {
	rs := e.current.Load()
	var outcomes []Outcome
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, s := range sh.series {
			if !s.state.Firing || now.Sub(s.state.LastSeen) < staleAfter {
				continue
			}
			rule, ok := rs.Get(key.RuleID)
			if !ok {
				continue
			}
			res := EvaluateStale(rule, s.state)
			s.state = res.State
			if rule.Window > 0 {
				s.window.Prune(now.Add(-rule.Window))
			}
			if res.Decision == DecisionClear {
				outcomes = append(outcomes, Outcome{
					Decision: DecisionClear,
					RuleID:   key.RuleID,
					Source:   key.Source,
					Severity: rule.Severity,
					Value:    res.Value,
					At:       now,
				})
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].RuleID != outcomes[j].RuleID {
			return outcomes[i].RuleID < outcomes[j].RuleID
		}
		return outcomes[i].Source < outcomes[j].Source
	})
	return outcomes
}

// Series returns the state of one series
func (e *Evaluator) Series(ruleID, source string) (SeriesState, bool) {
	sh := e.shardFor(ruleID, source)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.series[SeriesKey{RuleID: ruleID, Source: source}]
	if !ok {
		return SeriesState{}, false
	}
	return s.state, true
}

// SeriesCount returns the number of tracked series
func (e *Evaluator) SeriesCount() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		n += len(sh.series)
		sh.mu.Unlock()
	}
	return n
}
