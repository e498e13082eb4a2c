package correlation

import (
	"strings"
	"time"
	"unicode"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/rules"
)

// Strategy scores how related two alerts are. applicable is false when the
// strategy has nothing to say about the pair.
type Strategy interface {
	Name() database.CorrelationStrategy
	Score(a, b *database.Alert) (score float64, applicable bool)
}

// Temporal scores alerts created close together
type Temporal struct {
	Delta time.Duration
}

func (Temporal) Name() database.CorrelationStrategy { return database.StrategyTemporal }

// Score is 1 - 0.5*Δ/delta within delta and 0 beyond it
func (s Temporal) Score(a, b *database.Alert) (float64, bool) {
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	if s.Delta <= 0 || d > s.Delta {
		return 0, true
	}
	return 1 - 0.5*float64(d)/float64(s.Delta), true
}

// Tag keys the spatial strategy reads
const (
	TagService = "service"
	TagCluster = "cluster"
)

// Topology is an undirected set of declared source dependencies
type Topology struct {
	links map[string]map[string]struct{}
}

// NewTopology builds a topology from definition links
func NewTopology(links []rules.TopologyLink) *Topology {
	t := &Topology{links: make(map[string]map[string]struct{})}
	for _, l := range links {
		t.add(l.From, l.To)
		t.add(l.To, l.From)
	}
	return t
}

func (t *Topology) add(from, to string) {
	if t.links[from] == nil {
		t.links[from] = make(map[string]struct{})
	}
	t.links[from][to] = struct{}{}
}

// Linked reports whether a and b are declared neighbours
func (t *Topology) Linked(a, b string) bool {
	if t == nil {
		return false
	}
	_, ok := t.links[a][b]
	return ok
}

// Spatial scores alerts on related infrastructure
type Spatial struct {
	Topology *Topology
}

func (Spatial) Name() database.CorrelationStrategy { return database.StrategySpatial }

// Score takes the strongest relation: same source 1.0, same service 0.8,
// topology link 0.7, same cluster 0.5
func (s Spatial) Score(a, b *database.Alert) (float64, bool) {
	if a.Source == b.Source {
		return 1, true
	}
	score := 0.0
	if sameTag(a, b, TagService) {
		score = 0.8
	}
	if score < 0.7 && s.Topology.Linked(a.Source, b.Source) {
		score = 0.7
	}
	if score < 0.5 && sameTag(a, b, TagCluster) {
		score = 0.5
	}
	return score, true
}

func sameTag(a, b *database.Alert, key string) bool {
	va, ok := a.Tags[key]
	if !ok || va == "" {
		return false
	}
	return b.Tags[key] == va
}

// Semantic scores textual overlap of rule name, description and tags
type Semantic struct {
	Threshold float64
}

func (Semantic) Name() database.CorrelationStrategy { return database.StrategySemantic }

// Score is the Jaccard similarity of the token sets. Abstains when either
// alert carries no text or the overlap is below the threshold, so unrelated
// wording never dilutes the other strategies.
func (s Semantic) Score(a, b *database.Alert) (float64, bool) {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0, false
	}
	j := jaccard(ta, tb)
	if j < s.Threshold {
		return 0, false
	}
	return j, true
}

// Tokens returns the lower-cased word set of an alert's text
func Tokens(a *database.Alert) map[string]struct{} {
	out := make(map[string]struct{})
	add := func(text string) {
		for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len(w) > 1 {
				out[w] = struct{}{}
			}
		}
	}
	add(a.RuleName)
	add(a.Description)
	for _, v := range a.Tags {
		add(v)
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// MetricPattern scores alerts whose metric snapshots belong together
type MetricPattern struct {
	Patterns [][]string
}

func (MetricPattern) Name() database.CorrelationStrategy { return database.StrategyMetricPattern }

// Score is 1.0 when the two snapshots jointly cover a pattern with each side
// contributing, the Jaccard of metric keys when they share keys, and abstains
// otherwise
func (s MetricPattern) Score(a, b *database.Alert) (float64, bool) {
	ka, kb := keySet(a.MetricSnapshot), keySet(b.MetricSnapshot)
	for _, p := range s.Patterns {
		if coversJointly(p, ka, kb) {
			return 1, true
		}
	}
	j := jaccard(ka, kb)
	if j == 0 {
		return 0, false
	}
	return j, true
}

func keySet(m database.MetricSnapshot) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for _, p := range m {
		out[strings.ToLower(p.Key)] = struct{}{}
	}
	return out
}

func coversJointly(pattern []string, a, b map[string]struct{}) bool {
	fromA, fromB := false, false
	for _, key := range pattern {
		key = strings.ToLower(key)
		_, inA := a[key]
		_, inB := b[key]
		if !inA && !inB {
			return false
		}
		fromA = fromA || inA
		fromB = fromB || inB
	}
	return fromA && fromB
}

// DefaultStrategies builds the four strategies from settings
func DefaultStrategies(s *database.CorrelationSettings, topology *Topology, patterns [][]string) []Strategy {
	return []Strategy{
		Temporal{Delta: s.TemporalDelta()},
		Spatial{Topology: topology},
		Semantic{Threshold: s.SemanticThreshold},
		MetricPattern{Patterns: patterns},
	}
}
