package correlation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/akmatori/alertflow/internal/database"
)

// strategyOrder breaks ties when picking the dominant strategy
var strategyOrder = []database.CorrelationStrategy{
	database.StrategyTemporal,
	database.StrategySpatial,
	database.StrategySemantic,
	database.StrategyMetricPattern,
}

// PairScore holds the per-strategy scores of one alert pair.
// Strategies that abstained are absent.
type PairScore struct {
	Scores   map[database.CorrelationStrategy]float64
	TimedOut bool
}

// Confidence is the weighted mean over the applicable strategies
func (p PairScore) Confidence(weights map[database.CorrelationStrategy]float64) float64 {
	var sum, total float64
	// Fixed order keeps the floating point sum reproducible
	for _, s := range strategyOrder {
		score, ok := p.Scores[s]
		w := weights[s]
		if !ok || w <= 0 {
			continue
		}
		sum += w * score
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

type pair struct {
	a, b *database.Alert
}

type pairKey struct {
	a, b string
}

func keyOf(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{x, y}
}

// scorePairs runs every strategy over every pair. Strategies run in parallel,
// each under its own budget; a strategy that runs out of budget contributes 0
// to every pair of this pass.
func scorePairs(ctx context.Context, strategies []Strategy, pairs []pair, budget time.Duration) ([]PairScore, error) {
	type result struct {
		scores     []float64
		applicable []bool
		timedOut   bool
	}
	results := make([]result, len(strategies))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range strategies {
		i, s := i, s
		g.Go(func() error {
			sctx := gctx
			if budget > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(gctx, budget)
				defer cancel()
			}
			done := make(chan result, 1)
			go func() {
				r := result{scores: make([]float64, len(pairs)), applicable: make([]bool, len(pairs))}
				for j, p := range pairs {
					if sctx.Err() != nil {
						return
					}
					r.scores[j], r.applicable[j] = s.Score(p.a, p.b)
				}
				done <- r
			}()
			select {
			case r := <-done:
				results[i] = r
			case <-sctx.Done():
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("Warning: Correlator: %v: %s strategy exceeded %v over %d pairs",
					database.ErrCorrelationTimeout, s.Name(), budget, len(pairs))
				results[i] = result{timedOut: true}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]PairScore, len(pairs))
	for j := range pairs {
		ps := PairScore{Scores: make(map[database.CorrelationStrategy]float64, len(strategies))}
		for i, s := range strategies {
			r := results[i]
			switch {
			case r.timedOut:
				ps.Scores[s.Name()] = 0
				ps.TimedOut = true
			case r.applicable[j]:
				ps.Scores[s.Name()] = r.scores[j]
			}
		}
		out[j] = ps
	}
	return out, nil
}

// unionFind is a disjoint-set forest over indices
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(x, y int) {
	rx, ry := u.find(x), u.find(y)
	if rx == ry {
		return
	}
	switch {
	case u.rank[rx] < u.rank[ry]:
		u.parent[rx] = ry
	case u.rank[rx] > u.rank[ry]:
		u.parent[ry] = rx
	default:
		u.parent[ry] = rx
		u.rank[rx]++
	}
}

// groupID derives a stable id from the members and the pass time
func groupID(members []string, at time.Time) string {
	name := strings.Join(members, ",") + "@" + at.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// buildGroups links pairs at or above the link threshold and turns every
// component of two or more alerts into a group. alerts must be sorted by
// (created_at, id); score must be defined for every pair.
func buildGroups(alerts []*database.Alert, score func(a, b *database.Alert) PairScore, s *database.CorrelationSettings, at time.Time) []database.CorrelationGroup {
	n := len(alerts)
	weights := s.Weights()
	conf := make([][]float64, n)
	for i := range conf {
		conf[i] = make([]float64, n)
	}
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			c := score(alerts[i], alerts[j]).Confidence(weights)
			conf[i][j], conf[j][i] = c, c
			if c >= s.LinkThreshold {
				uf.union(i, j)
			}
		}
	}

	components := make(map[int][]int)
	var roots []int
	for i := 0; i < n; i++ {
		r := uf.find(i)
		if _, ok := components[r]; !ok {
			roots = append(roots, r)
		}
		components[r] = append(components[r], i)
	}
	// Components come out ordered by their oldest member
	sort.Slice(roots, func(x, y int) bool { return components[roots[x]][0] < components[roots[y]][0] })

	var groups []database.CorrelationGroup
	for _, r := range roots {
		idx := components[r]
		if len(idx) < 2 {
			continue
		}
		var total float64
		pairs := 0
		contrib := make(map[database.CorrelationStrategy]float64)
		sums := make(map[database.CorrelationStrategy]float64)
		counts := make(map[database.CorrelationStrategy]int)
		for x := 0; x < len(idx); x++ {
			for y := x + 1; y < len(idx); y++ {
				i, j := idx[x], idx[y]
				total += conf[i][j]
				pairs++
				for strat, v := range score(alerts[i], alerts[j]).Scores {
					contrib[strat] += weights[strat] * v
					sums[strat] += v
					counts[strat]++
				}
			}
		}
		confidence := total / float64(pairs)
		if confidence < s.MinConfidence {
			continue
		}

		dominant := strategyOrder[0]
		for _, strat := range strategyOrder[1:] {
			if contrib[strat] > contrib[dominant] {
				dominant = strat
			}
		}

		members := make([]string, len(idx))
		for k, i := range idx {
			members[k] = alerts[i].ID
		}
		breakdown := database.JSONB{"pairs": pairs}
		for _, strat := range strategyOrder {
			if counts[strat] > 0 {
				breakdown[string(strat)] = sums[strat] / float64(counts[strat])
			}
		}
		groups = append(groups, database.CorrelationGroup{
			ID:             groupID(members, at),
			MemberAlertIDs: members,
			Strategy:       dominant,
			Confidence:     confidence,
			ConfidenceBand: database.BandFor(confidence),
			Scores:         breakdown,
			ComputedAt:     at,
		})
	}
	return groups
}

func sortAlerts(alerts []*database.Alert) {
	sort.Slice(alerts, func(i, j int) bool { return less(alerts[i], alerts[j]) })
}

// Compute correlates a batch of alerts from scratch. It does not touch any
// store and its output depends only on its inputs.
func Compute(ctx context.Context, alerts []database.Alert, strategies []Strategy, s *database.CorrelationSettings, at time.Time) ([]database.CorrelationGroup, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: correlation settings are required", database.ErrMalformed)
	}
	ptrs := make([]*database.Alert, len(alerts))
	for i := range alerts {
		ptrs[i] = &alerts[i]
	}
	sortAlerts(ptrs)

	var pairs []pair
	for i := 0; i < len(ptrs); i++ {
		for j := i + 1; j < len(ptrs); j++ {
			pairs = append(pairs, pair{ptrs[i], ptrs[j]})
		}
	}
	scores, err := scorePairs(ctx, strategies, pairs, s.StrategyTimeout())
	if err != nil {
		return nil, err
	}
	byKey := make(map[pairKey]PairScore, len(pairs))
	for k, p := range pairs {
		byKey[keyOf(p.a.ID, p.b.ID)] = scores[k]
	}
	return buildGroups(ptrs, func(a, b *database.Alert) PairScore {
		return byKey[keyOf(a.ID, b.ID)]
	}, s, at), nil
}
