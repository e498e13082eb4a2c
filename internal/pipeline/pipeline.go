// Package pipeline connects the stages with bounded queues:
// samples → evaluator → admission (suppression + lifecycle) → correlator →
// incidents, with the dispatcher and housekeeping reading the event bus.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/correlation"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/incidents"
	"github.com/akmatori/alertflow/internal/lifecycle"
	"github.com/akmatori/alertflow/internal/metrics"
	"github.com/akmatori/alertflow/internal/notify"
	"github.com/akmatori/alertflow/internal/rules"
	"github.com/akmatori/alertflow/internal/suppression"
)

// ErrNotRunning is returned by Submit after the pipeline stopped
var ErrNotRunning = errors.New("pipeline is not running")

// Options size the queues and tune retries
type Options struct {
	// QueueSize bounds every stage queue
	QueueSize int
	// OverflowSize bounds the evaluator's load-shedding buffer
	OverflowSize int
	// Workers is the number of evaluator and admission shards
	Workers int
	// IncidentWorkers handle correlation groups concurrently
	IncidentWorkers int
	StoreRetryBase  time.Duration
	StoreRetryMax   time.Duration
	// StaleAfter is how long a firing series may stay silent before it is cleared
	StaleAfter time.Duration
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.OverflowSize <= 0 {
		o.OverflowSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.IncidentWorkers <= 0 {
		o.IncidentWorkers = 2
	}
	if o.StoreRetryBase <= 0 {
		o.StoreRetryBase = 100 * time.Millisecond
	}
	if o.StoreRetryMax <= 0 {
		o.StoreRetryMax = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
}

// Stages are the components the pipeline drives. Dispatcher and Metrics may be nil.
type Stages struct {
	Evaluator   *rules.Evaluator
	Store       *lifecycle.Store
	Suppression *suppression.Manager
	Correlator  *correlation.Correlator
	Incidents   *incidents.Manager
	Dispatcher  *notify.Dispatcher
	Metrics     *metrics.Metrics
}

// item is one unit of evaluator output: a fired candidate or a cleared series
type item struct {
	candidate *rules.Candidate
	clear     *rules.Outcome
}

func (it *item) severity() database.Severity {
	if it.candidate != nil {
		return it.candidate.Severity
	}
	return it.clear.Severity
}

func (it *item) series() (ruleID, source string) {
	if it.candidate != nil {
		return it.candidate.RuleID, it.candidate.Source
	}
	return it.clear.RuleID, it.clear.Source
}

// Pipeline owns the queues and workers
type Pipeline struct {
	db   *gorm.DB
	bus  *events.Bus
	opts Options

	evaluator   *rules.Evaluator
	store       *lifecycle.Store
	suppression *suppression.Manager
	correlator  *correlation.Correlator
	incidents   *incidents.Manager
	dispatcher  *notify.Dispatcher
	metrics     *metrics.Metrics

	samples  []chan rules.Sample
	admit    []chan *item
	visible  chan database.Alert
	groups   chan database.CorrelationGroup
	overflow *overflow

	// subscriptions are taken at construction so no event published before
	// Start is missed
	housekeeping *events.Subscription
	meta         *events.Subscription
	outbound     *events.Subscription
	// gated are the subscriptions the admission, correlation and incident
	// stages wait on before taking their next item. The meta subscription is
	// left out: its consumer feeds admission and would wait on itself.
	gated []*events.Subscription

	outageMu sync.Mutex
	outages  map[string]bool

	stopped chan struct{}
}

// New creates a pipeline. Nothing runs until Start.
func New(db *gorm.DB, bus *events.Bus, stages Stages, opts Options) *Pipeline {
	opts.defaults()
	p := &Pipeline{
		db:          db,
		bus:         bus,
		opts:        opts,
		evaluator:   stages.Evaluator,
		store:       stages.Store,
		suppression: stages.Suppression,
		correlator:  stages.Correlator,
		incidents:   stages.Incidents,
		dispatcher:  stages.Dispatcher,
		metrics:     stages.Metrics,
		visible:     make(chan database.Alert, opts.QueueSize),
		groups:      make(chan database.CorrelationGroup, opts.QueueSize),
		outages:     make(map[string]bool),
		stopped:     make(chan struct{}),
	}
	p.samples = make([]chan rules.Sample, opts.Workers)
	p.admit = make([]chan *item, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		p.samples[i] = make(chan rules.Sample, opts.QueueSize)
		p.admit[i] = make(chan *item, opts.QueueSize)
	}
	p.overflow = newOverflow(opts.OverflowSize, p.shed)

	p.housekeeping = bus.SubscribeBounded(opts.QueueSize, func(e events.Event) bool { return e.Kind == events.KindAlert })
	p.meta = bus.SubscribeBounded(opts.QueueSize, isMetaEvent)
	p.gated = []*events.Subscription{p.housekeeping}
	if p.dispatcher != nil {
		p.outbound = bus.SubscribeBounded(opts.QueueSize, nil)
		p.gated = append(p.gated, p.outbound)
	}
	return p
}

// Start runs every stage until ctx ends or a stage fails
func (p *Pipeline) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	defer close(p.stopped)

	for i := range p.samples {
		i := i
		g.Go(func() error { return p.evaluate(gctx, i) })
		g.Go(func() error { return p.admission(gctx, i) })
	}
	g.Go(func() error { return p.drainOverflow(gctx) })
	g.Go(func() error { return p.correlate(gctx) })
	for i := 0; i < p.opts.IncidentWorkers; i++ {
		g.Go(func() error { return p.group(gctx) })
	}
	g.Go(func() error {
		p.housekeep(gctx, p.housekeeping)
		return nil
	})
	g.Go(func() error {
		p.consumeMeta(gctx, p.meta)
		return nil
	})
	if p.outbound != nil {
		g.Go(func() error {
			p.dispatcher.Consume(gctx, p.outbound)
			return nil
		})
	}
	g.Go(func() error {
		p.reportDepth(gctx)
		return nil
	})

	log.Printf("Pipeline started (%d shards, queue size %d, overflow %d)", len(p.samples), p.opts.QueueSize, p.opts.OverflowSize)
	err := g.Wait()
	p.housekeeping.Close()
	p.meta.Close()
	if p.outbound != nil {
		p.outbound.Close()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Println("Pipeline stopped")
	return err
}

// Submit queues a sample for evaluation. It blocks while the sample's shard
// queue is full. Malformed samples are quarantined and returned as ErrMalformed.
func (p *Pipeline) Submit(ctx context.Context, s rules.Sample) error {
	if err := s.Validate(); err != nil {
		p.quarantine("ingest", s, err)
		return err
	}
	select {
	case p.samples[rules.ShardIndex(s.RuleID, s.Source, len(p.samples))] <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrNotRunning
	}
}

// Reactivated hands alerts that returned to ACTIVE outside the evaluator
// (suppression expiry or lift) to the correlator
func (p *Pipeline) Reactivated(ctx context.Context, alerts []database.Alert) {
	for _, a := range alerts {
		if !a.State.IsVisible() {
			continue
		}
		select {
		case p.visible <- a:
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		}
	}
}

// SweepStale clears firing series that stopped reporting. Returns how many were cleared.
func (p *Pipeline) SweepStale(ctx context.Context, now time.Time) (int, error) {
	outcomes := p.evaluator.SweepStale(now, p.opts.StaleAfter)
	for i := range outcomes {
		if err := p.enqueue(ctx, &item{clear: &outcomes[i]}); err != nil {
			return i, err
		}
	}
	return len(outcomes), nil
}

// evaluate owns one evaluator shard
func (p *Pipeline) evaluate(ctx context.Context, shard int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-p.samples[shard]:
			started := time.Now()
			out, err := p.evaluator.Process(s)
			p.metrics.ObserveStage("evaluate", started)
			if err != nil {
				p.countSample("error")
				p.quarantine("evaluate", s, err)
				continue
			}
			p.countSample(out.Decision.String())
			switch out.Decision {
			case rules.DecisionFire:
				p.emit(&item{candidate: out.Candidate})
			case rules.DecisionClear:
				o := out
				p.emit(&item{clear: &o})
			}
		}
	}
}

// emit hands evaluator output downstream without blocking the shard: when
// the admission queue is full, or earlier output is still buffered, the item
// goes to the overflow buffer
func (p *Pipeline) emit(it *item) {
	q := p.admit[p.shardOf(it)]
	if !p.overflow.busy() {
		select {
		case q <- it:
			return
		default:
		}
	}
	p.overflow.push(it)
}

// enqueue blocks until the admission stage accepts it. Used for items that
// do not come from an evaluator shard.
func (p *Pipeline) enqueue(ctx context.Context, it *item) error {
	select {
	case p.admit[p.shardOf(it)] <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrNotRunning
	}
}

func (p *Pipeline) shardOf(it *item) int {
	ruleID, source := it.series()
	return rules.ShardIndex(ruleID, source, len(p.admit))
}

func (p *Pipeline) shed(it *item) {
	ruleID, source := it.series()
	log.Printf("Warning: Pipeline: overloaded, dropped %s candidate %s/%s", it.severity(), ruleID, source)
	if p.metrics != nil {
		p.metrics.OverflowDrops.WithLabelValues(string(it.severity())).Inc()
	}
}

func (p *Pipeline) drainOverflow(ctx context.Context) error {
	for {
		it, ok := p.overflow.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.overflow.ready:
				continue
			}
		}
		select {
		case p.admit[p.shardOf(it)] <- it:
			p.overflow.done()
		case <-ctx.Done():
			p.overflow.done()
			return ctx.Err()
		}
	}
}

// admission filters candidates through suppression and records them, and
// resolves the alerts of cleared series
func (p *Pipeline) admission(ctx context.Context, shard int) error {
	for {
		if err := p.awaitRoom(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-p.admit[shard]:
			started := time.Now()
			var err error
			if it.candidate != nil {
				err = p.admitCandidate(ctx, it.candidate)
			} else {
				err = p.resolveSeries(ctx, it.clear)
			}
			p.metrics.ObserveStage("admit", started)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, database.ErrMalformed) {
					p.quarantine("admit", it.candidate, err)
					continue
				}
				log.Printf("Warning: Pipeline: admission failed: %v", err)
			}
		}
	}
}

func (p *Pipeline) admitCandidate(ctx context.Context, cand *rules.Candidate) error {
	verdict := p.suppression.Filter(cand)
	if p.metrics != nil {
		label := "visible"
		if verdict.Suppressed {
			label = "suppressed"
		}
		p.metrics.Candidates.WithLabelValues(label).Inc()
	}

	var alert *database.Alert
	var created bool
	err := p.withStore(ctx, "admit", func() error {
		var err error
		alert, created, err = p.store.Admit(cand, verdict.Ref())
		return err
	})
	if err != nil {
		return err
	}
	if !created || !alert.State.IsVisible() {
		return nil
	}
	select {
	case p.visible <- *alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) resolveSeries(ctx context.Context, clear *rules.Outcome) error {
	err := p.withStore(ctx, "resolve", func() error {
		_, err := p.store.AutoResolve(clear.RuleID, clear.Source)
		return err
	})
	if errors.Is(err, database.ErrNotFound) || errors.Is(err, database.ErrInvalidTransition) {
		return nil
	}
	return err
}

// correlate is the single correlator worker; the window has one owner
func (p *Pipeline) correlate(ctx context.Context) error {
	for {
		if err := p.awaitRoom(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert := <-p.visible:
			started := time.Now()
			var groups []database.CorrelationGroup
			err := p.withStore(ctx, "correlate", func() error {
				var err error
				groups, err = p.correlator.Observe(ctx, alert)
				return err
			})
			p.metrics.ObserveStage("correlate", started)
			if p.metrics != nil {
				n, _ := p.correlator.Stats()
				p.metrics.WindowAlerts.Set(float64(n))
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("Warning: Pipeline: correlating alert %s failed: %v", alert.ID, err)
				continue
			}
			for _, g := range groups {
				select {
				case p.groups <- g:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (p *Pipeline) group(ctx context.Context) error {
	for {
		if err := p.awaitRoom(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case g := <-p.groups:
			started := time.Now()
			err := p.withStore(ctx, "incident", func() error {
				_, err := p.incidents.HandleGroup(&g)
				return err
			})
			p.metrics.ObserveStage("incident", started)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, database.ErrMalformed) {
					p.quarantine("incident", g, err)
					continue
				}
				log.Printf("Warning: Pipeline: group %s: %v", g.ID, err)
			}
		}
	}
}

// housekeep keeps the correlation window and incidents in step with alert
// state changes made anywhere: pipeline, operators or scheduler
func (p *Pipeline) housekeep(ctx context.Context, sub *events.Subscription) {
	sub.Run(ctx, func(ctx context.Context, e events.Event) {
		state := database.AlertState(dataString(e.Data, "state"))
		if state.IsVisible() {
			return
		}
		p.correlator.Forget(e.TargetID)
		if state != database.AlertStateResolved && state != database.AlertStateClosed {
			return
		}
		err := p.withStore(ctx, "incident", func() error {
			_, err := p.incidents.AlertResolved(e.TargetID)
			return err
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("Warning: Pipeline: incident update for resolved alert %s failed: %v", e.TargetID, err)
		}
	})
}

// awaitRoom blocks while a downstream event consumer is behind, so a stalled
// dispatcher backs work up into the bounded stage queues instead of memory
func (p *Pipeline) awaitRoom(ctx context.Context) error {
	for _, sub := range p.gated {
		if err := sub.WaitForRoom(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) reportDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples, admit := 0, 0
			for i := range p.samples {
				samples += len(p.samples[i])
				admit += len(p.admit[i])
			}
			p.metrics.QueueDepth.WithLabelValues("samples").Set(float64(samples))
			p.metrics.QueueDepth.WithLabelValues("admit").Set(float64(admit))
			p.metrics.QueueDepth.WithLabelValues("overflow").Set(float64(p.overflow.Len()))
			p.metrics.QueueDepth.WithLabelValues("visible").Set(float64(len(p.visible)))
			p.metrics.QueueDepth.WithLabelValues("groups").Set(float64(len(p.groups)))
			p.metrics.QueueDepth.WithLabelValues("housekeeping").Set(float64(p.housekeeping.Len()))
			p.metrics.QueueDepth.WithLabelValues("meta").Set(float64(p.meta.Len()))
			if p.outbound != nil {
				p.metrics.QueueDepth.WithLabelValues("outbound").Set(float64(p.outbound.Len()))
			}
		}
	}
}

func (p *Pipeline) countSample(outcome string) {
	if p.metrics != nil {
		p.metrics.Samples.WithLabelValues(outcome).Inc()
	}
}

// quarantine records a malformed item; one bad item never stops a stage
func (p *Pipeline) quarantine(stage string, v interface{}, cause error) {
	if p.metrics != nil {
		p.metrics.Quarantined.WithLabelValues(stage).Inc()
	}
	payload := database.JSONB{}
	if b, err := json.Marshal(v); err != nil || json.Unmarshal(b, &payload) != nil {
		payload = database.JSONB{"item": fmt.Sprintf("%+v", v)}
	}
	if err := database.Quarantine(p.db, stage, payload, cause); err != nil {
		log.Printf("Warning: Pipeline: could not quarantine %s item (%v): %v", stage, cause, err)
	}
}
