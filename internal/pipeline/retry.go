package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
)

// withStore runs op until it succeeds, fails structurally or ctx ends.
// Transient failures pause the calling stage with exponential backoff, which
// backpressures everything upstream of it. The first failure of an outage
// publishes store_unavailable; the first success after it ends the outage.
func (p *Pipeline) withStore(ctx context.Context, stage string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.StoreRetryBase
	b.MaxInterval = p.opts.StoreRetryMax
	b.MaxElapsedTime = 0

	failed := false
	err := backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !database.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		failed = true
		if p.metrics != nil {
			p.metrics.StoreRetries.WithLabelValues(stage).Inc()
		}
		p.storeDown(stage, err)
		log.Printf("Warning: Pipeline: %s: %v, retrying in %v", stage, err, wait.Round(time.Millisecond))
	})
	if err == nil && failed {
		p.storeUp(stage)
	}
	return err
}

func (p *Pipeline) storeDown(stage string, cause error) {
	p.outageMu.Lock()
	already := p.outages[stage]
	p.outages[stage] = true
	p.outageMu.Unlock()
	if already {
		return
	}
	log.Printf("Warning: Pipeline: store unavailable in %s stage: %v", stage, cause)
	p.bus.Publish(events.Event{
		Type:     events.StoreUnavailable,
		Kind:     events.KindStore,
		TargetID: stage,
		Severity: database.SeverityCritical,
		Internal: true,
		Data:     map[string]interface{}{"stage": stage, "error": cause.Error()},
	})
}

func (p *Pipeline) storeUp(stage string) {
	p.outageMu.Lock()
	was := p.outages[stage]
	delete(p.outages, stage)
	p.outageMu.Unlock()
	if !was {
		return
	}
	log.Printf("Pipeline: store reachable again in %s stage", stage)
	p.bus.Publish(events.Event{
		Type:     events.Resolved,
		Kind:     events.KindStore,
		TargetID: stage,
		Severity: database.SeverityCritical,
		Internal: true,
		Data:     map[string]interface{}{"stage": stage},
	})
}
