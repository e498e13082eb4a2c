package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/rules"
)

// Rule ids of the alerts the pipeline raises about its own failures
const (
	MetaDeliveryAbandoned = "meta.delivery_abandoned"
	MetaStoreUnavailable  = "meta.store_unavailable"
)

// metaCandidate turns an internal failure event into an alert candidate.
// Returns nil for events that must not raise one.
func metaCandidate(e events.Event) *rules.Candidate {
	switch e.Type {
	case events.DeliveryFailed:
		if about, _ := e.Data["about_internal"].(bool); about {
			// an abandoned delivery about a meta-alert never raises another
			return nil
		}
		channel := dataString(e.Data, "channel")
		attempts := dataFloat(e.Data, "attempts")
		return &rules.Candidate{
			RuleID:   MetaDeliveryAbandoned,
			RuleName: "Notification delivery abandoned",
			Description: fmt.Sprintf("%s delivery of %s %s for %s gave up after %.0f attempts: %s",
				channel, dataString(e.Data, "target_kind"), dataString(e.Data, "event_type"),
				dataString(e.Data, "target_event_id"), attempts, dataString(e.Data, "error")),
			Severity: database.SeverityHigh,
			Source:   channel,
			Snapshot: database.MetricSnapshot{{Key: "attempts", Value: attempts}},
			Tags: map[string]string{
				"channel":    channel,
				"target_id":  dataString(e.Data, "target_event_id"),
				"event_type": dataString(e.Data, "event_type"),
			},
			Internal: true,
			At:       eventTime(e),
		}
	case events.StoreUnavailable:
		stage := dataString(e.Data, "stage")
		if stage == "" {
			stage = e.TargetID
		}
		return &rules.Candidate{
			RuleID:      MetaStoreUnavailable,
			RuleName:    "Durable store unavailable",
			Description: fmt.Sprintf("%s stage paused: %s", stage, dataString(e.Data, "error")),
			Severity:    database.SeverityCritical,
			Source:      stage,
			Snapshot:    database.MetricSnapshot{{Key: "available", Value: 0}},
			Tags:        map[string]string{"stage": stage},
			Internal:    true,
			At:          eventTime(e),
		}
	}
	return nil
}

// metaClear ends the store outage alert of a stage once it recovered
func metaClear(e events.Event) *rules.Outcome {
	if e.Kind != events.KindStore || e.Type != events.Resolved {
		return nil
	}
	return &rules.Outcome{
		Decision: rules.DecisionClear,
		RuleID:   MetaStoreUnavailable,
		Source:   e.TargetID,
		Severity: database.SeverityCritical,
		Value:    1,
		At:       eventTime(e),
	}
}

func isMetaEvent(e events.Event) bool {
	switch {
	case e.Type == events.DeliveryFailed, e.Type == events.StoreUnavailable:
		return true
	case e.Kind == events.KindStore && e.Type == events.Resolved:
		return true
	}
	return false
}

// consumeMeta raises and clears meta-alerts until ctx ends. One consumer
// keeps an outage and its recovery in order.
func (p *Pipeline) consumeMeta(ctx context.Context, sub *events.Subscription) {
	sub.Run(ctx, func(ctx context.Context, e events.Event) {
		it := &item{clear: metaClear(e)}
		if it.clear == nil {
			it.candidate = metaCandidate(e)
		}
		if it.clear == nil && it.candidate == nil {
			log.Printf("Pipeline: not raising a meta-alert for %s %s about an internal alert", e.Kind, e.Type)
			return
		}
		ruleID, source := it.series()
		if it.candidate != nil {
			log.Printf("Pipeline: raising %s for %s", ruleID, source)
		}
		if err := p.enqueue(ctx, it); err != nil {
			log.Printf("Warning: Pipeline: could not hand %s for %s to admission: %v", ruleID, source, err)
		}
	})
}

func dataString(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func dataFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func eventTime(e events.Event) time.Time {
	if e.At.IsZero() {
		return time.Now()
	}
	return e.At
}
