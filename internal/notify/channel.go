// Package notify routes stream events to delivery channels, renders
// channel-scoped payloads and tracks every delivery attempt until it is
// sent or abandoned.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/akmatori/alertflow/internal/database"
)

// Payload is what a channel receives for one attempt
type Payload struct {
	AttemptID     string            `json:"attempt_id"`
	Channel       database.Channel  `json:"channel"`
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	TargetKind    string            `json:"target_kind"`
	TargetID      string            `json:"target_event_id"`
	AttemptNumber int               `json:"attempt_number"`
	Severity      database.Severity `json:"severity,omitempty"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
}

// IdempotencyKey identifies a delivery so receivers can drop duplicates.
// It is keyed on the event, so distinct events about one target never
// collide while retries of one event keep their attempt number.
func (p Payload) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", p.Channel, p.EventID, p.AttemptNumber)
}

func payloadOf(a *database.NotificationAttempt, sev database.Severity) Payload {
	return Payload{
		AttemptID:     a.ID,
		Channel:       a.Channel,
		EventID:       a.EventID,
		EventType:     a.EventType,
		TargetKind:    a.TargetKind,
		TargetID:      a.TargetEventID,
		AttemptNumber: a.AttemptNumber,
		Severity:      sev,
		Subject:       a.Subject,
		Body:          a.Body,
	}
}

// Channel delivers rendered payloads
type Channel interface {
	Name() database.Channel
	Send(ctx context.Context, p Payload) error
}

// ChannelFunc adapts a function to a Channel
type ChannelFunc struct {
	Kind database.Channel
	Fn   func(ctx context.Context, p Payload) error
}

func (c ChannelFunc) Name() database.Channel { return c.Kind }

func (c ChannelFunc) Send(ctx context.Context, p Payload) error { return c.Fn(ctx, p) }

// BreakerSettings tunes the per-channel circuit breaker
type BreakerSettings struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32
	// Interval clears the failure counts while closed
	Interval time.Duration
	// Timeout is how long the breaker stays open
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings returns the breaker used when none is configured
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// guarded wraps a channel in a circuit breaker. An open breaker fails the
// attempt fast; it is retried like any other delivery failure.
type guarded struct {
	Channel
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps ch in a circuit breaker named after the channel
func WithBreaker(ch Channel, s BreakerSettings) Channel {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ch.Name()),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logBreaker(name, from, to)
		},
	})
	return &guarded{Channel: ch, cb: cb}
}

func (g *guarded) Send(ctx context.Context, p Payload) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.Channel.Send(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", database.ErrDeliveryFailure, g.Name(), err)
	}
	return nil
}

// State reports the breaker state of a guarded channel
func State(ch Channel) string {
	if g, ok := ch.(*guarded); ok {
		return g.cb.State().String()
	}
	return "none"
}

func logBreaker(name string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		log.Printf("Warning: Notifier: circuit for %s opened (was %s)", name, from)
		return
	}
	log.Printf("Notifier: circuit for %s is now %s", name, to)
}
