package notify

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/locks"
)

// Backoff is the retry schedule of failed deliveries
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DefaultBackoff waits 2s, 4s, 8s ... up to 5m
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Factor: 2, Max: 5 * time.Minute}
}

// Delay returns the wait after the given failed attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Options configures a Dispatcher. Zero values fall back to defaults.
type Options struct {
	Routes      Routes
	Templates   map[database.Channel]Template
	Backoff     Backoff
	Cap         int
	SendTimeout time.Duration
	// Observe is told about every finished attempt
	Observe func(ch database.Channel, status database.AttemptStatus)
}

// Dispatcher owns NotificationAttempt records
type Dispatcher struct {
	db       *gorm.DB
	bus      events.Publisher
	channels map[database.Channel]Channel
	routes   Routes
	renderer *Renderer
	backoff  Backoff
	cap      int
	timeout  time.Duration
	observe  func(database.Channel, database.AttemptStatus)
	locks    *locks.Keyed
	now      func() time.Time
}

// New creates a dispatcher delivering over the given channels
func New(db *gorm.DB, bus events.Publisher, channels []Channel, opts Options) *Dispatcher {
	if opts.Routes == nil {
		opts.Routes = DefaultRoutes()
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Cap <= 0 {
		opts.Cap = 3
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		db:       db,
		bus:      bus,
		channels: make(map[database.Channel]Channel, len(channels)),
		routes:   opts.Routes,
		renderer: NewRenderer(opts.Templates),
		backoff:  opts.Backoff,
		cap:      opts.Cap,
		timeout:  opts.SendTimeout,
		observe:  opts.Observe,
		locks:    locks.NewKeyed(),
		now:      time.Now,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	return d
}

// SetClock replaces the time source
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Cap returns the attempt cap
func (d *Dispatcher) Cap() int {
	return d.cap
}

// Channels lists the channels this dispatcher delivers to
func (d *Dispatcher) Channels() []database.Channel {
	var out []database.Channel
	for _, ch := range channelOrder {
		if _, ok := d.channels[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Dispatch creates one attempt per routed channel and tries each once.
// A channel whose template fails to render gets an ABANDONED attempt; the
// other channels are unaffected. Returns the attempts in their state after
// the first try.
func (d *Dispatcher) Dispatch(ctx context.Context, e events.Event) ([]database.NotificationAttempt, error) {
	now := d.now()
	var created []database.NotificationAttempt
	for _, ch := range d.routes.For(e) {
		if _, ok := d.channels[ch]; !ok {
			continue
		}
		a := database.NotificationAttempt{
			ID:            uuid.New().String(),
			Channel:       ch,
			EventID:       e.ID,
			EventType:     string(e.Type),
			TargetKind:    string(e.Kind),
			TargetEventID: e.TargetID,
			AttemptNumber: 1,
			Internal:      e.Internal,
			Severity:      e.Severity,
			Status:        database.AttemptPending,
			ScheduledAt:   now,
			CreatedAt:     now,
		}
		subject, body, err := d.renderer.Render(ch, e)
		if err != nil {
			msg := err.Error()
			a.Status = database.AttemptAbandoned
			a.Error = &msg
			a.CompletedAt = &now
		}
		a.Subject, a.Body = subject, body
		created = append(created, a)
	}
	if len(created) == 0 {
		return nil, nil
	}
	if err := d.db.Create(&created).Error; err != nil {
		return nil, database.MapError(err)
	}

	var wg sync.WaitGroup
	for i := range created {
		a := &created[i]
		if a.Status == database.AttemptAbandoned {
			log.Printf("Warning: Notifier: could not render %s for event %s: %s", a.Channel, a.EventID, *a.Error)
			d.finished(a)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.deliver(ctx, a.ID); err != nil {
				log.Printf("Warning: Notifier: attempt %s: %v", a.ID, err)
			}
		}()
	}
	wg.Wait()

	ids := make([]string, len(created))
	for i, a := range created {
		ids[i] = a.ID
	}
	var out []database.NotificationAttempt
	if err := d.db.Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, database.MapError(err)
	}
	sortAttempts(out)
	return out, nil
}

// ProcessDue sends every PENDING attempt scheduled at or before now.
// Returns how many attempts were tried.
func (d *Dispatcher) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	var due []database.NotificationAttempt
	if err := d.db.Where("status = ? AND scheduled_at <= ?", database.AttemptPending, now).
		Order("scheduled_at, id").Find(&due).Error; err != nil {
		return 0, database.MapError(err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	// one worker per channel keeps a slow channel from holding up the rest
	byChannel := make(map[database.Channel][]string)
	for _, a := range due {
		byChannel[a.Channel] = append(byChannel[a.Channel], a.ID)
	}
	// A store error on one channel must not cancel sends in flight on the others
	var g errgroup.Group
	for _, ids := range byChannel {
		ids := ids
		g.Go(func() error {
			for _, id := range ids {
				if err := d.deliver(ctx, id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(due), nil
}

// deliver sends one PENDING attempt and records the outcome. Failures below
// the cap schedule the next attempt; the attempt that reaches the cap is
// ABANDONED and reported. Only store errors are returned.
func (d *Dispatcher) deliver(ctx context.Context, id string) error {
	unlock := d.locks.Lock(id)
	defer unlock()

	var a database.NotificationAttempt
	if err := d.db.First(&a, "id = ?", id).Error; err != nil {
		return database.MapError(err)
	}
	if a.Status != database.AttemptPending {
		return nil
	}

	sendErr := d.send(ctx, &a)
	now := d.now()
	if sendErr == nil {
		if err := d.db.Model(&database.NotificationAttempt{}).Where("id = ? AND status = ?", id, database.AttemptPending).
			Updates(map[string]interface{}{"status": database.AttemptSent, "completed_at": now}).Error; err != nil {
			return database.MapError(err)
		}
		a.Status = database.AttemptSent
		d.finished(&a)
		return nil
	}

	msg := sendErr.Error()
	if a.AttemptNumber >= d.cap {
		if err := d.db.Model(&database.NotificationAttempt{}).Where("id = ? AND status = ?", id, database.AttemptPending).
			Updates(map[string]interface{}{"status": database.AttemptAbandoned, "completed_at": now, "error": msg}).Error; err != nil {
			return database.MapError(err)
		}
		a.Status = database.AttemptAbandoned
		a.Error = &msg
		log.Printf("Warning: Notifier: %s delivery of event %s abandoned after %d attempts: %s", a.Channel, a.EventID, a.AttemptNumber, msg)
		d.finished(&a)
		return nil
	}

	next := database.NotificationAttempt{
		ID:            uuid.New().String(),
		Channel:       a.Channel,
		EventID:       a.EventID,
		EventType:     a.EventType,
		TargetKind:    a.TargetKind,
		TargetEventID: a.TargetEventID,
		AttemptNumber: a.AttemptNumber + 1,
		Internal:      a.Internal,
		Severity:      a.Severity,
		Status:        database.AttemptPending,
		Subject:       a.Subject,
		Body:          a.Body,
		ScheduledAt:   now.Add(d.backoff.Delay(a.AttemptNumber)),
		CreatedAt:     now,
	}
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&database.NotificationAttempt{}).Where("id = ? AND status = ?", id, database.AttemptPending).
			Updates(map[string]interface{}{"status": database.AttemptFailed, "completed_at": now, "error": msg}).Error; err != nil {
			return err
		}
		return tx.Create(&next).Error
	})
	if err != nil {
		return database.MapError(err)
	}
	a.Status = database.AttemptFailed
	log.Printf("Notifier: %s attempt %d for event %s failed, retry at %s: %s",
		a.Channel, a.AttemptNumber, a.EventID, next.ScheduledAt.Format(time.RFC3339), msg)
	d.finished(&a)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, a *database.NotificationAttempt) (err error) {
	ch, ok := d.channels[a.Channel]
	if !ok {
		return fmt.Errorf("%w: channel %s is not configured", database.ErrDeliveryFailure, a.Channel)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", database.ErrDeliveryFailure, a.Channel, r)
		}
	}()
	return ch.Send(sendCtx, payloadOf(a, a.Severity))
}

// finished reports a terminal or failed attempt. Abandoned deliveries raise
// a delivery_failed event unless they were themselves about one.
func (d *Dispatcher) finished(a *database.NotificationAttempt) {
	if d.observe != nil {
		d.observe(a.Channel, a.Status)
	}
	if a.Status != database.AttemptAbandoned || d.bus == nil || a.EventType == string(events.DeliveryFailed) {
		return
	}
	errMsg := ""
	if a.Error != nil {
		errMsg = *a.Error
	}
	d.bus.Publish(events.Event{
		Type:     events.DeliveryFailed,
		Kind:     events.KindAttempt,
		TargetID: a.ID,
		Severity: a.Severity,
		Internal: true,
		Data: map[string]interface{}{
			"channel":         a.Channel,
			"event_id":        a.EventID,
			"event_type":      a.EventType,
			"target_kind":     a.TargetKind,
			"target_event_id": a.TargetEventID,
			"attempts":        a.AttemptNumber,
			"error":           errMsg,
			"about_internal":  a.Internal,
		},
	})
}

// Consume dispatches every event of sub until ctx ends
func (d *Dispatcher) Consume(ctx context.Context, sub *events.Subscription) {
	sub.Run(ctx, func(ctx context.Context, e events.Event) {
		if _, err := d.Dispatch(ctx, e); err != nil {
			log.Printf("Warning: Notifier: could not dispatch event %s (%s %s): %v", e.ID, e.Kind, e.Type, err)
		}
	})
}
