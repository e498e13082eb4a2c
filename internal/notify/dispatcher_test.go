package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gorm.io/gorm"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/testhelpers"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingChannel struct {
	kind database.Channel
	mu   sync.Mutex
	got  []Payload
	fail func(n int) error
}

func (r *recordingChannel) Name() database.Channel { return r.kind }

func (r *recordingChannel) Send(ctx context.Context, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
	if r.fail != nil {
		return r.fail(len(r.got))
	}
	return nil
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func incidentCreated() events.Event {
	return events.Event{
		ID:       "evt-1",
		Type:     events.Created,
		Kind:     events.KindIncident,
		TargetID: "inc-1",
		Severity: database.SeverityCritical,
		Data:     map[string]interface{}{"title": "CPU high on db-1 (+2 related)", "state": "OPEN"},
	}
}

func newDispatcher(t *testing.T, bus *events.Bus, channels []Channel, opts Options) (*Dispatcher, *testhelpers.Clock) {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	clock := testhelpers.NewClock(epoch)
	d := New(db, bus, channels, opts)
	d.SetClock(clock.Now)
	return d, clock
}

func statuses(as []database.NotificationAttempt) []database.AttemptStatus {
	out := make([]database.AttemptStatus, len(as))
	for i, a := range as {
		out[i] = a.Status
	}
	return out
}

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestRoutes_For(t *testing.T) {
	all := []database.Channel{database.ChannelRealtime, database.ChannelEmail, database.ChannelWebhook, database.ChannelChat}
	tests := []struct {
		name string
		e    events.Event
		want []database.Channel
	}{
		{"incident created", events.Event{Kind: events.KindIncident, Type: events.Created}, all},
		{"incident escalated", events.Event{Kind: events.KindIncident, Type: events.Escalated}, all},
		{"incident updated", events.Event{Kind: events.KindIncident, Type: events.Updated}, nil},
		{"alert created", events.Event{Kind: events.KindAlert, Type: events.Created}, nil},
		{"meta-alert created", events.Event{Kind: events.KindAlert, Type: events.Created, Internal: true}, all},
		{"alert escalated", events.Event{Kind: events.KindAlert, Type: events.Escalated}, all},
		{"group correlated", events.Event{Kind: events.KindGroup, Type: events.Correlated}, nil},
	}
	routes := DefaultRoutes()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, routes.For(tt.e)); diff != "" {
				t.Errorf("For() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDispatch_OneAttemptPerChannel(t *testing.T) {
	var channels []Channel
	var recs []*recordingChannel
	for _, kind := range []database.Channel{database.ChannelRealtime, database.ChannelEmail, database.ChannelWebhook, database.ChannelChat} {
		rec := &recordingChannel{kind: kind}
		recs = append(recs, rec)
		channels = append(channels, rec)
	}
	d, _ := newDispatcher(t, events.NewBus(), channels, Options{})

	attempts, err := d.Dispatch(context.Background(), incidentCreated())
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 4 {
		t.Fatalf("attempts = %d, want 4", len(attempts))
	}
	for _, a := range attempts {
		if a.Status != database.AttemptSent || a.AttemptNumber != 1 || a.TargetEventID != "inc-1" {
			t.Errorf("attempt %+v", a)
		}
	}
	for _, rec := range recs {
		if rec.count() != 1 {
			t.Errorf("%s received %d payloads", rec.kind, rec.count())
		}
	}
	if got := recs[1].got[0].Subject; got != "[CRITICAL] incident created: CPU high on db-1 (+2 related)" {
		t.Errorf("email subject = %q", got)
	}
	if got := recs[0].got[0].IdempotencyKey(); got != "REALTIME_STREAM:evt-1:1" {
		t.Errorf("idempotency key = %q", got)
	}
}

func TestDispatch_WebhookFailsTwiceThenSucceeds(t *testing.T) {
	const secret = "test-secret"
	var mu sync.Mutex
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, r.Header.Get(HeaderIdempotencyKey))
		if len(keys) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, clock := newDispatcher(t, events.NewBus(), []Channel{NewWebhook(srv.URL, secret)}, Options{})
	ctx := context.Background()

	first, err := d.Dispatch(ctx, incidentCreated())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].Status != database.AttemptFailed {
		t.Fatalf("first try = %+v", first)
	}

	if n, _ := d.ProcessDue(ctx, clock.Now()); n != 0 {
		t.Errorf("retry ran before its backoff elapsed")
	}
	d.ProcessDue(ctx, clock.Advance(2*time.Second))
	d.ProcessDue(ctx, clock.Advance(4*time.Second))

	all, _ := d.ForEvent("evt-1")
	want := []database.AttemptStatus{database.AttemptFailed, database.AttemptFailed, database.AttemptSent}
	if diff := cmp.Diff(want, statuses(all)); diff != "" {
		t.Errorf("attempt statuses (-want +got):\n%s", diff)
	}
	for i, a := range all {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt %d has number %d", i, a.AttemptNumber)
		}
		if a.Status == database.AttemptFailed && (a.Error == nil || !strings.Contains(*a.Error, "502")) {
			t.Errorf("failed attempt error = %v", a.Error)
		}
	}
	if diff := cmp.Diff([]string{"WEBHOOK:evt-1:1", "WEBHOOK:evt-1:2", "WEBHOOK:evt-1:3"}, keys); diff != "" {
		t.Errorf("idempotency keys (-want +got):\n%s", diff)
	}
}

func TestDispatch_DistinctEventsOnOneTargetKeepDistinctKeys(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		key := r.Header.Get(HeaderIdempotencyKey)
		if _, dup := seen[key]; dup {
			// A receiver that drops duplicates would lose this delivery
			w.WriteHeader(http.StatusConflict)
			return
		}
		seen[key] = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, events.NewBus(), []Channel{NewWebhook(srv.URL, "secret")}, Options{})
	ctx := context.Background()

	created := incidentCreated()
	escalated := incidentCreated()
	escalated.ID = "evt-2"
	escalated.Type = events.Escalated
	for _, e := range []events.Event{created, escalated} {
		attempts, err := d.Dispatch(ctx, e)
		if err != nil {
			t.Fatal(err)
		}
		if len(attempts) != 1 || attempts[0].Status != database.AttemptSent {
			t.Fatalf("%s attempts = %+v", e.Type, attempts)
		}
	}
	if len(seen) != 2 {
		t.Errorf("receiver saw %d distinct keys, want 2: %v", len(seen), seen)
	}
	for _, key := range []string{"WEBHOOK:evt-1:1", "WEBHOOK:evt-2:1"} {
		if _, ok := seen[key]; !ok {
			t.Errorf("missing delivery with key %s", key)
		}
	}
}

func TestProcessDue_StoreErrorDoesNotCancelOtherChannels(t *testing.T) {
	fast := ChannelFunc{Kind: database.ChannelEmail, Fn: func(context.Context, Payload) error { return nil }}
	var sendErr error
	slow := ChannelFunc{Kind: database.ChannelWebhook, Fn: func(ctx context.Context, p Payload) error {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			sendErr = ctx.Err()
		}
		return sendErr
	}}
	d, clock := newDispatcher(t, events.NewBus(), []Channel{fast, slow}, Options{})

	for _, ch := range []database.Channel{database.ChannelEmail, database.ChannelWebhook} {
		a := database.NotificationAttempt{
			ID: string(ch) + "-1", Channel: ch, EventID: "evt-1", EventType: "created",
			TargetKind: "incident", TargetEventID: "inc-1", AttemptNumber: 1,
			Status: database.AttemptPending, ScheduledAt: epoch, CreatedAt: epoch,
		}
		if err := d.db.Create(&a).Error; err != nil {
			t.Fatal(err)
		}
	}

	// The first attempt update, the email one, hits a store error
	var updates atomic.Int32
	err := d.db.Callback().Update().Before("gorm:update").Register("test:fail_first_update", func(tx *gorm.DB) {
		if tx.Statement.Table == "notification_attempts" && updates.Add(1) == 1 {
			tx.AddError(errors.New("connection reset"))
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.ProcessDue(context.Background(), clock.Now()); !errors.Is(err, database.ErrStoreUnavailable) {
		t.Fatalf("ProcessDue() error = %v, want ErrStoreUnavailable", err)
	}
	if sendErr != nil {
		t.Errorf("webhook send was cancelled: %v", sendErr)
	}
	attempts, _ := d.ForEvent("evt-1")
	var webhook []database.AttemptStatus
	for _, a := range attempts {
		if a.Channel == database.ChannelWebhook {
			webhook = append(webhook, a.Status)
		}
	}
	if diff := cmp.Diff([]database.AttemptStatus{database.AttemptSent}, webhook); diff != "" {
		t.Errorf("webhook attempts (-want +got):\n%s", diff)
	}
}

func TestDispatch_AttemptsNeverExceedCap(t *testing.T) {
	bus := events.NewBus()
	rec := testhelpers.NewEventRecorder(t, bus)
	failing := &recordingChannel{kind: database.ChannelEmail, fail: func(int) error { return errors.New("connection refused") }}
	d, clock := newDispatcher(t, bus, []Channel{failing}, Options{Cap: 3})
	ctx := context.Background()

	d.Dispatch(ctx, incidentCreated())
	for i := 0; i < 10; i++ {
		d.ProcessDue(ctx, clock.Advance(10*time.Minute))
	}

	all, _ := d.ForEvent("evt-1")
	want := []database.AttemptStatus{database.AttemptFailed, database.AttemptFailed, database.AttemptAbandoned}
	if diff := cmp.Diff(want, statuses(all)); diff != "" {
		t.Errorf("attempt statuses (-want +got):\n%s", diff)
	}
	if failing.count() != 3 {
		t.Errorf("channel called %d times, want 3", failing.count())
	}

	failed := rec.OfType(events.DeliveryFailed, events.KindAttempt)
	if len(failed) != 1 {
		t.Fatalf("delivery_failed events = %d, want 1", len(failed))
	}
	if failed[0].Data["target_event_id"] != "inc-1" || failed[0].Data["about_internal"] != false || !failed[0].Internal {
		t.Errorf("delivery_failed event = %+v", failed[0])
	}
	if n, _ := d.Pending(); n != 0 {
		t.Errorf("pending attempts = %d", n)
	}
}

func TestDispatch_RenderFailureOnlyAbandonsThatChannel(t *testing.T) {
	bus := events.NewBus()
	rec := testhelpers.NewEventRecorder(t, bus)
	email := &recordingChannel{kind: database.ChannelEmail}
	chat := &recordingChannel{kind: database.ChannelChat}
	d, _ := newDispatcher(t, bus, []Channel{email, chat}, Options{
		Templates: map[database.Channel]Template{
			database.ChannelChat: {Subject: "x", Body: "{{.Missing.Field}}"},
		},
	})

	attempts, err := d.Dispatch(context.Background(), incidentCreated())
	if err != nil {
		t.Fatal(err)
	}
	got := map[database.Channel]database.AttemptStatus{}
	for _, a := range attempts {
		got[a.Channel] = a.Status
	}
	want := map[database.Channel]database.AttemptStatus{
		database.ChannelEmail: database.AttemptSent,
		database.ChannelChat:  database.AttemptAbandoned,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
	if chat.count() != 0 {
		t.Error("chat channel was called with an unrendered payload")
	}
	if n := len(rec.OfType(events.DeliveryFailed, events.KindAttempt)); n != 1 {
		t.Errorf("delivery_failed events = %d", n)
	}
}

func TestDispatch_AbandonedFailureReportDoesNotLoop(t *testing.T) {
	bus := events.NewBus()
	rec := testhelpers.NewEventRecorder(t, bus)
	failing := &recordingChannel{kind: database.ChannelRealtime, fail: func(int) error { return errors.New("down") }}
	d, clock := newDispatcher(t, bus, []Channel{failing}, Options{Cap: 1, Routes: Routes{database.ChannelRealtime: {All: true}}})

	report := events.Event{ID: "evt-9", Type: events.DeliveryFailed, Kind: events.KindAttempt, TargetID: "att-1", Internal: true}
	attempts, _ := d.Dispatch(context.Background(), report)
	if len(attempts) != 1 || attempts[0].Status != database.AttemptAbandoned {
		t.Fatalf("attempts = %+v", attempts)
	}
	d.ProcessDue(context.Background(), clock.Advance(time.Hour))
	if n := len(rec.OfType(events.DeliveryFailed, "")); n != 0 {
		t.Errorf("abandoned failure report raised %d more reports", n)
	}
}

func TestDispatch_SkipsUnconfiguredChannels(t *testing.T) {
	rt := &recordingChannel{kind: database.ChannelRealtime}
	d, _ := newDispatcher(t, events.NewBus(), []Channel{rt}, Options{})

	attempts, err := d.Dispatch(context.Background(), incidentCreated())
	if err != nil || len(attempts) != 1 || attempts[0].Channel != database.ChannelRealtime {
		t.Fatalf("Dispatch() = %+v, %v", attempts, err)
	}
	if diff := cmp.Diff([]database.Channel{database.ChannelRealtime}, d.Channels()); diff != "" {
		t.Errorf("Channels() (-want +got):\n%s", diff)
	}
}

func TestConsume(t *testing.T) {
	bus := events.NewBus()
	rt := &recordingChannel{kind: database.ChannelRealtime}
	d, _ := newDispatcher(t, bus, []Channel{rt}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(0, nil)
	done := make(chan struct{})
	go func() {
		d.Consume(ctx, sub)
		close(done)
	}()

	bus.Publish(incidentCreated())
	testhelpers.Eventually(t, 2*time.Second, func() bool { return rt.count() == 1 }, "event was not dispatched")
	cancel()
	<-done
}
