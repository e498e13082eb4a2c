package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/akmatori/alertflow/internal/metrics"
	"github.com/akmatori/alertflow/internal/testhelpers"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRunDue_RunsEveryTaskInOrder(t *testing.T) {
	var order []string
	task := func(name string, n int, err error) Task {
		return Task{Name: name, Run: func(ctx context.Context, now time.Time) (int, error) {
			if !now.Equal(epoch) {
				t.Errorf("%s got now %v", name, now)
			}
			order = append(order, name)
			return n, err
		}}
	}
	s := NewScheduler(nil,
		task("escalation", 2, nil),
		task("retention", 0, errors.New("store down")),
		task("delivery_retry", 3, nil),
	)

	total, err := s.RunDue(context.Background(), epoch)
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if err == nil || !strings.Contains(err.Error(), "retention: store down") {
		t.Errorf("RunDue() error = %v", err)
	}
	if diff := cmp.Diff([]string{"escalation", "retention", "delivery_retry"}, order); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunDue_RecoversPanics(t *testing.T) {
	ran := false
	s := NewScheduler(nil,
		Task{Name: "broken", Run: func(context.Context, time.Time) (int, error) { panic("nil map") }},
		Task{Name: "after", Run: func(context.Context, time.Time) (int, error) { ran = true; return 0, nil }},
	)
	if _, err := s.RunDue(context.Background(), epoch); err == nil || !strings.Contains(err.Error(), "panic: nil map") {
		t.Errorf("RunDue() error = %v", err)
	}
	if !ran {
		t.Error("task after the panic did not run")
	}
}

func TestRunDue_StopsOnCancelledContext(t *testing.T) {
	ran := false
	s := NewScheduler(nil, Task{Name: "never", Run: func(context.Context, time.Time) (int, error) { ran = true; return 0, nil }})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.RunDue(ctx, epoch); !errors.Is(err, context.Canceled) {
		t.Errorf("RunDue() error = %v", err)
	}
	if ran {
		t.Error("task ran after cancellation")
	}
}

func TestRunDue_ObservesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := NewScheduler(m, Task{Name: "retention", Run: func(context.Context, time.Time) (int, error) { return 0, errors.New("x") }})
	s.RunDue(context.Background(), epoch)

	families, _ := reg.Gather()
	found := false
	for _, f := range families {
		if f.GetName() == "alertflow_scheduler_runs_total" {
			found = true
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 1 {
				t.Errorf("scheduler runs = %v", got)
			}
		}
	}
	if !found {
		t.Error("scheduler runs not recorded")
	}
}

func TestStart_TicksUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(nil, Task{Name: "tick", Run: func(context.Context, time.Time) (int, error) {
		runs.Add(1)
		return 0, nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	testhelpers.Eventually(t, 2*time.Second, func() bool { return runs.Load() >= 2 }, "scheduler never ticked twice")
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestAdd(t *testing.T) {
	s := NewScheduler(nil)
	s.Add(Task{Name: "a"}, Task{Name: "b"})
	if diff := cmp.Diff([]string{"a", "b"}, s.Tasks()); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}
