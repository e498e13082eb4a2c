// Package jobs runs the time-driven work of the pipeline: escalation scans,
// suppression expiry, retention, stale-series sweeps, delivery retries and
// settings refresh.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/akmatori/alertflow/internal/metrics"
)

// Task is one unit of scheduled work. Run returns how many records it changed.
type Task struct {
	Name string
	Run  func(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs its tasks in order on every pass. A failing task never
// stops the tasks after it.
type Scheduler struct {
	tasks   []Task
	metrics *metrics.Metrics
	now     func() time.Time

	// pass serialises RunDue so a slow pass is never overlapped by the next tick
	pass sync.Mutex
}

// NewScheduler creates a scheduler. m may be nil.
func NewScheduler(m *metrics.Metrics, tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, metrics: m, now: time.Now}
}

// SetClock replaces the time source used by Start
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Add appends tasks
func (s *Scheduler) Add(tasks ...Task) {
	s.pass.Lock()
	defer s.pass.Unlock()
	s.tasks = append(s.tasks, tasks...)
}

// Tasks returns the task names in run order
func (s *Scheduler) Tasks() []string {
	s.pass.Lock()
	defer s.pass.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// RunDue runs every task once for now. Returns the total changed and the
// joined task errors.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) (int, error) {
	s.pass.Lock()
	defer s.pass.Unlock()

	total := 0
	var errs []error
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := s.run(ctx, t, now)
		total += n
		s.metrics.ObserveTask(t.Name, err)
		if err != nil {
			log.Printf("Scheduler: %s job error: %v", t.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		if n > 0 {
			log.Printf("Scheduler: %s job: performed %d", t.Name, n)
		}
	}
	return total, errors.Join(errs...)
}

func (s *Scheduler) run(ctx context.Context, t Task, now time.Time) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx, now)
}

// Start runs a pass every interval until ctx is done
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	log.Printf("Scheduler started (interval: %v, tasks: %v)", interval, s.Tasks())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		case <-ctx.Done():
			log.Println("Scheduler stopped")
			return
		}
	}
}
