// Package metrics exposes the pipeline's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
)

// Metrics holds every collector of the process
type Metrics struct {
	Samples        *prometheus.CounterVec
	Candidates     *prometheus.CounterVec
	Events         *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	OverflowDrops  *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	Quarantined    *prometheus.CounterVec
	StoreRetries   *prometheus.CounterVec
	WindowAlerts   prometheus.Gauge
	SchedulerRuns  *prometheus.CounterVec
	StreamDropped  prometheus.Counter
	gatherer       prometheus.Gatherer
}

// New creates the collectors and registers them with reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_samples_total",
			Help: "Samples evaluated, by outcome",
		}, []string{"outcome"}),
		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_candidates_total",
			Help: "Alert candidates filtered by suppression",
		}, []string{"verdict"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_events_total",
			Help: "Events published on the stream",
		}, []string{"kind", "type"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertflow_stage_duration_seconds",
			Help:    "Time spent per item in each pipeline stage",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1, 2.5},
		}, []string{"stage"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alertflow_queue_depth",
			Help: "Items waiting in each bounded queue",
		}, []string{"queue"}),
		OverflowDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_overflow_dropped_total",
			Help: "Candidates shed from the overflow buffer, by severity",
		}, []string{"severity"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_notification_attempts_total",
			Help: "Finished notification attempts, by channel and status",
		}, []string{"channel", "status"}),
		Quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_quarantined_total",
			Help: "Malformed items isolated, by stage",
		}, []string{"stage"}),
		StoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_store_retries_total",
			Help: "Retries after the store was unavailable, by stage",
		}, []string{"stage"}),
		WindowAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertflow_correlation_window_alerts",
			Help: "Alerts held in the correlation window",
		}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_scheduler_runs_total",
			Help: "Scheduler task runs, by task and result",
		}, []string{"task", "result"}),
		StreamDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertflow_stream_dropped_total",
			Help: "Events dropped for slow stream subscribers",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.Samples, m.Candidates, m.Events, m.StageDuration, m.QueueDepth,
		m.OverflowDrops, m.Notifications, m.Quarantined, m.StoreRetries,
		m.WindowAlerts, m.SchedulerRuns, m.StreamDropped,
	)
	return m
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveStage records how long one item took in a stage
func (m *Metrics) ObserveStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// ObserveDelivery counts a finished notification attempt
func (m *Metrics) ObserveDelivery(ch database.Channel, status database.AttemptStatus) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(string(ch), string(status)).Inc()
}

// ObserveEvent counts a published event
func (m *Metrics) ObserveEvent(e events.Event) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(string(e.Kind), string(e.Type)).Inc()
}

// ObserveTask counts a scheduler task run
func (m *Metrics) ObserveTask(task string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SchedulerRuns.WithLabelValues(task, result).Inc()
}
