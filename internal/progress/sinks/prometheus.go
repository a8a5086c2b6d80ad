package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/leadscout/internal/progress"
)

// PrometheusSink exports job lifecycle metrics.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	jobResults    *prometheus.HistogramVec
	deliveries    *prometheus.CounterVec
	recordsStream prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadscout_jobs_started_total",
			Help: "Jobs dispatched after passing the daily gate.",
		}, []string{"source"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadscout_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by state.",
		}, []string{"source", "state"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leadscout_jobs_running",
			Help: "Jobs currently running.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadscout_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"state"}),
		jobResults: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadscout_job_results",
			Help:    "Deduplicated results per finished job.",
			Buckets: []float64{0, 1, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"state"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadscout_deliveries_total",
			Help: "Artifact deliveries by outcome.",
		}, []string{"outcome"}),
		recordsStream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadscout_progress_updates_total",
			Help: "Progress notifications emitted while jobs run.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.jobResults,
		s.deliveries,
		s.recordsStream,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.WithLabelValues(label(evt.Source)).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobProgress:
		s.recordsStream.Inc()
	case progress.StageJobDone:
		s.finish(evt, "completed")
	case progress.StageJobCancelled:
		s.finish(evt, "cancelled")
	case progress.StageJobError:
		s.finish(evt, "failed")
	case progress.StageDeliverySent:
		s.deliveries.WithLabelValues("sent").Inc()
	case progress.StageDeliveryQueued:
		s.deliveries.WithLabelValues("queued").Inc()
	}
}

func (s *PrometheusSink) finish(evt progress.Event, state string) {
	s.jobsFinished.WithLabelValues(label(evt.Source), state).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(state).Observe(evt.Dur.Seconds())
	}
	s.jobResults.WithLabelValues(state).Observe(float64(evt.Results))
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func label(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
