package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pearswick/dumpany/internal/progress"
)

// PrometheusSink exports run progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsRunning   prometheus.Gauge
	runDuration   prometheus.Histogram

	phaseItems    *prometheus.CounterVec
	phaseFailures *prometheus.CounterVec
	phaseTotal    *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dumpany_runs_started_total",
			Help: "Company runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dumpany_runs_completed_total",
			Help: "Company runs that have finished.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dumpany_runs_running",
			Help: "Company runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dumpany_run_duration_seconds",
			Help:    "Wall time per completed company run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		phaseItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dumpany_phase_items_total",
			Help: "Items completed per progress phase.",
		}, []string{"phase"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dumpany_phase_failures_total",
			Help: "Items that failed per progress phase.",
		}, []string{"phase"}),
		phaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dumpany_phase_planned_items_total",
			Help: "Items announced at the start of each progress phase.",
		}, []string{"phase"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.phaseItems,
		s.phaseFailures,
		s.phaseTotal,
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
		if s.tracker.start(evt.RunID, evt.TS) {
			s.runsStarted.Inc()
			s.runsRunning.Inc()
		}
		switch evt.Stage {
		case progress.StagePhaseStart:
			s.phaseTotal.WithLabelValues(string(evt.Phase)).Add(float64(evt.Total))
		case progress.StageAdvance:
			s.phaseItems.WithLabelValues(string(evt.Phase)).Inc()
		case progress.StageItemFailed:
			s.phaseFailures.WithLabelValues(string(evt.Phase)).Inc()
		case progress.StageRunDone:
			if started, ok := s.tracker.complete(evt.RunID); ok {
				s.runsCompleted.Inc()
				s.runsRunning.Dec()
				if d := evt.TS.Sub(started); d > 0 {
					s.runDuration.Observe(d.Seconds())
				}
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]time.Time
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]time.Time)}
}

func (t *runTracker) start(id [16]byte, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *runTracker) complete(id [16]byte) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return started, true
}
