package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/strain-archive-collector/internal/progress"
)

// PrometheusSink exports run and dispatch progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	dispatches       *prometheus.CounterVec
	archivedBytes    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	batchClaimed     prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_runs_started_total",
			Help: "Collection runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_runs_completed_total",
			Help: "Collection runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_runs_active",
			Help: "Collection runs currently in progress.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_dispatches_total",
			Help: "URL dispatch results partitioned by host and outcome.",
		}, []string{"host", "outcome"}),
		archivedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_archived_bytes_total",
			Help: "HTML bytes archived per host.",
		}, []string{"host"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_dispatch_duration_seconds",
			Help:    "Time from claim to final mark per dispatch.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
		batchClaimed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collector_batch_claimed",
			Help:    "Rows claimed per batch.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runRuntime,
		s.dispatches,
		s.archivedBytes,
		s.dispatchDuration,
		s.batchClaimed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			s.finishRun(evt, "success")
		case progress.StageRunError:
			s.finishRun(evt, "error")
		case progress.StageBatchDone:
			s.batchClaimed.Observe(float64(evt.Claimed))
		case progress.StageArchived:
			s.observeDispatch(evt, "archived")
			s.archivedBytes.WithLabelValues(evt.Host).Add(float64(evt.Bytes))
		case progress.StageFailed:
			s.observeDispatch(evt, "failed")
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeDispatch(evt progress.Event, outcome string) {
	s.dispatches.WithLabelValues(evt.Host, outcome).Inc()
	if evt.Dur > 0 {
		s.dispatchDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
