package stepwise

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Event drop reasons reported by RecordDroppedEvent.
const (
	DropReasonDuplicate = "duplicate"
	DropReasonUntracked = "untracked"
	DropReasonShutdown  = "shutdown"
	DropReasonObserved  = "observed"
	DropReasonOverflow  = "overflow"
	DropReasonPaused    = "paused"
)

// MetricsProvider records engine and dispatcher metrics.
type MetricsProvider interface {
	// RecordStepDuration records the duration of one state's step.
	RecordStepDuration(operator, state string, duration time.Duration, err error)

	// RecordTransition records a Next transition between two states.
	RecordTransition(operator, from, to string)

	// RecordRunOutcome records how a run ended.
	RecordRunOutcome(operator string, outcome OutcomeKind)

	// RecordRetry records a step retry.
	RecordRetry(operator, state string)

	// RecordActiveEngines sets the number of running engines.
	RecordActiveEngines(operator string, count int)

	// RecordTrackedObjects sets the number of tracked object entries.
	RecordTrackedObjects(operator string, count int)

	// RecordCleanupDuration records the duration of a cleanup run.
	RecordCleanupDuration(operator string, duration time.Duration, success bool)

	// RecordDroppedEvent records an event the dispatcher did not act on.
	RecordDroppedEvent(operator, reason string)
}

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	// Namespace is the Prometheus namespace for all metrics.
	// Default: "stepwise"
	Namespace string

	// Subsystem is the Prometheus subsystem for all metrics.
	// Default: "operator"
	Subsystem string

	// StepBuckets are the histogram buckets for step and cleanup durations.
	StepBuckets []float64

	// Registry is the Prometheus registry to use.
	// Default: controller-runtime's metrics registry, served by the manager.
	Registry prometheus.Registerer
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace: "stepwise",
		Subsystem: "operator",
		StepBuckets: []float64{
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
		},
		Registry: ctrlmetrics.Registry,
	}
}

type metricsProvider struct {
	stepDuration    *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	runOutcomes     *prometheus.CounterVec
	retries         *prometheus.CounterVec
	activeEngines   *prometheus.GaugeVec
	trackedObjects  *prometheus.GaugeVec
	cleanupDuration *prometheus.HistogramVec
	droppedEvents   *prometheus.CounterVec
}

// NewMetricsProvider creates a MetricsProvider and registers its collectors.
// It panics if registration fails, like prometheus.MustRegister.
func NewMetricsProvider(config *MetricsConfig) MetricsProvider {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if config.Registry == nil {
		config.Registry = ctrlmetrics.Registry
	}
	if len(config.StepBuckets) == 0 {
		config.StepBuckets = prometheus.DefBuckets
	}

	mp := &metricsProvider{
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "step_duration_seconds",
				Help:      "Duration of state steps in seconds",
				Buckets:   config.StepBuckets,
			},
			[]string{"operator", "state", "result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "transitions_total",
				Help:      "Total number of state transitions",
			},
			[]string{"operator", "from", "to"},
		),
		runOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "runs_total",
				Help:      "Total number of state graph runs by outcome",
			},
			[]string{"operator", "outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
			[]string{"operator", "state"},
		),
		activeEngines: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_engines",
				Help:      "Number of objects with a running engine",
			},
			[]string{"operator"},
		),
		trackedObjects: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tracked_objects",
				Help:      "Number of tracked object entries",
			},
			[]string{"operator"},
		),
		cleanupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cleanup_duration_seconds",
				Help:      "Duration of cleanup runs in seconds",
				Buckets:   config.StepBuckets,
			},
			[]string{"operator", "success"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dropped_events_total",
				Help:      "Total number of events not acted on",
			},
			[]string{"operator", "reason"},
		),
	}

	config.Registry.MustRegister(
		mp.stepDuration,
		mp.transitions,
		mp.runOutcomes,
		mp.retries,
		mp.activeEngines,
		mp.trackedObjects,
		mp.cleanupDuration,
		mp.droppedEvents,
	)
	return mp
}

func (mp *metricsProvider) RecordStepDuration(operator, state string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	mp.stepDuration.WithLabelValues(operator, state, result).Observe(duration.Seconds())
}

func (mp *metricsProvider) RecordTransition(operator, from, to string) {
	mp.transitions.WithLabelValues(operator, from, to).Inc()
}

func (mp *metricsProvider) RecordRunOutcome(operator string, outcome OutcomeKind) {
	mp.runOutcomes.WithLabelValues(operator, outcome.String()).Inc()
}

func (mp *metricsProvider) RecordRetry(operator, state string) {
	mp.retries.WithLabelValues(operator, state).Inc()
}

func (mp *metricsProvider) RecordActiveEngines(operator string, count int) {
	mp.activeEngines.WithLabelValues(operator).Set(float64(count))
}

func (mp *metricsProvider) RecordTrackedObjects(operator string, count int) {
	mp.trackedObjects.WithLabelValues(operator).Set(float64(count))
}

func (mp *metricsProvider) RecordCleanupDuration(operator string, duration time.Duration, success bool) {
	mp.cleanupDuration.WithLabelValues(operator, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func (mp *metricsProvider) RecordDroppedEvent(operator, reason string) {
	mp.droppedEvents.WithLabelValues(operator, reason).Inc()
}

// NoopMetricsProvider discards all metrics.
type NoopMetricsProvider struct{}

// NewNoopMetricsProvider returns a MetricsProvider that records nothing.
func NewNoopMetricsProvider() MetricsProvider {
	return &NoopMetricsProvider{}
}

func (n *NoopMetricsProvider) RecordStepDuration(string, string, time.Duration, error) {}
func (n *NoopMetricsProvider) RecordTransition(string, string, string)                 {}
func (n *NoopMetricsProvider) RecordRunOutcome(string, OutcomeKind)                    {}
func (n *NoopMetricsProvider) RecordRetry(string, string)                              {}
func (n *NoopMetricsProvider) RecordActiveEngines(string, int)                         {}
func (n *NoopMetricsProvider) RecordTrackedObjects(string, int)                        {}
func (n *NoopMetricsProvider) RecordCleanupDuration(string, time.Duration, bool)       {}
func (n *NoopMetricsProvider) RecordDroppedEvent(string, string)                       {}
