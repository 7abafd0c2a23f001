package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "homectl_"

	resultSuccess = "success"
	resultError   = "error"

	timerScheduled = "scheduled"
	timerFired     = "fired"
	timerCancelled = "cancelled"
)

var (
	registerOnce sync.Once

	programPasses  *prometheus.CounterVec
	programLatency *prometheus.HistogramVec
	ruleOutcomes   *prometheus.CounterVec

	conditionEvents *prometheus.CounterVec
	deviceChanges   *prometheus.CounterVec

	worldUpdateWait *prometheus.HistogramVec
	worldsLive      prometheus.Gauge

	timerEvents        *prometheus.CounterVec
	schedulerQueue     prometheus.Gauge
	schedulerDropped   prometheus.Counter
	schedulerCallbacks *prometheus.HistogramVec

	previewTotal   *prometheus.CounterVec
	previewLatency *prometheus.HistogramVec
	exportTotal    *prometheus.CounterVec
)

// Init registers engine metrics with the default registry. Safe to call more
// than once; metric helpers are no-ops until Init runs.
func Init() {
	registerOnce.Do(func() {
		registerer := prometheus.DefaultRegisterer
		programPasses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "program_passes_total",
				Help: "Total program evaluation passes by world kind",
			},
			[]string{"world"},
		)
		programLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "program_pass_latency_seconds",
				Help:    "Program evaluation pass latency in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"world"},
		)
		ruleOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_outcomes_total",
				Help: "Total rule outcomes by status",
			},
			[]string{"status"},
		)
		conditionEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "condition_events_total",
				Help: "Total condition notifications by kind",
			},
			[]string{"event"},
		)
		deviceChanges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_changes_total",
				Help: "Total device parameter changes by world kind",
			},
			[]string{"world"},
		)
		worldUpdateWait = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "world_update_wait_seconds",
				Help:    "Time spent waiting for a world update lock",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"world"},
		)
		worldsLive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "hypothetical_worlds",
			Help: "Hypothetical worlds not yet discarded",
		})
		timerEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "timer_events_total",
				Help: "Total scheduler timer events by kind",
			},
			[]string{"event"},
		)
		schedulerQueue = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "scheduler_queue_depth",
			Help: "Current scheduler worker queue depth",
		})
		schedulerDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "scheduler_dropped_total",
			Help: "Total callbacks dropped due to a full queue",
		})
		schedulerCallbacks = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "scheduler_callback_seconds",
				Help:    "Scheduler callback run time in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.25, 1},
			},
			[]string{"result"},
		)
		previewTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "preview_runs_total",
				Help: "Total what-if preview runs by result",
			},
			[]string{"result"},
		)
		previewLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "preview_latency_seconds",
				Help:    "What-if preview latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "preview_exports_total",
				Help: "Total preview report exports by format and result",
			},
			[]string{"format", "result"},
		)

		registerer.MustRegister(
			programPasses,
			programLatency,
			ruleOutcomes,
			conditionEvents,
			deviceChanges,
			worldUpdateWait,
			worldsLive,
			timerEvents,
			schedulerQueue,
			schedulerDropped,
			schedulerCallbacks,
			previewTotal,
			previewLatency,
			exportTotal,
		)
	})
}

func worldLabel(current bool) string {
	if current {
		return "current"
	}
	return "hypothetical"
}

// ObserveProgramPass records a program evaluation pass.
func ObserveProgramPass(current bool, duration time.Duration) {
	label := worldLabel(current)
	if programPasses != nil {
		programPasses.WithLabelValues(label).Inc()
	}
	if programLatency != nil {
		programLatency.WithLabelValues(label).Observe(duration.Seconds())
	}
}

// IncRuleOutcome increments the rule outcome counter.
func IncRuleOutcome(status string) {
	if status == "" {
		status = "unknown"
	}
	if ruleOutcomes != nil {
		ruleOutcomes.WithLabelValues(status).Inc()
	}
}

// IncConditionEvent increments condition notification counters.
func IncConditionEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if conditionEvents != nil {
		conditionEvents.WithLabelValues(event).Inc()
	}
}

// IncDeviceChange increments device change counters.
func IncDeviceChange(current bool) {
	if deviceChanges != nil {
		deviceChanges.WithLabelValues(worldLabel(current)).Inc()
	}
}

// ObserveUpdateWait records time spent acquiring a world update lock.
func ObserveUpdateWait(current bool, wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	if worldUpdateWait != nil {
		worldUpdateWait.WithLabelValues(worldLabel(current)).Observe(wait.Seconds())
	}
}

// AddHypotheticalWorlds adjusts the live hypothetical world gauge.
func AddHypotheticalWorlds(delta int) {
	if worldsLive != nil {
		worldsLive.Add(float64(delta))
	}
}

// IncTimer increments timer lifecycle counters.
func IncTimer(event string) {
	if event == "" {
		event = "unknown"
	}
	if timerEvents != nil {
		timerEvents.WithLabelValues(event).Inc()
	}
}

// ObserveSchedulerQueueDepth sets the scheduler queue depth.
func ObserveSchedulerQueueDepth(depth int) {
	if schedulerQueue != nil {
		schedulerQueue.Set(float64(depth))
	}
}

// IncSchedulerDropped counts a dropped callback.
func IncSchedulerDropped() {
	if schedulerDropped != nil {
		schedulerDropped.Inc()
	}
}

// ObserveSchedulerCallback records callback run time and result.
func ObserveSchedulerCallback(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if schedulerCallbacks != nil {
		schedulerCallbacks.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObservePreview records preview latency and result.
func ObservePreview(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if previewTotal != nil {
		previewTotal.WithLabelValues(result).Inc()
	}
	if previewLatency != nil {
		previewLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncExport counts a report export.
func IncExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	TimerScheduled = timerScheduled
	TimerFired     = timerFired
	TimerCancelled = timerCancelled
)
