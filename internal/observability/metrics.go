package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warband"

type moduleMetrics struct {
	dispatchTotal           *prometheus.CounterVec
	dispatchDuration        *prometheus.HistogramVec
	dispatchAttemptsTotal   *prometheus.CounterVec
	dispatchAttemptDuration *prometheus.HistogramVec

	schedulerRunsTotal   *prometheus.CounterVec
	schedulerTickSeconds prometheus.Histogram
	schedulerDueTasks    *prometheus.GaugeVec
	schedulerLeaseHeld   prometheus.Gauge

	channelSendsTotal   *prometheus.CounterVec
	inboundMessageTotal *prometheus.CounterVec
	linkCodesTotal      *prometheus.CounterVec

	queueDepth   *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	queueWait    *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dispatch_total",
					Help:      "Completed dispatches by final tier, outcome and credential source.",
				},
				[]string{"tier", "outcome", "byok"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "dispatch_duration_seconds",
					Help:      "End-to-end dispatch duration in seconds, including fallbacks.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			dispatchAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dispatch_attempts_total",
					Help:      "Model calls by tier and outcome.",
				},
				[]string{"tier", "outcome"},
			),
			dispatchAttemptDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "dispatch_attempt_duration_seconds",
					Help:      "Single model call duration in seconds by tier.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tier"},
			),
			schedulerRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "scheduler_runs_total",
					Help:      "Recurring task executions by kind and status.",
				},
				[]string{"kind", "status"},
			),
			schedulerTickSeconds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "scheduler_tick_duration_seconds",
					Help:      "Scheduler tick duration in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
				},
			),
			schedulerDueTasks: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "scheduler_due_tasks",
					Help:      "Tasks found due on the last tick by kind.",
				},
				[]string{"kind"},
			),
			schedulerLeaseHeld: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "scheduler_lease_held",
					Help:      "Whether this process holds the scheduler lease (1 held, 0 not held).",
				},
			),
			channelSendsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "channel_sends_total",
					Help:      "Outbound channel sends by channel and status.",
				},
				[]string{"channel", "status"},
			),
			inboundMessageTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "inbound_messages_total",
					Help:      "Inbound messages by channel and pipeline outcome.",
				},
				[]string{"channel", "outcome"},
			),
			linkCodesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "link_codes_total",
					Help:      "Connection code operations by action and status.",
				},
				[]string{"action", "status"},
			),
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_depth",
					Help:      "Queued inbound messages by channel, sampled on enqueue and completion.",
				},
				[]string{"channel"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Inbound messages queued by channel.",
				},
				[]string{"channel"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Queued inbound messages completed by channel and status.",
				},
				[]string{"channel", "status"},
			),
			queueWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_wait_seconds",
					Help:      "Time an inbound message waited behind earlier messages from the same identity.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"channel"},
			),
		}

		prometheus.MustRegister(
			m.dispatchTotal,
			m.dispatchDuration,
			m.dispatchAttemptsTotal,
			m.dispatchAttemptDuration,
			m.schedulerRunsTotal,
			m.schedulerTickSeconds,
			m.schedulerDueTasks,
			m.schedulerLeaseHeld,
			m.channelSendsTotal,
			m.inboundMessageTotal,
			m.linkCodesTotal,
			m.queueDepth,
			m.enqueueTotal,
			m.dequeueTotal,
			m.queueWait,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordDispatch(tier, errorKind string, byok bool, duration time.Duration) {
	m := getMetrics()
	outcome := "success"
	if errorKind != "" {
		outcome = errorKind
	}
	m.dispatchTotal.WithLabelValues(tier, outcome, strconv.FormatBool(byok)).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordDispatchAttempt(tier, outcome string, duration time.Duration) {
	m := getMetrics()
	m.dispatchAttemptsTotal.WithLabelValues(tier, outcome).Inc()
	if duration > 0 {
		m.dispatchAttemptDuration.WithLabelValues(tier).Observe(duration.Seconds())
	}
}

func RecordSchedulerRun(kind, status string) {
	getMetrics().schedulerRunsTotal.WithLabelValues(kind, status).Inc()
}

func RecordSchedulerTick(duration time.Duration, duePulses, dueRhythms int) {
	m := getMetrics()
	m.schedulerTickSeconds.Observe(duration.Seconds())
	m.schedulerDueTasks.WithLabelValues("pulse").Set(float64(duePulses))
	m.schedulerDueTasks.WithLabelValues("rhythm").Set(float64(dueRhythms))
}

func SetSchedulerLeaseHeld(held bool) {
	value := 0.0
	if held {
		value = 1.0
	}
	getMetrics().schedulerLeaseHeld.Set(value)
}

func RecordChannelSend(channel string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().channelSendsTotal.WithLabelValues(channel, status).Inc()
}

func RecordInbound(channel, outcome string) {
	getMetrics().inboundMessageTotal.WithLabelValues(channel, outcome).Inc()
}

func RecordLinkCode(action string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().linkCodesTotal.WithLabelValues(action, status).Inc()
}

func RecordQueueEnqueue(channel string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(channel).Inc()
	m.queueDepth.WithLabelValues(channel).Set(float64(depth))
}

func RecordQueueCompletion(channel string, wait time.Duration, success bool, depth int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(channel, status).Inc()
	m.queueWait.WithLabelValues(channel).Observe(wait.Seconds())
	m.queueDepth.WithLabelValues(channel).Set(float64(depth))
}
