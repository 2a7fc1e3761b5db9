package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pingpick"

// Respond outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeLost      = "lost"
	OutcomeDeclined  = "declined"
	OutcomeRejected  = "rejected"
)

var (
	once sync.Once

	pingsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_opened_total",
			Help:      "Pings opened by urgency.",
		},
		[]string{"urgency"},
	)

	respondOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Provider responses by outcome.",
		},
		[]string{"outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_transitions_total",
			Help:      "Ping status transitions by target status.",
		},
		[]string{"status"},
	)

	sweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Completed sweep passes.",
	})

	sweepExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "expired_total",
		Help:      "Reservations expired as no-shows.",
	})

	sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "failures_total",
		Help:      "Per-ping sweep failures.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "duration_seconds",
		Help:      "Sweep pass duration.",
		Buckets:   prometheus.DefBuckets,
	})

	alertsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_emitted_total",
			Help:      "Alerts appended by kind.",
		},
		[]string{"kind"},
	)

	pushDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Webhook push attempts by result.",
		},
		[]string{"result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		},
		[]string{"route", "status"},
	)

	watchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watchers",
		Help:      "Open watch streams.",
	})
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			pingsOpened,
			respondOutcomes,
			transitions,
			sweepRuns,
			sweepExpired,
			sweepFailures,
			sweepDuration,
			alertsEmitted,
			pushDeliveries,
			httpRequests,
			watchers,
		)
	})
}

func IncPingOpened(urgency string) { pingsOpened.WithLabelValues(urgency).Inc() }

func IncRespond(outcome string) { respondOutcomes.WithLabelValues(outcome).Inc() }

func IncTransition(status string) { transitions.WithLabelValues(status).Inc() }

// ObserveSweep records one sweep pass.
func ObserveSweep(expired, failed int, took time.Duration) {
	sweepRuns.Inc()
	sweepExpired.Add(float64(expired))
	sweepFailures.Add(float64(failed))
	sweepDuration.Observe(took.Seconds())
}

func IncAlert(kind string) { alertsEmitted.WithLabelValues(kind).Inc() }

func IncPush(result string) { pushDeliveries.WithLabelValues(result).Inc() }

// IncHTTP increments the counter for a route template and status code.
func IncHTTP(route string, status int) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// WatcherOpened tracks a live watch stream; call the returned func on close.
func WatcherOpened() func() {
	watchers.Inc()
	var closed sync.Once
	return func() { closed.Do(watchers.Dec) }
}
