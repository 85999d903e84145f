package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	CycleCount          prometheus.Counter
	CycleDuration       prometheus.Histogram
	FetchFailures       prometheus.Counter
	LoginFailures       prometheus.Counter
	MessagesFetched     prometheus.Counter
	MessagesDelivered   prometheus.Counter
	SendSuccesses       prometheus.Counter
	SendFailures        prometheus.Counter
	EditSuccesses       prometheus.Counter
	RateLimitHits       prometheus.Counter
	DayRotations        prometheus.Counter
	ActiveDestinations  prometheus.Gauge
	InvalidDestinations prometheus.Gauge
}

// New creates new Prometheus metrics
func New() *Metrics {
	return &Metrics{
		CycleCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_cycle_count",
			Help: "Total number of poll cycles executed",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sms_code_relay_cycle_duration_seconds",
			Help:    "Time spent per poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
		FetchFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_fetch_failures",
			Help: "Total number of cycles where every source failed",
		}),
		LoginFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_login_failures",
			Help: "Total number of failed account logins",
		}),
		MessagesFetched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_messages_fetched",
			Help: "Total number of merged candidate messages fetched",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_messages_delivered",
			Help: "Total number of messages delivered to at least one destination",
		}),
		SendSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_send_successes",
			Help: "Total number of successful destination sends",
		}),
		SendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_send_failures",
			Help: "Total number of failed destination sends",
		}),
		EditSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_edit_successes",
			Help: "Total number of successful in-place edits",
		}),
		RateLimitHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_rate_limit_hits",
			Help: "Total number of rate-limit responses from destinations",
		}),
		DayRotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sms_code_relay_day_rotations",
			Help: "Total number of daily store rotations",
		}),
		ActiveDestinations: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sms_code_relay_active_destinations",
			Help: "Number of currently configured destinations",
		}),
		InvalidDestinations: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sms_code_relay_invalid_destinations",
			Help: "Number of destinations blacklisted for the process lifetime",
		}),
	}
}
