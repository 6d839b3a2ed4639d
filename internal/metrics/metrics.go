package metrics

import "github.com/prometheus/client_golang/prometheus"

// Quota monitor Prometheus metrics.
var (
	FetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quota_monitor",
			Name:      "fetch_total",
			Help:      "Usage fetches by outcome (success or error type)",
		},
		[]string{"result"},
	)

	FetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "quota_monitor",
			Name:      "fetch_duration_seconds",
			Help:      "Usage fetch duration including retries, in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	Utilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "quota_monitor",
			Name:      "utilization_percent",
			Help:      "Last observed utilization per window",
		},
		[]string{"window"}, // "five_hour" / "seven_day"
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quota_monitor",
			Name:      "token_refresh_total",
			Help:      "Token refresh exchanges by outcome",
		},
		[]string{"result"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quota_monitor",
			Name:      "notifications_total",
			Help:      "Notifications emitted by kind",
		},
		[]string{"kind"},
	)

	PollInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "quota_monitor",
			Name:      "poll_interval_seconds",
			Help:      "Currently scheduled poll interval",
		},
	)
)

var registered bool

// Register registers the collectors with the default registry. Must be called once from main.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(FetchTotal)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(Utilization)
	prometheus.MustRegister(TokenRefreshTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(PollInterval)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpRequestsTotal)
	registered = true
}
