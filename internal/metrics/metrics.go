package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RemindersArmedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_armed_total",
			Help: "Total number of reminders armed.",
		},
		[]string{"kind"},
	)

	RemindersCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reminders_cancelled_total",
			Help: "Total number of armed reminders cancelled before firing.",
		},
	)

	RemindersFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_fired_total",
			Help: "Total number of reminders whose timer fired.",
		},
		[]string{"kind"},
	)

	RemindersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reminders_pending",
			Help: "Number of armed reminders waiting to fire.",
		},
	)

	ArmFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reminder_arm_failures_total",
			Help: "Total number of rearm calls that could not arm timers.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Push delivery attempts by reminder kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	DeliveryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_delivery_duration_seconds",
			Help:    "Duration of push delivery calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	Subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions",
			Help: "Number of registered subscriptions.",
		},
	)
)

// MustRegister registers every collector, labelled with the service name.
func MustRegister(reg prometheus.Registerer, serviceName string) {
	prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, reg).MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		RemindersArmedTotal,
		RemindersCancelledTotal,
		RemindersFiredTotal,
		RemindersPending,
		ArmFailuresTotal,
		DeliveriesTotal,
		DeliveryDurationSeconds,
		Subscriptions,
	)
}
