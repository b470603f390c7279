package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	notified   prometheus.Counter
	unanswered prometheus.Counter
	delivered  prometheus.Counter
	commands   *prometheus.CounterVec
	reconnects prometheus.Counter
	online     prometheus.Gauge
}

// newMetrics registers the broker metrics with reg. A nil reg keeps them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		notified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "broker",
			Name:      "sessions_notified_total",
			Help:      "Chat requests offered to at least one local user.",
		}),
		unanswered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "broker",
			Name:      "sessions_unanswered_total",
			Help:      "Chat requests failed because no local user was reachable.",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "broker",
			Name:      "local_deliveries_total",
			Help:      "Queued messages handed to the transport for local users.",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "broker",
			Name:      "commands_total",
			Help:      "Lines received from local users, by command.",
		}, []string{"command"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Times the transport connection was lost.",
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Subsystem: "broker",
			Name:      "local_users_online",
			Help:      "Configured local users with at least one online resource.",
		}),
	}
}
