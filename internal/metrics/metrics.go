// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionState mirrors session.State as its numeric value.
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_session_state",
		Help: "Current mailbox session state (0 unknown, 1 disconnected, 2 connected, 3 authenticated, 4 selected)",
	})

	Connects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_connects_total",
		Help: "Mailbox connect attempts by outcome",
	}, []string{"result"})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_messages_processed_total",
		Help: "Messages marked seen after processing",
	}, []string{"sender"})

	MessagesSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_messages_swept_total",
		Help: "Messages deleted by the retention sweep",
	}, []string{"sender"})

	IdleWakeups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_idle_wakeups_total",
		Help: "Idle waits ended, by reason",
	}, []string{"reason"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_notifications_total",
		Help: "Notification deliveries per destination attempt",
	}, []string{"kind", "result"})

	Restarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_restarts_total",
		Help: "Supervisor restart decisions",
	}, []string{"decision"})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailrelay_session_duration_seconds",
		Help:    "Lifetime of mailbox sessions",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
	})
)
