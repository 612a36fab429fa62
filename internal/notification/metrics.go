package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics は通知配信の指標。
type Metrics struct {
	Triggers          *prometheus.CounterVec
	TriggerDuration   prometheus.Histogram
	Created           *prometheus.CounterVec
	Suppressed        *prometheus.CounterVec
	RecipientFailures *prometheus.CounterVec
	ChannelDeliveries *prometheus.CounterVec
	Connections       prometheus.Gauge
}

// NewMetrics は指標を生成してregに登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Triggers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitealert_triggers_total",
			Help: "Number of trigger calls by event type and outcome.",
		}, []string{"event_type", "result"}),
		TriggerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitealert_trigger_duration_seconds",
			Help:    "Duration of trigger calls.",
			Buckets: prometheus.DefBuckets,
		}),
		Created: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitealert_notifications_created_total",
			Help: "Number of ledger entries created.",
		}, []string{"event_type"}),
		Suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitealert_notifications_suppressed_total",
			Help: "Number of recipients skipped because every channel was disabled.",
		}, []string{"event_type"}),
		RecipientFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitealert_recipient_failures_total",
			Help: "Number of recipients whose processing failed.",
		}, []string{"stage"}),
		ChannelDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitealert_channel_deliveries_total",
			Help: "Number of channel send attempts by channel and result.",
		}, []string{"channel", "result"}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "sitealert_websocket_connections",
			Help: "Number of live websocket connections on this instance.",
		}),
	}
}

func (m *Metrics) observeChannel(r Result) {
	label := "delivered"
	switch {
	case !r.Delivered:
		label = "failed"
	case r.Err != nil:
		label = "push_error"
	}
	m.ChannelDeliveries.WithLabelValues(string(r.Channel), label).Inc()
}
