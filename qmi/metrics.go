package qmi

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	dropOverflow  = "overflow"
	dropNoClient  = "no_client"
	dropMalformed = "malformed"
	dropInvalid   = "invalid"
)

type metrics struct {
	clients       prometheus.Gauge
	enqueued      prometheus.Counter
	dropped       *prometheus.CounterVec
	notifications *prometheus.CounterVec
	writes        *prometheus.CounterVec
	syncWait      prometheus.Histogram
}

// newMetrics builds the device collectors and registers them on reg when
// reg is non-nil. Collectors already registered by another device on the
// same registry are shared.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "softqmi_clients",
			Help: "Number of registered QMI clients",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softqmi_messages_enqueued_total",
			Help: "Number of inbound messages queued on a client",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softqmi_messages_dropped_total",
			Help: "Number of inbound messages dropped",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softqmi_notifications_fired_total",
			Help: "Number of notification hooks fired",
		}, []string{"outcome"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softqmi_transport_writes_total",
			Help: "Number of frames written to the transport",
		}, []string{"result"}),
		syncWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "softqmi_sync_wait_seconds",
			Help:    "Time spent blocked in synchronous reads",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg == nil {
		return m
	}

	m.clients = register(reg, m.clients)
	m.enqueued = register(reg, m.enqueued)
	m.dropped = register(reg, m.dropped)
	m.notifications = register(reg, m.notifications)
	m.writes = register(reg, m.writes)
	m.syncWait = register(reg, m.syncWait)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) drop(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *metrics) fired(o Outcome) {
	m.notifications.WithLabelValues(o.String()).Inc()
}

func (m *metrics) write(err error) {
	if err != nil {
		m.writes.WithLabelValues("error").Inc()
		return
	}
	m.writes.WithLabelValues("ok").Inc()
}
