package karmachat

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the client's Prometheus collectors. Collectors always exist;
// they are only registered when Config.Metrics is set.
type metrics struct {
	frames     *prometheus.CounterVec
	events     *prometheus.CounterVec
	dropped    prometheus.Counter
	reconnects prometheus.Counter
	ping       prometheus.Gauge
	channels   prometheus.Gauge
	apiErrors  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "karmachat",
				Name:      "frames_received_total",
				Help:      "Inbound gateway frames by opcode.",
			},
			[]string{"opcode"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "karmachat",
				Name:      "events_dispatched_total",
				Help:      "Domain events emitted to listeners by event name.",
			},
			[]string{"event"},
		),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karmachat",
			Name:      "events_dropped_total",
			Help:      "Inbound events discarded during normalization.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karmachat",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts started by the session.",
		}),
		ping: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karmachat",
			Name:      "ping_seconds",
			Help:      "Last measured heartbeat round-trip time.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karmachat",
			Name:      "subscribed_channels",
			Help:      "Channels currently confirmed by the gateway.",
		}),
		apiErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "karmachat",
				Name:      "api_errors_total",
				Help:      "Structured API errors by code.",
			},
			[]string{"code"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.frames, m.events, m.dropped, m.reconnects, m.ping, m.channels, m.apiErrors} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

func (m *metrics) observeAPIError(err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		m.apiErrors.WithLabelValues(apiErr.Code).Inc()
	}
}
