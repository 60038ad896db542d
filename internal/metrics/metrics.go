// Package metrics exposes operational counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	ConnectsTotal   *prometheus.CounterVec // result: ok|busy|auth_failed|deferred|error
	SendsTotal      *prometheus.CounterVec // outcome: success|skipped|failed
	FloodWaitsTotal prometheus.Counter
	Connected       prometheus.Gauge
	RelayTicksTotal prometheus.Counter
	RelaySentTotal  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		ConnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgfleet",
			Name:      "connects_total",
			Help:      "Connect attempts by result.",
		}, []string{"result"}),
		SendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgfleet",
			Name:      "sends_total",
			Help:      "Dispatch attempts by outcome.",
		}, []string{"outcome"}),
		FloodWaitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tgfleet",
			Name:      "flood_waits_total",
			Help:      "Flood-wait signals received from the remote side.",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tgfleet",
			Name:      "connected_identities",
			Help:      "Identities currently holding a live connection.",
		}),
		RelayTicksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tgfleet",
			Name:      "relay_ticks_total",
			Help:      "Relay scheduler ticks executed.",
		}),
		RelaySentTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tgfleet",
			Name:      "relay_sent_total",
			Help:      "Messages successfully sent by the relay scheduler.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
