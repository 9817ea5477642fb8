// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the plugin's Prometheus instruments. promauto.With(nil)
// builds them unregistered, so running without a registry costs nothing.
type metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	workersActive  prometheus.Gauge
	packets        *prometheus.CounterVec
	srtpErrors     *prometheus.CounterVec
	portFailures   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nosip",
			Name:      "sessions_active",
			Help:      "Sessions currently attached to the plugin.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nosip",
			Name:      "sessions_total",
			Help:      "Sessions created since startup.",
		}),
		workersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nosip",
			Name:      "relay_workers_active",
			Help:      "Relay workers currently running.",
		}),
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nosip",
			Name:      "relayed_packets_total",
			Help:      "Packets relayed between the WebRTC and RTP legs.",
		}, []string{"direction", "media"}),
		srtpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nosip",
			Name:      "srtp_errors_total",
			Help:      "SRTP protect and unprotect failures.",
		}, []string{"direction", "media"}),
		portFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nosip",
			Name:      "port_allocation_failures_total",
			Help:      "Negotiations that found no free RTP/RTCP port pair.",
		}),
	}
}

func (m *metrics) sessionCreated() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *metrics) sessionDestroyed() {
	m.sessionsActive.Dec()
}

func (m *metrics) workerStarted() {
	m.workersActive.Inc()
}

func (m *metrics) workerStopped() {
	m.workersActive.Dec()
}

func (m *metrics) relayed(direction, media string) {
	m.packets.WithLabelValues(direction, media).Inc()
}

func (m *metrics) srtpError(direction, media string) {
	m.srtpErrors.WithLabelValues(direction, media).Inc()
}

func (m *metrics) portFailure() {
	m.portFailures.Inc()
}
