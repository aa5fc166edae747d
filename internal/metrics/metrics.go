// Package metrics exposes Prometheus collectors for the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the agent's collectors. A nil *Metrics records nothing.
type Metrics struct {
	connectAttempts *prometheus.CounterVec
	portalAuths     *prometheus.CounterVec
	monitorChecks   *prometheus.CounterVec
	sessionsExpired prometheus.Counter
	hotspotFetches  *prometheus.CounterVec
	sessionActive   prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roam_connect_attempts_total",
			Help: "Connection attempts by outcome",
		}, []string{"outcome"}),
		portalAuths: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roam_portal_auth_total",
			Help: "Captive portal authentications by result",
		}, []string{"result"}),
		monitorChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roam_monitor_checks_total",
			Help: "Expiry monitor checks by result",
		}, []string{"result"}),
		sessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "roam_sessions_expired_total",
			Help: "Sessions torn down by the expiry monitor",
		}),
		hotspotFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roam_hotspot_fetches_total",
			Help: "Nearby hotspot fetches by result",
		}, []string{"result"}),
		sessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roam_session_active",
			Help: "1 while a session is active",
		}),
	}
}

// ConnectAttempt records the outcome of a connection attempt.
func (m *Metrics) ConnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(outcome).Inc()
}

// PortalAuth records a portal authentication.
func (m *Metrics) PortalAuth(success bool) {
	if m == nil {
		return
	}
	m.portalAuths.WithLabelValues(resultLabel(success)).Inc()
}

// MonitorCheck records a monitor check result.
func (m *Metrics) MonitorCheck(result string) {
	if m == nil {
		return
	}
	m.monitorChecks.WithLabelValues(result).Inc()
}

// SessionExpired records a monitor teardown.
func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
}

// HotspotFetch records a hotspot fetch.
func (m *Metrics) HotspotFetch(success bool) {
	if m == nil {
		return
	}
	m.hotspotFetches.WithLabelValues(resultLabel(success)).Inc()
}

// SetSessionActive updates the active session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.sessionActive.Set(1)
	} else {
		m.sessionActive.Set(0)
	}
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
