// Package telemetry provides observability primitives for the gpttools
// gateway: the gateway metric counters, their Prometheus exposition, and
// optional OTLP tracing.
package telemetry

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InflightReader reports the aggregate per-account inflight count. Satisfied
// by *gate.Registry.
type InflightReader interface {
	InflightTotal() int
}

// GatewayMetrics holds the process-wide gateway counters. All methods are
// safe for concurrent use.
type GatewayMetrics struct {
	totalRequests    atomic.Int64
	activeRequests   atomic.Int64
	failoverAttempts atomic.Int64
	cooldownMarks    atomic.Int64
	inflight         InflightReader
}

// NewGatewayMetrics returns GatewayMetrics reading aggregate inflight from
// inflight; nil means the inflight series reports zero.
func NewGatewayMetrics(inflight InflightReader) *GatewayMetrics {
	return &GatewayMetrics{inflight: inflight}
}

// BeginRequest counts one gateway request and marks it active. The returned
// func must be called when the request finishes.
func (m *GatewayMetrics) BeginRequest() func() {
	m.totalRequests.Add(1)
	m.activeRequests.Add(1)
	return func() { m.activeRequests.Add(-1) }
}

// RecordFailoverAttempt counts one abandoned candidate.
func (m *GatewayMetrics) RecordFailoverAttempt() {
	m.failoverAttempts.Add(1)
}

// RecordCooldownMark counts one cooldown-tagged failover.
func (m *GatewayMetrics) RecordCooldownMark() {
	m.cooldownMarks.Add(1)
}

// Snapshot is a point-in-time copy of the gateway counters.
type Snapshot struct {
	TotalRequests        int64
	ActiveRequests       int64
	AccountInflightTotal int64
	FailoverAttempts     int64
	CooldownMarks        int64
}

// Snapshot returns the current counter values.
func (m *GatewayMetrics) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests:        m.totalRequests.Load(),
		ActiveRequests:       m.activeRequests.Load(),
		AccountInflightTotal: m.inflightTotal(),
		FailoverAttempts:     m.failoverAttempts.Load(),
		CooldownMarks:        m.cooldownMarks.Load(),
	}
}

func (m *GatewayMetrics) inflightTotal() int64 {
	if m.inflight == nil {
		return 0
	}
	return int64(m.inflight.InflightTotal())
}

// Reset zeroes all counters. Test hook only.
func (m *GatewayMetrics) Reset() {
	m.totalRequests.Store(0)
	m.activeRequests.Store(0)
	m.failoverAttempts.Store(0)
	m.cooldownMarks.Store(0)
}

// Handler returns the /metrics handler exposing the five gateway series on
// a dedicated registry. Each series is registered as an untyped collector
// so it appears as a single standalone line in the exposition.
func (m *GatewayMetrics) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	series := []struct {
		name string
		help string
		read func() float64
	}{
		{"gpttools_gateway_requests_total", "Total gateway requests.",
			func() float64 { return float64(m.totalRequests.Load()) }},
		{"gpttools_gateway_requests_active", "Gateway requests currently in flight.",
			func() float64 { return float64(m.activeRequests.Load()) }},
		{"gpttools_gateway_account_inflight_total", "Sum of per-account inflight upstream calls.",
			func() float64 { return float64(m.inflightTotal()) }},
		{"gpttools_gateway_failover_attempts_total", "Total candidate failover attempts.",
			func() float64 { return float64(m.failoverAttempts.Load()) }},
		{"gpttools_gateway_cooldown_marks_total", "Total cooldown marks recorded.",
			func() float64 { return float64(m.cooldownMarks.Load()) }},
	}
	for _, s := range series {
		reg.MustRegister(prometheus.NewUntypedFunc(prometheus.UntypedOpts{
			Name: s.name,
			Help: s.help,
		}, s.read))
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
