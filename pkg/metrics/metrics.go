// Package metrics exposes the gateway's Prometheus instruments on a private
// registry so importing applications cannot collide on collector names.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the gateway's instruments.
type Recorder struct {
	registry *prometheus.Registry

	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	sessionsActive *prometheus.GaugeVec
}

// NewRecorder builds a Recorder with its own registry, including the standard
// Go runtime collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: registry,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpx_tool_calls_total",
			Help: "Completed tool calls by target server, tool, and outcome.",
		}, []string{"server", "tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpx_tool_call_duration_seconds",
			Help:    "Tool call latency by target server and tool.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "tool"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpx_sessions_active",
			Help: "Currently open agent sessions by transport kind.",
		}, []string{"transport"}),
	}
	registry.MustRegister(r.toolCalls, r.toolDuration, r.sessionsActive)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ToolCall records one completed call. outcome is "ok", "error", or one of
// the routing failures ("not_found", "unavailable").
func (r *Recorder) ToolCall(server, tool, outcome string, elapsed time.Duration) {
	r.toolCalls.WithLabelValues(server, tool, outcome).Inc()
	r.toolDuration.WithLabelValues(server, tool).Observe(elapsed.Seconds())
}

// SessionOpened increments the live-session gauge for a transport kind.
func (r *Recorder) SessionOpened(transport string) {
	r.sessionsActive.WithLabelValues(transport).Inc()
}

// SessionClosed decrements the live-session gauge for a transport kind.
func (r *Recorder) SessionClosed(transport string) {
	r.sessionsActive.WithLabelValues(transport).Dec()
}
