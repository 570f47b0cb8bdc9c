// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for lifecast.
//
// # Description
//
// Prometheus metrics cover the session lifecycle and the per-tick loop:
//   - Session gauges and counters (active, total, duration)
//   - Frames sent and ticks advanced
//   - Commands by name and result, decode and send failures
//
// Tracing is OpenTelemetry, exported over OTLP/gRPC or to a writer.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/AleutianAI/lifecast/services/lifecast/command"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "lifecast"

// Command result labels.
const (
	resultApplied      = "applied"
	resultUnrecognized = "unrecognized"
)

// otherCommand is the label used for names outside the known command set,
// which keeps client input from creating new series.
const otherCommand = "other"

// Metrics holds all Prometheus metrics for lifecast sessions.
//
// # Description
//
// Create one instance per registry via NewMetrics. The methods named after
// loop events satisfy loop.Observer, so a *Metrics can be handed directly
// to every connection loop.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// SessionsActive tracks currently open websocket sessions.
	SessionsActive prometheus.Gauge

	// SessionsTotal counts sessions ever accepted.
	SessionsTotal prometheus.Counter

	// SessionDurationSeconds measures how long sessions stay connected.
	SessionDurationSeconds prometheus.Histogram

	// FramesSentTotal counts rendered fragments written to clients.
	FramesSentTotal prometheus.Counter

	// TicksTotal counts ticks by whether the grid advanced.
	// Labels: state (advanced, paused)
	TicksTotal *prometheus.CounterVec

	// CommandsTotal counts decoded commands.
	// Labels: command (reset, speed, pause, play, other), result (applied, unrecognized)
	CommandsTotal *prometheus.CounterVec

	// DecodeFailuresTotal counts inbound frames that carried no command.
	DecodeFailuresTotal prometheus.Counter

	// SendFailuresTotal counts connections closed by a failed write.
	SendFailuresTotal prometheus.Counter
}

// NewMetrics creates and registers all lifecast metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected sessions",
		}),

		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted sessions",
		}),

		SessionDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_duration_seconds",
			Help:      "How long sessions stayed connected in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600},
		}),

		FramesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Total rendered grid fragments sent to clients",
		}),

		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ticks_total",
			Help:      "Total ticks by whether the grid advanced",
		}, []string{"state"}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Total decoded client commands by name and result",
		}, []string{"command", "result"}),

		DecodeFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_failures_total",
			Help:      "Total inbound frames that did not decode to a command",
		}),

		SendFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_failures_total",
			Help:      "Total sessions closed by a failed write",
		}),
	}
}

// =============================================================================
// Session Lifecycle
// =============================================================================

// SessionStarted records an accepted session.
func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionEnded records a closed session and how long it lived.
func (m *Metrics) SessionEnded(lifetime time.Duration) {
	m.SessionsActive.Dec()
	m.SessionDurationSeconds.Observe(lifetime.Seconds())
}

// =============================================================================
// Loop Events
// =============================================================================

// FrameSent records one fragment written to a client.
func (m *Metrics) FrameSent() {
	m.FramesSentTotal.Inc()
}

// Ticked records one tick.
//
// # Inputs
//
//   - advanced: false when the session was paused and the grid held.
func (m *Metrics) Ticked(advanced bool) {
	state := "advanced"
	if !advanced {
		state = "paused"
	}
	m.TicksTotal.WithLabelValues(state).Inc()
}

// CommandHandled records a decoded command.
//
// # Inputs
//
//   - name: The command name as decoded. Unknown names are folded into "other".
//   - recognized: Whether the session applied it.
func (m *Metrics) CommandHandled(name string, recognized bool) {
	result := resultApplied
	if !recognized {
		result = resultUnrecognized
	}
	m.CommandsTotal.WithLabelValues(commandLabel(name), result).Inc()
}

// DecodeFailed records an inbound frame without a command.
func (m *Metrics) DecodeFailed() {
	m.DecodeFailuresTotal.Inc()
}

// SendFailed records a failed write.
func (m *Metrics) SendFailed() {
	m.SendFailuresTotal.Inc()
}

func commandLabel(name string) string {
	switch name {
	case command.Reset, command.Speed, command.Pause, command.Play:
		return name
	default:
		return otherCommand
	}
}
