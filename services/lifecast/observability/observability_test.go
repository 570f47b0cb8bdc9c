// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// newTestMetrics creates metrics on an isolated registry.
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

// ============================================================================
// Metrics Tests
// ============================================================================

func TestNewMetrics_RegistersEverything(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vec metrics only appear once a series exists.
	m.Ticked(true)
	m.CommandHandled("reset", true)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"lifecast_sessions_active",
		"lifecast_sessions_total",
		"lifecast_session_duration_seconds",
		"lifecast_frames_sent_total",
		"lifecast_ticks_total",
		"lifecast_commands_total",
		"lifecast_decode_failures_total",
		"lifecast_send_failures_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestMetrics_SessionLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SessionStarted()
	m.SessionStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal))

	m.SessionEnded(3 * time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal), "total never decreases")
	assert.Equal(t, 1, testutil.CollectAndCount(m.SessionDurationSeconds))
}

func TestMetrics_LoopEvents(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.FrameSent()
	m.FrameSent()
	m.Ticked(true)
	m.Ticked(false)
	m.Ticked(false)
	m.DecodeFailed()
	m.SendFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesSentTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("advanced")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("paused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailuresTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFailuresTotal))
}

func TestMetrics_CommandLabels(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.CommandHandled("speed", true)
	m.CommandHandled("speed", true)
	m.CommandHandled("explode", false)
	m.CommandHandled("<script>", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("speed", "applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("other", "unrecognized")),
		"unknown names are folded into one series")
	assert.Equal(t, 2, testutil.CollectAndCount(m.CommandsTotal))
}

// ============================================================================
// Tracing Tests
// ============================================================================

func TestTracingConfig_Enabled(t *testing.T) {
	assert.False(t, TracingConfig{}.Enabled())
	assert.True(t, TracingConfig{OTLPEndpoint: "localhost:4317"}.Enabled())
	assert.True(t, TracingConfig{Writer: &bytes.Buffer{}}.Enabled())
}

func TestInitTracer_DisabledIsNoop(t *testing.T) {
	cleanup, err := InitTracer(context.Background(), TracingConfig{})

	require.NoError(t, err)
	require.NotNil(t, cleanup)
	cleanup(context.Background())
}

func TestInitTracer_WriterExportsSpans(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	var buf bytes.Buffer
	cleanup, err := InitTracer(context.Background(), TracingConfig{Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "lifecast.session")
	span.End()
	cleanup(context.Background())

	assert.Contains(t, buf.String(), "lifecast.session")
	assert.Contains(t, buf.String(), ServiceName)
}

func TestNewExporter_OTLPReturnsConn(t *testing.T) {
	exporter, conn, err := newExporter(context.Background(), TracingConfig{OTLPEndpoint: "127.0.0.1:4317"})
	require.NoError(t, err)
	require.NotNil(t, conn)

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	shutdownFunc(provider, conn)(context.Background())

	assert.Equal(t, connectivity.Shutdown, conn.GetState())
}

func TestShutdownFunc_ClosesConn(t *testing.T) {
	conn, err := grpc.NewClient("127.0.0.1:4317",
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	shutdownFunc(sdktrace.NewTracerProvider(), conn)(context.Background())

	assert.Equal(t, connectivity.Shutdown, conn.GetState())
}

func TestShutdownFunc_NilConn(t *testing.T) {
	assert.NotPanics(t, func() {
		shutdownFunc(sdktrace.NewTracerProvider(), nil)(context.Background())
	})
}
