// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName identifies lifecast in trace resources and middleware.
const ServiceName = "lifecast"

// TracingConfig selects a trace exporter.
type TracingConfig struct {
	// OTLPEndpoint is a collector address such as "localhost:4317".
	// Takes precedence over Writer.
	OTLPEndpoint string

	// Writer receives spans as JSON when set and OTLPEndpoint is empty.
	Writer io.Writer
}

// Enabled reports whether any exporter is configured.
func (c TracingConfig) Enabled() bool {
	return c.OTLPEndpoint != "" || c.Writer != nil
}

// InitTracer installs a global tracer provider for the configured exporter.
//
// # Description
//
// With no exporter configured, the global provider is left as the
// OpenTelemetry no-op and the returned cleanup does nothing.
//
// # Outputs
//
//   - func(context.Context): Flushes and shuts down the provider.
//   - error: Non-nil if the exporter or resource cannot be created.
func InitTracer(ctx context.Context, cfg TracingConfig) (func(context.Context), error) {
	if !cfg.Enabled() {
		return func(context.Context) {}, nil
	}

	exporter, conn, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		closeConn(conn)
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return shutdownFunc(provider, conn), nil
}

// shutdownFunc flushes provider, then closes conn. WithGRPCConn leaves the
// connection owned by the caller.
func shutdownFunc(provider *sdktrace.TracerProvider, conn *grpc.ClientConn) func(context.Context) {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		closeConn(conn)
	}
}

func closeConn(conn *grpc.ClientConn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		slog.Warn("failed to close OTLP gRPC connection", "error", err)
	}
}

// newExporter returns the configured exporter and, for OTLP, the gRPC
// connection it exports over.
func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, *grpc.ClientConn, error) {
	if cfg.OTLPEndpoint != "" {
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			closeConn(conn)
			return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exporter, conn, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return exporter, nil, nil
}
