// SPDX-License-Identifier: Apache-2.0

// Package pvaotel provides OpenTelemetry instrumentation for pvaccess
// servers. It implements the [pvaccess.OpHook] interface to add distributed
// tracing and metrics to operation dispatch.
//
// Usage:
//
//	server := pvaccess.NewServer()
//	// ... add PVs and RPC handlers ...
//	pvaotel.InstrumentServer(server, pvaotel.DefaultConfig())
package pvaotel

import (
	"context"
	"fmt"
	"time"

	"github.com/ctrl-sys-ui/pvxs-sys/pvaccess"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "pvaccess"

// OtelConfig configures OpenTelemetry instrumentation for a pvaccess server.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to the
	// server's instance id.
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with sensible defaults.
// TracerProvider and MeterProvider are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentServer attaches OpenTelemetry instrumentation to a pvaccess
// server. The hook is installed via [pvaccess.Server.AddOpHook].
func InstrumentServer(server *pvaccess.Server, cfg OtelConfig) {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = server.ID()
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("pva.server.operations",
			metric.WithUnit("{operation}"),
			metric.WithDescription("Number of PV operations dispatched"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("pva.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of PV operation dispatch"),
		)
	}

	server.AddOpHook(hook)
}

// otelHook implements pvaccess.OpHook with OpenTelemetry tracing and metrics.
type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnOpStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnOpStart starts a server span for the operation.
func (h *otelHook) OnOpStart(ctx context.Context, info pvaccess.OpInfo) (context.Context, pvaccess.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	spanName := fmt.Sprintf("pva/%s", info.Op)

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "pvaccess"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Op),
		attribute.String("pva.pv", info.PV),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)

	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnOpEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnOpEnd(ctx context.Context, token pvaccess.HookToken, info pvaccess.OpInfo, stats *pvaccess.FrameStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "pvaccess"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Op),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span != nil && st.span.IsRecording() {
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("pva.input_frames", stats.InputFrames),
				attribute.Int64("pva.output_frames", stats.OutputFrames),
				attribute.Int64("pva.input_bytes", stats.InputBytes),
				attribute.Int64("pva.output_bytes", stats.OutputBytes),
			)
		}

		if err != nil {
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			errType := fmt.Sprintf("%T", err)
			if pvaErr, ok := err.(*pvaccess.Error); ok {
				errType = string(pvaErr.Code)
			}
			st.span.SetAttributes(attribute.String("pva.error_code", errType))
		} else {
			st.span.SetStatus(codes.Ok, "")
		}

		st.span.End()
	}
}
