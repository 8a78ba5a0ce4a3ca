//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/tracing"
)

// initOTelExporter mirrors collector spans to an OTLP endpoint. Compiled in
// with -tags otel; telemetry.enabled in config turns it on at runtime.
// Failures here are logged and ignored: span export is best-effort and must
// never take the gateway down.
func initOTelExporter(ctx context.Context, cfg *config.Config, collector *tracing.Collector) {
	if !cfg.Telemetry.Enabled || collector == nil {
		return
	}

	exporter, err := newOTLPExporter(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("otlp exporter init failed", "endpoint", cfg.Telemetry.Endpoint, "error", err)
		return
	}

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "goant-gateway"
	}
	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		slog.Error("otlp resource init failed", "error", err)
		return
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer("goant")
	collector.SetExporter(func(s tracing.Span) {
		exportSpan(tracer, s)
	})

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shCtx); err != nil {
			slog.Warn("otlp tracer shutdown", "error", err)
		}
	}()

	slog.Info("otlp span export enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
		"service", serviceName)
}

func newOTLPExporter(ctx context.Context, tc config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	if tc.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(10 * time.Second)}
		if tc.Endpoint != "" {
			if strings.Contains(tc.Endpoint, "://") {
				opts = append(opts, otlptracehttp.WithEndpointURL(tc.Endpoint))
			} else {
				opts = append(opts, otlptracehttp.WithEndpoint(tc.Endpoint))
			}
		}
		if tc.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithTimeout(10 * time.Second)}
	if tc.Endpoint != "" {
		if strings.Contains(tc.Endpoint, "://") {
			opts = append(opts, otlptracegrpc.WithEndpointURL(tc.Endpoint))
		} else {
			opts = append(opts, otlptracegrpc.WithEndpoint(tc.Endpoint))
		}
	}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// exportSpan converts one collector span to an OTel span. Previews stay
// local: only identity, token counts, and status cross the wire.
func exportSpan(tracer trace.Tracer, s tracing.Span) {
	name := s.Name
	if name == "" {
		name = s.Kind
	}
	start := s.StartedAt
	if start.IsZero() {
		start = time.Now()
	}
	end := s.EndedAt
	if end.IsZero() {
		end = start.Add(time.Duration(s.DurationMs) * time.Millisecond)
	}

	attrs := []attribute.KeyValue{
		attribute.String("goant.kind", s.Kind),
		attribute.String("goant.run_id", s.RunID),
		attribute.String("goant.session_key", s.SessionKey),
	}
	if s.Provider != "" {
		attrs = append(attrs, attribute.String("goant.provider", s.Provider))
	}
	if s.Model != "" {
		attrs = append(attrs, attribute.String("goant.model", s.Model))
	}
	if s.InputTokens > 0 {
		attrs = append(attrs, attribute.Int("goant.input_tokens", s.InputTokens))
	}
	if s.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("goant.output_tokens", s.OutputTokens))
	}

	_, sp := tracer.Start(context.Background(), name,
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if s.Status == tracing.StatusError {
		sp.SetStatus(codes.Error, s.Error)
	} else {
		sp.SetStatus(codes.Ok, "")
	}
	sp.End(trace.WithTimestamp(end))
}
