// Package telemetry wires OpenTelemetry tracing for the randomizer. Spans are
// exported with the stdout exporter (or any SpanExporter supplied by the
// caller); when tracing is disabled the global no-op provider stays in place
// and every span is free.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by every span in this module.
const InstrumentationName = "github.com/ehr/randomizer"

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TracingEnabled *bool  // nil = use default (false)
	OutputFile     string // stdout exporter target; empty = os.Stdout
}

func (c *TelemetryConfig) tracingOn() bool {
	if c.TracingEnabled == nil {
		return false
	}
	return *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "trial-randomizer"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// TelemetryProvider owns the SDK tracer provider, if one was installed.
type TelemetryProvider struct {
	cfg    TelemetryConfig
	tp     *sdktrace.TracerProvider
	output io.Closer
}

// NewTelemetryProvider installs a stdout-exporting tracer provider as the
// global provider when tracing is enabled. With tracing off it returns a
// provider whose Shutdown is a no-op.
func NewTelemetryProvider(cfg TelemetryConfig) (*TelemetryProvider, error) {
	cfg.applyDefaults()
	if !cfg.tracingOn() {
		return &TelemetryProvider{cfg: cfg}, nil
	}

	var w io.Writer = os.Stdout
	var closer io.Closer
	if cfg.OutputFile != "" {
		f, err := os.Create(cfg.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("open trace output %s: %w", cfg.OutputFile, err)
		}
		w, closer = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	p, err := NewTelemetryProviderWithExporter(cfg, exporter)
	if err != nil {
		return nil, err
	}
	p.output = closer
	return p, nil
}

// NewTelemetryProviderWithExporter installs a tracer provider backed by the
// supplied exporter, regardless of cfg.TracingEnabled.
func NewTelemetryProviderWithExporter(cfg TelemetryConfig, exporter sdktrace.SpanExporter) (*TelemetryProvider, error) {
	cfg.applyDefaults()
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TelemetryProvider{cfg: cfg, tp: tp}, nil
}

// Enabled reports whether an SDK provider is installed.
func (p *TelemetryProvider) Enabled() bool {
	return p != nil && p.tp != nil
}

// Shutdown flushes pending spans and releases the trace output file.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if p.output != nil {
		if cerr := p.output.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// StartSpan starts an internal span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err (if any) on the span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TracingMiddleware wraps each request in a server span named after the route.
// An incoming traceparent header makes the span a child of the caller's trace.
func TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			name := req.Method + " " + c.Path()
			parent := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := otel.Tracer(InstrumentationName).Start(parent, name,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", c.Path()),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if err != nil || status >= 500 {
				span.SetStatus(codes.Error, spanStatusMessage(status, err))
			}
			return err
		}
	}
}

func spanStatusMessage(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("status %d", status)
}
