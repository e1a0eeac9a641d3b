// Package trace wires a minimal OpenTelemetry tracing setup, trimmed from
// pbr's internal/telemetry/otel.go down to tracing only: this core has no
// RPC surface to export metrics or logs for, but the transaction actuator
// benefits from span-per-action instrumentation that a future CLI can
// render as progress or inspect postmortem.
package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracer is the package-wide tracer used by internal/txn. It defaults to a
// no-op tracer until Setup installs a real provider, so packages can
// unconditionally call StartSpan without special-casing "tracing disabled".
var tracer oteltrace.Tracer = otel.Tracer("tpm")

// Option configures Setup.
type Option func(*options)

type options struct {
	serviceName string
	version     string
	stdout      bool
}

// WithServiceName sets the resource service.name attribute.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithVersion sets the resource service.version attribute.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithStdout enables the stdout span exporter, the same diagnostic
// exporter pbr's telemetry package defaults to outside a collector
// environment.
func WithStdout() Option {
	return func(o *options) { o.stdout = true }
}

// Setup installs a tracer provider and returns a shutdown func. Call once
// from cmd/tpm/main.go; library packages must not call Setup themselves.
func Setup(ctx context.Context, opts ...Option) (func(context.Context) error, error) {
	o := &options{serviceName: "tpm"}
	for _, opt := range opts {
		opt(o)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(o.serviceName),
		semconv.ServiceVersion(o.version),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if o.stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer("tpm")

	return tp.Shutdown, nil
}

// Span wraps the subset of oteltrace.Span that callers need.
type Span struct {
	s oteltrace.Span
}

// End ends the span.
func (s Span) End() {
	if s.s != nil {
		s.s.End()
	}
}

// StartSpan starts a child span named name under ctx's current span (or a
// new root span if none). Safe to call even when Setup was never invoked.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, s := tracer.Start(ctx, name)
	return ctx, Span{s: s}
}
