package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mattjoyce/mcplocal/internal/dispatch"

type instruments struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(meter metric.Meter, tracer trace.Tracer) (*instruments, error) {
	requests, err := meter.Int64Counter(
		"mcplocal.requests",
		metric.WithDescription("Number of JSON-RPC requests dispatched"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"mcplocal.request.failures",
		metric.WithDescription("Number of JSON-RPC requests answered with an error"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"mcplocal.request.duration",
		metric.WithDescription("Request handling time from read to response write"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &instruments{
		tracer:   tracer,
		requests: requests,
		failures: failures,
		duration: duration,
	}, nil
}

func (in *instruments) startSpan(ctx context.Context) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "mcplocal.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.system", "jsonrpc")),
	)
}

// observe closes the span and records the request outcome.
func (in *instruments) observe(ctx context.Context, span trace.Span, o outcome, elapsed time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("rpc.method", o.method)}
	if o.tool != "" {
		attrs = append(attrs, attribute.String("mcplocal.tool", o.tool))
	}
	span.SetAttributes(attrs...)
	if o.errCode != 0 {
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", o.errCode))
		span.SetStatus(codes.Error, o.errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	opts := metric.WithAttributes(attrs...)
	in.requests.Add(ctx, 1, opts)
	if o.errCode != 0 {
		in.failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Int("rpc.jsonrpc.error_code", o.errCode))...))
	}
	in.duration.Record(ctx, elapsed.Seconds(), opts)
}
