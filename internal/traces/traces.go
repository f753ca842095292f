// Package traces provides OpenTelemetry distributed tracing for escrowd.
package traces

import (
	"context"
	"log/slog"
	"math/big"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/escrowd"

// Init installs the global tracer provider exporting to otlpEndpoint over
// gRPC. With an empty endpoint tracing stays a no-op. The returned func
// flushes and stops the provider.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("escrowd"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the escrowd tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func EscrowID(id string) attribute.KeyValue {
	return attribute.String("escrow.id", id)
}

func Caller(addr string) attribute.KeyValue {
	return attribute.String("escrow.caller", addr)
}

// Party tags a named escrow participant, e.g. Party("seller", addr).
func Party(role, addr string) attribute.KeyValue {
	return attribute.String("escrow."+role, addr)
}

// Value records an attached wei value; nil records "0".
func Value(v *big.Int) attribute.KeyValue {
	if v == nil {
		return attribute.String("escrow.value", "0")
	}
	return attribute.String("escrow.value", v.String())
}

func TransferID(id string) attribute.KeyValue {
	return attribute.String("ledger.transfer_id", id)
}
