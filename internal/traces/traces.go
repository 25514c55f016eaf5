// Package traces wires OpenTelemetry spans through intent creation and
// settlement processing.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/splitpay"

// Config selects the exporter. An empty Endpoint leaves the global no-op
// provider in place.
type Config struct {
	Endpoint    string
	Environment string
	Version     string
	// SampleRatio keeps this fraction of root spans; children follow
	// their parent's decision.
	SampleRatio float64
}

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

// Init installs a batching OTLP/gRPC tracer provider as the global one.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName("splitpay"),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sampleRatio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as failed and returns err unchanged, so call sites can
// write `return traces.Fail(span, err)`.
func Fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func Amount(amount string) attribute.KeyValue { return attribute.String("payment.amount", amount) }

func Reference(ref string) attribute.KeyValue { return attribute.String("payment.reference", ref) }

func IntentID(id string) attribute.KeyValue { return attribute.String("payment_intent.id", id) }

func TxHash(hash string) attribute.KeyValue { return attribute.String("tx.hash", hash) }

func Block(n uint64) attribute.KeyValue { return attribute.Int64("block.number", int64(n)) }
