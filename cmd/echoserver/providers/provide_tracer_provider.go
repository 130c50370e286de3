package providers

import (
	"context"

	"github.com/gbdevw/wsproto/cmd/echoserver/configuration"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const serviceName = "wsproto.echoserver"

// # Description
//
// Provide a tracer provider which exports spans to an OTLP/HTTP backend when tracing is enabled.
// Otherwise, nil is returned and the global (no-op) tracer provider is used by the server.
func ProvideTracerProvider(lc fx.Lifecycle, config configuration.Configuration, logger *zap.Logger) (trace.TracerProvider, error) {
	if !config.TracingEnabled {
		logger.Info("tracing is disabled")
		return nil, nil
	}
	options := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if config.TracingEndpoint != "" {
		options = append(options, otlptracehttp.WithEndpoint(config.TracingEndpoint))
	}
	exp, err := otlptracehttp.New(context.Background(), options...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		)),
	)
	// Register tracer provider as global tracer provider
	otel.SetTracerProvider(tp)
	// Flush pending spans on shutdown
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	logger.Info("tracing is enabled", zap.String("endpoint", config.TracingEndpoint))
	return tp, nil
}
