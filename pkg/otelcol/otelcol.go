package otelcol

import (
	"context"

	"mythra-settlement/pkg/config"
	"mythra-settlement/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/fx"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		exporters.ProvideHttp,
		ProvideTrace,
	),
	fx.Invoke(registerTracerProvider),
)

func ProvideTrace(cfg *config.Config, exporter *otlptrace.Exporter) *trace.TracerProvider {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		attribute.String("env", cfg.AppEnv),
	)

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(exporter),
	)
}

func registerTracerProvider(lc fx.Lifecycle, tp *trace.TracerProvider) {
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
}
