package observability

import (
	"github.com/smallbiznis/usagebuffer/internal/observability/logger"
	"github.com/smallbiznis/usagebuffer/internal/observability/metrics"
	"github.com/smallbiznis/usagebuffer/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		metrics.New,
	),
	fx.Invoke(ensureTracingProvider),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}
