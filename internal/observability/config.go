package observability

import (
	"strings"

	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/observability/logger"
	"github.com/smallbiznis/usagebuffer/internal/observability/metrics"
	"github.com/smallbiznis/usagebuffer/internal/observability/tracing"
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	debug := strings.EqualFold(cfg.LogLevel, "debug") || cfg.IsDevelopment()
	return logger.Config{
		ServiceName:         cfg.AppName,
		Environment:         cfg.Environment,
		Version:             cfg.AppVersion,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		IncludeCaller:       true,
		IncludeStackOnError: debug,
	}
}

func provideTracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.Telemetry.OtelEnabled,
		ServiceName:      cfg.AppName,
		ServiceVersion:   cfg.AppVersion,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.Telemetry.OtelExporterEndpoint,
		ExporterProtocol: cfg.Telemetry.OtelExporterProtocol,
		SamplingRatio:    cfg.Telemetry.OtelSamplingRatio,
	}
}

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	}
}
