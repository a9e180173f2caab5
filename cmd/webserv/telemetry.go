package main

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"webserv/internal/domain"
)

const instrumentationName = "webserv"

// telemetry はOTLPエクスポートのプロバイダ群. エンドポイント未設定なら全て無効.
type telemetry struct {
	meter     metric.Meter
	logSink   *slog.Logger
	shutdowns []func(context.Context) error
}

func setupTelemetry(ctx context.Context, cfg domain.TelemetryConfig) (*telemetry, error) {
	t := &telemetry{}
	if cfg.OTLPEndpoint == "" {
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, t.fail(ctx, err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	t.shutdowns = append(t.shutdowns, tp.Shutdown)
	otel.SetTracerProvider(tp)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, t.fail(ctx, err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	t.shutdowns = append(t.shutdowns, mp.Shutdown)
	otel.SetMeterProvider(mp)
	t.meter = mp.Meter(instrumentationName)

	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, t.fail(ctx, err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	t.shutdowns = append(t.shutdowns, lp.Shutdown)
	global.SetLoggerProvider(lp)
	t.logSink = otelslog.NewLogger(instrumentationName, otelslog.WithLoggerProvider(lp))

	return t, nil
}

func (t *telemetry) fail(ctx context.Context, err error) error {
	return errors.Join(err, t.shutdown(ctx))
}

// shutdown は登録と逆順にプロバイダを停止し, 残りをフラッシュする.
func (t *telemetry) shutdown(ctx context.Context) error {
	var err error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		err = errors.Join(err, t.shutdowns[i](ctx))
	}
	t.shutdowns = nil
	return err
}
