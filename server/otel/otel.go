// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel wires the broker into OpenTelemetry: OTLP gRPC exporters
// for traces and metrics, and the instrument set the broker records
// into. With telemetry disabled the global providers stay noop and
// recording costs nothing but the nil check at the call site.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/voltmq/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout  = 30 * time.Second
	batchTimeout   = 5 * time.Second
	exportInterval = 10 * time.Second
)

// Setup configures the global OpenTelemetry providers from cfg and
// returns a shutdown function that flushes and stops whatever was
// started. brokerID becomes the service instance ID, so several brokers
// reporting to one collector stay distinguishable.
func Setup(ctx context.Context, cfg config.ServerConfig, brokerID string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.OtelServiceName),
			semconv.ServiceVersionKey.String(cfg.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(brokerID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	var down shutdownGroup

	if cfg.OtelTracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("traces: %w", err)
		}
		otel.SetTracerProvider(tp)
		down.add(tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.OtelMetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = down.run(ctx)
			return nil, fmt.Errorf("metrics: %w", err)
		}
		otel.SetMeterProvider(mp)
		down.add(mp.Shutdown)
	}

	return down.run, nil
}

// shutdownGroup collects provider shutdown hooks so a half-finished
// Setup can unwind what it already started.
type shutdownGroup struct {
	fns []func(context.Context) error
}

func (g *shutdownGroup) add(fn func(context.Context) error) {
	g.fns = append(g.fns, fn)
}

// run stops every registered provider, newest first.
func (g *shutdownGroup) run(ctx context.Context) error {
	var errs []error
	for i := len(g.fns) - 1; i >= 0; i-- {
		if err := g.fns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newTracerProvider builds a sampled, batching tracer provider exporting
// over OTLP gRPC. The collector link is plaintext; MetricsAddr is meant
// to point at a local agent, not across the open network.
func newTracerProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.MetricsAddr),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.OtelTraceSampleRate))

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(batchTimeout)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.MetricsAddr),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(exportInterval),
		)),
	), nil
}
