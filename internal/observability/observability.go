// Package observability exports check and cycle telemetry over OTLP/gRPC.
// When telemetry is disabled the Provider still works against no-op
// providers, so callers never branch on it.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"tubekeeper/internal/config"
	"tubekeeper/internal/domain"
)

const instrumentation = "tubekeeper"

type Provider struct {
	tracer trace.Tracer
	log    *slog.Logger

	started   metric.Int64Counter
	finished  metric.Int64Counter
	inflight  metric.Int64UpDownCounter
	duration  metric.Float64Histogram
	cycles    metric.Int64Counter
	rejected  metric.Int64Counter
	shutdowns []func(context.Context) error
}

// New builds a Provider from the telemetry section. Exporters are only dialed
// when telemetry is enabled.
func New(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("module", "observability", "layer", "telemetry")
	if !cfg.Enabled {
		log.Debug("telemetry disabled", "event", "telemetry_disabled")
		return NewWithProviders(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider(), logger)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(traceExp))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
	)
	p, err := NewWithProviders(tp, mp, logger)
	if err != nil {
		return nil, err
	}
	p.shutdowns = append(p.shutdowns, tp.Shutdown, mp.Shutdown)
	log.Info("telemetry started", "event", "telemetry_started", "endpoint", cfg.Endpoint)
	return p, nil
}

// NewWithProviders wires the instruments onto caller-supplied providers.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	meter := mp.Meter(instrumentation)
	p := &Provider{
		tracer: tp.Tracer(instrumentation),
		log:    logger.With("module", "observability", "layer", "telemetry"),
	}
	var err error
	if p.started, err = meter.Int64Counter("tubekeeper.checks.started",
		metric.WithDescription("Checks admitted and started"), metric.WithUnit("{check}")); err != nil {
		return nil, err
	}
	if p.finished, err = meter.Int64Counter("tubekeeper.checks.finished",
		metric.WithDescription("Checks that reached a terminal state"), metric.WithUnit("{check}")); err != nil {
		return nil, err
	}
	if p.inflight, err = meter.Int64UpDownCounter("tubekeeper.checks.inflight",
		metric.WithDescription("Checks currently running"), metric.WithUnit("{check}")); err != nil {
		return nil, err
	}
	if p.duration, err = meter.Float64Histogram("tubekeeper.check.duration",
		metric.WithDescription("Wall time from admission to terminal state"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1200)); err != nil {
		return nil, err
	}
	if p.cycles, err = meter.Int64Counter("tubekeeper.cycles",
		metric.WithDescription("Scheduler cycles run"), metric.WithUnit("{cycle}")); err != nil {
		return nil, err
	}
	if p.rejected, err = meter.Int64Counter("tubekeeper.admission.rejected",
		metric.WithDescription("Checks refused by the in-flight quota"), metric.WithUnit("{check}")); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and stops the exporters, if any.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkAttrs(c domain.Check) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("check.id", c.ID),
		attribute.Int64("deal.id", int64(c.DealID)),
		attribute.String("check.kind", string(c.Kind)),
	}
}

// CheckStarted opens the check's span; the returned context carries it.
func (p *Provider) CheckStarted(ctx context.Context, c domain.Check) context.Context {
	ctx, _ = p.tracer.Start(ctx, "check", trace.WithAttributes(checkAttrs(c)...))
	kind := metric.WithAttributes(attribute.String("kind", string(c.Kind)))
	p.started.Add(ctx, 1, kind)
	p.inflight.Add(ctx, 1, kind)
	return ctx
}

func (p *Provider) CheckTransitioned(ctx context.Context, c domain.Check) {
	attrs := []attribute.KeyValue{attribute.String("status", string(c.Status))}
	if c.RoundID != nil {
		attrs = append(attrs, attribute.Int64("round.id", int64(*c.RoundID)))
	}
	trace.SpanFromContext(ctx).AddEvent(string(c.Status), trace.WithAttributes(attrs...))
}

func (p *Provider) CheckFinished(ctx context.Context, c domain.Check) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	end := time.Now()
	if c.CompletedAt != nil {
		end = *c.CompletedAt
	}
	kind := attribute.String("kind", string(c.Kind))
	p.inflight.Add(ctx, -1, metric.WithAttributes(kind))
	p.finished.Add(ctx, 1, metric.WithAttributes(kind,
		attribute.String("status", string(c.Status)),
		attribute.String("error_kind", c.ErrorKind)))
	if !c.StartedAt.IsZero() {
		p.duration.Record(ctx, end.Sub(c.StartedAt).Seconds(), metric.WithAttributes(kind))
	}

	span.SetAttributes(attribute.String("check.status", string(c.Status)))
	if c.Status == domain.StatusFailed {
		span.SetStatus(codes.Error, c.Error)
		span.SetAttributes(attribute.String("check.error_kind", c.ErrorKind))
		return
	}
	if c.Result != nil && c.Result.Message != "" {
		span.SetAttributes(attribute.String("check.result", c.Result.Message))
	}
	span.SetStatus(codes.Ok, "")
}

func (p *Provider) CycleRan(ctx context.Context, cycle uint64, deals int) {
	p.cycles.Add(ctx, 1, metric.WithAttributes(attribute.Int("deals", deals)))
}

func (p *Provider) AdmissionRejected(ctx context.Context, kind domain.CheckKind) {
	p.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	p.log.Debug("admission rejected", "event", "admission_rejected", "kind", string(kind))
}
