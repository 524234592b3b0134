package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// telemetry records scan, finding, task and worker metrics and owns the
// trace provider when exporting is on.
type telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	scanCounter    metric.Int64Counter
	scanDuration   metric.Float64Histogram
	findingCounter metric.Int64Counter
	taskCounter    metric.Int64Counter
	taskDuration   metric.Float64Histogram
	workerGauge    metric.Int64UpDownCounter
}

// New returns a no-op recorder when telemetry is disabled.
func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(logger.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.ExporterType {
	case "otlp", "":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t, err := newInstruments(otel.Meter(cfg.ServiceName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.tracerProvider = tp
	return t, nil
}

// instruments creates counters and histograms on one meter and keeps the
// first error, so construction reads as a flat list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	if in.err == nil {
		in.err = err
	}
	return c
}

func (in *instruments) seconds(name, desc string) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	if in.err == nil {
		in.err = err
	}
	return h
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	in := &instruments{meter: meter}
	t := &telemetry{
		meter:          meter,
		scanCounter:    in.counter("webprobe.scans.total", "Finished scans by terminal status"),
		scanDuration:   in.seconds("webprobe.scan.duration", "Scan wall time"),
		findingCounter: in.counter("webprobe.findings.total", "Findings recorded by severity"),
		taskCounter:    in.counter("webprobe.tasks.total", "Finished workflow tasks by adapter and status"),
		taskDuration:   in.seconds("webprobe.task.duration", "Workflow task wall time"),
	}
	gauge, err := meter.Int64UpDownCounter("webprobe.workers.active",
		metric.WithDescription("Queue workers currently running"), metric.WithUnit("1"))
	if in.err == nil {
		in.err = err
	}
	t.workerGauge = gauge
	if in.err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", in.err)
	}
	return t, nil
}

func (t *telemetry) RecordScan(status types.ScanStatus, duration float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("scan.status", string(status)))
	t.scanCounter.Add(ctx, 1, attrs)
	t.scanDuration.Record(ctx, duration, attrs)
}

func (t *telemetry) RecordFinding(severity types.Severity) {
	t.findingCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("finding.severity", string(severity))))
}

func (t *telemetry) RecordTask(adapter string, status types.TaskStatus, duration float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("task.adapter", adapter),
		attribute.String("task.status", string(status)),
	)
	t.taskCounter.Add(ctx, 1, attrs)
	t.taskDuration.Record(ctx, duration, attrs)
}

func (t *telemetry) RecordWorkerMetrics(status *types.WorkerStatus) {
	attrs := metric.WithAttributes(
		attribute.String("worker.id", status.ID),
		attribute.String("worker.status", status.Status),
	)
	switch status.Status {
	case "active":
		t.workerGauge.Add(context.Background(), 1, attrs)
	case "stopped":
		t.workerGauge.Add(context.Background(), -1, attrs)
	}
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func NewNoop() core.Telemetry { return noopTelemetry{} }

func (noopTelemetry) RecordScan(types.ScanStatus, float64) {}
func (noopTelemetry) RecordFinding(types.Severity) {}
func (noopTelemetry) RecordTask(string, types.TaskStatus, float64) {}
func (noopTelemetry) RecordWorkerMetrics(*types.WorkerStatus) {}
func (noopTelemetry) Close() error { return nil }
