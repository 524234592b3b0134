package logger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "webprobe"

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Logger is a sugared zap logger whose records are also handed to the
// OpenTelemetry log bridge, plus the tracer used for operation spans.
type Logger struct {
	*zap.SugaredLogger
	tracer trace.Tracer
}

func New(cfg config.LoggerConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig = encoderConfig(cfg.Format, zc.EncoderConfig)
	zc.InitialFields = map[string]interface{}{"service": serviceName, "version": Version}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}

	stdout, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	bridge := otelzap.NewCore(serviceName, otelzap.WithAttributes(
		attribute.String("service", serviceName),
		attribute.String("version", Version),
	))
	base := zap.New(zapcore.NewTee(stdout.Core(), bridge),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &Logger{SugaredLogger: base.Sugar(), tracer: otel.Tracer(serviceName)}, nil
}

func encoderConfig(format string, ec zapcore.EncoderConfig) zapcore.EncoderConfig {
	ec.TimeKey = "timestamp"
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		ec.EncodeTime = zapcore.RFC3339TimeEncoder
	}
	return ec
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar(), tracer: otel.Tracer(serviceName)}
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.With(fields...), tracer: l.tracer}
}

// WithContext adds the trace and span ids of a recording span in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !trace.SpanFromContext(ctx).IsRecording() {
		return l
	}
	return l.WithFields("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

func (l *Logger) WithScanID(scanID string) *Logger {
	return l.WithFields("scan_id", scanID)
}

func (l *Logger) WithWorkflowID(workflowID string) *Logger {
	return l.WithFields("workflow_id", workflowID)
}

func (l *Logger) WithTask(taskID, adapter string) *Logger {
	return l.WithFields("task_id", taskID, "adapter", adapter)
}

func (l *Logger) WithModule(module string) *Logger {
	return l.WithFields("module", module)
}

func spanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// StartOperation opens a span named operation. Pair it with
// FinishOperation.
func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...interface{}) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, operation)
	l.WithContext(ctx).Debugw("Operation started", append([]interface{}{"operation", operation}, fields...)...)
	return ctx, span
}

func (l *Logger) FinishOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error, fields ...interface{}) {
	defer span.End()

	fields = append([]interface{}{"duration_ms", time.Since(start).Milliseconds()}, fields...)
	if err != nil {
		l.LogError(ctx, err, operation, fields...)
		return
	}
	span.SetStatus(codes.Ok, "")
	l.WithContext(ctx).Debugw("Operation completed", append([]interface{}{"operation", operation}, fields...)...)
}

func (l *Logger) LogDuration(ctx context.Context, operation string, start time.Time, fields ...interface{}) {
	d := time.Since(start)
	l.WithContext(ctx).Infow("Operation completed",
		append([]interface{}{"operation", operation, "duration_ms", d.Milliseconds()}, fields...)...)
	spanEvent(ctx, "operation_completed",
		attribute.String("operation", operation),
		attribute.Int64("duration_ms", d.Milliseconds()),
	)
}

func (l *Logger) LogError(ctx context.Context, err error, operation string, fields ...interface{}) {
	if err == nil {
		return
	}
	l.WithContext(ctx).Errorw("Operation failed",
		append([]interface{}{"operation", operation, "error", err.Error(), "error_type", fmt.Sprintf("%T", err)}, fields...)...)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// LogPanic records a recovered panic without re-raising it.
func (l *Logger) LogPanic(ctx context.Context, recovered interface{}, operation string, fields ...interface{}) {
	msg := fmt.Sprintf("%v", recovered)
	l.WithContext(ctx).Errorw("Panic recovered",
		append([]interface{}{"operation", operation, "panic", msg, "panic_type", fmt.Sprintf("%T", recovered)}, fields...)...)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetStatus(codes.Error, "panic: "+msg)
	}
}

// LogFinding logs a finding at warn for critical and high severities,
// info for medium and debug otherwise.
func (l *Logger) LogFinding(ctx context.Context, severity, title, location string, fields ...interface{}) {
	log := l.WithContext(ctx)
	emit := log.Debugw
	switch severity {
	case "critical", "high":
		emit = log.Warnw
	case "medium":
		emit = log.Infow
	}
	emit("Finding reported", append([]interface{}{"severity", severity, "title", title, "location", location}, fields...)...)
	spanEvent(ctx, "finding_reported",
		attribute.String("severity", severity),
		attribute.String("title", title),
	)
}

func (l *Logger) LogScanProgress(ctx context.Context, scanID string, progress float64, status string) {
	l.WithContext(ctx).Debugw("Scan progress", "scan_id", scanID, "progress", progress, "status", status)
	spanEvent(ctx, "scan_progress",
		attribute.String("scan_id", scanID),
		attribute.Float64("progress", progress),
		attribute.String("status", status),
	)
}

// LogHTTPRequest logs a target fetch. Throttling and server errors are
// raised to warn since they drive the rate controller's backoff.
func (l *Logger) LogHTTPRequest(ctx context.Context, method, url string, statusCode int, duration time.Duration, fields ...interface{}) {
	fields = append([]interface{}{
		"http_method", method,
		"http_url", url,
		"http_status", statusCode,
		"duration_ms", duration.Milliseconds(),
	}, fields...)
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		l.WithContext(ctx).Warnw("HTTP request completed", fields...)
		return
	}
	l.WithContext(ctx).Debugw("HTTP request completed", fields...)
}

func (l *Logger) LogDatabaseOperation(ctx context.Context, operation, table string, rowsAffected int64, duration time.Duration, fields ...interface{}) {
	l.WithContext(ctx).Debugw("Database operation completed", append([]interface{}{
		"db_operation", operation,
		"db_table", table,
		"rows_affected", rowsAffected,
		"duration_ms", duration.Milliseconds(),
	}, fields...)...)
}
