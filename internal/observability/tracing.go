package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/propsync/agent/internal/models"
)

const instrumentationName = "github.com/propsync/agent/internal/observability"

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartDBSpan starts a span for cache database operations
func StartDBSpan(ctx context.Context, dbSystem, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", dbSystem),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// DatabaseMetrics holds cache-database metrics
type DatabaseMetrics struct {
	queryCount metric.Int64Counter
	errorCount metric.Int64Counter
}

// NewDatabaseMetrics creates database metrics instruments
func NewDatabaseMetrics() (*DatabaseMetrics, error) {
	meter := otel.Meter(instrumentationName)

	queryCount, err := meter.Int64Counter(
		"db.query.count",
		metric.WithDescription("Total number of cache database operations"),
		metric.WithUnit("{queries}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"db.error.count",
		metric.WithDescription("Total number of cache database errors"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	return &DatabaseMetrics{
		queryCount: queryCount,
		errorCount: errorCount,
	}, nil
}

// RecordQuery records one cache database operation
func (m *DatabaseMetrics) RecordQuery(ctx context.Context, operation, table string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
	}

	m.queryCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.errorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// SyncMetrics holds offline-sync metrics
type SyncMetrics struct {
	drainPasses       metric.Int64Counter
	requestsDelivered metric.Int64Counter
	requestsAbandoned metric.Int64Counter
	pullOperations    metric.Int64Counter
	queueDepth        metric.Int64Gauge
}

// NewSyncMetrics creates sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	drainPasses, err := meter.Int64Counter(
		"propsync.drain.passes",
		metric.WithDescription("Total number of queue drain passes"),
		metric.WithUnit("{passes}"),
	)
	if err != nil {
		return nil, err
	}

	requestsDelivered, err := meter.Int64Counter(
		"propsync.requests.delivered",
		metric.WithDescription("Queued requests delivered to the server"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		return nil, err
	}

	requestsAbandoned, err := meter.Int64Counter(
		"propsync.requests.abandoned",
		metric.WithDescription("Queued requests dropped after exhausting retries"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		return nil, err
	}

	pullOperations, err := meter.Int64Counter(
		"propsync.pull.operations",
		metric.WithDescription("Completed full pulls of the cached collections"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"propsync.queue.depth",
		metric.WithDescription("Pending requests after the latest drain pass"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		drainPasses:       drainPasses,
		requestsDelivered: requestsDelivered,
		requestsAbandoned: requestsAbandoned,
		pullOperations:    pullOperations,
		queueDepth:        queueDepth,
	}, nil
}

// RecordDrain records the outcome of one drain pass
func (m *SyncMetrics) RecordDrain(ctx context.Context, result models.DrainResult) {
	m.drainPasses.Add(ctx, 1)
	m.requestsDelivered.Add(ctx, int64(result.Delivered))
	m.requestsAbandoned.Add(ctx, int64(result.Abandoned))
	m.queueDepth.Record(ctx, int64(result.Remaining))
}

// RecordPull records one completed full pull
func (m *SyncMetrics) RecordPull(ctx context.Context, result models.PullResult) {
	attrs := make([]attribute.KeyValue, 0, len(result.Collections))
	for name, count := range result.Collections {
		attrs = append(attrs, attribute.Int("propsync.pull."+name, count))
	}
	m.pullOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
}
