package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil *Telemetry is
// valid and records nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	groupsTotal           metric.Int64Counter
	groupsActive          metric.Int64UpDownCounter
	subtasksTotal         metric.Int64Counter
	subtaskDuration       metric.Float64Histogram
	bytesDownloaded       metric.Int64Counter
	slotsInUse            metric.Int64UpDownCounter
	slotsWaiting          metric.Int64UpDownCounter
	handlerFailures       metric.Int64Counter
	clientOperationsTotal metric.Int64Counter
	clientErrors          metric.Int64Counter
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a periodic OTLP gRPC push next to the Prometheus pull endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdkmetric.Option{
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	}

	if cfg.OTLPEndpoint != "" {
		otlp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlp)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)

	// Set global meter provider
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("groupfetch")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// AddHTTPInFlight moves the in-flight request gauge by delta.
func (t *Telemetry) AddHTTPInFlight(delta int64) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), delta)
}

// RecordGroupFinished counts a group reaching a final state (completed, failed,
// cancelled, stopped).
func (t *Telemetry) RecordGroupFinished(state string) {
	if t == nil || t.groupsTotal == nil {
		return
	}

	t.groupsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state)))
}

// AddActiveGroups moves the active group gauge by delta.
func (t *Telemetry) AddActiveGroups(delta int64) {
	if t == nil || t.groupsActive == nil {
		return
	}

	t.groupsActive.Add(context.Background(), delta)
}

// RecordSubTask records one executor run and how it ended.
func (t *Telemetry) RecordSubTask(outcome string, duration time.Duration) {
	if t == nil || t.subtasksTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	t.subtasksTotal.Add(context.Background(), 1, attrs)
	t.subtaskDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordBytes counts bytes read from a source.
func (t *Telemetry) RecordBytes(client string, n int64) {
	if t == nil || t.bytesDownloaded == nil || n <= 0 {
		return
	}

	t.bytesDownloaded.Add(context.Background(), n, metric.WithAttributes(attribute.String("client", client)))
}

// AddSlots moves the slot gauges by the given deltas.
func (t *Telemetry) AddSlots(inUse, waiting int64) {
	if t == nil || t.slotsInUse == nil {
		return
	}

	if inUse != 0 {
		t.slotsInUse.Add(context.Background(), inUse)
	}

	if waiting != 0 {
		t.slotsWaiting.Add(context.Background(), waiting)
	}
}

// RecordHandlerFailure counts an observer that failed, panicked or timed out.
func (t *Telemetry) RecordHandlerFailure(kind, reason string) {
	if t == nil || t.handlerFailures == nil {
		return
	}

	t.handlerFailures.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
}

// RecordClientOperation records transport operation metrics.
func (t *Telemetry) RecordClientOperation(client, operation, status string) {
	if t == nil || t.clientOperationsTotal == nil {
		return
	}

	t.clientOperationsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == "error" {
		t.clientErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("client", client),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		),
	)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

type instrument struct {
	name string
	desc string
	unit string
	dst  any
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	counters := []instrument{
		{"http_requests_total", "Total number of HTTP requests", "1", &t.httpRequestsTotal},
		{"groups_finished_total", "Groups that reached a final state", "1", &t.groupsTotal},
		{"subtasks_total", "Executor runs by outcome", "1", &t.subtasksTotal},
		{"downloaded_bytes_total", "Bytes read from sources", "By", &t.bytesDownloaded},
		{"event_handler_failures_total", "Observer handlers that failed or timed out", "1", &t.handlerFailures},
		{"client_operations_total", "Total number of transport operations", "1", &t.clientOperationsTotal},
		{"client_errors_total", "Total number of transport errors", "1", &t.clientErrors},
		{"db_operations_total", "Total number of database operations", "1", &t.dbOperationsTotal},
		{"system_errors_total", "Total number of system errors", "1", &t.systemErrors},
	}

	updowns := []instrument{
		{"http_requests_in_flight", "Number of HTTP requests currently being processed", "1", &t.httpRequestsInFlight},
		{"groups_active", "Groups with a running scheduler", "1", &t.groupsActive},
		{"slots_in_use", "Execution slots currently held", "1", &t.slotsInUse},
		{"slots_waiting", "Sub-tasks waiting for an execution slot", "1", &t.slotsWaiting},
	}

	histograms := []instrument{
		{"http_request_duration_seconds", "HTTP request duration in seconds", "s", &t.httpRequestDuration},
		{"subtask_duration_seconds", "Executor run duration in seconds", "s", &t.subtaskDuration},
		{"db_operation_duration_seconds", "Database operation duration in seconds", "s", &t.dbOperationDuration},
	}

	var errs []error

	for _, in := range counters {
		c, err := t.meter.Int64Counter(in.name, metric.WithDescription(in.desc), metric.WithUnit(in.unit))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s counter: %w", in.name, err))

			continue
		}

		*in.dst.(*metric.Int64Counter) = c
	}

	for _, in := range updowns {
		c, err := t.meter.Int64UpDownCounter(in.name, metric.WithDescription(in.desc), metric.WithUnit(in.unit))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s counter: %w", in.name, err))

			continue
		}

		*in.dst.(*metric.Int64UpDownCounter) = c
	}

	for _, in := range histograms {
		h, err := t.meter.Float64Histogram(in.name, metric.WithDescription(in.desc), metric.WithUnit(in.unit))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s histogram: %w", in.name, err))

			continue
		}

		*in.dst.(*metric.Float64Histogram) = h
	}

	return errors.Join(errs...)
}
