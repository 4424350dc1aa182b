//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

// Package metric provides the OTLP metric bootstrap for the workflow engine.
// It integrates with OpenTelemetry to report superstep, message and fault
// counters.
package metric

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	itelemetry "trpc.group/trpc-go/trpc-workflow-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-workflow-go/telemetry/metric/histogram"
)

// Start initializes the meter provider with an OTLP exporter, registers the
// workflow instruments, and returns a cleanup function that shuts the
// provider down.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	meterProvider, err := NewMeterProvider(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if err := InitMeterProvider(meterProvider); err != nil {
		return nil, err
	}
	otel.SetMeterProvider(meterProvider)
	return func() error {
		return meterProvider.Shutdown(context.Background())
	}, nil
}

// stepDuration and stepBatchSize keep references to the dynamic histograms
// so bucket boundaries can be adjusted after Start.
var (
	stepDuration  *histogram.DynamicFloat64Histogram
	stepBatchSize *histogram.DynamicInt64Histogram
)

// InitMeterProvider initializes the meter provider and the workflow meters.
func InitMeterProvider(mp metric.MeterProvider) error {
	itelemetry.MeterProvider = mp

	itelemetry.WorkflowMeter = mp.Meter(itelemetry.MeterNameWorkflow)
	var err error
	if itelemetry.WorkflowMetricStepCnt, err = itelemetry.WorkflowMeter.Int64Counter(
		itelemetry.MetricWorkflowStepCnt,
		metric.WithDescription("Total number of executed supersteps"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create workflow metric StepCnt: %w", err)
	}
	if itelemetry.WorkflowMetricMessageCnt, err = itelemetry.WorkflowMeter.Int64Counter(
		itelemetry.MetricWorkflowMessageCnt,
		metric.WithDescription("Total number of routed messages"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create workflow metric MessageCnt: %w", err)
	}
	if itelemetry.WorkflowMetricFaultCnt, err = itelemetry.WorkflowMeter.Int64Counter(
		itelemetry.MetricWorkflowFaultCnt,
		metric.WithDescription("Total number of run faults"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create workflow metric FaultCnt: %w", err)
	}
	if stepDuration, err = histogram.NewDynamicFloat64Histogram(
		mp,
		itelemetry.MeterNameWorkflow,
		itelemetry.MetricWorkflowStepDuration,
		metric.WithDescription("Duration of one superstep"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create workflow metric StepDuration: %w", err)
	}
	itelemetry.WorkflowMetricStepDuration = stepDuration
	if stepBatchSize, err = histogram.NewDynamicInt64Histogram(
		mp,
		itelemetry.MeterNameWorkflow,
		itelemetry.MetricWorkflowStepBatchSize,
		metric.WithDescription("Messages dispatched in one superstep"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create workflow metric StepBatchSize: %w", err)
	}
	itelemetry.WorkflowMetricStepBatchSize = stepBatchSize
	return nil
}

// SetStepDurationBuckets replaces the bucket boundaries of the superstep
// duration histogram. It must be called after Start or InitMeterProvider.
func SetStepDurationBuckets(boundaries []float64) error {
	if stepDuration == nil {
		return fmt.Errorf("meter provider is not initialized")
	}
	return stepDuration.SetBuckets(boundaries)
}

// SetStepBatchSizeBuckets replaces the bucket boundaries of the superstep
// batch size histogram. It must be called after Start or InitMeterProvider.
func SetStepBatchSizeBuckets(boundaries []float64) error {
	if stepBatchSize == nil {
		return fmt.Errorf("meter provider is not initialized")
	}
	return stepBatchSize.SetBuckets(boundaries)
}

// GetMeterProvider returns the meter provider.
func GetMeterProvider() metric.MeterProvider {
	return itelemetry.MeterProvider
}

// NewMeterProvider creates a new meter provider with optional configuration.
// The environment variables described below can be used for endpoint
// configuration.
// OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_METRICS_ENDPOINT
// (default: "localhost:4317" for gRPC, "localhost:4318" for HTTP)
func NewMeterProvider(ctx context.Context, opts ...Option) (*sdkmetric.MeterProvider, error) {
	// Set default options
	options := &options{
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
		protocol:         itelemetry.ProtocolGRPC, // Default to gRPC
	}
	for _, opt := range opts {
		opt(options)
	}

	// Set endpoint based on protocol if not explicitly set
	if options.metricsEndpoint == "" {
		options.metricsEndpoint = metricsEndpoint(options.protocol)
	}

	res, err := buildResource(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var meterProvider *sdkmetric.MeterProvider
	switch options.protocol {
	case itelemetry.ProtocolHTTP:
		meterProvider, err = newHTTPMeterProvider(ctx, res, options.metricsEndpoint)
	default:
		meterProvider, err = newGRPCMeterProvider(ctx, res, options.metricsEndpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}

	return meterProvider, nil
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	// Return different default endpoints based on protocol
	switch protocol {
	case itelemetry.ProtocolHTTP:
		return "localhost:4318" // HTTP endpoint base URL (otlpmetrichttp will add /v1/metrics automatically)
	default:
		return "localhost:4317" // gRPC endpoint (host:port)
	}
}

// Initializes an OTLP HTTP exporter, and configures the corresponding meter provider.
func newHTTPMeterProvider(ctx context.Context, res *resource.Resource, endpoint string) (*sdkmetric.MeterProvider, error) {
	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	return meterProvider, nil
}

// Initializes an OTLP gRPC exporter, and configures the corresponding meter provider.
func newGRPCMeterProvider(ctx context.Context, res *resource.Resource, endpoint string) (*sdkmetric.MeterProvider, error) {
	metricsConn, err := itelemetry.NewGRPCConn(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics connection: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(metricsConn))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	return meterProvider, nil
}

// Option is a function that configures meter options.
type Option func(*options)

// options holds the configuration options for meter.
type options struct {
	metricsEndpoint    string
	serviceName        string
	serviceVersion     string
	serviceNamespace   string
	protocol           string // Protocol to use (grpc or http)
	resourceAttributes *[]attribute.KeyValue
}

// WithEndpoint sets the metrics endpoint (host and port) the exporter will
// connect to. The provided endpoint should resemble "example.com:4317"
// (no scheme or path).
// If the OTEL_EXPORTER_OTLP_ENDPOINT or OTEL_EXPORTER_OTLP_METRICS_ENDPOINT
// environment variable is set, and this option is not passed, that variable
// value will be used. If both environment variables are set,
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT will take precedence.
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.metricsEndpoint = endpoint
	}
}

// WithProtocol sets the protocol to use for metrics export.
// Supported protocols are "grpc" (default) and "http".
func WithProtocol(protocol string) Option {
	return func(opts *options) {
		opts.protocol = protocol
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(serviceName string) Option {
	return func(opts *options) {
		opts.serviceName = serviceName
	}
}

// WithServiceNamespace overrides the service.namespace resource attribute.
func WithServiceNamespace(serviceNamespace string) Option {
	return func(opts *options) {
		opts.serviceNamespace = serviceNamespace
	}
}

// WithServiceVersion overrides the service.version resource attribute.
func WithServiceVersion(serviceVersion string) Option {
	return func(opts *options) {
		opts.serviceVersion = serviceVersion
	}
}

// WithResourceAttributes appends custom resource attributes.
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(opts *options) {
		if len(attrs) == 0 {
			return
		}
		if opts.resourceAttributes == nil {
			opts.resourceAttributes = &[]attribute.KeyValue{}
		}
		*opts.resourceAttributes = append(*opts.resourceAttributes, attrs...)
	}
}

func buildResource(ctx context.Context, options *options) (*resource.Resource, error) {
	// Build resource with options values
	resourceOpts := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNamespace(options.serviceNamespace),
			semconv.ServiceName(options.serviceName),
			semconv.ServiceVersion(options.serviceVersion),
		),
		resource.WithFromEnv(),
		resource.WithHost(),         // Adds host.name
		resource.WithTelemetrySDK(), // Adds telemetry.sdk.{name,language,version}
	}

	// Append custom resource attributes
	if options.resourceAttributes != nil && len(*options.resourceAttributes) > 0 {
		resourceOpts = append(resourceOpts, resource.WithAttributes(*options.resourceAttributes...))
	}

	return resource.New(ctx, resourceOpts...)
}
