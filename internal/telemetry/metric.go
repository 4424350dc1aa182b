//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Meter names and metric names for the workflow engine.
const (
	MeterNameWorkflow = "trpc_workflow_go"

	MetricWorkflowStepCnt       = "trpc_workflow_go_superstep_cnt"
	MetricWorkflowMessageCnt    = "trpc_workflow_go_message_routed_cnt"
	MetricWorkflowFaultCnt      = "trpc_workflow_go_fault_cnt"
	MetricWorkflowStepDuration  = "trpc_workflow_go_superstep_duration"
	MetricWorkflowStepBatchSize = "trpc_workflow_go_superstep_batch_size"
)

// Float64Recorder is the recording subset of a float64 histogram. Keeping
// the engine on this narrow interface lets telemetry/metric install
// instruments with runtime-adjustable buckets.
type Float64Recorder interface {
	Record(ctx context.Context, value float64, opts ...metric.RecordOption)
}

// Int64Recorder is the recording subset of an int64 histogram.
type Int64Recorder interface {
	Record(ctx context.Context, value int64, opts ...metric.RecordOption)
}

var (
	MeterProvider metric.MeterProvider = noop.NewMeterProvider()

	WorkflowMeter               metric.Meter        = MeterProvider.Meter(MeterNameWorkflow)
	WorkflowMetricStepCnt       metric.Int64Counter = noop.Int64Counter{}
	WorkflowMetricMessageCnt    metric.Int64Counter = noop.Int64Counter{}
	WorkflowMetricFaultCnt      metric.Int64Counter = noop.Int64Counter{}
	WorkflowMetricStepDuration  Float64Recorder     = noop.Float64Histogram{}
	WorkflowMetricStepBatchSize Int64Recorder       = noop.Int64Histogram{}
)

// IncStepCnt counts one executed superstep.
func IncStepCnt(ctx context.Context, workflowID, runID string) {
	WorkflowMetricStepCnt.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(KeyWorkflowID, workflowID),
			attribute.String(KeyRunID, runID),
		))
}

// AddMessageCnt counts messages routed into the next superstep.
func AddMessageCnt(ctx context.Context, workflowID, runID string, n int64) {
	WorkflowMetricMessageCnt.Add(ctx, n,
		metric.WithAttributes(
			attribute.String(KeyWorkflowID, workflowID),
			attribute.String(KeyRunID, runID),
		))
}

// IncFaultCnt counts one run fault of the given kind.
func IncFaultCnt(ctx context.Context, workflowID, runID, kind string) {
	WorkflowMetricFaultCnt.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(KeyWorkflowID, workflowID),
			attribute.String(KeyRunID, runID),
			attribute.String(KeyFaultKind, kind),
		))
}

// RecordStepDuration records the wall time of one superstep.
func RecordStepDuration(ctx context.Context, workflowID, runID string, duration time.Duration) {
	WorkflowMetricStepDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String(KeyWorkflowID, workflowID),
			attribute.String(KeyRunID, runID),
		))
}

// RecordStepBatchSize records the number of messages dispatched in one
// superstep.
func RecordStepBatchSize(ctx context.Context, workflowID, runID string, n int64) {
	WorkflowMetricStepBatchSize.Record(ctx, n,
		metric.WithAttributes(
			attribute.String(KeyWorkflowID, workflowID),
			attribute.String(KeyRunID, runID),
		))
}
