//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the shared tracing and metric handles used by the
// workflow engine. Providers are noop until a telemetry/trace or
// telemetry/metric Start call swaps them in.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// grpcDial is a package-level variable to allow test injection of a custom
// dialer. In production, this points to grpc.Dial.
var grpcDial = grpc.Dial

// telemetry service constants.
const (
	ServiceName      = "telemetry"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-workflow"
	InstrumentName   = "trpc.workflow.go"

	SpanNameExecuteWorkflow = "execute_workflow"
	SpanNamePrefixSuperstep = "superstep"
	SpanNamePrefixExecutor  = "invoke_executor"
)

// NewSuperstepSpanName creates a span name for one superstep.
func NewSuperstepSpanName(step int) string {
	return fmt.Sprintf("%s %d", SpanNamePrefixSuperstep, step)
}

// NewExecutorSpanName creates a span name for one executor invocation.
func NewExecutorSpanName(executorID string) string {
	return fmt.Sprintf("%s %s", SpanNamePrefixExecutor, executorID)
}

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// Telemetry attribute keys.
const (
	KeyWorkflowID   = "workflow.id"
	KeyRunID        = "workflow.run.id"
	KeyStep         = "workflow.step"
	KeyExecutorID   = "workflow.executor.id"
	KeyMessageType  = "workflow.message.type"
	KeyRunStatus    = "workflow.run.status"
	KeyFaultKind    = "workflow.fault.kind"
	KeyEventID      = "workflow.event.id"
	KeyCheckpointID = "workflow.checkpoint.id"
)

// Tracer is the tracer used by the workflow engine. telemetry/trace.Start
// replaces it with one backed by a configured provider.
var Tracer trace.Tracer = otel.Tracer(InstrumentName)

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Note the use of insecure transport here. TLS is recommended in production.
	conn, err := grpcDial(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
