//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

package workflow

import (
	"encoding/json"
	"time"

	"trpc.group/trpc-go/trpc-workflow-go/event"
)

// AuthorRunner is the author recorded on events emitted by the run loop
// itself rather than by an executor.
const AuthorRunner = "workflow-runner"

// Object type constants for workflow events.
const (
	// ObjectTypeStepStart marks the beginning of a superstep.
	ObjectTypeStepStart = "workflow.step.start"
	// ObjectTypeStepComplete marks the end of a superstep after the barrier.
	ObjectTypeStepComplete = "workflow.step.complete"
	// ObjectTypeExecutorInvoke marks an executor starting to handle a message.
	ObjectTypeExecutorInvoke = "workflow.executor.invoke"
	// ObjectTypeExecutorComplete marks an executor finishing a message.
	ObjectTypeExecutorComplete = "workflow.executor.complete"
	// ObjectTypeMessageRouted marks a message accepted for the next superstep.
	ObjectTypeMessageRouted = "workflow.message.routed"
	// ObjectTypeMessageDropped marks a routing fault: a message with no
	// matching handler or an ambiguous handler match.
	ObjectTypeMessageDropped = "workflow.message.dropped"
	// ObjectTypeOutput carries a value yielded by an executor.
	ObjectTypeOutput = "workflow.output"
	// ObjectTypeRequestIssued marks an external request leaving the run.
	ObjectTypeRequestIssued = "workflow.request.issued"
	// ObjectTypeResponseConsumed marks an external response entering the run.
	ObjectTypeResponseConsumed = "workflow.response.consumed"
	// ObjectTypeStatusChanged marks a run status transition.
	ObjectTypeStatusChanged = "workflow.status.changed"
	// ObjectTypeRunFaulted marks an abnormal end of the run.
	ObjectTypeRunFaulted = "workflow.run.faulted"
	// ObjectTypeRunEnded marks the terminal event of a run.
	ObjectTypeRunEnded = "workflow.run.ended"
	// ObjectTypeCheckpointCreated marks a checkpoint written at a superstep
	// boundary.
	ObjectTypeCheckpointCreated = "workflow.checkpoint.created"
	// ObjectTypeCheckpointRestored marks a run revived from a checkpoint.
	ObjectTypeCheckpointRestored = "workflow.checkpoint.restored"
)

// Metadata key constants for event payload documents.
const (
	// MetadataKeyStep is the key for superstep metadata.
	MetadataKeyStep = "_step_metadata"
	// MetadataKeyExecutor is the key for executor invocation metadata.
	MetadataKeyExecutor = "_executor_metadata"
	// MetadataKeyMessage is the key for message routing metadata.
	MetadataKeyMessage = "_message_metadata"
	// MetadataKeyOutput is the key for workflow output metadata.
	MetadataKeyOutput = "_output_metadata"
	// MetadataKeyRequest is the key for external request metadata.
	MetadataKeyRequest = "_request_metadata"
	// MetadataKeyResponse is the key for external response metadata.
	MetadataKeyResponse = "_response_metadata"
	// MetadataKeyStatus is the key for status transition metadata.
	MetadataKeyStatus = "_status_metadata"
	// MetadataKeyRun is the key for run completion metadata.
	MetadataKeyRun = "_run_metadata"
	// MetadataKeyCheckpoint is the key for checkpoint metadata.
	MetadataKeyCheckpoint = "_checkpoint_metadata"
)

// ExecutorPhase represents the phase of an executor invocation.
type ExecutorPhase string

// Executor phase constants.
const (
	ExecutorPhaseInvoke   ExecutorPhase = "invoke"
	ExecutorPhaseComplete ExecutorPhase = "complete"
	ExecutorPhaseError    ExecutorPhase = "error"
)

// String returns the string representation of the executor phase.
func (p ExecutorPhase) String() string {
	return string(p)
}

// StepMetadata describes one superstep.
type StepMetadata struct {
	// StepNumber is the 1-based superstep number.
	StepNumber int `json:"stepNumber"`
	// MessageCount is the number of messages dispatched in this step.
	MessageCount int `json:"messageCount,omitempty"`
	// ActiveExecutors are the executors receiving messages in this step.
	ActiveExecutors []string `json:"activeExecutors,omitempty"`
	// StartTime is when the step started.
	StartTime time.Time `json:"startTime,omitempty"`
	// EndTime is when the step completed.
	EndTime time.Time `json:"endTime,omitempty"`
	// Duration is the step duration.
	Duration time.Duration `json:"duration,omitempty"`
}

// ExecutorMetadata describes one executor invocation.
type ExecutorMetadata struct {
	// ExecutorID is the executor being invoked.
	ExecutorID string `json:"executorId"`
	// Phase is the invocation phase.
	Phase ExecutorPhase `json:"phase"`
	// MessageID is the ID of the message being handled.
	MessageID string `json:"messageId,omitempty"`
	// MessageType is the runtime type of the message payload.
	MessageType string `json:"messageType,omitempty"`
	// Source is the source of the message being handled.
	Source string `json:"source,omitempty"`
	// StepNumber is the superstep number.
	StepNumber int `json:"stepNumber,omitempty"`
	// Duration is the invocation duration, set on completion.
	Duration time.Duration `json:"duration,omitempty"`
	// Error is the error message if the invocation failed.
	Error string `json:"error,omitempty"`
}

// MessageMetadata describes a routed or dropped message.
type MessageMetadata struct {
	// MessageID is the unique identifier of the message.
	MessageID string `json:"messageId"`
	// Source is the emitting executor, or "external".
	Source string `json:"source"`
	// Target is the receiving executor.
	Target string `json:"target,omitempty"`
	// MessageType is the runtime type of the payload.
	MessageType string `json:"messageType"`
	// StepNumber is the superstep during which the message was produced.
	StepNumber int `json:"stepNumber,omitempty"`
	// Reason explains why a message was dropped.
	Reason string `json:"reason,omitempty"`
}

// OutputMetadata describes a value yielded as workflow output.
type OutputMetadata struct {
	// ExecutorID is the yielding executor.
	ExecutorID string `json:"executorId"`
	// StepNumber is the superstep during which the value was yielded.
	StepNumber int `json:"stepNumber"`
	// ValueType is the runtime type of the yielded value.
	ValueType string `json:"valueType,omitempty"`
	// Value is the yielded value in codec envelope form.
	Value json.RawMessage `json:"value,omitempty"`
}

// RequestMetadata describes an external request issued by a port.
type RequestMetadata struct {
	// Token correlates the request with its future response.
	Token string `json:"token"`
	// PortID is the issuing request port.
	PortID string `json:"portId"`
	// StepNumber is the superstep during which the request was issued.
	StepNumber int `json:"stepNumber"`
	// PayloadType is the runtime type of the request payload.
	PayloadType string `json:"payloadType,omitempty"`
	// Payload is the request payload in codec envelope form.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResponseMetadata describes an external response consumed by the run.
type ResponseMetadata struct {
	// Token is the answered request token.
	Token string `json:"token"`
	// PortID is the port that issued the original request.
	PortID string `json:"portId"`
	// StepNumber is the superstep at which the response was ingested.
	StepNumber int `json:"stepNumber,omitempty"`
	// PayloadType is the runtime type of the response payload.
	PayloadType string `json:"payloadType,omitempty"`
}

// StatusMetadata describes a run status transition.
type StatusMetadata struct {
	// From is the previous status.
	From RunStatus `json:"from"`
	// To is the new status.
	To RunStatus `json:"to"`
	// Reason explains the transition when it is not implied by the statuses.
	Reason string `json:"reason,omitempty"`
}

// RunMetadata describes a run reaching its terminal status.
type RunMetadata struct {
	// Status is the terminal status, always ended.
	Status RunStatus `json:"status"`
	// Reason is "completed", "cancelled", or the fault kind.
	Reason string `json:"reason"`
	// TotalSteps is the number of supersteps executed.
	TotalSteps int `json:"totalSteps"`
	// Error is the fault description for faulted runs.
	Error string `json:"error,omitempty"`
}

// CheckpointMetadata describes a checkpoint created or restored.
type CheckpointMetadata struct {
	// CheckpointID is the checkpoint identifier.
	CheckpointID string `json:"checkpointId"`
	// ParentCheckpointID is the preceding checkpoint in the lineage.
	ParentCheckpointID string `json:"parentCheckpointId,omitempty"`
	// StepNumber is the superstep boundary the checkpoint captures.
	StepNumber int `json:"stepNumber"`
}

// Run end reason constants used in RunMetadata and StatusMetadata.
const (
	EndReasonCompleted = "completed"
	EndReasonCancelled = "cancelled"
	EndReasonFaulted   = "faulted"
)

// EventOption is a function that modifies a workflow event.
type EventOption func(*event.Event)

func attachMetadata(e *event.Event, key string, metadata any) {
	if e.Payload == nil {
		e.Payload = make(map[string][]byte)
	}
	if data, err := json.Marshal(metadata); err == nil {
		e.Payload[key] = data
	}
}

// WithStepMetadata adds superstep metadata to the event.
func WithStepMetadata(metadata StepMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyStep, metadata)
	}
}

// WithExecutorMetadata adds executor invocation metadata to the event.
func WithExecutorMetadata(metadata ExecutorMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyExecutor, metadata)
	}
}

// WithMessageMetadata adds message routing metadata to the event.
func WithMessageMetadata(metadata MessageMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyMessage, metadata)
	}
}

// WithOutputMetadata adds workflow output metadata to the event.
func WithOutputMetadata(metadata OutputMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyOutput, metadata)
	}
}

// WithRequestMetadata adds external request metadata to the event.
func WithRequestMetadata(metadata RequestMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyRequest, metadata)
	}
}

// WithResponseMetadata adds external response metadata to the event.
func WithResponseMetadata(metadata ResponseMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyResponse, metadata)
	}
}

// WithStatusMetadata adds status transition metadata to the event.
func WithStatusMetadata(metadata StatusMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyStatus, metadata)
	}
}

// WithRunMetadata adds run completion metadata to the event.
func WithRunMetadata(metadata RunMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyRun, metadata)
	}
}

// WithCheckpointMetadata adds checkpoint metadata to the event.
func WithCheckpointMetadata(metadata CheckpointMetadata) EventOption {
	return func(e *event.Event) {
		attachMetadata(e, MetadataKeyCheckpoint, metadata)
	}
}

// WithEventStep sets the superstep number on the event envelope.
func WithEventStep(step int) EventOption {
	return func(e *event.Event) {
		e.Step = step
	}
}

// WithEventValue attaches a live payload value for in-process consumers.
func WithEventValue(value any) EventOption {
	return func(e *event.Event) {
		e.Value = value
	}
}

// WithEventDone marks the event as terminal.
func WithEventDone() EventOption {
	return func(e *event.Event) {
		e.Done = true
	}
}

// WithEventError attaches error details to the event.
func WithEventError(errType, message string) EventOption {
	return func(e *event.Event) {
		e.Error = &event.Error{Type: errType, Message: message}
	}
}

// NewWorkflowEvent creates a workflow event with the given object type.
func NewWorkflowEvent(runID, author, objectType string, opts ...EventOption) *event.Event {
	e := event.New(runID, author, event.WithObject(objectType))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepMetadataFrom extracts superstep metadata from an event.
func StepMetadataFrom(e *event.Event) (*StepMetadata, bool) {
	return metadataFrom[StepMetadata](e, MetadataKeyStep)
}

// ExecutorMetadataFrom extracts executor metadata from an event.
func ExecutorMetadataFrom(e *event.Event) (*ExecutorMetadata, bool) {
	return metadataFrom[ExecutorMetadata](e, MetadataKeyExecutor)
}

// MessageMetadataFrom extracts message metadata from an event.
func MessageMetadataFrom(e *event.Event) (*MessageMetadata, bool) {
	return metadataFrom[MessageMetadata](e, MetadataKeyMessage)
}

// OutputMetadataFrom extracts output metadata from an event.
func OutputMetadataFrom(e *event.Event) (*OutputMetadata, bool) {
	return metadataFrom[OutputMetadata](e, MetadataKeyOutput)
}

// RequestMetadataFrom extracts request metadata from an event.
func RequestMetadataFrom(e *event.Event) (*RequestMetadata, bool) {
	return metadataFrom[RequestMetadata](e, MetadataKeyRequest)
}

// ResponseMetadataFrom extracts response metadata from an event.
func ResponseMetadataFrom(e *event.Event) (*ResponseMetadata, bool) {
	return metadataFrom[ResponseMetadata](e, MetadataKeyResponse)
}

// StatusMetadataFrom extracts status transition metadata from an event.
func StatusMetadataFrom(e *event.Event) (*StatusMetadata, bool) {
	return metadataFrom[StatusMetadata](e, MetadataKeyStatus)
}

// RunMetadataFrom extracts run completion metadata from an event.
func RunMetadataFrom(e *event.Event) (*RunMetadata, bool) {
	return metadataFrom[RunMetadata](e, MetadataKeyRun)
}

// CheckpointMetadataFrom extracts checkpoint metadata from an event.
func CheckpointMetadataFrom(e *event.Event) (*CheckpointMetadata, bool) {
	return metadataFrom[CheckpointMetadata](e, MetadataKeyCheckpoint)
}

func metadataFrom[T any](e *event.Event, key string) (*T, bool) {
	if e == nil || e.Payload == nil {
		return nil, false
	}
	data, ok := e.Payload[key]
	if !ok {
		return nil, false
	}
	var metadata T
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, false
	}
	return &metadata, true
}
