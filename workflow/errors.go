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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunIDRequired is returned when an operation needs a run ID and none
	// was supplied.
	ErrRunIDRequired = errors.New("run id is required")
	// ErrStoreRequired is returned when a checkpoint operation is requested
	// without a configured store.
	ErrStoreRequired = errors.New("checkpoint store is required")
	// ErrCheckpointNotFound is returned when a checkpoint does not exist for
	// the given run, has expired, or belongs to another run.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrRunEnded is returned when input, responses, or signals are offered
	// to a run that has already ended.
	ErrRunEnded = errors.New("run already ended")
	// ErrUnknownRequestToken is returned when a response names a token that
	// is not outstanding on the run.
	ErrUnknownRequestToken = errors.New("unknown request token")
	// ErrResponseTypeMismatch is returned when a response payload is not
	// assignable to the port's declared response type.
	ErrResponseTypeMismatch = errors.New("response payload does not match port response type")
	// ErrTypeNotRegistered is returned when the codec meets a payload type
	// that was never registered.
	ErrTypeNotRegistered = errors.New("message type not registered")
	// ErrNilPayload is returned when a nil payload is sent, yielded, or
	// enqueued.
	ErrNilPayload = errors.New("payload cannot be nil")
	// ErrNoHandler reports that an executor declares no handler accepting a
	// message type.
	ErrNoHandler = errors.New("no handler accepts message type")
	// ErrAmbiguousHandler reports that two or more handlers match a message
	// type at equal specificity.
	ErrAmbiguousHandler = errors.New("ambiguous handler match")
	// ErrStepLimitExceeded reports that a run hit its superstep limit before
	// quiescing.
	ErrStepLimitExceeded = errors.New("superstep limit exceeded")
)

// IssueKind categorizes a single problem found while building a workflow.
type IssueKind string

// Issue kind constants.
const (
	IssueDuplicateExecutor IssueKind = "duplicate_executor"
	IssueInvalidExecutor   IssueKind = "invalid_executor"
	IssueUnknownExecutor   IssueKind = "unknown_executor"
	IssueTypeIncompatible  IssueKind = "type_incompatible"
	IssueAmbiguousHandlers IssueKind = "ambiguous_handlers"
	IssueUnreachable       IssueKind = "unreachable_executor"
	IssueInvalidGraph      IssueKind = "invalid_graph"
)

// String returns the string representation of the issue kind.
func (k IssueKind) String() string {
	return string(k)
}

// BuildIssue describes one problem found while validating a workflow graph.
type BuildIssue struct {
	// Kind is the category of the problem.
	Kind IssueKind
	// Subject names the executor or edge the problem concerns.
	Subject string
	// Detail is a human-readable description of the problem.
	Detail string
}

// String renders the issue as "kind subject: detail".
func (i BuildIssue) String() string {
	if i.Subject == "" {
		return fmt.Sprintf("%s: %s", i.Kind, i.Detail)
	}
	return fmt.Sprintf("%s %s: %s", i.Kind, i.Subject, i.Detail)
}

// BuildError aggregates every problem found while building a workflow.
// Build never stops at the first issue; callers receive the full list.
type BuildError struct {
	// Issues holds all detected problems in detection order.
	Issues []BuildIssue
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "workflow build failed with %d issue(s):", len(e.Issues))
	for _, issue := range e.Issues {
		sb.WriteString("\n  - ")
		sb.WriteString(issue.String())
	}
	return sb.String()
}

// HasKind reports whether any issue of the given kind was recorded.
func (e *BuildError) HasKind(kind IssueKind) bool {
	for _, issue := range e.Issues {
		if issue.Kind == kind {
			return true
		}
	}
	return false
}

// FaultKind categorizes the cause of a run fault.
type FaultKind string

// Fault kind constants.
const (
	FaultKindHandlerError FaultKind = "handler_error"
	FaultKindHandlerPanic FaultKind = "handler_panic"
	FaultKindStepLimit    FaultKind = "step_limit"
	FaultKindCheckpoint   FaultKind = "checkpoint_error"
)

// String returns the string representation of the fault kind.
func (k FaultKind) String() string {
	return string(k)
}

// RunFault describes why a run ended abnormally: which executor faulted,
// on which message type, during which superstep.
type RunFault struct {
	// Kind is the category of the fault.
	Kind FaultKind
	// ExecutorID is the executor whose handler faulted, if any.
	ExecutorID string
	// MessageType is the type of the message being handled, if any.
	MessageType string
	// Step is the superstep during which the fault occurred.
	Step int
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (f *RunFault) Error() string {
	if f.ExecutorID == "" {
		return fmt.Sprintf("run fault (%s) at step %d: %v", f.Kind, f.Step, f.Err)
	}
	return fmt.Sprintf("run fault (%s) at step %d: executor %s handling %s: %v",
		f.Kind, f.Step, f.ExecutorID, f.MessageType, f.Err)
}

// Unwrap returns the underlying cause.
func (f *RunFault) Unwrap() error {
	return f.Err
}

// AsRunFault extracts a RunFault from err if present.
func AsRunFault(err error) (*RunFault, bool) {
	var fault *RunFault
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}

// AsBuildError extracts a BuildError from err if present.
func AsBuildError(err error) (*BuildError, bool) {
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return buildErr, true
	}
	return nil, false
}
