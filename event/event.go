//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the event envelope flowing through workflow runs.
package event

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EmitWithoutTimeout disables the timeout of event emitting.
const EmitWithoutTimeout time.Duration = 0

// DefaultEmitTimeoutErr is returned when emitting an event times out.
var DefaultEmitTimeoutErr = NewEmitEventTimeoutError("emit event timeout")

// Error carries error details attached to an event.
type Error struct {
	// Type classifies the error (e.g. handler fault, routing fault).
	Type string `json:"type"`
	// Message is a human-readable description.
	Message string `json:"message"`
}

// Event is the envelope delivered on a run's event channel. Engine-specific
// details travel as JSON documents in Payload, keyed by well-known metadata
// keys, so the envelope itself stays stable as the vocabulary grows.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`
	// RunID identifies the run that produced the event.
	RunID string `json:"runId"`
	// Author is the component that produced the event: an executor ID or the
	// runner itself.
	Author string `json:"author"`
	// Object describes what kind of event this is (workflow.step.start, ...).
	Object string `json:"object,omitempty"`
	// Step is the superstep the event belongs to, zero for run-level events.
	Step int `json:"step,omitempty"`
	// Timestamp is the time the event was created.
	Timestamp time.Time `json:"timestamp"`
	// Payload holds JSON-encoded metadata documents keyed by metadata key.
	Payload map[string][]byte `json:"payload,omitempty"`
	// Value carries the live payload value for in-process consumers, such as
	// the value yielded by an output executor. It is not serialized; remote
	// consumers read the JSON form from Payload instead.
	Value any `json:"-"`
	// Done marks terminal events of a run.
	Done bool `json:"done,omitempty"`
	// Error is set on fault events.
	Error *Error `json:"error,omitempty"`
}

// Option modifies an event at construction time.
type Option func(*Event)

// WithObject sets the object type of the event.
func WithObject(object string) Option {
	return func(e *Event) {
		e.Object = object
	}
}

// WithStep sets the superstep number of the event.
func WithStep(step int) Option {
	return func(e *Event) {
		e.Step = step
	}
}

// WithPayload sets the metadata payload of the event.
func WithPayload(payload map[string][]byte) Option {
	return func(e *Event) {
		e.Payload = payload
	}
}

// WithValue attaches a live payload value for in-process consumers.
func WithValue(value any) Option {
	return func(e *Event) {
		e.Value = value
	}
}

// WithDone marks the event as terminal.
func WithDone() Option {
	return func(e *Event) {
		e.Done = true
	}
}

// WithError attaches error details to the event.
func WithError(errType, message string) Option {
	return func(e *Event) {
		e.Error = &Error{Type: errType, Message: message}
	}
}

// New creates an event with the given run ID and author.
func New(runID, author string, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Author:    author,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewErrorEvent creates an error event with the given run ID, author, error
// type and message.
func NewErrorEvent(runID, author, errType, message string, opts ...Option) *Event {
	opts = append([]Option{WithError(errType, message)}, opts...)
	return New(runID, author, opts...)
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(map[string][]byte, len(e.Payload))
		for k, v := range e.Payload {
			b := make([]byte, len(v))
			copy(b, v)
			clone.Payload[k] = b
		}
	}
	if e.Error != nil {
		errCopy := *e.Error
		clone.Error = &errCopy
	}
	return &clone
}

// EmitEvent emits an event to the channel without timeout.
func EmitEvent(ctx context.Context, ch chan<- *Event, e *Event) error {
	return EmitEventWithTimeout(ctx, ch, e, EmitWithoutTimeout)
}

// EmitEventWithTimeout emits an event to the channel with a timeout. A nil
// event or nil channel is a no-op. With EmitWithoutTimeout the send blocks
// until delivered or the context is cancelled.
func EmitEventWithTimeout(ctx context.Context, ch chan<- *Event, e *Event, timeout time.Duration) error {
	if e == nil || ch == nil {
		return nil
	}
	if timeout == EmitWithoutTimeout {
		select {
		case ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return DefaultEmitTimeoutErr
	}
}

// EmitEventTimeoutError indicates that emitting an event timed out.
type EmitEventTimeoutError struct {
	// Message is the error message.
	Message string
}

// NewEmitEventTimeoutError creates an emit timeout error with the message.
func NewEmitEventTimeoutError(message string) *EmitEventTimeoutError {
	return &EmitEventTimeoutError{Message: message}
}

// Error implements the error interface.
func (e *EmitEventTimeoutError) Error() string {
	return e.Message
}

// AsEmitEventTimeoutError checks whether err wraps an EmitEventTimeoutError
// and returns it.
func AsEmitEventTimeoutError(err error) (*EmitEventTimeoutError, bool) {
	var timeoutErr *EmitEventTimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr, true
	}
	return nil, false
}
