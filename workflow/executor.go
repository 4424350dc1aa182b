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
	"context"
	"fmt"
	"reflect"
)

// Executor is a vertex in a workflow graph. An executor declares which
// message types it handles and which it may emit; the graph is validated
// against these declarations at build time.
//
// Executors created through a factory receive a fresh instance per run and
// may keep local state across supersteps. Within one superstep an executor
// handles its messages sequentially, so handlers never race on that state.
type Executor interface {
	// ID returns the unique identifier of the executor within the workflow.
	ID() string
	// Handlers returns the typed message handlers of the executor.
	Handlers() []Handler
	// OutputTypes returns the message types the executor may send.
	OutputTypes() []reflect.Type
}

// StatefulExecutor is an Executor whose local state participates in
// checkpoints. SnapshotState is called at superstep boundaries; the returned
// value must be of a type registered with RegisterMessageType so a resumed
// run can reconstruct it with its concrete type.
type StatefulExecutor interface {
	Executor

	// SnapshotState returns a serializable snapshot of the executor state.
	SnapshotState() (any, error)
	// RestoreState reinstates a snapshot produced by SnapshotState.
	RestoreState(state any) error
}

// Describer is implemented by executors that carry a human-readable
// description, surfaced in debugging output.
type Describer interface {
	Description() string
}

// HandlerFunc is the untyped form of a message handler. Prefer On to build
// handlers with static payload types.
type HandlerFunc func(ctx context.Context, hctx *HandlerContext, msg any) error

// Handler binds one declared message type to a handling function.
type Handler struct {
	msgType reflect.Type
	fn      HandlerFunc
}

// MessageType returns the declared message type of the handler.
func (h Handler) MessageType() reflect.Type {
	return h.msgType
}

func (h Handler) invoke(ctx context.Context, hctx *HandlerContext, msg any) error {
	return h.fn(ctx, hctx, msg)
}

// On builds a Handler for messages of type T. T may be a concrete type or
// an interface; routing always prefers the most specific handler for the
// runtime type of the payload.
func On[T any](fn func(ctx context.Context, hctx *HandlerContext, msg T) error) Handler {
	msgType := reflect.TypeOf((*T)(nil)).Elem()
	return Handler{
		msgType: msgType,
		fn: func(ctx context.Context, hctx *HandlerContext, msg any) error {
			typed, ok := msg.(T)
			if !ok {
				return fmt.Errorf("handler for %s received incompatible payload %T", msgType, msg)
			}
			return fn(ctx, hctx, typed)
		},
	}
}

// newHandler builds a Handler for a message type known only at runtime.
// The payload passed to fn is guaranteed assignable to msgType.
func newHandler(msgType reflect.Type, fn HandlerFunc) Handler {
	return Handler{msgType: msgType, fn: fn}
}

// Emits returns the reflect.Type of T for use in output type declarations.
func Emits[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// ExecutorOption configures an executor built by NewExecutor.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	description string
	handlers    []Handler
	outputTypes []reflect.Type
	snapshot    func() (any, error)
	restore     func(state any) error
}

// WithHandlers sets the message handlers of the executor.
func WithHandlers(handlers ...Handler) ExecutorOption {
	return func(o *executorOptions) {
		o.handlers = append(o.handlers, handlers...)
	}
}

// WithOutputTypes declares the message types the executor may send.
// Use Emits to name types: WithOutputTypes(Emits[string](), Emits[Report]()).
func WithOutputTypes(types ...reflect.Type) ExecutorOption {
	return func(o *executorOptions) {
		o.outputTypes = append(o.outputTypes, types...)
	}
}

// WithDescription sets a human-readable description for the executor.
func WithDescription(description string) ExecutorOption {
	return func(o *executorOptions) {
		o.description = description
	}
}

// WithStateHooks makes the executor stateful: snapshot is called at
// superstep boundaries when checkpointing, restore on resume.
func WithStateHooks(snapshot func() (any, error), restore func(state any) error) ExecutorOption {
	return func(o *executorOptions) {
		o.snapshot = snapshot
		o.restore = restore
	}
}

// NewExecutor builds an executor from handlers and declarations without
// defining a new type. When state hooks are configured the returned executor
// implements StatefulExecutor.
func NewExecutor(id string, opts ...ExecutorOption) Executor {
	var options executorOptions
	for _, opt := range opts {
		opt(&options)
	}
	base := &funcExecutor{
		id:          id,
		description: options.description,
		handlers:    options.handlers,
		outputTypes: options.outputTypes,
	}
	if options.snapshot != nil || options.restore != nil {
		return &statefulFuncExecutor{
			funcExecutor: base,
			snapshot:     options.snapshot,
			restore:      options.restore,
		}
	}
	return base
}

type funcExecutor struct {
	id          string
	description string
	handlers    []Handler
	outputTypes []reflect.Type
}

func (e *funcExecutor) ID() string                  { return e.id }
func (e *funcExecutor) Handlers() []Handler         { return e.handlers }
func (e *funcExecutor) OutputTypes() []reflect.Type { return e.outputTypes }
func (e *funcExecutor) Description() string         { return e.description }

type statefulFuncExecutor struct {
	*funcExecutor

	snapshot func() (any, error)
	restore  func(state any) error
}

func (e *statefulFuncExecutor) SnapshotState() (any, error) {
	if e.snapshot == nil {
		return nil, nil
	}
	return e.snapshot()
}

func (e *statefulFuncExecutor) RestoreState(state any) error {
	if e.restore == nil {
		return nil
	}
	return e.restore(state)
}
