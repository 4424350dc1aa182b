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

	"golang.org/x/sync/errgroup"
)

// SubWorkflowOption configures a sub-workflow executor.
type SubWorkflowOption func(*subWorkflowExecutor)

// WithSubWorkflowOutputs overrides the declared output types of the
// sub-workflow executor. By default they are the union of the child's
// output executors' declarations.
func WithSubWorkflowOutputs(types ...reflect.Type) SubWorkflowOption {
	return func(s *subWorkflowExecutor) {
		s.outputTypes = types
	}
}

// NewSubWorkflowExecutor wraps a built workflow as an executor of a parent
// workflow. Each message handled starts a fresh child run, feeds it the
// message, drives it to quiescence, and re-emits the child's outputs as the
// executor's own sends. The child's request ports are not bridged: a child
// that pauses on external requests faults the handling.
func NewSubWorkflowExecutor(id string, child *Workflow, opts ...SubWorkflowOption) Executor {
	s := &subWorkflowExecutor{id: id, child: child}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.outputTypes) == 0 {
		seen := make(map[reflect.Type]struct{})
		for _, outID := range child.outputs {
			for _, t := range child.nodes[outID].outputTypes {
				if _, ok := seen[t]; ok {
					continue
				}
				seen[t] = struct{}{}
				s.outputTypes = append(s.outputTypes, t)
			}
		}
	}
	return s
}

type subWorkflowExecutor struct {
	id          string
	child       *Workflow
	outputTypes []reflect.Type
}

// ID returns the executor identifier.
func (s *subWorkflowExecutor) ID() string { return s.id }

// Handlers mirrors the child start executor's handlers, so the parent graph
// validates against exactly what the child accepts.
func (s *subWorkflowExecutor) Handlers() []Handler {
	start := s.child.nodes[s.child.start]
	handlers := make([]Handler, 0, len(start.handlers))
	for _, h := range start.handlers {
		handlers = append(handlers, newHandler(h.MessageType(), s.run))
	}
	return handlers
}

// OutputTypes returns the message types the executor may send.
func (s *subWorkflowExecutor) OutputTypes() []reflect.Type {
	return s.outputTypes
}

// Description identifies the wrapped workflow.
func (s *subWorkflowExecutor) Description() string {
	return fmt.Sprintf("sub-workflow %s", s.child.Name())
}

func (s *subWorkflowExecutor) run(ctx context.Context, hctx *HandlerContext, msg any) error {
	run, err := s.child.NewRun(ctx)
	if err != nil {
		return fmt.Errorf("start sub-workflow %s: %w", s.child.Name(), err)
	}
	defer run.Close()
	if err := run.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("feed sub-workflow %s: %w", s.child.Name(), err)
	}
	if err := run.Signal(ctx); err != nil {
		return fmt.Errorf("signal sub-workflow %s: %w", s.child.Name(), err)
	}

	forwardAll := len(s.child.outputs) == 0
	forwardFrom := make(map[string]struct{}, len(s.child.outputs))
	for _, id := range s.child.outputs {
		forwardFrom[id] = struct{}{}
	}

	var outputs []any
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for evt := range run.Events() {
			switch evt.Object {
			case ObjectTypeOutput:
				if _, ok := forwardFrom[evt.Author]; ok || forwardAll {
					outputs = append(outputs, evt.Value)
				}
			case ObjectTypeRequestIssued:
				return fmt.Errorf("sub-workflow %s issued an external request; request ports are not bridged across workflow boundaries", s.child.Name())
			case ObjectTypeRunFaulted:
				if evt.Error != nil {
					return fmt.Errorf("sub-workflow %s faulted: %s", s.child.Name(), evt.Error.Message)
				}
				return fmt.Errorf("sub-workflow %s faulted", s.child.Name())
			case ObjectTypeStatusChanged:
				metadata, ok := StatusMetadataFrom(evt)
				if !ok {
					continue
				}
				// Idle means the child quiesced without completing; what it
				// produced so far is still forwarded.
				if metadata.To == RunStatusIdle {
					return nil
				}
			case ObjectTypeRunEnded:
				return nil
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	for _, value := range outputs {
		if err := hctx.Send(value); err != nil {
			return err
		}
	}
	return nil
}
