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
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandlerContext is handed to message handlers for one invocation. Sends,
// yields, and requests recorded on it take effect only after the current
// superstep's barrier: sent messages become visible to their targets in the
// next superstep.
type HandlerContext struct {
	workflowName string
	runID        string
	executorID   string
	step         int

	mu       sync.Mutex
	sends    []*sendAction
	yields   []any
	requests []*ExternalRequest
}

type sendAction struct {
	payload any
	// targets optionally narrows a fan-out edge to a subset of its targets.
	targets []string
}

func newHandlerContext(workflowName, runID, executorID string, step int) *HandlerContext {
	return &HandlerContext{
		workflowName: workflowName,
		runID:        runID,
		executorID:   executorID,
		step:         step,
	}
}

// WorkflowName returns the name of the workflow being run.
func (hctx *HandlerContext) WorkflowName() string { return hctx.workflowName }

// RunID returns the ID of the current run.
func (hctx *HandlerContext) RunID() string { return hctx.runID }

// ExecutorID returns the ID of the executor being invoked.
func (hctx *HandlerContext) ExecutorID() string { return hctx.executorID }

// Step returns the current superstep number, starting at 1.
func (hctx *HandlerContext) Step() int { return hctx.step }

// Send emits a message along the executor's outgoing edges. The message is
// routed after the superstep barrier and delivered in the next superstep.
func (hctx *HandlerContext) Send(payload any) error {
	if payload == nil {
		return ErrNilPayload
	}
	hctx.mu.Lock()
	defer hctx.mu.Unlock()
	hctx.sends = append(hctx.sends, &sendAction{payload: payload})
	return nil
}

// SendTo emits a message to a subset of the executor's fan-out targets.
// Targets outside the executor's edges are reported as routing faults.
func (hctx *HandlerContext) SendTo(payload any, targets ...string) error {
	if payload == nil {
		return ErrNilPayload
	}
	hctx.mu.Lock()
	defer hctx.mu.Unlock()
	hctx.sends = append(hctx.sends, &sendAction{payload: payload, targets: targets})
	return nil
}

// Yield publishes a value on the run's event stream as workflow output.
// Yields do not traverse edges.
func (hctx *HandlerContext) Yield(output any) error {
	if output == nil {
		return ErrNilPayload
	}
	hctx.mu.Lock()
	defer hctx.mu.Unlock()
	hctx.yields = append(hctx.yields, output)
	return nil
}

// issueRequest records an external request on behalf of a request port.
// The run cannot end a pending phase until the token is answered.
func (hctx *HandlerContext) issueRequest(portID string, payload any) error {
	if payload == nil {
		return ErrNilPayload
	}
	req := &ExternalRequest{
		Token:    uuid.New().String(),
		RunID:    hctx.runID,
		PortID:   portID,
		Payload:  payload,
		Step:     hctx.step,
		IssuedAt: time.Now(),
	}
	hctx.mu.Lock()
	defer hctx.mu.Unlock()
	hctx.requests = append(hctx.requests, req)
	return nil
}

// drain returns the recorded actions and clears the buffers.
func (hctx *HandlerContext) drain() (sends []*sendAction, yields []any, requests []*ExternalRequest) {
	hctx.mu.Lock()
	defer hctx.mu.Unlock()
	sends, yields, requests = hctx.sends, hctx.yields, hctx.requests
	hctx.sends, hctx.yields, hctx.requests = nil, nil, nil
	return sends, yields, requests
}
