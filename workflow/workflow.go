//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

// Package workflow implements a typed-message workflow engine with
// superstep execution.
//
// Executors declare typed message handlers and are connected by direct,
// fan-out, and fan-in edges into a graph validated at build time. Runs
// advance in supersteps: all messages pending at the start of a step are
// dispatched concurrently across executors, and everything produced during
// the step becomes visible only after the step's barrier. Runs surface
// their progress as an event stream, pause on unanswered external requests,
// and checkpoint at superstep boundaries for later resumption.
package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Workflow is an immutable, validated workflow graph. It carries no run
// state: any number of runs may be created from one workflow.
type Workflow struct {
	name      string
	order     []string
	nodes     map[string]*executorNode
	edges     []*Edge
	adjacency map[string][]*Edge
	start     string
	outputs   []string
	outputSet map[string]struct{}
}

// Name returns the workflow name.
func (w *Workflow) Name() string {
	return w.name
}

// ExecutorIDs returns the executor IDs in registration order.
func (w *Workflow) ExecutorIDs() []string {
	return append([]string(nil), w.order...)
}

// StartExecutor returns the ID of the executor receiving external input.
func (w *Workflow) StartExecutor() string {
	return w.start
}

// OutputExecutors returns the IDs of the declared output executors.
func (w *Workflow) OutputExecutors() []string {
	return append([]string(nil), w.outputs...)
}

// NewRun creates a run of the workflow and starts its run loop. The run
// stays not_started until input arrives and Signal drives it. Cancelling
// ctx cancels the run.
func (w *Workflow) NewRun(ctx context.Context, opts ...RunOption) (*Run, error) {
	options := newRunOptions(opts...)
	runID := options.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	r, err := w.newRun(ctx, runID, options)
	if err != nil {
		return nil, err
	}
	r.startLoop()
	return r, nil
}

// ResumeRun revives a run from a checkpoint under the same run ID. By
// default the latest checkpoint is used; WithCheckpoint selects an earlier
// one, in which case continued execution forks a sibling branch in the
// checkpoint lineage. A store must be supplied via WithStore.
func (w *Workflow) ResumeRun(ctx context.Context, runID string, opts ...RunOption) (*Run, error) {
	options := newRunOptions(opts...)
	if options.store == nil {
		return nil, ErrStoreRequired
	}
	if runID == "" {
		return nil, ErrRunIDRequired
	}
	info := CheckpointInfo{RunID: runID, CheckpointID: options.checkpointID}
	if options.checkpointID == "" {
		latest, err := LatestCheckpoint(ctx, options.store, runID)
		if err != nil {
			return nil, err
		}
		info = latest
	}
	state, err := options.store.RetrieveCheckpoint(ctx, runID, info)
	if err != nil {
		return nil, err
	}
	if state.Version != CheckpointStateVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", state.Version)
	}
	r, err := w.newRun(ctx, runID, options)
	if err != nil {
		return nil, err
	}
	if err := r.restoreFrom(state, info); err != nil {
		return nil, err
	}
	r.startLoop()
	return r, nil
}
