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
	"encoding/json"
	"fmt"
	"sort"

	"trpc.group/trpc-go/trpc-workflow-go/log"
)

// snapshotState captures the run at the current superstep boundary. Only
// stateful executors contribute executor state, and their snapshots must be
// of codec-registered types.
func (r *Run) snapshotState() (*CheckpointState, error) {
	queued, err := encodeMessages(r.queue.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode queue: %w", err)
	}

	r.mu.Lock()
	step := r.step
	outstanding := make([]*ExternalRequest, 0, len(r.outstanding))
	for _, req := range r.outstanding {
		outstanding = append(outstanding, req)
	}
	outputs := make([]string, 0, len(r.outputsSeen))
	for id := range r.outputsSeen {
		outputs = append(outputs, id)
	}
	r.mu.Unlock()
	sort.Slice(outstanding, func(i, j int) bool {
		if outstanding[i].Step != outstanding[j].Step {
			return outstanding[i].Step < outstanding[j].Step
		}
		if !outstanding[i].IssuedAt.Equal(outstanding[j].IssuedAt) {
			return outstanding[i].IssuedAt.Before(outstanding[j].IssuedAt)
		}
		return outstanding[i].Token < outstanding[j].Token
	})
	sort.Strings(outputs)

	requests, err := encodeRequests(outstanding)
	if err != nil {
		return nil, err
	}
	status := RunStatusIdle
	if len(outstanding) > 0 {
		status = RunStatusPendingRequests
	}

	var executorState map[string]json.RawMessage
	for _, id := range r.wf.order {
		stateful, ok := r.executors[id].(StatefulExecutor)
		if !ok {
			continue
		}
		snapshot, err := stateful.SnapshotState()
		if err != nil {
			return nil, fmt.Errorf("snapshot executor %s: %w", id, err)
		}
		if snapshot == nil {
			continue
		}
		data, err := MarshalPayload(snapshot)
		if err != nil {
			return nil, fmt.Errorf("snapshot executor %s: %w", id, err)
		}
		if executorState == nil {
			executorState = make(map[string]json.RawMessage)
		}
		executorState[id] = data
	}

	return &CheckpointState{
		Version:       CheckpointStateVersion,
		RunID:         r.id,
		Step:          step,
		Status:        status,
		Queue:         queued,
		ExecutorState: executorState,
		Requests:      requests,
		OutputsSeen:   outputs,
	}, nil
}

// createCheckpoint persists the boundary state to the configured store. A
// failure here faults the run: a run that silently stops checkpointing
// cannot be resumed from where the user expects.
func (r *Run) createCheckpoint(ctx context.Context, step int) error {
	state, err := r.snapshotState()
	if err != nil {
		return &RunFault{Kind: FaultKindCheckpoint, Step: step, Err: err}
	}
	r.mu.Lock()
	parent := r.lastCheckpoint
	r.mu.Unlock()
	info, err := r.opts.store.CreateCheckpoint(ctx, r.id, state, parent)
	if err != nil {
		return &RunFault{Kind: FaultKindCheckpoint, Step: step, Err: err}
	}
	r.mu.Lock()
	r.lastCheckpoint = &info
	r.mu.Unlock()
	r.feed.stage(NewWorkflowEvent(r.id, AuthorRunner, ObjectTypeCheckpointCreated,
		WithEventStep(step),
		WithCheckpointMetadata(CheckpointMetadata{
			CheckpointID:       info.CheckpointID,
			ParentCheckpointID: info.ParentCheckpointID,
			StepNumber:         step,
		})))
	log.Debugf("workflow %s run %s: checkpoint %s at step %d", r.wf.name, r.id, info.CheckpointID, step)
	return nil
}

// restoreFrom reinstates a checkpointed state into a fresh run before its
// loop starts. Stepping a run restored from a non-latest checkpoint creates
// a sibling branch: new checkpoints descend from the restored one.
func (r *Run) restoreFrom(state *CheckpointState, info CheckpointInfo) error {
	messages, err := decodeMessages(state.Queue)
	if err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", info.CheckpointID, err)
	}
	requests, err := decodeRequests(r.id, state.Requests)
	if err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", info.CheckpointID, err)
	}
	for _, id := range r.wf.order {
		data, ok := state.ExecutorState[id]
		if !ok {
			continue
		}
		stateful, ok := r.executors[id].(StatefulExecutor)
		if !ok {
			log.Warnf("workflow %s run %s: checkpoint %s carries state for non-stateful executor %s, skipping",
				r.wf.name, r.id, info.CheckpointID, id)
			continue
		}
		value, err := UnmarshalPayload(data)
		if err != nil {
			return fmt.Errorf("restore executor %s from checkpoint %s: %w", id, info.CheckpointID, err)
		}
		if err := stateful.RestoreState(value); err != nil {
			return fmt.Errorf("restore executor %s from checkpoint %s: %w", id, info.CheckpointID, err)
		}
	}
	for id := range state.ExecutorState {
		if _, ok := r.wf.nodes[id]; !ok {
			log.Warnf("workflow %s run %s: checkpoint %s carries state for unknown executor %s, skipping",
				r.wf.name, r.id, info.CheckpointID, id)
		}
	}

	r.queue.Push(messages...)
	r.mu.Lock()
	r.step = state.Step
	for _, req := range requests {
		r.outstanding[req.Token] = req
	}
	for _, id := range state.OutputsSeen {
		r.outputsSeen[id] = struct{}{}
	}
	r.lastCheckpoint = &info
	r.mu.Unlock()
	r.status.restore(state.Status)

	r.feed.publish(NewWorkflowEvent(r.id, AuthorRunner, ObjectTypeCheckpointRestored,
		WithEventStep(state.Step),
		WithCheckpointMetadata(CheckpointMetadata{
			CheckpointID:       info.CheckpointID,
			ParentCheckpointID: info.ParentCheckpointID,
			StepNumber:         state.Step,
		})))
	return nil
}
