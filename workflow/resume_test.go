//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

package workflow_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-workflow-go/event"
	"trpc.group/trpc-go/trpc-workflow-go/workflow"
	"trpc.group/trpc-go/trpc-workflow-go/workflow/checkpoint/inmemory"
)

// buildAccumulator returns a workflow with a single self-looping executor
// that counts msg, msg-1, ..., 1 into a running sum and yields the sum when
// the countdown hits zero. The sum participates in checkpoints.
func buildAccumulator(t *testing.T) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.NewBuilder("accumulator").
		AddExecutor(func() workflow.Executor {
			sum := 0
			return workflow.NewExecutor("adder",
				workflow.WithHandlers(workflow.On[int](func(ctx context.Context, hctx *workflow.HandlerContext, msg int) error {
					if msg > 0 {
						sum += msg
						return hctx.Send(msg - 1)
					}
					return hctx.Yield(sum)
				})),
				workflow.WithOutputTypes(workflow.Emits[int]()),
				workflow.WithStateHooks(
					func() (any, error) { return sum, nil },
					func(state any) error {
						s, ok := state.(int)
						if !ok {
							return fmt.Errorf("unexpected state type %T", state)
						}
						sum = s
						return nil
					}))
		}).
		AddEdge("adder", "adder").
		SetStart("adder").
		SetOutputs("adder").
		Build()
	require.NoError(t, err)
	return wf
}

func drainRun(t *testing.T, run *workflow.Run) []*event.Event {
	t.Helper()
	var events []*event.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(events))
		}
	}
}

func runOutputs(events []*event.Event) []any {
	var values []any
	for _, evt := range events {
		if evt.Object == workflow.ObjectTypeOutput {
			values = append(values, evt.Value)
		}
	}
	return values
}

func countObject(events []*event.Event, object string) int {
	n := 0
	for _, evt := range events {
		if evt.Object == object {
			n++
		}
	}
	return n
}

func TestRunCheckpointsEverySuperstep(t *testing.T) {
	ctx := context.Background()
	wf := buildAccumulator(t)
	store := inmemory.NewStore()

	run, err := wf.NewRun(ctx, workflow.WithStore(store), workflow.WithRunID("acc-run"))
	require.NoError(t, err)
	defer run.Close()
	require.NoError(t, run.Enqueue(ctx, 3))
	require.NoError(t, run.Signal(ctx))
	events := drainRun(t, run)

	// Countdown 3,2,1,0 takes four supersteps, each checkpointed.
	assert.Equal(t, []any{6}, runOutputs(events))
	assert.Equal(t, 4, countObject(events, workflow.ObjectTypeCheckpointCreated))

	history, err := workflow.CheckpointHistory(ctx, store, "acc-run")
	require.NoError(t, err)
	require.Len(t, history, 4)
	steps := make([]int, 0, len(history))
	for _, info := range history {
		steps = append(steps, info.Step)
	}
	assert.Equal(t, []int{4, 3, 2, 1}, steps)
	// The lineage is a single chain.
	for i := 0; i < len(history)-1; i++ {
		assert.Equal(t, history[i+1].CheckpointID, history[i].ParentCheckpointID)
	}
	assert.Empty(t, history[len(history)-1].ParentCheckpointID)

	latest, err := workflow.LatestCheckpoint(ctx, store, "acc-run")
	require.NoError(t, err)
	assert.Equal(t, 4, latest.Step)
}

func TestResumeRunFromIntermediateCheckpoint(t *testing.T) {
	ctx := context.Background()
	wf := buildAccumulator(t)
	store := inmemory.NewStore()

	run, err := wf.NewRun(ctx, workflow.WithStore(store), workflow.WithRunID("acc-run"))
	require.NoError(t, err)
	require.NoError(t, run.Enqueue(ctx, 3))
	require.NoError(t, run.Signal(ctx))
	original := drainRun(t, run)
	require.NoError(t, run.Close())
	require.Equal(t, []any{6}, runOutputs(original))

	history, err := workflow.CheckpointHistory(ctx, store, "acc-run")
	require.NoError(t, err)
	var atStepTwo workflow.CheckpointInfo
	for _, info := range history {
		if info.Step == 2 {
			atStepTwo = info
		}
	}
	require.NotEmpty(t, atStepTwo.CheckpointID)

	// Resume from the boundary after superstep 2: sum=5, countdown at 1.
	resumed, err := wf.ResumeRun(ctx, "acc-run",
		workflow.WithStore(store),
		workflow.WithCheckpoint(atStepTwo.CheckpointID))
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, "acc-run", resumed.ID())
	assert.Equal(t, 2, resumed.Step())

	require.NoError(t, resumed.Signal(ctx))
	events := drainRun(t, resumed)

	// The first event announces the restore; the replayed tail produces the
	// same output the original run did.
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.ObjectTypeCheckpointRestored, events[0].Object)
	md, ok := workflow.CheckpointMetadataFrom(events[0])
	require.True(t, ok)
	assert.Equal(t, atStepTwo.CheckpointID, md.CheckpointID)
	assert.Equal(t, []any{6}, runOutputs(events))

	terminal := events[len(events)-1]
	require.Equal(t, workflow.ObjectTypeRunEnded, terminal.Object)
	runMD, ok := workflow.RunMetadataFrom(terminal)
	require.True(t, ok)
	assert.Equal(t, workflow.EndReasonCompleted, runMD.Reason)
	assert.Equal(t, 4, runMD.TotalSteps)

	// Stepping past a non-latest checkpoint forks a sibling branch: the
	// original step-3 checkpoint and the resumed one share a parent.
	children, err := workflow.CheckpointChildren(ctx, store, "acc-run", atStepTwo)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, 3, child.Step)
		assert.Equal(t, atStepTwo.CheckpointID, child.ParentCheckpointID)
	}
}

func TestResumeRunFromLatestByDefault(t *testing.T) {
	ctx := context.Background()
	// The tally executor accumulates external inputs one superstep at a time
	// and yields once the sum reaches six, so the run idles between inputs.
	wf, err := workflow.NewBuilder("tally").
		AddExecutor(func() workflow.Executor {
			sum := 0
			return workflow.NewExecutor("tally",
				workflow.WithHandlers(workflow.On[int](func(ctx context.Context, hctx *workflow.HandlerContext, msg int) error {
					sum += msg
					if sum >= 6 {
						return hctx.Yield(sum)
					}
					return nil
				})),
				workflow.WithStateHooks(
					func() (any, error) { return sum, nil },
					func(state any) error {
						s, ok := state.(int)
						if !ok {
							return fmt.Errorf("unexpected state type %T", state)
						}
						sum = s
						return nil
					}))
		}).
		SetStart("tally").
		SetOutputs("tally").
		Build()
	require.NoError(t, err)
	store := inmemory.NewStore()

	run, err := wf.NewRun(ctx, workflow.WithStore(store), workflow.WithRunID("tally-run"))
	require.NoError(t, err)
	require.NoError(t, run.Enqueue(ctx, 2))
	require.NoError(t, run.Signal(ctx))
	require.Eventually(t, func() bool {
		return run.Status() == workflow.RunStatusIdle
	}, 5*time.Second, 5*time.Millisecond)
	run.Cancel()
	drainRun(t, run)
	require.NoError(t, run.Close())

	latest, err := workflow.LatestCheckpoint(ctx, store, "tally-run")
	require.NoError(t, err)
	require.Equal(t, 1, latest.Step)

	resumed, err := wf.ResumeRun(ctx, "tally-run", workflow.WithStore(store))
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, 1, resumed.Step())
	assert.Equal(t, workflow.RunStatusIdle, resumed.Status())

	// The restored sum of 2 plus the new input crosses the threshold.
	require.NoError(t, resumed.Enqueue(ctx, 4))
	require.NoError(t, resumed.Signal(ctx))
	events := drainRun(t, resumed)
	assert.Equal(t, []any{6}, runOutputs(events))
}

func TestResumeRunValidation(t *testing.T) {
	ctx := context.Background()
	wf := buildAccumulator(t)
	store := inmemory.NewStore()

	_, err := wf.ResumeRun(ctx, "acc-run")
	assert.ErrorIs(t, err, workflow.ErrStoreRequired)

	_, err = wf.ResumeRun(ctx, "", workflow.WithStore(store))
	assert.ErrorIs(t, err, workflow.ErrRunIDRequired)

	_, err = wf.ResumeRun(ctx, "no-such-run", workflow.WithStore(store))
	assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)

	_, err = wf.ResumeRun(ctx, "no-such-run",
		workflow.WithStore(store), workflow.WithCheckpoint("bogus"))
	assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)
}

func TestResumeRunRestoresPendingRequests(t *testing.T) {
	ctx := context.Background()
	build := func() *workflow.Workflow {
		wf, err := workflow.NewBuilder("approval").
			AddRequestPort(workflow.NewRequestPort[string, string]("approve")).
			AddExecutor(func() workflow.Executor {
				return workflow.NewExecutor("finish",
					workflow.WithHandlers(workflow.On[string](func(ctx context.Context, hctx *workflow.HandlerContext, msg string) error {
						return hctx.Yield("approved: " + msg)
					})))
			}).
			AddEdge("approve", "finish").
			SetStart("approve").
			SetOutputs("finish").
			Build()
		require.NoError(t, err)
		return wf
	}
	store := inmemory.NewStore()

	wf := build()
	run, err := wf.NewRun(ctx, workflow.WithStore(store), workflow.WithRunID("appr-run"))
	require.NoError(t, err)
	require.NoError(t, run.Enqueue(ctx, "deploy"))
	require.NoError(t, run.Signal(ctx))
	require.Eventually(t, func() bool {
		return run.Status() == workflow.RunStatusPendingRequests
	}, 5*time.Second, 5*time.Millisecond)
	pending := run.PendingRequests()
	require.Len(t, pending, 1)
	originalToken := pending[0].Token
	run.Cancel()
	drainRun(t, run)
	require.NoError(t, run.Close())

	// The checkpoint taken at the request boundary restores the outstanding
	// token; answering it completes the resumed run.
	resumed, err := build().ResumeRun(ctx, "appr-run", workflow.WithStore(store))
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, workflow.RunStatusPendingRequests, resumed.Status())
	restored := resumed.PendingRequests()
	require.Len(t, restored, 1)
	assert.Equal(t, originalToken, restored[0].Token)
	assert.Equal(t, "deploy", restored[0].Payload)

	require.NoError(t, resumed.EnqueueResponse(ctx, restored[0].Token, "deploy"))
	require.NoError(t, resumed.Signal(ctx))
	events := drainRun(t, resumed)
	assert.Equal(t, []any{"approved: deploy"}, runOutputs(events))
}

func TestCheckpointIsolationBetweenRuns(t *testing.T) {
	ctx := context.Background()
	wf := buildAccumulator(t)
	store := inmemory.NewStore()

	for _, tc := range []struct {
		runID string
		input int
		want  any
	}{
		{runID: "run-a", input: 2, want: 3},
		{runID: "run-b", input: 3, want: 6},
	} {
		run, err := wf.NewRun(ctx, workflow.WithStore(store), workflow.WithRunID(tc.runID))
		require.NoError(t, err)
		require.NoError(t, run.Enqueue(ctx, tc.input))
		require.NoError(t, run.Signal(ctx))
		events := drainRun(t, run)
		require.NoError(t, run.Close())
		assert.Equal(t, []any{tc.want}, runOutputs(events))
	}

	// Each run only sees its own lineage.
	historyA, err := workflow.CheckpointHistory(ctx, store, "run-a")
	require.NoError(t, err)
	historyB, err := workflow.CheckpointHistory(ctx, store, "run-b")
	require.NoError(t, err)
	assert.Len(t, historyA, 3)
	assert.Len(t, historyB, 4)
	for _, info := range historyA {
		assert.Equal(t, "run-a", info.RunID)
		_, err := store.RetrieveCheckpoint(ctx, "run-b", info)
		assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)
	}

	// Resuming run-a must not leak run-b's progress.
	resumed, err := wf.ResumeRun(ctx, "run-a", workflow.WithStore(store))
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, 3, resumed.Step())
}
