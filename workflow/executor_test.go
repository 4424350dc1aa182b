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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnTypedDispatch(t *testing.T) {
	var got string
	handler := On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error {
		got = msg
		return nil
	})
	assert.Equal(t, "string", handler.MessageType().String())

	hctx := newHandlerContext("wf", "run", "x", 1)
	require.NoError(t, handler.invoke(context.Background(), hctx, "hello"))
	assert.Equal(t, "hello", got)

	// A payload of the wrong type is rejected before the function runs.
	err := handler.invoke(context.Background(), hctx, 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible payload")
}

func TestOnInterfaceHandler(t *testing.T) {
	var got string
	handler := On[ioReader](func(ctx context.Context, hctx *HandlerContext, msg ioReader) error {
		buf := make([]byte, 8)
		n, err := msg.Read(buf)
		if err != nil {
			return err
		}
		got = string(buf[:n])
		return nil
	})

	hctx := newHandlerContext("wf", "run", "x", 1)
	require.NoError(t, handler.invoke(context.Background(), hctx, chattyPayload{text: "hi"}))
	assert.Equal(t, "hi", got)
}

func TestNewExecutorDeclarations(t *testing.T) {
	exec := NewExecutor("worker",
		WithHandlers(
			On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error { return nil }),
			On[int](func(ctx context.Context, hctx *HandlerContext, msg int) error { return nil }),
		),
		WithOutputTypes(Emits[string](), Emits[orderPayload]()),
		WithDescription("does the work"))

	assert.Equal(t, "worker", exec.ID())
	assert.Len(t, exec.Handlers(), 2)
	require.Len(t, exec.OutputTypes(), 2)
	assert.Equal(t, "workflow.orderPayload", exec.OutputTypes()[1].String())

	desc, ok := exec.(Describer)
	require.True(t, ok)
	assert.Equal(t, "does the work", desc.Description())

	// Without state hooks the executor carries no checkpoint state.
	_, stateful := exec.(StatefulExecutor)
	assert.False(t, stateful)
}

func TestNewExecutorWithStateHooks(t *testing.T) {
	count := 3
	exec := NewExecutor("counter",
		WithHandlers(On[int](func(ctx context.Context, hctx *HandlerContext, msg int) error { return nil })),
		WithStateHooks(
			func() (any, error) { return count, nil },
			func(state any) error { count = state.(int); return nil },
		))

	stateful, ok := exec.(StatefulExecutor)
	require.True(t, ok)

	snap, err := stateful.SnapshotState()
	require.NoError(t, err)
	assert.Equal(t, 3, snap)

	require.NoError(t, stateful.RestoreState(9))
	assert.Equal(t, 9, count)
}

func TestHandlerContextRecordsActions(t *testing.T) {
	hctx := newHandlerContext("wf", "run-1", "worker", 7)
	assert.Equal(t, "wf", hctx.WorkflowName())
	assert.Equal(t, "run-1", hctx.RunID())
	assert.Equal(t, "worker", hctx.ExecutorID())
	assert.Equal(t, 7, hctx.Step())

	require.NoError(t, hctx.Send("first"))
	require.NoError(t, hctx.SendTo("second", "a", "b"))
	require.NoError(t, hctx.Yield("result"))
	require.NoError(t, hctx.issueRequest("port", "question"))

	sends, yields, requests := hctx.drain()
	require.Len(t, sends, 2)
	assert.Equal(t, "first", sends[0].payload)
	assert.Empty(t, sends[0].targets)
	assert.Equal(t, "second", sends[1].payload)
	assert.Equal(t, []string{"a", "b"}, sends[1].targets)

	assert.Equal(t, []any{"result"}, yields)

	require.Len(t, requests, 1)
	assert.Equal(t, "port", requests[0].PortID)
	assert.Equal(t, "question", requests[0].Payload)
	assert.Equal(t, "run-1", requests[0].RunID)
	assert.Equal(t, 7, requests[0].Step)
	assert.NotEmpty(t, requests[0].Token)

	// Draining clears the buffers.
	sends, yields, requests = hctx.drain()
	assert.Empty(t, sends)
	assert.Empty(t, yields)
	assert.Empty(t, requests)
}

func TestHandlerContextRejectsNil(t *testing.T) {
	hctx := newHandlerContext("wf", "run", "x", 1)
	assert.ErrorIs(t, hctx.Send(nil), ErrNilPayload)
	assert.ErrorIs(t, hctx.SendTo(nil, "a"), ErrNilPayload)
	assert.ErrorIs(t, hctx.Yield(nil), ErrNilPayload)
	assert.ErrorIs(t, hctx.issueRequest("port", nil), ErrNilPayload)
}
