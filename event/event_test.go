//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	const (
		runID  = "run-123"
		author = "tester"
	)

	evt := New(runID, author)
	require.NotNil(t, evt)
	require.Equal(t, runID, evt.RunID)
	require.Equal(t, author, evt.Author)
	require.NotEmpty(t, evt.ID)
	require.WithinDuration(t, time.Now(), evt.Timestamp, 2*time.Second)
}

func TestNewErrorEvent(t *testing.T) {
	const (
		runID   = "run-err"
		author  = "tester"
		errType = "handler_fault"
		errMsg  = "something went wrong"
	)

	evt := NewErrorEvent(runID, author, errType, errMsg, WithDone())
	require.NotNil(t, evt.Error)
	require.Equal(t, errType, evt.Error.Type)
	require.Equal(t, errMsg, evt.Error.Message)
	require.True(t, evt.Done)
}

func TestEvent_WithOptions_And_Clone(t *testing.T) {
	payload := map[string][]byte{"k": []byte("v")}
	evt := New("run-1", "author",
		WithObject("obj-x"),
		WithStep(3),
		WithPayload(payload),
		WithValue(42),
	)

	require.Equal(t, "obj-x", evt.Object)
	require.Equal(t, 3, evt.Step)
	require.Equal(t, "v", string(evt.Payload["k"]))
	require.Equal(t, 42, evt.Value)

	clone := evt.Clone()
	require.NotNil(t, clone)
	require.NotSame(t, evt, clone)
	require.Equal(t, evt.RunID, clone.RunID)
	require.Equal(t, evt.Author, clone.Author)
	// mutate source map and ensure clone is unaffected
	evt.Payload["k"][0] = 'X'
	require.Equal(t, "v", string(clone.Payload["k"]))
}

func TestCloneNilReceiver(t *testing.T) {
	var e *Event
	require.Nil(t, e.Clone())
}

func TestEvent_Marshal_And_Unmarshal(t *testing.T) {
	evt := New("run-1", "author", WithObject("workflow.step.start"), WithStep(2))
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	got := &Event{}
	require.NoError(t, json.Unmarshal(data, got))
	require.Equal(t, "workflow.step.start", got.Object)
	require.Equal(t, 2, got.Step)
	require.Equal(t, "run-1", got.RunID)

	var nilEvt *Event
	mNilEvt, err := json.Marshal(nilEvt)
	require.NoError(t, err)
	require.Equal(t, "null", string(mNilEvt))
}

func TestEmitEventWithTimeout(t *testing.T) {
	type args struct {
		ctx     context.Context
		ch      chan<- *Event
		e       *Event
		timeout time.Duration
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
		errType error
	}{
		{
			name: "nil event",
			args: args{
				ctx:     context.Background(),
				ch:      make(chan *Event),
				e:       nil,
				timeout: EmitWithoutTimeout,
			},
			wantErr: false,
			errType: nil,
		},
		{
			name: "emit without timeout success",
			args: args{
				ctx:     context.Background(),
				ch:      make(chan *Event, 1),
				e:       New("run", "author"),
				timeout: EmitWithoutTimeout,
			},
			wantErr: false,
			errType: nil,
		},
		{
			name: "emit with timeout success",
			args: args{
				ctx:     context.Background(),
				ch:      make(chan *Event, 1),
				e:       New("run", "author"),
				timeout: 1 * time.Second,
			},
			wantErr: false,
			errType: nil,
		},
		{
			name: "context cancelled",
			args: args{
				ctx:     func() context.Context { ctx, cancel := context.WithCancel(context.Background()); cancel(); return ctx }(),
				ch:      make(chan *Event),
				e:       New("run", "author"),
				timeout: 1 * time.Second,
			},
			wantErr: true,
			errType: context.Canceled,
		},
		{
			name: "emit timeout",
			args: args{
				ctx:     context.Background(),
				ch:      make(chan *Event),
				e:       New("run", "author"),
				timeout: 1 * time.Millisecond,
			},
			wantErr: true,
			errType: DefaultEmitTimeoutErr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EmitEventWithTimeout(tt.args.ctx, tt.args.ch, tt.args.e, tt.args.timeout)
			if (err != nil) != tt.wantErr {
				t.Errorf("EmitEventWithTimeout() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !errors.Is(err, tt.errType) {
				t.Errorf("EmitEventWithTimeout() error = %v, wantErr %v", err, tt.errType)
			}
		})
	}
}

func TestEmitEventTimeoutError_Error_And_As(t *testing.T) {
	msg := "emit event timeout."
	err := NewEmitEventTimeoutError(msg)
	require.Equal(t, msg, err.Error())

	wrapped := fmt.Errorf("wrap: %w", err)
	got, ok := AsEmitEventTimeoutError(wrapped)
	require.True(t, ok)
	require.Equal(t, msg, got.Message)

	_, ok = AsEmitEventTimeoutError(errors.New("other"))
	require.False(t, ok)
}

func TestEmitEvent_WrapperAndNilChannel(t *testing.T) {
	ch := make(chan *Event, 1)
	e := New("run", "author")
	require.NoError(t, EmitEvent(context.Background(), ch, e))

	select {
	case got := <-ch:
		require.Equal(t, e, got)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not receive event")
	}

	// Nil channel should return nil (no-op)
	require.NoError(t, EmitEventWithTimeout(context.Background(), nil, e, 10*time.Millisecond))
	require.NoError(t, EmitEvent(context.Background(), nil, e))
}

func TestEmitEventWithTimeout_NoTimeout_ContextCancelled(t *testing.T) {
	// When timeout is EmitWithoutTimeout and context is already cancelled,
	// the select should take the ctx.Done() branch.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan *Event) // unbuffered to ensure send would block
	e := New("run", "author")
	err := EmitEventWithTimeout(ctx, ch, e, EmitWithoutTimeout)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
