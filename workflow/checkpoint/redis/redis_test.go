//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storage "trpc.group/trpc-go/trpc-workflow-go/storage/redis"
	"trpc.group/trpc-go/trpc-workflow-go/workflow"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr, "redis://" + mr.Addr()
}

func newTestStore(t *testing.T, url string, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(append([]Option{WithRedisClientURL(url)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleState(step int) *workflow.CheckpointState {
	return &workflow.CheckpointState{
		Version: workflow.CheckpointStateVersion,
		RunID:   "run-1",
		Step:    step,
		Status:  workflow.RunStatusIdle,
		Queue: []workflow.EncodedMessage{
			{ID: "m-1", Source: "a", Target: "b", Step: step, Payload: json.RawMessage(`{"kind":"string","value":"x"}`)},
		},
	}
}

func TestNewStoreErrors(t *testing.T) {
	t.Run("unknown instance", func(t *testing.T) {
		_, err := NewStore(WithRedisInstance("missing-instance"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis instance missing-instance not found")
	})

	t.Run("unreachable server", func(t *testing.T) {
		_, err := NewStore(WithRedisClientURL("redis://127.0.0.1:1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis connection test failed")
	})
}

func TestNewStoreFromRegisteredInstance(t *testing.T) {
	_, url := setupTestRedis(t)
	storage.RegisterRedisInstance("checkpoint-test-instance", storage.WithClientBuilderURL(url))

	store, err := NewStore(WithRedisInstance("checkpoint-test-instance"))
	require.NoError(t, err)
	defer store.Close()

	info, err := store.CreateCheckpoint(context.Background(), "run-1", sampleState(1), nil)
	require.NoError(t, err)
	got, err := store.RetrieveCheckpoint(context.Background(), "run-1", info)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Step)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, url := setupTestRedis(t)
	store := newTestStore(t, url)

	state := sampleState(2)
	info, err := store.CreateCheckpoint(ctx, "run-1", state, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", info.RunID)
	assert.NotEmpty(t, info.CheckpointID)
	assert.Equal(t, 2, info.Step)

	got, err := store.RetrieveCheckpoint(ctx, "run-1", info)
	require.NoError(t, err)
	assert.Equal(t, workflow.CheckpointStateVersion, got.Version)
	assert.Equal(t, 2, got.Step)
	assert.Equal(t, workflow.RunStatusIdle, got.Status)
	require.Len(t, got.Queue, 1)
	assert.Equal(t, "m-1", got.Queue[0].ID)
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	_, url := setupTestRedis(t)
	store := newTestStore(t, url)

	t.Run("create requires a run id", func(t *testing.T) {
		_, err := store.CreateCheckpoint(ctx, "", sampleState(1), nil)
		assert.ErrorIs(t, err, workflow.ErrRunIDRequired)
	})

	t.Run("create requires state", func(t *testing.T) {
		_, err := store.CreateCheckpoint(ctx, "run-1", nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checkpoint state is nil")
	})

	t.Run("unknown checkpoint", func(t *testing.T) {
		_, err := store.RetrieveCheckpoint(ctx, "run-1", workflow.CheckpointInfo{CheckpointID: "ghost"})
		assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)
	})

	t.Run("index requires a run id", func(t *testing.T) {
		_, err := store.RetrieveIndex(ctx, "", nil)
		assert.ErrorIs(t, err, workflow.ErrRunIDRequired)
	})
}

func TestStoreScopesRuns(t *testing.T) {
	ctx := context.Background()
	_, url := setupTestRedis(t)
	store := newTestStore(t, url)

	infoA, err := store.CreateCheckpoint(ctx, "run-a", sampleState(1), nil)
	require.NoError(t, err)
	_, err = store.CreateCheckpoint(ctx, "run-b", sampleState(1), nil)
	require.NoError(t, err)

	_, err = store.RetrieveCheckpoint(ctx, "run-b", infoA)
	assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)

	index, err := store.RetrieveIndex(ctx, "run-a", nil)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, infoA.CheckpointID, index[0].CheckpointID)
}

func TestStoreIndexNewestFirstAndParentFilter(t *testing.T) {
	ctx := context.Background()
	_, url := setupTestRedis(t)
	store := newTestStore(t, url)

	root, err := store.CreateCheckpoint(ctx, "run-1", sampleState(1), nil)
	require.NoError(t, err)
	childA, err := store.CreateCheckpoint(ctx, "run-1", sampleState(2), &root)
	require.NoError(t, err)
	childB, err := store.CreateCheckpoint(ctx, "run-1", sampleState(2), &root)
	require.NoError(t, err)
	grandchild, err := store.CreateCheckpoint(ctx, "run-1", sampleState(3), &childA)
	require.NoError(t, err)

	index, err := store.RetrieveIndex(ctx, "run-1", nil)
	require.NoError(t, err)
	require.Len(t, index, 4)
	assert.Equal(t, grandchild.CheckpointID, index[0].CheckpointID)
	assert.Equal(t, root.CheckpointID, index[3].CheckpointID)

	children, err := store.RetrieveIndex(ctx, "run-1", &root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, childB.CheckpointID, children[0].CheckpointID)
	assert.Equal(t, childA.CheckpointID, children[1].CheckpointID)
}

func TestStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	mr, url := setupTestRedis(t)
	store := newTestStore(t, url, WithTTL(time.Minute))

	first, err := store.CreateCheckpoint(ctx, "run-1", sampleState(1), nil)
	require.NoError(t, err)

	// Age the first checkpoint, then write a second one so the index key
	// outlives it.
	mr.FastForward(40 * time.Second)
	second, err := store.CreateCheckpoint(ctx, "run-1", sampleState(2), &first)
	require.NoError(t, err)
	mr.FastForward(30 * time.Second)

	_, err = store.RetrieveCheckpoint(ctx, "run-1", first)
	assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)

	index, err := store.RetrieveIndex(ctx, "run-1", nil)
	require.NoError(t, err)
	require.Len(t, index, 1, "expired checkpoints must drop out of the index")
	assert.Equal(t, second.CheckpointID, index[0].CheckpointID)

	got, err := store.RetrieveCheckpoint(ctx, "run-1", second)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Step)
}

func TestStoreCustomKeyPrefix(t *testing.T) {
	ctx := context.Background()
	mr, url := setupTestRedis(t)
	store := newTestStore(t, url, WithKeyPrefix("custom:cp"))

	_, err := store.CreateCheckpoint(ctx, "run-1", sampleState(1), nil)
	require.NoError(t, err)

	for _, key := range mr.Keys() {
		assert.True(t, strings.HasPrefix(key, "custom:cp:"), "unexpected key %s", key)
	}
}
