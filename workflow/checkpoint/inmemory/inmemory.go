//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory checkpoint store. It suits tests
// and single-process runs; checkpoints do not survive a restart.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-workflow-go/workflow"
)

var _ workflow.Store = (*Store)(nil)

// Store keeps checkpoints in process memory, scoped by run ID. State is
// stored serialized, so callers can freely mutate what they pass in or get
// back.
type Store struct {
	mu        sync.RWMutex
	runs      map[string][]entry
	maxPerRun int
}

type entry struct {
	info workflow.CheckpointInfo
	data []byte
}

// Option configures the store.
type Option func(*Store)

// WithMaxCheckpointsPerRun bounds the number of checkpoints retained per
// run. The oldest checkpoints are evicted first. Zero means unbounded.
func WithMaxCheckpointsPerRun(n int) Option {
	return func(s *Store) {
		s.maxPerRun = n
	}
}

// NewStore creates an in-memory checkpoint store.
func NewStore(opts ...Option) *Store {
	s := &Store{runs: make(map[string][]entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCheckpoint persists state as a new checkpoint of the run.
func (s *Store) CreateCheckpoint(ctx context.Context, runID string, state *workflow.CheckpointState,
	parent *workflow.CheckpointInfo) (workflow.CheckpointInfo, error) {
	if runID == "" {
		return workflow.CheckpointInfo{}, workflow.ErrRunIDRequired
	}
	if state == nil {
		return workflow.CheckpointInfo{}, fmt.Errorf("checkpoint state is nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return workflow.CheckpointInfo{}, fmt.Errorf("marshal checkpoint state: %w", err)
	}
	info := workflow.CheckpointInfo{
		RunID:        runID,
		CheckpointID: uuid.New().String(),
		Step:         state.Step,
		Timestamp:    time.Now(),
	}
	if parent != nil {
		info.ParentCheckpointID = parent.CheckpointID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.runs[runID], entry{info: info, data: data})
	if s.maxPerRun > 0 && len(entries) > s.maxPerRun {
		entries = entries[len(entries)-s.maxPerRun:]
	}
	s.runs[runID] = entries
	return info, nil
}

// RetrieveCheckpoint loads the state of one checkpoint of the run.
func (s *Store) RetrieveCheckpoint(ctx context.Context, runID string,
	info workflow.CheckpointInfo) (*workflow.CheckpointState, error) {
	if runID == "" {
		return nil, workflow.ErrRunIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.runs[runID] {
		if e.info.CheckpointID == info.CheckpointID {
			state := &workflow.CheckpointState{}
			if err := json.Unmarshal(e.data, state); err != nil {
				return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
			}
			return state, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in run %s", workflow.ErrCheckpointNotFound, info.CheckpointID, runID)
}

// RetrieveIndex lists the run's checkpoints newest first, optionally
// restricted to the direct children of parent.
func (s *Store) RetrieveIndex(ctx context.Context, runID string,
	parent *workflow.CheckpointInfo) ([]workflow.CheckpointInfo, error) {
	if runID == "" {
		return nil, workflow.ErrRunIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.runs[runID]
	index := make([]workflow.CheckpointInfo, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if parent != nil && entries[i].info.ParentCheckpointID != parent.CheckpointID {
			continue
		}
		index = append(index, entries[i].info)
	}
	return index, nil
}
