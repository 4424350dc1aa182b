//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a checkpoint store backed by a SQLite database.
// The caller owns the *sql.DB and its driver; modernc.org/sqlite works
// without cgo.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-workflow-go/workflow"
)

const defaultTableName = "workflow_checkpoints"

var _ workflow.Store = (*Store)(nil)

// Store persists checkpoints in a SQLite table. Rows carry a monotonic
// sequence, so index listings are newest first even when two checkpoints
// share a timestamp.
type Store struct {
	db    *sql.DB
	table string
}

// Option configures the store.
type Option func(*Store)

// WithTableName overrides the checkpoint table name. The default is
// "workflow_checkpoints".
func WithTableName(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// NewStore creates a SQLite checkpoint store on db and bootstraps the
// schema if it does not exist yet.
func NewStore(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlite checkpoint store: db is nil")
	}
	s := &Store{db: db, table: defaultTableName}
	for _, opt := range opts {
		opt(s)
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	parent_checkpoint_id TEXT NOT NULL DEFAULT '',
	step INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	state BLOB NOT NULL,
	UNIQUE (run_id, checkpoint_id)
)`, s.table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("sqlite checkpoint store: create table: %w", err)
	}
	index := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_run ON %s (run_id, seq)`, s.table, s.table)
	if _, err := db.ExecContext(ctx, index); err != nil {
		return nil, fmt.Errorf("sqlite checkpoint store: create index: %w", err)
	}
	return s, nil
}

// CreateCheckpoint persists state as a new checkpoint of the run.
func (s *Store) CreateCheckpoint(ctx context.Context, runID string, state *workflow.CheckpointState,
	parent *workflow.CheckpointInfo) (workflow.CheckpointInfo, error) {
	if runID == "" {
		return workflow.CheckpointInfo{}, workflow.ErrRunIDRequired
	}
	if state == nil {
		return workflow.CheckpointInfo{}, errors.New("checkpoint state is nil")
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
	query := fmt.Sprintf(
		`INSERT INTO %s (run_id, checkpoint_id, parent_checkpoint_id, step, created_at, state)
VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, query,
		info.RunID, info.CheckpointID, info.ParentCheckpointID, info.Step,
		info.Timestamp.UnixNano(), data); err != nil {
		return workflow.CheckpointInfo{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	return info, nil
}

// RetrieveCheckpoint loads the state of one checkpoint of the run.
func (s *Store) RetrieveCheckpoint(ctx context.Context, runID string,
	info workflow.CheckpointInfo) (*workflow.CheckpointState, error) {
	if runID == "" {
		return nil, workflow.ErrRunIDRequired
	}
	query := fmt.Sprintf(
		`SELECT state FROM %s WHERE run_id = ? AND checkpoint_id = ?`, s.table)
	var data []byte
	err := s.db.QueryRowContext(ctx, query, runID, info.CheckpointID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in run %s", workflow.ErrCheckpointNotFound, info.CheckpointID, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	state := &workflow.CheckpointState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	return state, nil
}

// RetrieveIndex lists the run's checkpoints newest first, optionally
// restricted to the direct children of parent.
func (s *Store) RetrieveIndex(ctx context.Context, runID string,
	parent *workflow.CheckpointInfo) ([]workflow.CheckpointInfo, error) {
	if runID == "" {
		return nil, workflow.ErrRunIDRequired
	}
	query := fmt.Sprintf(
		`SELECT checkpoint_id, parent_checkpoint_id, step, created_at FROM %s WHERE run_id = ?`, s.table)
	args := []any{runID}
	if parent != nil {
		query += ` AND parent_checkpoint_id = ?`
		args = append(args, parent.CheckpointID)
	}
	query += ` ORDER BY seq DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint index: %w", err)
	}
	defer rows.Close()
	var index []workflow.CheckpointInfo
	for rows.Next() {
		info := workflow.CheckpointInfo{RunID: runID}
		var createdAt int64
		if err := rows.Scan(&info.CheckpointID, &info.ParentCheckpointID, &info.Step, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint index: %w", err)
		}
		info.Timestamp = time.Unix(0, createdAt)
		index = append(index, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint index: %w", err)
	}
	return index, nil
}
