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
	"time"
)

// CheckpointStateVersion is the current version of the checkpoint format.
const CheckpointStateVersion = 1

// CheckpointInfo identifies one checkpoint of one run. Checkpoint lineage
// forms a tree: resuming from a non-latest checkpoint and stepping creates a
// sibling branch under the same parent.
type CheckpointInfo struct {
	// RunID is the run the checkpoint belongs to.
	RunID string `json:"run_id"`
	// CheckpointID is the unique identifier of the checkpoint.
	CheckpointID string `json:"checkpoint_id"`
	// ParentCheckpointID is the checkpoint this one descends from, empty for
	// the first checkpoint of a run.
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// Step is the superstep boundary the checkpoint captures.
	Step int `json:"step"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
}

// EncodedMessage is a queued message in serialized form.
type EncodedMessage struct {
	// ID is the message identifier.
	ID string `json:"id"`
	// Source is the emitting executor, or "external".
	Source string `json:"source"`
	// Target is the receiving executor.
	Target string `json:"target"`
	// Step is the superstep during which the message was produced.
	Step int `json:"step"`
	// Payload is the codec envelope of the payload.
	Payload json.RawMessage `json:"payload"`
}

// EncodedRequest is an outstanding external request in serialized form.
type EncodedRequest struct {
	// Token correlates the request with its future response.
	Token string `json:"token"`
	// PortID is the issuing request port.
	PortID string `json:"port_id"`
	// Step is the superstep during which the request was issued.
	Step int `json:"step"`
	// Payload is the codec envelope of the request payload.
	Payload json.RawMessage `json:"payload"`
	// IssuedAt is when the request was issued.
	IssuedAt time.Time `json:"issued_at"`
}

// CheckpointState is the full serialized state of a run at a superstep
// boundary: pending messages, executor state, outstanding requests, and
// progress bookkeeping. Restoring it into a fresh run continues execution
// exactly where the checkpoint left off.
type CheckpointState struct {
	// Version is the checkpoint format version.
	Version int `json:"v"`
	// RunID is the run the state belongs to.
	RunID string `json:"run_id"`
	// Step is the last completed superstep.
	Step int `json:"step"`
	// Status is the run status at the boundary: idle or pending_requests.
	Status RunStatus `json:"status"`
	// Queue holds the messages awaiting the next superstep.
	Queue []EncodedMessage `json:"queue,omitempty"`
	// ExecutorState maps executor IDs to their serialized local state.
	ExecutorState map[string]json.RawMessage `json:"executor_state,omitempty"`
	// Requests holds the outstanding external requests.
	Requests []EncodedRequest `json:"requests,omitempty"`
	// OutputsSeen lists output executors that have yielded at least once.
	OutputsSeen []string `json:"outputs_seen,omitempty"`
}

// Store persists run checkpoints. Implementations must scope all data by
// run ID: a checkpoint ID from one run must never be visible through
// another run's ID, and expired or unknown checkpoints surface as
// ErrCheckpointNotFound.
type Store interface {
	// CreateCheckpoint persists state as a new checkpoint of the run,
	// descending from parent (nil for a root checkpoint), and returns its
	// identity.
	CreateCheckpoint(ctx context.Context, runID string, state *CheckpointState, parent *CheckpointInfo) (CheckpointInfo, error)
	// RetrieveCheckpoint loads the state of the checkpoint identified by
	// info. It returns ErrCheckpointNotFound when the checkpoint does not
	// exist under runID or has expired.
	RetrieveCheckpoint(ctx context.Context, runID string, info CheckpointInfo) (*CheckpointState, error)
	// RetrieveIndex lists the run's checkpoints newest first. A non-nil
	// parent restricts the listing to its direct children.
	RetrieveIndex(ctx context.Context, runID string, parent *CheckpointInfo) ([]CheckpointInfo, error)
}

// LatestCheckpoint returns the most recent checkpoint of a run. It returns
// ErrCheckpointNotFound when the run has no checkpoints.
func LatestCheckpoint(ctx context.Context, store Store, runID string) (CheckpointInfo, error) {
	if store == nil {
		return CheckpointInfo{}, ErrStoreRequired
	}
	if runID == "" {
		return CheckpointInfo{}, ErrRunIDRequired
	}
	index, err := store.RetrieveIndex(ctx, runID, nil)
	if err != nil {
		return CheckpointInfo{}, err
	}
	if len(index) == 0 {
		return CheckpointInfo{}, fmt.Errorf("%w: run %s has no checkpoints", ErrCheckpointNotFound, runID)
	}
	return index[0], nil
}

// CheckpointHistory returns all checkpoints of a run, newest first.
func CheckpointHistory(ctx context.Context, store Store, runID string) ([]CheckpointInfo, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if runID == "" {
		return nil, ErrRunIDRequired
	}
	return store.RetrieveIndex(ctx, runID, nil)
}

// CheckpointChildren returns the direct children of a checkpoint, newest
// first. Multiple children indicate forked branches.
func CheckpointChildren(ctx context.Context, store Store, runID string, parent CheckpointInfo) ([]CheckpointInfo, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if runID == "" {
		return nil, ErrRunIDRequired
	}
	return store.RetrieveIndex(ctx, runID, &parent)
}

func encodeMessages(messages []*Message) ([]EncodedMessage, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	encoded := make([]EncodedMessage, 0, len(messages))
	for _, m := range messages {
		payload, err := MarshalPayload(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode message %s from %s to %s: %w", m.ID, m.Source, m.Target, err)
		}
		encoded = append(encoded, EncodedMessage{
			ID:      m.ID,
			Source:  m.Source,
			Target:  m.Target,
			Step:    m.Step,
			Payload: payload,
		})
	}
	return encoded, nil
}

func decodeMessages(encoded []EncodedMessage) ([]*Message, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	messages := make([]*Message, 0, len(encoded))
	for _, em := range encoded {
		payload, err := UnmarshalPayload(em.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode message %s for %s: %w", em.ID, em.Target, err)
		}
		messages = append(messages, &Message{
			ID:      em.ID,
			Source:  em.Source,
			Target:  em.Target,
			Payload: payload,
			Step:    em.Step,
		})
	}
	return messages, nil
}

func encodeRequests(requests []*ExternalRequest) ([]EncodedRequest, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	encoded := make([]EncodedRequest, 0, len(requests))
	for _, req := range requests {
		payload, err := MarshalPayload(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode request %s from port %s: %w", req.Token, req.PortID, err)
		}
		encoded = append(encoded, EncodedRequest{
			Token:    req.Token,
			PortID:   req.PortID,
			Step:     req.Step,
			Payload:  payload,
			IssuedAt: req.IssuedAt,
		})
	}
	return encoded, nil
}

func decodeRequests(runID string, encoded []EncodedRequest) ([]*ExternalRequest, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	requests := make([]*ExternalRequest, 0, len(encoded))
	for _, er := range encoded {
		payload, err := UnmarshalPayload(er.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode request %s for port %s: %w", er.Token, er.PortID, err)
		}
		requests = append(requests, &ExternalRequest{
			Token:    er.Token,
			RunID:    runID,
			PortID:   er.PortID,
			Payload:  payload,
			Step:     er.Step,
			IssuedAt: er.IssuedAt,
		})
	}
	return requests, nil
}
