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
	"fmt"
	"sync"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

// Run status constants.
const (
	// RunStatusNotStarted means the run exists but no superstep has executed.
	RunStatusNotStarted RunStatus = "not_started"
	// RunStatusRunning means supersteps are executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusIdle means the queue is empty and the run awaits new input.
	RunStatusIdle RunStatus = "idle"
	// RunStatusPendingRequests means the run is paused on unanswered
	// external requests.
	RunStatusPendingRequests RunStatus = "pending_requests"
	// RunStatusEnded is terminal: completion, fault, or cancellation.
	RunStatusEnded RunStatus = "ended"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// statusMachine guards run status transitions. Ended is absorbing and may
// be entered from any other status (cancellation is legal at any point).
type statusMachine struct {
	mu      sync.Mutex
	current RunStatus
}

func newStatusMachine() *statusMachine {
	return &statusMachine{current: RunStatusNotStarted}
}

func (m *statusMachine) Current() RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// transition moves the machine to the given status and returns the previous
// one. Illegal transitions leave the machine unchanged.
func (m *statusMachine) transition(to RunStatus) (RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.current
	if !canTransition(from, to) {
		return from, fmt.Errorf("invalid run status transition from %s to %s", from, to)
	}
	m.current = to
	return from, nil
}

// restore force-sets the status when reviving a run from a checkpoint.
func (m *statusMachine) restore(to RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = to
}

func canTransition(from, to RunStatus) bool {
	if from == RunStatusEnded {
		return false
	}
	if to == RunStatusEnded {
		return true
	}
	switch from {
	case RunStatusNotStarted:
		return to == RunStatusRunning
	case RunStatusRunning:
		return to == RunStatusIdle || to == RunStatusPendingRequests
	case RunStatusIdle:
		return to == RunStatusRunning
	case RunStatusPendingRequests:
		// Idle is reachable directly when every request has been answered
		// but the responses routed to nothing new.
		return to == RunStatusRunning || to == RunStatusIdle
	}
	return false
}
