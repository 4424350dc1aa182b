//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

package workflow

import "context"

// EdgeKind is the shape of an edge in the workflow graph.
type EdgeKind string

// Edge kind constants.
const (
	// EdgeKindDirect connects one source to one target.
	EdgeKindDirect EdgeKind = "direct"
	// EdgeKindFanOut broadcasts from one source to several targets, or to a
	// subset chosen by a target selector.
	EdgeKindFanOut EdgeKind = "fan_out"
	// EdgeKindFanIn funnels several sources into one target.
	EdgeKindFanIn EdgeKind = "fan_in"
)

// String returns the string representation of the edge kind.
func (k EdgeKind) String() string {
	return string(k)
}

// TargetSelector narrows a fan-out edge to a subset of its declared targets
// for one emitted message. Returning nil broadcasts to all targets. IDs
// outside the edge's declared targets are reported as routing faults.
type TargetSelector func(ctx context.Context, payload any) []string

// Edge connects executors in the workflow graph. A fan-in edge carries
// several sources and one target; the other kinds carry one source and one
// or more targets.
type Edge struct {
	// Kind is the shape of the edge.
	Kind EdgeKind
	// Sources are the emitting executors.
	Sources []string
	// Targets are the receiving executors.
	Targets []string
	// Selector optionally narrows fan-out targets per message.
	Selector TargetSelector
}

// EdgeOption configures an edge added to a builder.
type EdgeOption func(*Edge)

// WithTargetSelector installs a per-message target selector on a fan-out
// edge.
func WithTargetSelector(selector TargetSelector) EdgeOption {
	return func(e *Edge) {
		e.Selector = selector
	}
}

func (e *Edge) hasTarget(id string) bool {
	for _, t := range e.Targets {
		if t == id {
			return true
		}
	}
	return false
}
