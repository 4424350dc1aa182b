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
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Builder provides a fluent interface for assembling workflow graphs.
//
// Executors are registered with their typed handlers and declared output
// types, then connected with direct, fan-out, and fan-in edges. Build
// validates the whole graph at once and reports every problem in a single
// BuildError rather than stopping at the first.
//
// Example usage:
//
//	wf, err := workflow.NewBuilder("greeter").
//		AddExecutor(newSplitter).
//		AddExecutor(newUpper).
//		AddExecutor(newJoiner).
//		AddFanOutEdge("splitter", []string{"upper", "joiner"}).
//		AddEdge("upper", "joiner").
//		SetStart("splitter").
//		SetOutputs("joiner").
//		Build()
//
// Cycles are legal; repeated delivery is bounded by the run's superstep
// limit.
type Builder struct {
	name    string
	order   []string
	nodes   map[string]*executorNode
	edges   []*Edge
	start   string
	outputs []string
	issues  []BuildIssue
}

// executorNode is the build-time and immutable runtime descriptor of one
// executor: how to instantiate it per run and what its prototype declares.
type executorNode struct {
	id          string
	factory     func() Executor
	shared      Executor
	port        *RequestPort
	handlers    []Handler
	outputTypes []reflect.Type
	router      *router
}

// newInstance returns the executor instance serving one run.
func (n *executorNode) newInstance() (Executor, error) {
	if n.shared != nil {
		return n.shared, nil
	}
	instance := n.factory()
	if instance == nil {
		return nil, fmt.Errorf("executor factory for %s returned nil", n.id)
	}
	if instance.ID() != n.id {
		return nil, fmt.Errorf("executor factory for %s returned instance with id %s", n.id, instance.ID())
	}
	return instance, nil
}

// NewBuilder creates a builder for a workflow with the given name. The name
// appears in telemetry attributes and log lines, not in routing.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: make(map[string]*executorNode),
	}
}

// AddExecutor registers an executor created per run by factory. The factory
// is called once at build time to learn the executor's declarations, and
// once per run for a fresh instance, so per-instance state never leaks
// across runs.
func (b *Builder) AddExecutor(factory func() Executor) *Builder {
	if factory == nil {
		b.addIssue(IssueInvalidExecutor, "", "executor factory is nil")
		return b
	}
	prototype := factory()
	if prototype == nil {
		b.addIssue(IssueInvalidExecutor, "", "executor factory returned nil")
		return b
	}
	b.register(prototype.ID(), &executorNode{
		id:          prototype.ID(),
		factory:     factory,
		handlers:    prototype.Handlers(),
		outputTypes: prototype.OutputTypes(),
	})
	return b
}

// AddSharedExecutor registers a single executor instance shared by all runs
// of the workflow. The instance must be safe for concurrent use when runs
// overlap.
func (b *Builder) AddSharedExecutor(executor Executor) *Builder {
	if executor == nil {
		b.addIssue(IssueInvalidExecutor, "", "shared executor is nil")
		return b
	}
	b.register(executor.ID(), &executorNode{
		id:          executor.ID(),
		shared:      executor,
		handlers:    executor.Handlers(),
		outputTypes: executor.OutputTypes(),
	})
	return b
}

// AddRequestPort registers a request port as an executor of the graph.
func (b *Builder) AddRequestPort(port *RequestPort) *Builder {
	if port == nil {
		b.addIssue(IssueInvalidExecutor, "", "request port is nil")
		return b
	}
	b.register(port.ID(), &executorNode{
		id:          port.ID(),
		shared:      port,
		port:        port,
		handlers:    port.Handlers(),
		outputTypes: port.OutputTypes(),
	})
	return b
}

func (b *Builder) register(id string, node *executorNode) {
	if id == "" {
		b.addIssue(IssueInvalidExecutor, "", "executor id is empty")
		return
	}
	if _, exists := b.nodes[id]; exists {
		b.addIssue(IssueDuplicateExecutor, id, "executor id registered more than once")
		return
	}
	b.nodes[id] = node
	b.order = append(b.order, id)
}

// AddEdge connects one source executor to one target executor.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, &Edge{
		Kind:    EdgeKindDirect,
		Sources: []string{from},
		Targets: []string{to},
	})
	return b
}

// AddFanOutEdge broadcasts from one source to several targets. A target
// selector installed via WithTargetSelector narrows delivery per message.
func (b *Builder) AddFanOutEdge(from string, targets []string, opts ...EdgeOption) *Builder {
	edge := &Edge{
		Kind:    EdgeKindFanOut,
		Sources: []string{from},
		Targets: append([]string(nil), targets...),
	}
	for _, opt := range opts {
		opt(edge)
	}
	b.edges = append(b.edges, edge)
	return b
}

// AddFanInEdge funnels several sources into one target.
func (b *Builder) AddFanInEdge(sources []string, to string) *Builder {
	b.edges = append(b.edges, &Edge{
		Kind:    EdgeKindFanIn,
		Sources: append([]string(nil), sources...),
		Targets: []string{to},
	})
	return b
}

// SetStart names the executor receiving external input.
func (b *Builder) SetStart(id string) *Builder {
	b.start = id
	return b
}

// SetOutputs names the executors whose yields complete the run: a run ends
// normally once every output executor has yielded at least once and the
// graph has quiesced.
func (b *Builder) SetOutputs(ids ...string) *Builder {
	b.outputs = append(b.outputs, ids...)
	return b
}

func (b *Builder) addIssue(kind IssueKind, subject, detail string) {
	b.issues = append(b.issues, BuildIssue{Kind: kind, Subject: subject, Detail: detail})
}

// Build validates the graph and returns the immutable workflow. On failure
// it returns a BuildError aggregating every detected problem.
func (b *Builder) Build() (*Workflow, error) {
	issues := append([]BuildIssue(nil), b.issues...)

	// Routers are built from declared handlers; duplicate declarations are
	// ambiguity at build time.
	for _, id := range b.order {
		node := b.nodes[id]
		if len(node.handlers) == 0 {
			issues = append(issues, BuildIssue{
				Kind: IssueInvalidExecutor, Subject: id, Detail: "executor declares no handlers",
			})
			continue
		}
		r, err := newRouter(id, node.handlers)
		if err != nil {
			issues = append(issues, BuildIssue{
				Kind: IssueAmbiguousHandlers, Subject: id, Detail: err.Error(),
			})
			continue
		}
		node.router = r
	}

	issues = append(issues, b.validateEdges()...)
	issues = append(issues, b.validateStartAndOutputs()...)
	issues = append(issues, b.validateReachability()...)

	if len(issues) > 0 {
		return nil, &BuildError{Issues: issues}
	}

	adjacency := make(map[string][]*Edge)
	for _, edge := range b.edges {
		for _, src := range edge.Sources {
			adjacency[src] = append(adjacency[src], edge)
		}
	}
	outputSet := make(map[string]struct{}, len(b.outputs))
	for _, id := range b.outputs {
		outputSet[id] = struct{}{}
	}
	return &Workflow{
		name:      b.name,
		order:     append([]string(nil), b.order...),
		nodes:     b.nodes,
		edges:     b.edges,
		adjacency: adjacency,
		start:     b.start,
		outputs:   append([]string(nil), b.outputs...),
		outputSet: outputSet,
	}, nil
}

func (b *Builder) validateEdges() []BuildIssue {
	var issues []BuildIssue
	for _, edge := range b.edges {
		subject := edgeSubject(edge)
		known := true
		for _, id := range append(append([]string(nil), edge.Sources...), edge.Targets...) {
			if id == "" {
				issues = append(issues, BuildIssue{
					Kind: IssueUnknownExecutor, Subject: subject, Detail: "edge references an empty executor id",
				})
				known = false
				continue
			}
			if _, ok := b.nodes[id]; !ok {
				issues = append(issues, BuildIssue{
					Kind: IssueUnknownExecutor, Subject: subject,
					Detail: fmt.Sprintf("edge references unknown executor %s", id),
				})
				known = false
			}
		}
		if !known {
			continue
		}
		issues = append(issues, b.validateEdgeTypes(edge, subject)...)
	}
	return issues
}

// validateEdgeTypes checks that messages declared by the edge's sources can
// be handled by its targets, per edge kind.
func (b *Builder) validateEdgeTypes(edge *Edge, subject string) []BuildIssue {
	var issues []BuildIssue
	for _, src := range edge.Sources {
		srcNode := b.nodes[src]
		if len(srcNode.outputTypes) == 0 {
			issues = append(issues, BuildIssue{
				Kind: IssueTypeIncompatible, Subject: subject,
				Detail: fmt.Sprintf("source %s declares no output types", src),
			})
		}
	}
	// Ambiguity on declared types is a build failure regardless of edge kind.
	for _, src := range edge.Sources {
		for _, outType := range b.nodes[src].outputTypes {
			for _, tgt := range edge.Targets {
				tgtNode := b.nodes[tgt]
				if tgtNode.router == nil {
					continue
				}
				if err := tgtNode.router.accepts(outType); isAmbiguous(err) {
					issues = append(issues, BuildIssue{
						Kind: IssueAmbiguousHandlers, Subject: subject, Detail: err.Error(),
					})
				}
			}
		}
	}
	switch edge.Kind {
	case EdgeKindDirect, EdgeKindFanOut:
		src := edge.Sources[0]
		srcNode := b.nodes[src]
		if len(srcNode.outputTypes) == 0 {
			return issues
		}
		// Every target must accept at least one declared type.
		acceptedByAll := make([]reflect.Type, 0, len(srcNode.outputTypes))
		for _, outType := range srcNode.outputTypes {
			all := true
			for _, tgt := range edge.Targets {
				if !b.targetAccepts(tgt, outType) {
					all = false
				}
			}
			if all {
				acceptedByAll = append(acceptedByAll, outType)
			}
		}
		for _, tgt := range edge.Targets {
			accepted := false
			for _, outType := range srcNode.outputTypes {
				if b.targetAccepts(tgt, outType) {
					accepted = true
					break
				}
			}
			if !accepted {
				issues = append(issues, BuildIssue{
					Kind: IssueTypeIncompatible, Subject: subject,
					Detail: fmt.Sprintf("target %s handles none of %s declared by %s",
						tgt, typeNames(srcNode.outputTypes), src),
				})
			}
		}
		// A selector-less fan-out broadcasts, so some declared type must be
		// deliverable to every target at once.
		if edge.Kind == EdgeKindFanOut && edge.Selector == nil && len(acceptedByAll) == 0 && len(edge.Targets) > 1 {
			issues = append(issues, BuildIssue{
				Kind: IssueTypeIncompatible, Subject: subject,
				Detail: fmt.Sprintf("no declared type of %s is handled by every fan-out target", src),
			})
		}
	case EdgeKindFanIn:
		tgt := edge.Targets[0]
		tgtNode := b.nodes[tgt]
		if tgtNode.router == nil {
			return issues
		}
		// The target needs one handler whose type covers some declared
		// output of every source.
		covered := false
		for _, h := range tgtNode.handlers {
			all := true
			for _, src := range edge.Sources {
				srcNode := b.nodes[src]
				some := false
				for _, outType := range srcNode.outputTypes {
					if assignableTo(outType, h.MessageType()) {
						some = true
						break
					}
				}
				if !some {
					all = false
					break
				}
			}
			if all && len(edge.Sources) > 0 {
				covered = true
				break
			}
		}
		if !covered {
			issues = append(issues, BuildIssue{
				Kind: IssueTypeIncompatible, Subject: subject,
				Detail: fmt.Sprintf("target %s has no handler covering all fan-in sources %s",
					tgt, strings.Join(edge.Sources, ", ")),
			})
		}
	}
	return issues
}

func (b *Builder) targetAccepts(target string, declType reflect.Type) bool {
	node := b.nodes[target]
	if node == nil || node.router == nil {
		return false
	}
	return node.router.accepts(declType) == nil
}

func (b *Builder) validateStartAndOutputs() []BuildIssue {
	var issues []BuildIssue
	if b.start == "" {
		issues = append(issues, BuildIssue{
			Kind: IssueInvalidGraph, Detail: "start executor not set",
		})
	} else if _, ok := b.nodes[b.start]; !ok {
		issues = append(issues, BuildIssue{
			Kind: IssueUnknownExecutor, Subject: b.start, Detail: "start executor is not registered",
		})
	}
	for _, id := range b.outputs {
		if _, ok := b.nodes[id]; !ok {
			issues = append(issues, BuildIssue{
				Kind: IssueUnknownExecutor, Subject: id, Detail: "output executor is not registered",
			})
		}
	}
	return issues
}

// validateReachability walks the graph from the start executor (and from
// standalone ports, whose responses re-enter the graph without an incoming
// edge) and reports executors no message can ever reach.
func (b *Builder) validateReachability() []BuildIssue {
	if b.start == "" {
		return nil
	}
	if _, ok := b.nodes[b.start]; !ok {
		return nil
	}
	adjacency := make(map[string][]string)
	for _, edge := range b.edges {
		for _, src := range edge.Sources {
			adjacency[src] = append(adjacency[src], edge.Targets...)
		}
	}
	visited := make(map[string]bool)
	frontier := []string{b.start}
	for _, id := range b.order {
		if node := b.nodes[id]; node.port != nil && node.port.Standalone() {
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		frontier = append(frontier, adjacency[id]...)
	}
	var issues []BuildIssue
	for _, id := range b.order {
		if !visited[id] {
			issues = append(issues, BuildIssue{
				Kind: IssueUnreachable, Subject: id, Detail: "no path from the start executor",
			})
		}
	}
	return issues
}

func edgeSubject(edge *Edge) string {
	return fmt.Sprintf("%s[%s -> %s]", edge.Kind,
		strings.Join(edge.Sources, ","), strings.Join(edge.Targets, ","))
}

func typeNames(types []reflect.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return strings.Join(names, ", ")
}

func assignableTo(from, to reflect.Type) bool {
	if from == to {
		return true
	}
	return to.Kind() == reflect.Interface && from.Implements(to)
}

func isAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguousHandler)
}
