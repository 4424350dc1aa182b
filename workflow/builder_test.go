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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringExecutor(id string) func() Executor {
	return func() Executor {
		return NewExecutor(id,
			WithHandlers(On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error {
				return hctx.Send(msg)
			})),
			WithOutputTypes(Emits[string]()))
	}
}

func requireBuildError(t *testing.T, err error, kind IssueKind) *BuildError {
	t.Helper()
	require.Error(t, err)
	buildErr, ok := AsBuildError(err)
	require.True(t, ok, "expected a build error, got %v", err)
	require.True(t, buildErr.HasKind(kind), "expected issue kind %s in %v", kind, buildErr)
	return buildErr
}

func TestBuilderValidGraph(t *testing.T) {
	wf, err := NewBuilder("pipeline").
		AddExecutor(stringExecutor("a")).
		AddExecutor(stringExecutor("b")).
		AddExecutor(stringExecutor("c")).
		AddEdge("a", "b").
		AddEdge("b", "c").
		SetStart("a").
		SetOutputs("c").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "pipeline", wf.Name())
	assert.Equal(t, []string{"a", "b", "c"}, wf.ExecutorIDs())
	assert.Equal(t, "a", wf.StartExecutor())
	assert.Equal(t, []string{"c"}, wf.OutputExecutors())
}

func TestBuilderDuplicateExecutorID(t *testing.T) {
	_, err := NewBuilder("dup").
		AddExecutor(stringExecutor("a")).
		AddExecutor(stringExecutor("a")).
		SetStart("a").
		Build()
	requireBuildError(t, err, IssueDuplicateExecutor)
}

func TestBuilderNilFactory(t *testing.T) {
	_, err := NewBuilder("nil-factory").
		AddExecutor(nil).
		AddExecutor(stringExecutor("a")).
		SetStart("a").
		Build()
	requireBuildError(t, err, IssueInvalidExecutor)
}

func TestBuilderExecutorWithoutHandlers(t *testing.T) {
	_, err := NewBuilder("no-handlers").
		AddExecutor(func() Executor { return NewExecutor("mute") }).
		SetStart("mute").
		Build()
	requireBuildError(t, err, IssueInvalidExecutor)
}

func TestBuilderEdgeToUnknownExecutor(t *testing.T) {
	_, err := NewBuilder("dangling").
		AddExecutor(stringExecutor("a")).
		AddEdge("a", "ghost").
		SetStart("a").
		Build()
	requireBuildError(t, err, IssueUnknownExecutor)
}

func TestBuilderStartUnset(t *testing.T) {
	_, err := NewBuilder("no-start").
		AddExecutor(stringExecutor("a")).
		Build()
	requireBuildError(t, err, IssueInvalidGraph)
}

func TestBuilderStartUnknown(t *testing.T) {
	_, err := NewBuilder("bad-start").
		AddExecutor(stringExecutor("a")).
		SetStart("ghost").
		Build()
	requireBuildError(t, err, IssueUnknownExecutor)
}

func TestBuilderOutputUnknown(t *testing.T) {
	_, err := NewBuilder("bad-output").
		AddExecutor(stringExecutor("a")).
		SetStart("a").
		SetOutputs("ghost").
		Build()
	requireBuildError(t, err, IssueUnknownExecutor)
}

func TestBuilderUnreachableExecutor(t *testing.T) {
	_, err := NewBuilder("island").
		AddExecutor(stringExecutor("a")).
		AddExecutor(stringExecutor("island")).
		SetStart("a").
		Build()
	buildErr := requireBuildError(t, err, IssueUnreachable)
	found := false
	for _, issue := range buildErr.Issues {
		if issue.Kind == IssueUnreachable && issue.Subject == "island" {
			found = true
		}
	}
	assert.True(t, found, "expected the island executor to be flagged: %v", buildErr)
}

func TestBuilderStandalonePortExemptFromReachability(t *testing.T) {
	wf, err := NewBuilder("standalone").
		AddExecutor(stringExecutor("a")).
		AddRequestPort(NewRequestPort[string, string]("side-channel", WithStandalone())).
		AddEdge("side-channel", "a").
		SetStart("a").
		Build()
	require.NoError(t, err)
	assert.Contains(t, wf.ExecutorIDs(), "side-channel")
}

func TestBuilderSourceWithoutDeclaredOutputs(t *testing.T) {
	_, err := NewBuilder("undeclared").
		AddExecutor(func() Executor {
			return NewExecutor("silent",
				WithHandlers(On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error {
					return nil
				})))
		}).
		AddExecutor(stringExecutor("b")).
		AddEdge("silent", "b").
		SetStart("silent").
		Build()
	requireBuildError(t, err, IssueTypeIncompatible)
}

func TestBuilderDirectEdgeTypeMismatch(t *testing.T) {
	_, err := NewBuilder("mismatch").
		AddExecutor(stringExecutor("a")).
		AddExecutor(func() Executor {
			return NewExecutor("ints",
				WithHandlers(On[int](func(ctx context.Context, hctx *HandlerContext, msg int) error {
					return nil
				})))
		}).
		AddEdge("a", "ints").
		SetStart("a").
		Build()
	requireBuildError(t, err, IssueTypeIncompatible)
}

func TestBuilderFanOutNeedsCommonType(t *testing.T) {
	ints := func(id string) func() Executor {
		return func() Executor {
			return NewExecutor(id,
				WithHandlers(On[int](func(ctx context.Context, hctx *HandlerContext, msg int) error {
					return nil
				})))
		}
	}
	strs := func(id string) func() Executor {
		return func() Executor {
			return NewExecutor(id,
				WithHandlers(On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error {
					return nil
				})))
		}
	}

	t.Run("no common type fails", func(t *testing.T) {
		_, err := NewBuilder("fanout").
			AddExecutor(func() Executor {
				return NewExecutor("src",
					WithHandlers(On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error {
						return hctx.Send(msg)
					})),
					WithOutputTypes(Emits[string](), Emits[int]()))
			}).
			AddExecutor(ints("ints")).
			AddExecutor(strs("strs")).
			AddFanOutEdge("src", []string{"ints", "strs"}).
			SetStart("src").
			Build()
		requireBuildError(t, err, IssueTypeIncompatible)
	})

	t.Run("selector lifts the broadcast requirement", func(t *testing.T) {
		_, err := NewBuilder("fanout").
			AddExecutor(func() Executor {
				return NewExecutor("src",
					WithHandlers(On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error {
						return hctx.Send(msg)
					})),
					WithOutputTypes(Emits[string](), Emits[int]()))
			}).
			AddExecutor(ints("ints")).
			AddExecutor(strs("strs")).
			AddFanOutEdge("src", []string{"ints", "strs"}, WithTargetSelector(
				func(ctx context.Context, payload any) []string {
					if _, ok := payload.(int); ok {
						return []string{"ints"}
					}
					return []string{"strs"}
				})).
			SetStart("src").
			Build()
		require.NoError(t, err)
	})
}

func TestBuilderFanInTargetMustCoverAllSources(t *testing.T) {
	_, err := NewBuilder("fanin").
		AddExecutor(stringExecutor("words")).
		AddExecutor(func() Executor {
			return NewExecutor("nums",
				WithHandlers(On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error {
					return hctx.Send(len(msg))
				})),
				WithOutputTypes(Emits[int]()))
		}).
		AddExecutor(func() Executor {
			return NewExecutor("join",
				WithHandlers(On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error {
					return nil
				})))
		}).
		AddFanInEdge([]string{"words", "nums"}, "join").
		SetStart("words").
		Build()
	// join handles strings but not the ints coming from nums.
	requireBuildError(t, err, IssueTypeIncompatible)
}

func TestBuilderAmbiguousHandlers(t *testing.T) {
	t.Run("duplicate handler type", func(t *testing.T) {
		_, err := NewBuilder("twice").
			AddExecutor(func() Executor {
				return NewExecutor("dup",
					WithHandlers(
						On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error { return nil }),
						On[string](func(ctx context.Context, hctx *HandlerContext, msg string) error { return nil }),
					))
			}).
			SetStart("dup").
			Build()
		requireBuildError(t, err, IssueAmbiguousHandlers)
	})

	t.Run("declared type matches two interfaces", func(t *testing.T) {
		_, err := NewBuilder("iface").
			AddExecutor(func() Executor {
				return NewExecutor("src",
					WithHandlers(On[chattyPayload](func(ctx context.Context, hctx *HandlerContext, msg chattyPayload) error {
						return hctx.Send(msg)
					})),
					WithOutputTypes(Emits[chattyPayload]()))
			}).
			AddExecutor(func() Executor {
				return NewExecutor("dst",
					WithHandlers(
						On[fmt.Stringer](func(ctx context.Context, hctx *HandlerContext, msg fmt.Stringer) error { return nil }),
						On[ioReader](func(ctx context.Context, hctx *HandlerContext, msg ioReader) error { return nil }),
					))
			}).
			AddEdge("src", "dst").
			SetStart("src").
			Build()
		requireBuildError(t, err, IssueAmbiguousHandlers)
	})
}

func TestBuilderAggregatesIssues(t *testing.T) {
	_, err := NewBuilder("broken").
		AddExecutor(stringExecutor("a")).
		AddExecutor(stringExecutor("a")).
		AddEdge("a", "ghost").
		AddExecutor(stringExecutor("island")).
		Build()
	require.Error(t, err)
	buildErr, ok := AsBuildError(err)
	require.True(t, ok)
	// One pass reports every problem, not just the first.
	assert.True(t, buildErr.HasKind(IssueDuplicateExecutor))
	assert.True(t, buildErr.HasKind(IssueUnknownExecutor))
	assert.True(t, buildErr.HasKind(IssueInvalidGraph))
	assert.GreaterOrEqual(t, len(buildErr.Issues), 3)
	assert.Contains(t, buildErr.Error(), "workflow build failed")
}

func TestBuilderFactoryReturningNil(t *testing.T) {
	_, err := NewBuilder("nil-instance").
		AddExecutor(func() Executor { return nil }).
		Build()
	requireBuildError(t, err, IssueInvalidExecutor)
}

func TestBuilderSharedExecutorServesAllRuns(t *testing.T) {
	ctx := context.Background()
	var total int
	shared := NewExecutor("counter",
		WithHandlers(On[int](func(ctx context.Context, hctx *HandlerContext, msg int) error {
			total += msg
			return hctx.Yield(total)
		})))
	wf, err := NewBuilder("shared").
		AddSharedExecutor(shared).
		SetStart("counter").
		SetOutputs("counter").
		Build()
	require.NoError(t, err)

	// Sequential runs reuse the same instance, so state accumulates.
	for i, want := range []any{2, 5} {
		run, err := wf.NewRun(ctx)
		require.NoError(t, err)
		require.NoError(t, run.Enqueue(ctx, i+2))
		require.NoError(t, run.Signal(ctx))
		events := collectEvents(t, run)
		require.NoError(t, run.Close())
		assert.Equal(t, []any{want}, outputValues(events))
	}
}
