package rules

import (
	"context"
	"fmt"
	"reflect"
)

// TaskHooks are the engine-side callbacks backing a Task. The memoization
// core installs hooks that record dependency edges and file reads as they
// are discovered, so the graph shape is data-dependent rather than fixed at
// registration time.
type TaskHooks struct {
	// Get resolves a dynamic dependency request against the rule graph.
	Get func(ctx context.Context, product reflect.Type, subject any) (any, error)
	// ReadFile reads a file relative to the build root and records the path
	// as an invalidation dependency of the requesting node.
	ReadFile func(ctx context.Context, path string) ([]byte, error)
	// Glob expands patterns under the build root and records the matches
	// (and their parent directories) as invalidation dependencies.
	Glob func(ctx context.Context, patterns []string) ([]string, error)
}

// Task is the per-evaluation handle passed to a rule body. It carries the
// resolved selector arguments and the suspension points of the evaluation:
// every Get, file read, and glob expansion routes back through the engine.
type Task struct {
	ctx     context.Context
	subject any
	args    []any
	hooks   TaskHooks
}

// NewTask is used by the engine (and tests) to construct the evaluation
// handle for one rule invocation.
func NewTask(ctx context.Context, subject any, args []any, hooks TaskHooks) *Task {
	return &Task{ctx: ctx, subject: subject, args: args, hooks: hooks}
}

// Context returns the evaluation context; rule bodies must honor its
// cancellation at blocking points.
func (t *Task) Context() context.Context { return t.ctx }

// Subject returns the subject value this node was requested for.
func (t *Task) Subject() any { return t.subject }

// Args returns the resolved selector values in declaration order.
func (t *Task) Args() []any { return t.args }

// Arg returns the i'th resolved selector value.
func (t *Task) Arg(i int) any { return t.args[i] }

// Get requests product for the given subject through the rule graph. The
// requesting node suspends until the dependency resolves; the edge is
// recorded for invalidation tracking.
func (t *Task) Get(product reflect.Type, subject any) (any, error) {
	if t.hooks.Get == nil {
		return nil, fmt.Errorf("rule task has no Get capability")
	}
	return t.hooks.Get(t.ctx, product, subject)
}

// ReadFile reads path (relative to the build root) and records it as a
// filesystem dependency of the current node.
func (t *Task) ReadFile(path string) ([]byte, error) {
	if t.hooks.ReadFile == nil {
		return nil, fmt.Errorf("rule task has no ReadFile capability")
	}
	return t.hooks.ReadFile(t.ctx, path)
}

// Glob expands the patterns under the build root, recording the expansion as
// a filesystem dependency so new or deleted files re-trigger the node.
func (t *Task) Glob(patterns []string) ([]string, error) {
	if t.hooks.Glob == nil {
		return nil, fmt.Errorf("rule task has no Glob capability")
	}
	return t.hooks.Glob(t.ctx, patterns)
}
