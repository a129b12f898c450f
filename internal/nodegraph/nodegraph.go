// Package nodegraph is the memoization core of the engine. It executes rules
// as graph nodes keyed by (rule identity, subject), memoizes completed
// values, records dependency edges and file reads as they are discovered
// during evaluation, and invalidates affected subgraphs when filesystem
// inputs change.
//
// The graph is the single piece of mutable shared state in the engine. Node
// state transitions are guarded per-node, so unrelated computations never
// serialize on a global lock; the graph-level lock covers only the node
// table and the edge/reader indexes.
package nodegraph

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/buildweave/weave/internal/metrics"
	"github.com/buildweave/weave/internal/rules"
	"github.com/buildweave/weave/internal/workunit"
)

type nodeState int32

const (
	statePending nodeState = iota
	stateRunning
	stateCompleted
)

func (s nodeState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	}
	return "unknown"
}

// node is one memoized unit of computation.
type node struct {
	key     string
	id      uint64
	rule    *rules.Rule
	subject any

	mu    sync.Mutex
	state nodeState
	done  chan struct{} // non-nil only while running; closed on completion or reset
	value any
	throw *Throw
	dirty bool   // set when an invalidation lands mid-evaluation
	runID uint64 // session that recorded the current value
	deps  []string
	reads []string
}

// SessionHandle identifies the session driving an evaluation. Uncacheable
// rules re-run when the run ID differs from the one that recorded their
// value; workunits are emitted into the session's sink.
type SessionHandle struct {
	RunID uint64
	Sink  *workunit.Sink
}

// Graph is the process-lifetime node table.
type Graph struct {
	index     *rules.Index
	buildRoot string
	roots     map[reflect.Type]bool
	met       *metrics.Metrics
	sem       *semaphore.Weighted

	mu         sync.Mutex
	nodes      map[string]*node
	dependents map[string]map[string]struct{} // node key -> keys depending on it
	readers    map[string]map[string]struct{} // rel path -> node keys reading it
	epoch      uint64
	epochCh    chan struct{}
}

// New creates an empty graph. workers bounds concurrent rule-body
// executions; zero or negative selects a CPU-based default.
func New(index *rules.Index, buildRoot string, rootSubjects []reflect.Type, workers int, met *metrics.Metrics) *Graph {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) * 2
	}
	roots := make(map[reflect.Type]bool, len(rootSubjects))
	for _, t := range rootSubjects {
		roots[t] = true
	}
	return &Graph{
		index:      index,
		buildRoot:  buildRoot,
		roots:      roots,
		met:        met,
		sem:        semaphore.NewWeighted(int64(workers)),
		nodes:      make(map[string]*node),
		dependents: make(map[string]map[string]struct{}),
		readers:    make(map[string]map[string]struct{}),
		epochCh:    make(chan struct{}),
	}
}

// Len returns the number of nodes ever interned, for diagnostics and tests.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// InvalidationEpoch returns a channel closed on the next invalidation.
// Poll-mode execution blocks on it instead of spinning.
func (g *Graph) InvalidationEpoch() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epochCh
}

// GetProduct computes product for subject, the entry point used for
// execution-request roots. The subject's type must be a declared root
// subject type.
func (g *Graph) GetProduct(ctx context.Context, sess SessionHandle, product reflect.Type, subject any) (any, error) {
	subjectType := reflect.TypeOf(subject)
	if subjectType == product {
		return subject, nil
	}
	if !g.roots[subjectType] {
		return nil, fmt.Errorf("subject type %s is not a declared root subject type", subjectType)
	}
	ec := &evalCtx{sess: sess}
	return g.product(ctx, ec, product, subject, nil, nil)
}

// evalCtx threads per-session evaluation state through the recursion.
type evalCtx struct {
	sess SessionHandle
}

// recorder accumulates the dependency edges and file reads discovered while
// evaluating one node. Edges are indexed in the graph eagerly, at discovery
// time, so an invalidation arriving mid-evaluation can find and dirty the
// node; the recorded sets still replace the node's previous edges wholesale
// on completion.
type recorder struct {
	owner string

	mu    sync.Mutex
	deps  []string
	reads []string
}

func (g *Graph) addDep(rec *recorder, key string) {
	rec.mu.Lock()
	rec.deps = append(rec.deps, key)
	rec.mu.Unlock()

	g.mu.Lock()
	if g.dependents[key] == nil {
		g.dependents[key] = make(map[string]struct{})
	}
	g.dependents[key][rec.owner] = struct{}{}
	g.mu.Unlock()
}

func (g *Graph) addRead(rec *recorder, rel string) {
	rec.mu.Lock()
	rec.reads = append(rec.reads, rel)
	rec.mu.Unlock()

	g.mu.Lock()
	if g.readers[rel] == nil {
		g.readers[rel] = make(map[string]struct{})
	}
	g.readers[rel][rec.owner] = struct{}{}
	g.mu.Unlock()
}

// product resolves one (product, subject) request: identity if the subject
// already is the product, otherwise through the producing rule's node. rec
// is the requesting node's recorder, nil at roots; path is the chain of
// nodes currently evaluating on this path, used to detect dynamic cycles.
func (g *Graph) product(ctx context.Context, ec *evalCtx, product reflect.Type, subject any, rec *recorder, path []*node) (any, error) {
	subjectType := reflect.TypeOf(subject)
	if subjectType == product {
		return subject, nil
	}
	producer, err := g.index.ProducerFor(product, subjectType)
	if err != nil {
		return nil, err
	}
	n := g.intern(producer, subject)
	if rec != nil {
		g.addDep(rec, n.key)
	}
	return g.getOrCompute(ctx, ec, n, path)
}

// cycleError describes a request that reached a node already evaluating on
// the same path. Static validation rejects selector-only cycles, but Get
// edges are dynamic and can only be caught here.
func cycleError(path []*node, n *node) error {
	names := make([]string, 0, len(path)+1)
	for _, p := range path {
		names = append(names, p.rule.Name())
	}
	names = append(names, n.rule.Name())
	return fmt.Errorf("dependency cycle detected: %s (subject %+v) requested itself through %s",
		n.rule.Name(), n.subject, strings.Join(names, " -> "))
}

// intern returns the node for (rule, subject), creating it if needed.
func (g *Graph) intern(r *rules.Rule, subject any) *node {
	key := nodeKey(r, subject)
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[key]; ok {
		return n
	}
	n := &node{
		key:     key,
		id:      xxhash.Sum64String(key),
		rule:    r,
		subject: subject,
	}
	g.nodes[key] = n
	return n
}

// nodeKey is the canonical identity of a computation: rule name plus the
// rendered subject value. Subjects must therefore render deterministically,
// which holds for the comparable value types rules operate on.
func nodeKey(r *rules.Rule, subject any) string {
	return fmt.Sprintf("%s|%T|%+v", r.Name(), subject, subject)
}

// getOrCompute is the memoization entry point. Exactly one evaluation per
// node identity is in flight at any time: the first caller runs the rule
// body, concurrent callers await its result. A request for a node already
// on the caller's own evaluation path would await itself, so it fails with
// a cycle error instead.
func (g *Graph) getOrCompute(ctx context.Context, ec *evalCtx, n *node, path []*node) (any, error) {
	for _, p := range path {
		if p == n {
			return nil, cycleError(path, n)
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n.mu.Lock()
		switch n.state {
		case stateCompleted:
			if n.rule.Cacheable() || n.runID == ec.sess.RunID {
				value, throw := n.value, n.throw
				n.mu.Unlock()
				g.met.CacheHits.Inc()
				if throw != nil {
					return nil, throw
				}
				return value, nil
			}
			// An uncacheable value from an earlier session: discard and
			// re-evaluate for this session.
			n.state = statePending
			n.value, n.throw = nil, nil
			n.mu.Unlock()

		case stateRunning:
			done := n.done
			n.mu.Unlock()
			select {
			case <-done:
				// Re-examine: the node is now completed, or was reset to
				// pending by cancellation or a mid-run invalidation.
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case statePending:
			n.state = stateRunning
			n.dirty = false
			n.done = make(chan struct{})
			done := n.done
			n.mu.Unlock()

			value, throw, rec, evalErr := g.evaluate(ctx, ec, n, path)

			n.mu.Lock()
			if evalErr != nil {
				// Cancellation: record nothing and let another caller (or a
				// later retry) evaluate from scratch. Memoized values of
				// other nodes are unaffected.
				n.state = statePending
				n.done = nil
				n.mu.Unlock()
				close(done)
				return nil, evalErr
			}
			if n.dirty {
				// An invalidation landed while the rule body ran; the result
				// may reflect stale reads. Last invalidation wins.
				n.state = statePending
				n.done = nil
				n.mu.Unlock()
				close(done)
				continue
			}
			n.state = stateCompleted
			n.value, n.throw = value, throw
			n.runID = ec.sess.RunID
			n.done = nil
			n.mu.Unlock()
			close(done)

			g.recordEdges(n, rec)
			if throw != nil {
				return nil, throw
			}
			return value, nil
		}
	}
}

// evaluate resolves the node's selectors, then runs the rule body under the
// worker semaphore. Dependency resolution happens outside the semaphore and
// Get requests release it, so a suspended evaluation never starves the pool.
// The returned error is non-nil only for cancellation.
func (g *Graph) evaluate(ctx context.Context, ec *evalCtx, n *node, path []*node) (any, *Throw, *recorder, error) {
	rec := &recorder{owner: n.key}
	childPath := append(append([]*node(nil), path...), n)

	args := make([]any, len(n.rule.Selectors()))
	for i, sel := range n.rule.Selectors() {
		if typeAccepts(sel, reflect.TypeOf(n.subject)) {
			args[i] = n.subject
			continue
		}
		value, err := g.product(ctx, ec, sel, n.subject, rec, childPath)
		if err != nil {
			if throw, ok := err.(*Throw); ok {
				return nil, throw.via(n.rule.Name()), rec, nil
			}
			if ctx.Err() != nil {
				return nil, nil, rec, ctx.Err()
			}
			return nil, newThrow(err, n.rule.Name()), rec, nil
		}
		args[i] = value
	}

	slot := &workerSlot{}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, rec, err
	}
	slot.held = true
	defer func() {
		if slot.held {
			g.sem.Release(1)
		}
	}()
	g.met.Evaluations.Inc()

	span := ""
	if ec.sess.Sink != nil {
		span = ec.sess.Sink.Start(n.rule.Name(), n.rule.Description(), workunit.LevelDebug,
			map[string]any{"node": fmt.Sprintf("%x", n.id)})
	}
	defer func() {
		if span != "" {
			ec.sess.Sink.Complete(span)
			g.met.WorkunitsRun.Inc()
		}
	}()

	task := rules.NewTask(ctx, n.subject, args, g.taskHooks(ec, rec, slot, childPath))
	value, err := n.rule.Run(task)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, rec, ctx.Err()
		}
		if throw, ok := err.(*Throw); ok {
			// A dependency failure the body chose not to handle propagates
			// unmodified, tagged with this node on the engine traceback.
			return nil, throw.via(n.rule.Name()), rec, nil
		}
		return nil, newThrow(err, n.rule.Name()), rec, nil
	}
	return value, nil, rec, nil
}

// workerSlot tracks whether the current evaluation holds a semaphore slot,
// so a cancelled re-acquire cannot cause an unbalanced release.
type workerSlot struct {
	held bool
}

// taskHooks wires a rule body's suspension points back into the graph.
func (g *Graph) taskHooks(ec *evalCtx, rec *recorder, slot *workerSlot, path []*node) rules.TaskHooks {
	return rules.TaskHooks{
		Get: func(ctx context.Context, product reflect.Type, subject any) (any, error) {
			// The requesting body holds a worker slot; release it while the
			// dependency computes so deep graphs cannot starve the pool.
			g.sem.Release(1)
			slot.held = false
			value, err := g.product(ctx, ec, product, subject, rec, path)
			if acqErr := g.sem.Acquire(ctx, 1); acqErr != nil {
				return nil, acqErr
			}
			slot.held = true
			return value, err
		},
		ReadFile: func(ctx context.Context, rel string) ([]byte, error) {
			return g.readFile(rel, rec)
		},
		Glob: func(ctx context.Context, patterns []string) ([]string, error) {
			return g.glob(patterns, rec)
		},
	}
}
