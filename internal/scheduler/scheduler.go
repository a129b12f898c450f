// Package scheduler owns the process-lifetime engine state: one validated
// rule index and one node graph, plus the content store and process executor
// the rules run against. Sessions (package session) are created per build
// invocation and share this state; node values persist across sessions and
// are invalidated incrementally.
package scheduler

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/buildweave/weave/internal/intrinsics"
	"github.com/buildweave/weave/internal/metrics"
	"github.com/buildweave/weave/internal/nodegraph"
	"github.com/buildweave/weave/internal/process"
	"github.com/buildweave/weave/internal/rules"
	"github.com/buildweave/weave/internal/store"
)

// Config carries the build-root and store-location configuration the
// scheduler owns for its lifetime.
type Config struct {
	// BuildRoot is the directory all rule file reads are relative to.
	BuildRoot string
	// StoreDir locates the content-addressed store. Empty disables the
	// store and process execution (useful for pure in-memory graphs).
	StoreDir string
	// Workers bounds concurrent rule-body executions; <=0 selects a
	// CPU-based default.
	Workers int
}

// Scheduler wraps one rule index and one node graph for the process
// lifetime. Construction validates the rule graph and is fatal on defects: a
// scheduler with an invalid rule graph refuses to start.
type Scheduler struct {
	cfg   Config
	index *rules.Index
	graph *nodegraph.Graph
	store *store.Store
	exec  process.Executor
	met   *metrics.Metrics

	runIDs atomic.Uint64
}

// New builds and validates the engine. When a store directory is configured,
// the store-and-process intrinsic rules are registered alongside the given
// rules. The returned error is a *rules.GraphError listing every registration
// or reachability defect when the rule graph is unsound.
func New(cfg Config, allRules []*rules.Rule, unions []rules.UnionRule, rootSubjects []reflect.Type) (*Scheduler, error) {
	s := &Scheduler{cfg: cfg}

	if cfg.StoreDir != "" {
		cas, err := store.Open(cfg.StoreDir)
		if err != nil {
			return nil, fmt.Errorf("opening content store: %w", err)
		}
		s.store = cas
		s.exec = process.NewLocalExecutor(cas, filepath.Join(cfg.StoreDir, "scratch"))
		allRules = append(append([]*rules.Rule(nil), allRules...), intrinsics.Rules(cas, s.exec)...)
		rootSubjects = append(append([]reflect.Type(nil), rootSubjects...), intrinsics.SubjectTypes()...)
	}

	index, err := rules.NewIndex(allRules, unions)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := rules.Validate(index, rootSubjects); err != nil {
		s.Close()
		return nil, err
	}

	met := metrics.New()
	s.index = index
	s.met = met
	s.graph = nodegraph.New(index, cfg.BuildRoot, rootSubjects, cfg.Workers, met)
	return s, nil
}

// Close releases the content store, if any.
func (s *Scheduler) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Graph exposes the node graph to sessions.
func (s *Scheduler) Graph() *nodegraph.Graph { return s.graph }

// Index exposes the validated rule index.
func (s *Scheduler) Index() *rules.Index { return s.index }

// Store returns the content-addressed store, or nil when disabled.
func (s *Scheduler) Store() *store.Store { return s.store }

// Executor returns the process executor, or nil when the store is disabled.
func (s *Scheduler) Executor() process.Executor { return s.exec }

// BuildRoot returns the configured build root.
func (s *Scheduler) BuildRoot() string { return s.cfg.BuildRoot }

// NextRunID issues a monotonically increasing session run ID.
func (s *Scheduler) NextRunID() uint64 { return s.runIDs.Add(1) }

// InvalidateFiles marks nodes transitively dependent on reads under the
// given build-root-relative paths (and each path's parent directory) as
// pending. Returns the number of nodes invalidated.
func (s *Scheduler) InvalidateFiles(paths []string) int {
	return s.graph.Invalidate(paths)
}

// InvalidateAllFiles invalidates the entire graph.
func (s *Scheduler) InvalidateAllFiles() int {
	return s.graph.InvalidateAll()
}

// GraphLen returns the node count, for diagnostics and tests.
func (s *Scheduler) GraphLen() int { return s.graph.Len() }

// Metrics returns a snapshot of the engine counters.
func (s *Scheduler) Metrics() map[string]int64 { return s.met.Snapshot() }

// MetricsRegistry exposes the prometheus registry for embedding
// applications that serve a scrape endpoint.
func (s *Scheduler) MetricsRegistry() *prometheus.Registry { return s.met.Registry() }
