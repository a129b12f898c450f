// Package intrinsics provides the built-in rules bridging the rule graph to
// the engine's collaborators: snapshot capture, digest merging and
// rewriting, materialization, and process execution. Embedding applications
// register these alongside their own rules so rule bodies reach the store
// and the executor through ordinary Gets.
package intrinsics

import (
	"reflect"

	"github.com/buildweave/weave/internal/process"
	"github.com/buildweave/weave/internal/rules"
	"github.com/buildweave/weave/internal/store"
)

// PathGlobs requests a snapshot of the build-root files matching the
// patterns.
type PathGlobs struct {
	Patterns []string
}

// MergeDigests requests one digest combining the given directory digests.
type MergeDigests struct {
	Digests []store.Digest
}

// AddPrefix requests a digest with every input path nested under Prefix.
type AddPrefix struct {
	Digest store.Digest
	Prefix string
}

// Materialize requests that digests be written to disk. It is a side effect
// and therefore uncacheable.
type Materialize struct {
	Targets []store.MaterializeTarget
}

// Materialized reports the target paths written.
type Materialized struct {
	Paths []string
}

// SubjectTypes lists the request types the intrinsic rules consume. They are
// registered as root subject types so the intrinsics validate and can serve
// as execution roots even before any user rule declares a Get against them.
func SubjectTypes() []reflect.Type {
	return []reflect.Type{
		rules.TypeOf[PathGlobs](),
		rules.TypeOf[MergeDigests](),
		rules.TypeOf[AddPrefix](),
		rules.TypeOf[Materialize](),
		rules.TypeOf[process.Request](),
	}
}

// Rules returns the intrinsic rules closed over the given collaborators.
func Rules(st *store.Store, exec process.Executor) []*rules.Rule {
	captureSnapshot := rules.New("capture_snapshot", rules.TypeOf[store.Snapshot](),
		func(task *rules.Task) (any, error) {
			globs := task.Subject().(PathGlobs)
			// Globbing through the task records the expansion, and each read
			// records the file, so filesystem changes re-capture the snapshot.
			matches, err := task.Glob(globs.Patterns)
			if err != nil {
				return nil, err
			}
			files := make(map[string][]byte, len(matches))
			for _, rel := range matches {
				content, err := task.ReadFile(rel)
				if err != nil {
					return nil, err
				}
				files[rel] = content
			}
			return st.SnapshotOf(files)
		},
		rules.Selects(rules.TypeOf[PathGlobs]()),
		rules.Desc("snapshot build-root files"))

	mergeDigests := rules.New("merge_digests", rules.TypeOf[store.Digest](),
		func(task *rules.Task) (any, error) {
			return st.MergeDirectories(task.Subject().(MergeDigests).Digests)
		},
		rules.Selects(rules.TypeOf[MergeDigests]()),
		rules.Desc("merge directory digests"))

	addPrefix := rules.New("add_prefix", rules.TypeOf[store.Digest](),
		func(task *rules.Task) (any, error) {
			req := task.Subject().(AddPrefix)
			return st.AddPrefix(req.Digest, req.Prefix)
		},
		rules.Selects(rules.TypeOf[AddPrefix]()),
		rules.Desc("nest a digest under a path prefix"))

	materialize := rules.New("materialize_directories", rules.TypeOf[Materialized](),
		func(task *rules.Task) (any, error) {
			req := task.Subject().(Materialize)
			if err := st.MaterializeDirectories(req.Targets); err != nil {
				return nil, err
			}
			paths := make([]string, len(req.Targets))
			for i, target := range req.Targets {
				paths[i] = target.Path
			}
			return Materialized{Paths: paths}, nil
		},
		rules.Selects(rules.TypeOf[Materialize]()),
		rules.Uncacheable(),
		rules.Desc("write digests to disk"))

	executeProcess := rules.New("execute_process", rules.TypeOf[process.Result](),
		func(task *rules.Task) (any, error) {
			return exec.Execute(task.Context(), task.Subject().(process.Request))
		},
		rules.Selects(rules.TypeOf[process.Request]()),
		rules.Desc("execute a process"))

	return []*rules.Rule{captureSnapshot, mergeDigests, addPrefix, materialize, executeProcess}
}
