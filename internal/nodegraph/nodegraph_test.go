package nodegraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildweave/weave/internal/metrics"
	"github.com/buildweave/weave/internal/rules"
	"github.com/buildweave/weave/internal/workunit"
)

type filePath struct{ Path string }
type fileContent struct{ Content string }
type lineCount struct{ Count int }

// fixture bundles a graph over a temp build root with counting rules for
// the classic FileContent -> LineCount chain.
type fixture struct {
	graph     *Graph
	buildRoot string
	reads     atomic.Int32
	counts    atomic.Int32
}

func newFixture(t *testing.T, extra ...*rules.Rule) *fixture {
	t.Helper()
	f := &fixture{buildRoot: t.TempDir()}

	readFile := rules.New("read_file", rules.TypeOf[fileContent](),
		func(task *rules.Task) (any, error) {
			f.reads.Add(1)
			content, err := task.ReadFile(task.Subject().(filePath).Path)
			if err != nil {
				return nil, err
			}
			return fileContent{Content: string(content)}, nil
		},
		rules.Selects(rules.TypeOf[filePath]()))

	countLines := rules.New("count_lines", rules.TypeOf[lineCount](),
		func(task *rules.Task) (any, error) {
			f.counts.Add(1)
			content := task.Arg(0).(fileContent).Content
			return lineCount{Count: strings.Count(content, "\n")}, nil
		},
		rules.Selects(rules.TypeOf[fileContent]()))

	idx, err := rules.NewIndex(append([]*rules.Rule{readFile, countLines}, extra...), nil)
	require.NoError(t, err)

	f.graph = New(idx, f.buildRoot, []reflect.Type{rules.TypeOf[filePath]()}, 4, metrics.New())
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.buildRoot, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func session(runID uint64) SessionHandle {
	return SessionHandle{RunID: runID, Sink: workunit.NewSink()}
}

func TestBasicProductRequest(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "x\ny\n")

	value, err := f.graph.GetProduct(context.Background(), session(1),
		rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, lineCount{Count: 2}, value)
	assert.Equal(t, 2, f.graph.Len())
}

func TestMemoization(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "x\ny\n")
	ctx := context.Background()

	first, err := f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)
	second, err := f.graph.GetProduct(ctx, session(2), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.reads.Load(), "file must not be re-read without invalidation")
	assert.Equal(t, int32(1), f.counts.Load())
}

func TestInvalidation(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "x\ny\n")
	ctx := context.Background()

	value, err := f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)
	require.Equal(t, lineCount{Count: 2}, value)

	f.write(t, "a.txt", "one\n")
	invalidated := f.graph.Invalidate([]string{"a.txt"})
	assert.Equal(t, 2, invalidated, "reader and its dependent must both be invalidated")

	value, err = f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, lineCount{Count: 1}, value)
	assert.Equal(t, int32(2), f.reads.Load())
}

func TestInvalidateAll(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "x\n")
	ctx := context.Background()

	_, err := f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)

	assert.Equal(t, 2, f.graph.InvalidateAll())
	// The empty path is the same degenerate case.
	_, err = f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.graph.Invalidate([]string{""}))
}

func TestInvalidationOfUnrelatedPathIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "x\n")
	ctx := context.Background()

	_, err := f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)

	assert.Equal(t, 0, f.graph.Invalidate([]string{"other/b.txt"}))
	_, err = f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.reads.Load())
}

type dirListing struct{ Files []string }

func TestGlobRecordsDirectoryDependency(t *testing.T) {
	var globs atomic.Int32
	listDir := rules.New("list_dir", rules.TypeOf[dirListing](),
		func(task *rules.Task) (any, error) {
			globs.Add(1)
			files, err := task.Glob([]string{"**/*.txt"})
			if err != nil {
				return nil, err
			}
			return dirListing{Files: files}, nil
		},
		rules.Selects(rules.TypeOf[filePath]()))

	f := newFixture(t, listDir)
	f.write(t, "sub/c.txt", "c")
	ctx := context.Background()

	value, err := f.graph.GetProduct(ctx, session(1), rules.TypeOf[dirListing](), filePath{Path: "."})
	require.NoError(t, err)
	assert.Equal(t, dirListing{Files: []string{"sub/c.txt"}}, value)

	// A new file's invalidation covers its parent directory, which the
	// globbing node recorded as a read.
	f.write(t, "sub/d.txt", "d")
	require.Positive(t, f.graph.Invalidate([]string{"sub/d.txt"}))

	value, err = f.graph.GetProduct(ctx, session(1), rules.TypeOf[dirListing](), filePath{Path: "."})
	require.NoError(t, err)
	assert.Equal(t, dirListing{Files: []string{"sub/c.txt", "sub/d.txt"}}, value)
	assert.Equal(t, int32(2), globs.Load())
}

func TestAtMostOneConcurrentExecution(t *testing.T) {
	var evals atomic.Int32
	slow := rules.New("slow", rules.TypeOf[lineCount](),
		func(task *rules.Task) (any, error) {
			evals.Add(1)
			time.Sleep(50 * time.Millisecond)
			return lineCount{Count: 42}, nil
		},
		rules.Selects(rules.TypeOf[filePath]()))

	idx, err := rules.NewIndex([]*rules.Rule{slow}, nil)
	require.NoError(t, err)
	g := New(idx, t.TempDir(), []reflect.Type{rules.TypeOf[filePath]()}, 8, metrics.New())

	sess := session(1)
	const callers = 20
	results := make([]any, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.GetProduct(context.Background(), sess, rules.TypeOf[lineCount](), filePath{Path: "same"})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), evals.Load(), "identical concurrent requests must share one evaluation")
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, lineCount{Count: 42}, results[i])
	}
}

func TestUncacheableRuleRerunsPerSession(t *testing.T) {
	var evals atomic.Int32
	prompt := rules.New("prompt", rules.TypeOf[lineCount](),
		func(task *rules.Task) (any, error) {
			return lineCount{Count: int(evals.Add(1))}, nil
		},
		rules.Selects(rules.TypeOf[filePath]()),
		rules.Uncacheable())

	idx, err := rules.NewIndex([]*rules.Rule{prompt}, nil)
	require.NoError(t, err)
	g := New(idx, t.TempDir(), []reflect.Type{rules.TypeOf[filePath]()}, 4, metrics.New())
	ctx := context.Background()

	first, err := g.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "x"})
	require.NoError(t, err)
	// Same session: the value is shared, not re-run.
	again, err := g.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "x"})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), evals.Load())

	// New session: the effect re-runs.
	_, err = g.GetProduct(ctx, session(2), rules.TypeOf[lineCount](), filePath{Path: "x"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), evals.Load())
}

func TestThrowPropagation(t *testing.T) {
	f := newFixture(t)
	// a.txt deliberately missing: read_file throws, count_lines propagates.
	_, err := f.graph.GetProduct(context.Background(), session(1),
		rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.Error(t, err)

	var throw *Throw
	require.ErrorAs(t, err, &throw)
	assert.Equal(t, []string{"read_file", "count_lines"}, throw.Trace)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestThrowIsMemoized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.Error(t, err)
	_, err = f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.Error(t, err)
	assert.Equal(t, int32(1), f.reads.Load(), "a memoized throw must not re-run the rule")

	// After invalidation the chain recovers.
	f.write(t, "a.txt", "x\n")
	f.graph.Invalidate([]string{"a.txt"})
	value, err := f.graph.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, lineCount{Count: 1}, value)
}

func TestCancellationLeavesGraphRetryable(t *testing.T) {
	release := make(chan struct{})
	var evals atomic.Int32
	blocked := rules.New("blocked", rules.TypeOf[lineCount](),
		func(task *rules.Task) (any, error) {
			evals.Add(1)
			select {
			case <-release:
				return lineCount{Count: 7}, nil
			case <-task.Context().Done():
				return nil, task.Context().Err()
			}
		},
		rules.Selects(rules.TypeOf[filePath]()))

	idx, err := rules.NewIndex([]*rules.Rule{blocked}, nil)
	require.NoError(t, err)
	g := New(idx, t.TempDir(), []reflect.Type{rules.TypeOf[filePath]()}, 4, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = g.GetProduct(ctx, session(1), rules.TypeOf[lineCount](), filePath{Path: "x"})
	require.ErrorIs(t, err, context.Canceled)

	// A later request re-evaluates and succeeds; nothing stale was recorded.
	close(release)
	value, err := g.GetProduct(context.Background(), session(2), rules.TypeOf[lineCount](), filePath{Path: "x"})
	require.NoError(t, err)
	assert.Equal(t, lineCount{Count: 7}, value)
	assert.Equal(t, int32(2), evals.Load())
}

func TestMidRunInvalidationDiscardsStaleResult(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "stale\n")

	started := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	slowRead := rules.New("slow_read", rules.TypeOf[dirListing](),
		func(task *rules.Task) (any, error) {
			content, err := task.ReadFile("a.txt")
			if err != nil {
				return nil, err
			}
			once.Do(func() {
				close(started)
				<-proceed
			})
			return dirListing{Files: []string{strings.TrimSpace(string(content))}}, nil
		},
		rules.Selects(rules.TypeOf[filePath]()))

	idx, err := rules.NewIndex([]*rules.Rule{slowRead}, nil)
	require.NoError(t, err)
	g := New(idx, f.buildRoot, []reflect.Type{rules.TypeOf[filePath]()}, 4, metrics.New())

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := g.GetProduct(context.Background(), session(1), rules.TypeOf[dirListing](), filePath{Path: "."})
		done <- outcome{value: value, err: err}
	}()

	<-started
	f.write(t, "a.txt", "fresh\n")
	require.Positive(t, g.Invalidate([]string{"a.txt"}))
	close(proceed)

	// The first, stale result is discarded and the node re-evaluated.
	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, dirListing{Files: []string{"fresh"}}, result.value)
}

func TestSelfDependencyFailsWithCycleError(t *testing.T) {
	// A body requesting its own node identity would await its own completion.
	loop := rules.New("loop", rules.TypeOf[lineCount](),
		func(task *rules.Task) (any, error) {
			return task.Get(rules.TypeOf[lineCount](), task.Subject())
		},
		rules.Selects(rules.TypeOf[filePath]()),
		rules.Gets(rules.TypeOf[lineCount](), rules.TypeOf[filePath]()))

	idx, err := rules.NewIndex([]*rules.Rule{loop}, nil)
	require.NoError(t, err)
	g := New(idx, t.TempDir(), []reflect.Type{rules.TypeOf[filePath]()}, 4, metrics.New())

	done := make(chan error, 1)
	go func() {
		_, err := g.GetProduct(context.Background(), session(1),
			rules.TypeOf[lineCount](), filePath{Path: "x"})
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "dependency cycle")
		assert.ErrorContains(t, err, "loop")
	case <-time.After(2 * time.Second):
		t.Fatal("self-dependent request hung instead of failing")
	}
}

type pingValue struct{ N int }
type pongValue struct{ N int }

func TestMutualGetCycleFailsWithCycleError(t *testing.T) {
	ping := rules.New("ping", rules.TypeOf[pingValue](),
		func(task *rules.Task) (any, error) {
			return task.Get(rules.TypeOf[pongValue](), task.Subject())
		},
		rules.Selects(rules.TypeOf[filePath]()),
		rules.Gets(rules.TypeOf[pongValue](), rules.TypeOf[filePath]()))
	pong := rules.New("pong", rules.TypeOf[pongValue](),
		func(task *rules.Task) (any, error) {
			return task.Get(rules.TypeOf[pingValue](), task.Subject())
		},
		rules.Selects(rules.TypeOf[filePath]()),
		rules.Gets(rules.TypeOf[pingValue](), rules.TypeOf[filePath]()))

	idx, err := rules.NewIndex([]*rules.Rule{ping, pong}, nil)
	require.NoError(t, err)
	g := New(idx, t.TempDir(), []reflect.Type{rules.TypeOf[filePath]()}, 4, metrics.New())

	done := make(chan error, 1)
	go func() {
		_, err := g.GetProduct(context.Background(), session(1),
			rules.TypeOf[pingValue](), filePath{Path: "x"})
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "dependency cycle")
		assert.ErrorContains(t, err, "ping -> pong -> ping")
	case <-time.After(2 * time.Second):
		t.Fatal("mutually dependent request hung instead of failing")
	}
}

func TestGetProductRejectsUnknownRootSubject(t *testing.T) {
	f := newFixture(t)
	_, err := f.graph.GetProduct(context.Background(), session(1),
		rules.TypeOf[lineCount](), fileContent{Content: "not a root"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "not a declared root subject")
}

func TestVisit(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "x\n")
	_, err := f.graph.GetProduct(context.Background(), session(1),
		rules.TypeOf[lineCount](), filePath{Path: "a.txt"})
	require.NoError(t, err)

	var infos []NodeInfo
	f.graph.Visit(func(info NodeInfo) { infos = append(infos, info) })
	require.Len(t, infos, 2)

	byRule := make(map[string]NodeInfo)
	for _, info := range infos {
		byRule[info.Rule] = info
		assert.Equal(t, "completed", info.State)
	}
	require.Contains(t, byRule, "count_lines")
	require.Contains(t, byRule, "read_file")
	assert.Equal(t, []uint64{byRule["read_file"].ID}, byRule["count_lines"].DepIDs)
}
