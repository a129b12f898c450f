// Package session is the per-invocation execution surface. A session holds a
// run ID and a workunit sink against the shared scheduler; graph state
// (memoized node values) lives in the scheduler and survives sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buildweave/weave/internal/nodegraph"
	"github.com/buildweave/weave/internal/scheduler"
	"github.com/buildweave/weave/internal/workunit"
)

// Error kinds a client can branch on with errors.Is. A timeout fails the
// whole request atomically; an interrupt is distinguished from rule failures
// so the client can render "interrupted" instead of a traceback.
var (
	ErrTimeout     = errors.New("execution timed out")
	ErrInterrupted = errors.New("execution interrupted")
)

// Session drives execution requests for one build invocation. Watch loops
// reuse one session across iterations, bumping the run ID per iteration so
// uncacheable rules re-run.
type Session struct {
	sched *scheduler.Scheduler
	sink  *workunit.Sink

	mu       sync.Mutex
	runID    uint64
	observed map[string]observed
}

type observed struct {
	value  any
	errMsg string
}

// New creates a session against the scheduler.
func New(sched *scheduler.Scheduler) *Session {
	return &Session{
		sched:    sched,
		sink:     workunit.NewSink(),
		runID:    sched.NextRunID(),
		observed: make(map[string]observed),
	}
}

// RunID returns the session's current run ID.
func (s *Session) RunID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// NewRunID advances to a fresh run ID. Watch mode calls this per iteration so
// uncacheable rules recompute while cacheable values stay hot.
func (s *Session) NewRunID() uint64 {
	id := s.sched.NextRunID()
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
	return id
}

// Root is one (subject, product) evaluation entry point.
type Root struct {
	Subject any
	Product reflect.Type
}

func (r Root) String() string {
	return fmt.Sprintf("%s for %+v", r.Product, r.Subject)
}

func (r Root) key() string {
	return fmt.Sprintf("%s|%T|%+v", r.Product, r.Subject, r.Subject)
}

// ExecutionRequest is an ordered set of roots plus execution options.
type ExecutionRequest struct {
	Roots     []Root
	Poll      bool
	PollDelay time.Duration
	Timeout   time.Duration
}

// Option configures an ExecutionRequest.
type Option func(*ExecutionRequest)

// WithPoll makes roots resolve only when their value differs from the one
// this session previously observed for the same root.
func WithPoll() Option {
	return func(r *ExecutionRequest) { r.Poll = true }
}

// WithPollDelay debounces poll mode: after a change wakes a root, wait this
// long before recomputing.
func WithPollDelay(d time.Duration) Option {
	return func(r *ExecutionRequest) { r.PollDelay = d }
}

// WithTimeout fails the whole request with ErrTimeout if not all roots
// resolve in time. No partial results are returned.
func WithTimeout(d time.Duration) Option {
	return func(r *ExecutionRequest) { r.Timeout = d }
}

// NewExecutionRequest builds the root set as the literal cross product of
// subjects and products, subjects outermost, in provided order. Identical
// pairs are not deduplicated: callers that zip results back to their inputs
// rely on a 1:1 root-per-input mapping.
func (s *Session) NewExecutionRequest(products []reflect.Type, subjects []any, opts ...Option) ExecutionRequest {
	req := ExecutionRequest{Roots: make([]Root, 0, len(products)*len(subjects))}
	for _, subject := range subjects {
		for _, product := range products {
			req.Roots = append(req.Roots, Root{Subject: subject, Product: product})
		}
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// Return is a successfully resolved root.
type Return struct {
	Root  Root
	Value any
}

// Throw is a failed root. Err is the rule failure, usually a
// *nodegraph.Throw carrying the engine traceback.
type Throw struct {
	Root Root
	Err  error
}

// Execute evaluates every root concurrently and partitions the results,
// preserving root order within each list, into returns and throws. Rule
// failures land in throws; the returned error is reserved for request-level
// failures (timeout, interrupt), in which case no results are returned.
//
// In poll mode every root compares against a snapshot of the observations
// taken at the start of the call, and the new observations are committed
// only after the whole iteration resolves. Duplicate identical roots
// therefore all resolve against the same previous value rather than racing
// each other's freshly recorded one.
func (s *Session) Execute(ctx context.Context, req ExecutionRequest) ([]Return, []Throw, error) {
	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	var prev map[string]observed
	if req.Poll {
		prev = s.snapshotObserved()
	}

	type outcome struct {
		value any
		err   error
	}
	outcomes := make([]outcome, len(req.Roots))

	eg, egCtx := errgroup.WithContext(execCtx)
	for i, root := range req.Roots {
		eg.Go(func() error {
			value, err := s.resolveRoot(egCtx, root, req, prev)
			if err != nil && egCtx.Err() != nil {
				return egCtx.Err()
			}
			outcomes[i] = outcome{value: value, err: err}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && req.Timeout > 0:
			return nil, nil, fmt.Errorf("request did not resolve within %s: %w", req.Timeout, ErrTimeout)
		case errors.Is(err, context.Canceled):
			return nil, nil, fmt.Errorf("request canceled: %w", ErrInterrupted)
		default:
			return nil, nil, err
		}
	}

	if req.Poll {
		s.mu.Lock()
		for i, root := range req.Roots {
			s.observed[root.key()] = newObserved(outcomes[i].value, outcomes[i].err)
		}
		s.mu.Unlock()
	}

	var returns []Return
	var throws []Throw
	for i, root := range req.Roots {
		if outcomes[i].err != nil {
			throws = append(throws, Throw{Root: root, Err: outcomes[i].err})
			continue
		}
		returns = append(returns, Return{Root: root, Value: outcomes[i].value})
	}
	return returns, throws, nil
}

// resolveRoot computes one root, looping in poll mode until the result
// differs from the observation snapshot of the previous iteration. The
// invalidation epoch channel is captured before each computation so a change
// landing during the computation is never missed.
func (s *Session) resolveRoot(ctx context.Context, root Root, req ExecutionRequest, prev map[string]observed) (any, error) {
	graph := s.sched.Graph()
	handle := nodegraph.SessionHandle{RunID: s.RunID(), Sink: s.sink}
	key := root.key()

	for {
		epoch := graph.InvalidationEpoch()

		value, err := graph.GetProduct(ctx, handle, root.Product, root.Subject)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !req.Poll || changedSince(prev, key, newObserved(value, err)) {
			return value, err
		}

		select {
		case <-epoch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if req.PollDelay > 0 {
			timer := time.NewTimer(req.PollDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
}

func newObserved(value any, err error) observed {
	result := observed{value: value}
	if err != nil {
		result.errMsg = err.Error()
	}
	return result
}

// snapshotObserved copies the session's observations so one poll iteration
// compares against a stable view.
func (s *Session) snapshotObserved() map[string]observed {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]observed, len(s.observed))
	for k, v := range s.observed {
		snap[k] = v
	}
	return snap
}

// changedSince reports whether the result differs from the snapshot's
// observation for the root. An unseen root always counts as changed.
func changedSince(prev map[string]observed, key string, result observed) bool {
	before, seen := prev[key]
	if !seen {
		return true
	}
	return before.errMsg != result.errMsg || !reflect.DeepEqual(before.value, result.value)
}

// ExecutionError aggregates every failed root of a request. All failures are
// reported together, each tagged with its originating root, rather than only
// the first.
type ExecutionError struct {
	Throws []Throw
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d root(s) failed:", len(e.Throws))
	for _, t := range e.Throws {
		fmt.Fprintf(&b, "\n- %s: %v", t.Root, t.Err)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() []error {
	errs := make([]error, len(e.Throws))
	for i, t := range e.Throws {
		errs[i] = t.Err
	}
	return errs
}

// ProductRequest resolves one product for each subject and returns the
// values in subject order. If any root threw, the error is an
// *ExecutionError wrapping all throws and no values are returned.
func (s *Session) ProductRequest(ctx context.Context, product reflect.Type, subjects []any, opts ...Option) ([]any, error) {
	req := s.NewExecutionRequest([]reflect.Type{product}, subjects, opts...)
	returns, throws, err := s.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(throws) > 0 {
		return nil, &ExecutionError{Throws: throws}
	}
	values := make([]any, len(returns))
	for i, ret := range returns {
		values[i] = ret.Value
	}
	return values, nil
}

// Goal is implemented by products that carry a process exit code.
type Goal interface {
	ExitCode() int
}

// RunGoalRule executes a single exit-code-bearing root and maps its
// resolution to a process exit code. Rule failures yield exit code 1 along
// with the failure; request-level failures propagate as-is.
func (s *Session) RunGoalRule(ctx context.Context, product reflect.Type, subject any, opts ...Option) (int, error) {
	req := s.NewExecutionRequest([]reflect.Type{product}, []any{subject}, opts...)
	returns, throws, err := s.Execute(ctx, req)
	if err != nil {
		return 1, err
	}
	if len(throws) > 0 {
		return 1, throws[0].Err
	}
	switch v := returns[0].Value.(type) {
	case Goal:
		return v.ExitCode(), nil
	case int:
		return v, nil
	default:
		return 1, fmt.Errorf("goal product %s does not carry an exit code", product)
	}
}

// PollWorkunits drains the workunit events observed since the previous poll.
func (s *Session) PollWorkunits() (started, completed []workunit.Workunit) {
	return s.sink.Poll()
}

// Metrics snapshots the engine counters.
func (s *Session) Metrics() map[string]int64 {
	return s.sched.Metrics()
}
