package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"

	"github.com/buildweave/weave/internal/ctxlog"
	"github.com/buildweave/weave/internal/session"
	"github.com/buildweave/weave/internal/watch"
)

// RunGoal executes one exit-code-bearing root and returns its exit code. An
// interrupt maps to code 130, the conventional SIGINT exit status.
func (a *App) RunGoal(ctx context.Context, product reflect.Type, subject any) (int, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	sess := session.New(a.sched)
	a.logger.Debug("Executing goal.", "product", product.String(), "run_id", sess.RunID())

	code, err := sess.RunGoalRule(ctx, product, subject)
	a.logWorkunits(sess)
	if err != nil {
		if errors.Is(err, session.ErrInterrupted) {
			a.logger.Warn("Interrupted by user.")
			return 130, nil
		}
		a.logger.Error("Goal failed.", "error", err)
	}

	if a.cfg.VisualizeTo != "" {
		if vizErr := a.writeVisualizations(); vizErr != nil {
			a.logger.Warn("Writing visualizations failed.", "error", vizErr)
		}
	}
	return code, err
}

// WatchGoal runs the goal, then re-runs it whenever its value changes. The
// filesystem watcher feeds invalidations; poll mode blocks until a root's
// value actually differs, so untouched results do not re-render.
func (a *App) WatchGoal(ctx context.Context, product reflect.Type, subject any) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	watcher, err := watch.New(a.cfg.BuildRoot, a.cfg.Debounce(), a.sched)
	if err != nil {
		return fmt.Errorf("starting filesystem watcher: %w", err)
	}
	defer watcher.Close()
	go func() { _ = watcher.Run(ctx) }()
	a.logger.Info("Watching for changes.", "build_root", a.cfg.BuildRoot)

	sess := session.New(a.sched)
	req := sess.NewExecutionRequest([]reflect.Type{product}, []any{subject},
		session.WithPoll(), session.WithPollDelay(a.cfg.Debounce()))

	for {
		sess.NewRunID()
		returns, throws, err := sess.Execute(ctx, req)
		if err != nil {
			if errors.Is(err, session.ErrInterrupted) {
				a.logger.Info("Watch stopped.")
				return nil
			}
			return err
		}
		for _, ret := range returns {
			a.logger.Info("Goal recomputed.", "root", ret.Root.String(), "value", fmt.Sprintf("%+v", ret.Value))
		}
		for _, throw := range throws {
			a.logger.Error("Goal failed.", "root", throw.Root.String(), "error", throw.Err)
		}
		a.logWorkunits(sess)
	}
}

// Visualize writes the requested graph in dot format. kind is "rules" for
// the static rule graph or "nodes" for the current node graph.
func (a *App) Visualize(w io.Writer, kind string) error {
	switch kind {
	case "rules":
		return a.sched.VisualizeRuleGraph(w)
	case "nodes":
		return a.sched.VisualizeGraph(w)
	default:
		return fmt.Errorf("unknown visualization kind %q (want \"rules\" or \"nodes\")", kind)
	}
}

func (a *App) writeVisualizations() error {
	dir := a.cfg.VisualizeTo
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, kind := range map[string]string{"rule_graph.dot": "rules", "node_graph.dot": "nodes"} {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if err := a.Visualize(f, kind); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	a.logger.Debug("Visualizations written.", "dir", dir)
	return nil
}

func (a *App) logWorkunits(sess *session.Session) {
	_, completed := sess.PollWorkunits()
	if len(completed) > 0 {
		a.logger.Debug("Workunits completed.", "count", len(completed))
	}
}
