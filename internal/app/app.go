// Package app wires the engine together for the weave binary: configuration,
// logging, the scheduler with its rule set, and the optional metrics server.
// Embedding applications with their own rules can use it the same way the CLI
// does.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"github.com/buildweave/weave/internal/config"
	"github.com/buildweave/weave/internal/rules"
	"github.com/buildweave/weave/internal/scheduler"
)

// Options configures an App instance. Zero-value fields fall back to the
// configuration file and its defaults; an empty rule set selects the built-in
// rules.
type Options struct {
	ConfigPath string

	// LogLevel and LogFormat override the config file when non-empty.
	LogLevel  string
	LogFormat string

	// MetricsPort serves /healthz and /metrics when positive.
	MetricsPort int

	Rules        []*rules.Rule
	Unions       []rules.UnionRule
	RootSubjects []reflect.Type
}

// App holds the application's dependencies and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.Config
	sched  *scheduler.Scheduler

	metricsSrv *metricsServer
}

// New loads configuration, configures logging, and constructs the validated
// scheduler. A rule graph defect is a startup error.
func New(outW io.Writer, opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}

	logger := newLogger(cfg.Log, outW)
	logger.Debug("Logger configured successfully.")

	ruleSet, unions, roots := opts.Rules, opts.Unions, opts.RootSubjects
	if len(ruleSet) == 0 {
		ruleSet, roots = builtinRules()
	}

	sched, err := scheduler.New(scheduler.Config{
		BuildRoot: cfg.BuildRoot,
		StoreDir:  cfg.StoreDir,
		Workers:   cfg.Workers,
	}, ruleSet, unions, roots)
	if err != nil {
		return nil, fmt.Errorf("building rule graph: %w", err)
	}
	logger.Debug("Rule graph validated.", "rules", len(ruleSet))

	a := &App{outW: outW, logger: logger, cfg: cfg, sched: sched}
	if opts.MetricsPort > 0 {
		a.metricsSrv = a.startMetricsServer(opts.MetricsPort)
	}
	return a, nil
}

// Close shuts down the metrics server and releases the scheduler.
func (a *App) Close() error {
	if a.metricsSrv != nil {
		a.metricsSrv.shutdown(a.logger)
	}
	return a.sched.Close()
}

// Scheduler exposes the engine, primarily for tests.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.cfg }
