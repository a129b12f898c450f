// Package cli defines the cobra command tree for the weave binary.
package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/buildweave/weave/internal/app"
	"github.com/buildweave/weave/internal/rules"
)

// ExitError carries a specific process exit code up to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// RootOptions holds the global flags shared by all subcommands.
type RootOptions struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	MetricsPort int
}

var validLogLevels = []string{"debug", "info", "warn", "error"}

// NewRootCommand creates the weave root command.
func NewRootCommand(outW io.Writer) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "weave",
		Short:         "weave - an incremental, memoizing rule-graph build engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogLevel != "" && !contains(validLogLevels, strings.ToLower(opts.LogLevel)) {
				return fmt.Errorf("invalid log-level %q: must be one of %v", opts.LogLevel, validLogLevels)
			}
			if opts.LogFormat != "" && opts.LogFormat != "text" && opts.LogFormat != "json" {
				return fmt.Errorf("invalid log-format %q: must be 'text' or 'json'", opts.LogFormat)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the weave.hcl configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format: text or json")
	cmd.PersistentFlags().IntVar(&opts.MetricsPort, "metrics-port", 0, "serve /metrics and /healthz on this port (0 disables)")

	cmd.AddCommand(newRunCommand(outW, opts))
	cmd.AddCommand(newWatchCommand(outW, opts))
	cmd.AddCommand(newVizCommand(outW, opts))
	return cmd
}

func newApp(outW io.Writer, opts *RootOptions) (*app.App, error) {
	return app.New(outW, app.Options{
		ConfigPath:  opts.ConfigPath,
		LogLevel:    opts.LogLevel,
		LogFormat:   opts.LogFormat,
		MetricsPort: opts.MetricsPort,
	})
}

func queryFromArgs(args []string) app.Query {
	if len(args) == 0 {
		args = []string{"**/*"}
	}
	return app.Query{Patterns: args}
}

func newRunCommand(outW io.Writer, opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [patterns...]",
		Short: "Execute the report goal once for the given glob patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(outW, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			code, err := a.RunGoal(ctx, rules.TypeOf[app.Report](), queryFromArgs(args))
			if err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			if code != 0 {
				return &ExitError{Code: code, Message: fmt.Sprintf("goal exited with code %d", code)}
			}
			return nil
		},
	}
}

func newWatchCommand(outW io.Writer, opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [patterns...]",
		Short: "Run the report goal continuously, recomputing on file changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(outW, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return a.WatchGoal(ctx, rules.TypeOf[app.Report](), queryFromArgs(args))
		},
	}
}

func newVizCommand(outW io.Writer, opts *RootOptions) *cobra.Command {
	var kind string
	var outPath string

	cmd := &cobra.Command{
		Use:   "viz",
		Short: "Export the rule graph (or node graph) in graphviz dot format",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(outW, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return a.Visualize(w, kind)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "rules", "graph to export: rules or nodes")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
