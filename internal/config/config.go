// Package config loads the engine configuration from an HCL file. All
// settings have working defaults, so a missing file or an empty body yields a
// runnable configuration. HCL expressions may reference process environment
// variables through the `env` object, e.g. `store_dir = "${env.HOME}/.weave"`.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Log configures the structured logger.
type Log struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// Watch configures the filesystem watcher.
type Watch struct {
	DebounceMS int `hcl:"debounce_ms,optional"`
}

// Config is the decoded engine configuration.
type Config struct {
	BuildRoot   string `hcl:"build_root,optional"`
	StoreDir    string `hcl:"store_dir,optional"`
	Workers     int    `hcl:"workers,optional"`
	VisualizeTo string `hcl:"visualize_to,optional"`
	Log         *Log   `hcl:"log,block"`
	Watch       *Watch `hcl:"watch,block"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		BuildRoot: cwd,
		Workers:   runtime.GOMAXPROCS(0) * 2,
		Log:       &Log{Level: "info", Format: "text"},
		Watch:     &Watch{DebounceMS: 250},
	}
}

// Load parses and decodes the HCL file at path, filling unset fields from
// Default. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}

	var decoded Config
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &decoded); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", path, diags)
	}

	if decoded.BuildRoot != "" {
		cfg.BuildRoot = decoded.BuildRoot
	}
	if decoded.StoreDir != "" {
		cfg.StoreDir = decoded.StoreDir
	}
	if decoded.Workers > 0 {
		cfg.Workers = decoded.Workers
	}
	if decoded.VisualizeTo != "" {
		cfg.VisualizeTo = decoded.VisualizeTo
	}
	if decoded.Log != nil {
		if decoded.Log.Level != "" {
			cfg.Log.Level = decoded.Log.Level
		}
		if decoded.Log.Format != "" {
			cfg.Log.Format = decoded.Log.Format
		}
	}
	if decoded.Watch != nil && decoded.Watch.DebounceMS > 0 {
		cfg.Watch.DebounceMS = decoded.Watch.DebounceMS
	}
	return cfg, nil
}

// Debounce returns the watch debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

// evalContext exposes the process environment as the `env` object.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}
