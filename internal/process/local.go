package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/buildweave/weave/internal/ctxlog"
	"github.com/buildweave/weave/internal/store"
)

// LocalExecutor runs requests in throwaway scratch directories on the local
// machine. Each execution materializes the input digest, runs the process,
// and captures the declared outputs back into the store.
type LocalExecutor struct {
	store      *store.Store
	scratchDir string
}

// NewLocalExecutor creates an executor writing scratch directories under
// scratchDir.
func NewLocalExecutor(s *store.Store, scratchDir string) *LocalExecutor {
	return &LocalExecutor{store: s, scratchDir: scratchDir}
}

// Execute implements Executor. A non-zero exit code is not an error: it is
// reported through Result.ExitCode so rules can decide what failure means.
func (e *LocalExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	if len(req.Argv) == 0 {
		return Result{}, errors.New("process request has empty argv")
	}

	workDir, err := os.MkdirTemp(e.scratchDir, "weave-exec-")
	if err != nil {
		return Result{}, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if !req.InputDigest.IsZero() {
		err := e.store.MaterializeDirectories([]store.MaterializeTarget{
			{Digest: req.InputDigest, Path: workDir},
		})
		if err != nil {
			return Result{}, fmt.Errorf("materializing process input: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = flattenEnv(req.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Executing process.", "argv", req.Argv, "desc", req.Desc)
	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("executing %q: %w", req.Argv[0], runErr)
		}
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	outputDigest, err := e.captureOutputs(ctx, workDir, req)
	if err != nil {
		return Result{}, err
	}

	return Result{
		ExitCode:     exitCode,
		Stdout:       stdout.Bytes(),
		Stderr:       stderr.Bytes(),
		OutputDigest: outputDigest,
	}, nil
}

// captureOutputs snapshots the declared output files and directories from
// the scratch dir.
func (e *LocalExecutor) captureOutputs(ctx context.Context, workDir string, req Request) (store.Digest, error) {
	var patterns []string
	patterns = append(patterns, req.OutputFiles...)
	for _, dir := range req.OutputDirectories {
		patterns = append(patterns, dir+"/*", dir+"/**/*")
	}
	if len(patterns) == 0 {
		return store.Digest{}, nil
	}
	snap, err := e.store.Capture(ctx, workDir, patterns)
	if err != nil {
		return store.Digest{}, fmt.Errorf("capturing process outputs: %w", err)
	}
	return snap.Digest, nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
