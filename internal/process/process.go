// Package process defines the process-execution capability the engine
// consumes. The engine only issues requests and receives results; where and
// how a process actually runs (locally, remotely, sandboxed) belongs to the
// executor implementation.
package process

import (
	"context"

	"github.com/buildweave/weave/internal/store"
)

// Request describes one process execution. The input digest is materialized
// into the process's working directory before it starts; the declared output
// paths are captured back into the store when it exits.
type Request struct {
	Argv              []string
	Env               map[string]string
	InputDigest       store.Digest
	OutputFiles       []string
	OutputDirectories []string
	Desc              string
}

// Result is the outcome of one executed Request.
type Result struct {
	ExitCode     int
	Stdout       []byte
	Stderr       []byte
	OutputDigest store.Digest
}

// Executor runs process requests. Implementations must honor context
// cancellation by killing the underlying process.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}
