package process

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildweave/weave/internal/store"
)

func newExecutor(t *testing.T) (*LocalExecutor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewLocalExecutor(s, t.TempDir()), s
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on a POSIX shell")
	}
}

func TestLocalExecutor(t *testing.T) {
	requireUnix(t)
	exec, s := newExecutor(t)
	ctx := context.Background()

	t.Run("captures stdout and exit code", func(t *testing.T) {
		result, err := exec.Execute(ctx, Request{
			Argv: []string{"sh", "-c", "echo hello"},
			Desc: "greet",
		})
		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "hello\n", string(result.Stdout))
		assert.True(t, result.OutputDigest.IsZero())
	})

	t.Run("non-zero exit is a result, not an error", func(t *testing.T) {
		result, err := exec.Execute(ctx, Request{
			Argv: []string{"sh", "-c", "echo oops >&2; exit 3"},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, result.ExitCode)
		assert.Equal(t, "oops\n", string(result.Stderr))
	})

	t.Run("materializes input and captures declared outputs", func(t *testing.T) {
		snap, err := s.SnapshotOf(map[string][]byte{"in.txt": []byte("x\ny\n")})
		require.NoError(t, err)

		result, err := exec.Execute(ctx, Request{
			Argv:        []string{"sh", "-c", "wc -l < in.txt > out.txt"},
			InputDigest: snap.Digest,
			OutputFiles: []string{"out.txt"},
		})
		require.NoError(t, err)
		require.Equal(t, 0, result.ExitCode)
		require.False(t, result.OutputDigest.IsZero())

		contents, err := s.Contents(result.OutputDigest)
		require.NoError(t, err)
		require.Contains(t, contents, "out.txt")
		assert.Contains(t, string(contents["out.txt"]), "2")
	})

	t.Run("empty argv fails", func(t *testing.T) {
		_, err := exec.Execute(ctx, Request{})
		require.Error(t, err)
		assert.ErrorContains(t, err, "empty argv")
	})
}
