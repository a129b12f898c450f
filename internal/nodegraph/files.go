package nodegraph

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"

	"github.com/buildweave/weave/internal/fsutil"
)

// readFile reads a build-root-relative path and records it as a filesystem
// dependency of the evaluating node.
func (g *Graph) readFile(rel string, rec *recorder) ([]byte, error) {
	rel = normalizePath(rel)
	g.addRead(rec, rel)
	content, err := os.ReadFile(filepath.Join(g.buildRoot, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return content, nil
}

// glob expands patterns under the build root. The matched files, their
// ancestor directories, and the build root itself are all recorded as reads:
// a file appearing or disappearing invalidates its parent directory, which
// re-triggers the globbing node.
func (g *Graph) glob(patterns []string, rec *recorder) ([]string, error) {
	matches, err := fsutil.ExpandGlobs(g.buildRoot, patterns)
	if err != nil {
		return nil, fmt.Errorf("expanding globs %v: %w", patterns, err)
	}
	g.addRead(rec, ".")
	for _, rel := range matches {
		g.addRead(rec, rel)
		for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
			g.addRead(rec, dir)
		}
	}
	return matches, nil
}

func normalizePath(rel string) string {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "" || rel == "/" {
		return "."
	}
	return rel
}

// typeAccepts reports whether a declared input type can bind a value of the
// given concrete type.
func typeAccepts(declared, concrete reflect.Type) bool {
	if declared == concrete {
		return true
	}
	return declared.Kind() == reflect.Interface && concrete != nil && concrete.Implements(declared)
}
