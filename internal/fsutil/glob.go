// Package fsutil provides file system utility functions.
package fsutil

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ExpandGlobs walks root and returns the relative paths of all regular files
// matching at least one of the given patterns. Patterns use filepath.Match
// syntax, with the addition that a "**/" prefix matches files at any depth.
// Results are sorted lexicographically so callers get a stable order.
func ExpandGlobs(root string, patterns []string) ([]string, error) {
	var matched []string
	seen := make(map[string]struct{})

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range patterns {
			ok, err := matchGlob(pattern, rel)
			if err != nil {
				return err
			}
			if ok {
				if _, dup := seen[rel]; !dup {
					seen[rel] = struct{}{}
					matched = append(matched, rel)
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(matched)
	return matched, nil
}

// matchGlob matches a single pattern against a slash-separated relative
// path. A "**" segment matches any number of path segments, including none.
func matchGlob(pattern, rel string) (bool, error) {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, parts []string) (bool, error) {
	if len(pat) == 0 {
		return len(parts) == 0, nil
	}
	if pat[0] == "**" {
		for skip := 0; skip <= len(parts); skip++ {
			ok, err := matchSegments(pat[1:], parts[skip:])
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	if len(parts) == 0 {
		return false, nil
	}
	ok, err := filepath.Match(pat[0], parts[0])
	if err != nil || !ok {
		return ok, err
	}
	return matchSegments(pat[1:], parts[1:])
}
