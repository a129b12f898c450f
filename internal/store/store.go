// Package store is a content-addressed file store backed by an embedded
// badger database. Files and directory trees are stored under their sha256
// digest; the engine consumes the store through capture/merge/materialize
// operations and never depends on the on-disk layout.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/buildweave/weave/internal/fsutil"
)

// Digest is a content-addressed reference to a file or directory tree.
type Digest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// IsZero reports whether the digest references nothing.
func (d Digest) IsZero() bool { return d.Hash == "" }

func (d Digest) String() string {
	if d.IsZero() {
		return "<empty>"
	}
	return fmt.Sprintf("%s (%d bytes)", d.Hash[:12], d.SizeBytes)
}

// Snapshot pairs a directory digest with the relative paths it contains.
type Snapshot struct {
	Digest Digest
	Files  []string
}

// treeEntry is one child of a serialized directory node.
type treeEntry struct {
	Name   string `json:"name"`
	Digest Digest `json:"digest"`
	IsDir  bool   `json:"is_dir"`
}

const (
	blobPrefix = "blob/"
	treePrefix = "tree/"
)

// Store is the badger-backed content-addressed store.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) a store rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening content store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Capture snapshots the files under root matching the given glob patterns.
func (s *Store) Capture(ctx context.Context, root string, patterns []string) (Snapshot, error) {
	paths, err := fsutil.ExpandGlobs(root, patterns)
	if err != nil {
		return Snapshot{}, fmt.Errorf("expanding globs %v: %w", patterns, err)
	}
	files := make(map[string][]byte, len(paths))
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return Snapshot{}, fmt.Errorf("reading %s: %w", rel, err)
		}
		files[rel] = content
	}
	return s.SnapshotOf(files)
}

// SnapshotOf stores the given relative-path to content mapping and returns
// its snapshot.
func (s *Store) SnapshotOf(files map[string][]byte) (Snapshot, error) {
	flat := make(map[string]Digest, len(files))
	err := s.db.Update(func(txn *badger.Txn) error {
		for rel, content := range files {
			d := digestOf(content)
			if err := txn.Set([]byte(blobPrefix+d.Hash), append([]byte(nil), content...)); err != nil {
				return err
			}
			flat[normalize(rel)] = d
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("storing blobs: %w", err)
	}

	root, err := s.buildTree(flat)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Digest: root, Files: sortedKeys(flat)}, nil
}

// MergeDirectories combines directory digests into one. It fails if two
// inputs disagree about the content at the same path, or if a path is a file
// in one input and a directory in another.
func (s *Store) MergeDirectories(digests []Digest) (Digest, error) {
	merged := make(map[string]Digest)
	for _, d := range digests {
		flat, err := s.flatten(d)
		if err != nil {
			return Digest{}, err
		}
		for rel, fd := range flat {
			if prev, ok := merged[rel]; ok && prev != fd {
				return Digest{}, fmt.Errorf("merge conflict at %q: %s vs %s", rel, prev, fd)
			}
			merged[rel] = fd
		}
	}
	// A file in one tree must not be a directory in another.
	for rel := range merged {
		for other := range merged {
			if strings.HasPrefix(other, rel+"/") {
				return Digest{}, fmt.Errorf("merge conflict at %q: path is both a file and a directory", rel)
			}
		}
	}
	return s.buildTree(merged)
}

// MaterializeTarget names a destination directory for one digest.
type MaterializeTarget struct {
	Digest Digest
	Path   string
}

// MaterializeDirectories writes each digest's tree under its target path.
// It fails before writing anything if two target paths overlap.
func (s *Store) MaterializeDirectories(targets []MaterializeTarget) error {
	for i, a := range targets {
		for _, b := range targets[i+1:] {
			ap, bp := filepath.Clean(a.Path), filepath.Clean(b.Path)
			if ap == bp || strings.HasPrefix(ap, bp+string(filepath.Separator)) ||
				strings.HasPrefix(bp, ap+string(filepath.Separator)) {
				return fmt.Errorf("materialize targets overlap: %q and %q", a.Path, b.Path)
			}
		}
	}
	for _, target := range targets {
		contents, err := s.Contents(target.Digest)
		if err != nil {
			return err
		}
		for rel, content := range contents {
			dest := filepath.Join(target.Path, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("materializing %s: %w", dest, err)
			}
			if err := os.WriteFile(dest, content, 0o644); err != nil {
				return fmt.Errorf("materializing %s: %w", dest, err)
			}
		}
	}
	return nil
}

// AddPrefix returns a new directory digest with every path of the input
// nested under prefix.
func (s *Store) AddPrefix(d Digest, prefix string) (Digest, error) {
	flat, err := s.flatten(d)
	if err != nil {
		return Digest{}, err
	}
	prefixed := make(map[string]Digest, len(flat))
	for rel, fd := range flat {
		prefixed[normalize(prefix)+"/"+rel] = fd
	}
	return s.buildTree(prefixed)
}

// Contents loads every file under a directory digest.
func (s *Store) Contents(d Digest) (map[string][]byte, error) {
	flat, err := s.flatten(d)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(flat))
	err = s.db.View(func(txn *badger.Txn) error {
		for rel, fd := range flat {
			item, err := txn.Get([]byte(blobPrefix + fd.Hash))
			if err != nil {
				return fmt.Errorf("blob %s for %q: %w", fd.Hash[:12], rel, err)
			}
			content, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[rel] = content
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// flatten resolves a directory digest into relative file paths and their
// file digests.
func (s *Store) flatten(d Digest) (map[string]Digest, error) {
	if d.IsZero() {
		return map[string]Digest{}, nil
	}
	out := make(map[string]Digest)
	err := s.db.View(func(txn *badger.Txn) error {
		var walk func(dir Digest, base string) error
		walk = func(dir Digest, base string) error {
			item, err := txn.Get([]byte(treePrefix + dir.Hash))
			if err != nil {
				return fmt.Errorf("tree %s: %w", dir.Hash[:12], err)
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var entries []treeEntry
			if err := json.Unmarshal(raw, &entries); err != nil {
				return fmt.Errorf("decoding tree %s: %w", dir.Hash[:12], err)
			}
			for _, e := range entries {
				rel := e.Name
				if base != "" {
					rel = base + "/" + e.Name
				}
				if e.IsDir {
					if err := walk(e.Digest, rel); err != nil {
						return err
					}
				} else {
					out[rel] = e.Digest
				}
			}
			return nil
		}
		return walk(d, "")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// buildTree writes the directory nodes for a flat path mapping bottom-up and
// returns the root digest.
func (s *Store) buildTree(files map[string]Digest) (Digest, error) {
	var root Digest
	err := s.db.Update(func(txn *badger.Txn) error {
		var build func(subset map[string]Digest) (Digest, error)
		build = func(subset map[string]Digest) (Digest, error) {
			children := make(map[string]map[string]Digest)
			var entries []treeEntry
			for rel, fd := range subset {
				head, rest, nested := strings.Cut(rel, "/")
				if !nested {
					entries = append(entries, treeEntry{Name: head, Digest: fd})
					continue
				}
				if children[head] == nil {
					children[head] = make(map[string]Digest)
				}
				children[head][rest] = fd
			}
			for name, sub := range children {
				child, err := build(sub)
				if err != nil {
					return Digest{}, err
				}
				entries = append(entries, treeEntry{Name: name, Digest: child, IsDir: true})
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

			raw, err := json.Marshal(entries)
			if err != nil {
				return Digest{}, err
			}
			d := digestOf(raw)
			var size int64
			for _, e := range entries {
				size += e.Digest.SizeBytes
			}
			d.SizeBytes = size
			if err := txn.Set([]byte(treePrefix+d.Hash), raw); err != nil {
				return Digest{}, err
			}
			return d, nil
		}
		var err error
		root, err = build(files)
		return err
	})
	if err != nil {
		return Digest{}, fmt.Errorf("storing tree: %w", err)
	}
	return root, nil
}

func digestOf(content []byte) Digest {
	sum := sha256.Sum256(content)
	return Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(content))}
}

func normalize(rel string) string {
	return strings.Trim(filepath.ToSlash(rel), "/")
}

func sortedKeys(m map[string]Digest) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
