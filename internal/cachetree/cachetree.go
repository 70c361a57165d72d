// Package cachetree is the in-memory and on-disk representation of the
// precomputed cache: a directory tree whose nodes are either directories
// (with sorted children) or files (carrying a stat record plus whatever
// content the builder decided was worth caching for that file).
package cachetree

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/finnboeger/ultrastarfs/internal/statrecord"
)

// Kind discriminates a directory node from a file node.
type Kind int

const (
	KindDirectory Kind = iota
	KindFile
)

// Entry is one node of the cache tree. Directory nodes populate Children
// (kept sorted by Name) and leave the content fields empty; file nodes
// populate Stat and, optionally, LyricCached/AudioPrefixCached/CoverPath.
type Entry struct {
	Name     string            `json:"name"`
	Kind     Kind              `json:"kind"`
	Stat     statrecord.Record `json:"stat"`
	Children []*Entry          `json:"children,omitempty"`

	// LyricCached records that this file's full contents were written as
	// an archive member under its own source-relative path. The content
	// itself lives in the archive, not in the manifest, so the archive
	// stays bit-exact with a plain extraction of the cached files.
	LyricCached bool `json:"lyric_cached,omitempty"`

	// AudioPrefixCached records that this file's leading bytes were
	// written as an archive member named "<relative path>.part".
	AudioPrefixCached bool `json:"audio_prefix_cached,omitempty"`

	// CoverPath is the source-relative path to the cover image discovered
	// via this song's #COVER: tag, if any. Empty when the file isn't a
	// lyric file or carries no cover tag.
	CoverPath string `json:"cover_path,omitempty"`
}

// NewDirectory builds an empty directory node.
func NewDirectory(name string, stat statrecord.Record) *Entry {
	return &Entry{Name: name, Kind: KindDirectory, Stat: stat}
}

// NewFile builds a file node with no cached content yet.
func NewFile(name string, stat statrecord.Record) *Entry {
	return &Entry{Name: name, Kind: KindFile, Stat: stat}
}

// ErrNotDirectory is returned when an operation that requires a directory
// node (AddChild, descending through Find) hits a file node instead.
var ErrNotDirectory = fmt.Errorf("cachetree: not a directory")

// ErrDuplicateName is returned by AddChild when a child with that name is
// already present.
var ErrDuplicateName = fmt.Errorf("cachetree: duplicate child name")

// ErrNotFound is returned by Find when no entry exists at the given path.
var ErrNotFound = fmt.Errorf("cachetree: entry not found")

// AddChild inserts child into d's children, keeping the slice sorted by
// Name. d must be a directory node and must not already contain a child
// with that name.
func (d *Entry) AddChild(child *Entry) error {
	if d.Kind != KindDirectory {
		return ErrNotDirectory
	}
	i := sort.Search(len(d.Children), func(i int) bool {
		return d.Children[i].Name >= child.Name
	})
	if i < len(d.Children) && d.Children[i].Name == child.Name {
		return fmt.Errorf("%w: %q", ErrDuplicateName, child.Name)
	}
	d.Children = append(d.Children, nil)
	copy(d.Children[i+1:], d.Children[i:])
	d.Children[i] = child
	return nil
}

// Child performs a binary search for name among d's sorted children.
func (d *Entry) Child(name string) (*Entry, bool) {
	if d.Kind != KindDirectory {
		return nil, false
	}
	i := sort.Search(len(d.Children), func(i int) bool {
		return d.Children[i].Name >= name
	})
	if i < len(d.Children) && d.Children[i].Name == name {
		return d.Children[i], true
	}
	return nil, false
}

// normalizePath strips a leading "/" or "./" and trailing slashes, and
// cleans the result, so "/a/b/", "a/b", and "./a/b" all address the same
// node.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" || p == "." {
		return ""
	}
	return path.Clean(p)
}

// Find descends from root following the "/"-separated path, returning the
// entry at that path. An empty (or "."/"/") path returns root itself.
func Find(root *Entry, p string) (*Entry, error) {
	p = normalizePath(p)
	if p == "" {
		return root, nil
	}
	cur := root
	for _, part := range strings.Split(p, "/") {
		if cur.Kind != KindDirectory {
			return nil, ErrNotDirectory
		}
		child, ok := cur.Child(part)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, p)
		}
		cur = child
	}
	return cur, nil
}

// Insert walks from root, creating intermediate directory nodes as needed
// (with a zero-value Stat; nothing fills it in later), and attaches leaf at
// the final path component. The builder does not rely on these nodes: its
// top-down walk reaches each directory before its children and inserts it
// with its own stat.
func Insert(root *Entry, p string, leaf *Entry) error {
	p = normalizePath(p)
	if p == "" {
		return fmt.Errorf("cachetree: cannot insert at root path")
	}
	parts := strings.Split(p, "/")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		if cur.Kind != KindDirectory {
			return ErrNotDirectory
		}
		child, ok := cur.Child(part)
		if !ok {
			child = NewDirectory(part, statrecord.Record{Kind: statrecord.KindDirectory})
			if err := cur.AddChild(child); err != nil {
				return err
			}
		}
		cur = child
	}
	leaf.Name = parts[len(parts)-1]
	return cur.AddChild(leaf)
}

// IterFiles walks the tree depth-first in sorted order, invoking fn with
// each file entry's "/"-joined path relative to root. Directory nodes are
// not passed to fn. fn's error aborts the walk and is returned verbatim.
func IterFiles(root *Entry, fn func(relPath string, e *Entry) error) error {
	return iter(root, "", fn)
}

func iter(e *Entry, prefix string, fn func(string, *Entry) error) error {
	switch e.Kind {
	case KindFile:
		return fn(prefix, e)
	case KindDirectory:
		for _, child := range e.Children {
			childPath := child.Name
			if prefix != "" {
				childPath = prefix + "/" + child.Name
			}
			if err := iter(child, childPath, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Encode serializes root as pretty-printed JSON to w.
func Encode(w io.Writer, root *Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(root)
}

// Decode reads a tree previously written by Encode.
func Decode(r io.Reader) (*Entry, error) {
	var root Entry
	dec := json.NewDecoder(r)
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("cachetree: decode: %w", err)
	}
	return &root, nil
}
