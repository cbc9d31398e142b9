package fsx

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ChildFilter restricts iteration to children matching a name predicate and
// optional is_dir predicate.
type ChildFilter struct {
	NamePredicate func(name string) bool
	IsDir         *bool // nil: no restriction
	Recurse       bool
	FollowSymlink bool
}

// Children returns the lazy, sorted sequence of nativeDir's children
// matching filter, as a slice (Go has no generator syntax as light as the
// source's iterator; callers needing true laziness can range incrementally
// by calling Children per subdirectory instead).
func Children(nativeDir string, filter ChildFilter) ([]string, error) {
	var out []string
	entries, err := os.ReadDir(nativeDir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if filter.NamePredicate != nil && !filter.NamePredicate(e.Name()) {
			continue
		}
		full := filepath.Join(nativeDir, e.Name())
		isDir := e.IsDir()
		if e.Type()&os.ModeSymlink != 0 && filter.FollowSymlink {
			if info, err := os.Stat(full); err == nil {
				isDir = info.IsDir()
			}
		}
		if filter.IsDir != nil && *filter.IsDir != isDir {
			continue
		}
		out = append(out, full)
		if isDir && filter.Recurse {
			children, err := Children(full, filter)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
		}
	}
	return out, nil
}

// PropagateMtime walks the subtree rooted at nativeDir and raises the
// directory's mtime to the maximum mtime among its matching descendants, a
// coarse-grained "did anything change" signal useful when a single
// aggregate mtime must summarize a whole tree.
func PropagateMtime(nativeDir string, filter ChildFilter) error {
	children, err := Children(nativeDir, ChildFilter{
		NamePredicate: filter.NamePredicate,
		Recurse:       true,
		FollowSymlink: filter.FollowSymlink,
	})
	if err != nil {
		return err
	}
	var maxMtime int64 = -1
	for _, c := range children {
		info, err := os.Lstat(c)
		if err != nil {
			continue
		}
		if filter.IsDir != nil && *filter.IsDir != info.IsDir() {
			continue
		}
		if n := info.ModTime().UnixNano(); n > maxMtime {
			maxMtime = n
		}
	}
	if maxMtime < 0 {
		return nil
	}
	if info, err := os.Stat(nativeDir); err == nil && info.ModTime().UnixNano() >= maxMtime {
		return nil
	}
	t := time.Unix(0, maxMtime)
	return os.Chtimes(nativeDir, t, t)
}
