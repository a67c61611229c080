package database

import (
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/ZanzyTHEbar/treesnap/treesnap/names"

	"github.com/armon/go-radix"
)

// PathIndexStats tracks the size of a path index and the lookups it served.
type PathIndexStats struct {
	TotalFiles       int64   `json:"totalFiles"`
	TotalDirectories int64   `json:"totalDirectories"`
	PathLookups      int64   `json:"pathLookups"`
	PrefixLookups    int64   `json:"prefixLookups"`
	AveragePathDepth float64 `json:"averagePathDepth"`
}

// PathEntry is the value stored per path. A file and a directory may share a
// path only in synthetic trees; on disk one of the two is always zero.
type PathEntry struct {
	File      names.FileName
	Directory names.DirectoryName
}

// PathIndex provides O(k) lookups by relative path using a compressed trie
// (patricia tree), where k is the length of the path being searched.
//
// Keys are slash separated paths relative to the snapshot root; the root
// itself is the empty key. The index is filled once by NewPathIndex and is
// read-only afterwards.
type PathIndex struct {
	tree             *radix.Tree
	totalFiles       int64
	totalDirectories int64
	averageDepth     float64

	pathLookups   atomic.Int64
	prefixLookups atomic.Int64
}

// NewPathIndex indexes every directory and file by its relative path.
func NewPathIndex(dirs []names.DirectoryName, files []names.FileName) *PathIndex {
	idx := &PathIndex{tree: radix.New()}

	totalDepth := 0
	for _, d := range dirs {
		key := normalizePath(d.RelativePath())
		entry := idx.get(key)
		entry.Directory = d
		idx.tree.Insert(key, entry)
		idx.totalDirectories++
		totalDepth += d.Depth()
	}
	for _, f := range files {
		key := normalizePath(f.RelativePath())
		entry := idx.get(key)
		entry.File = f
		idx.tree.Insert(key, entry)
		idx.totalFiles++
		totalDepth += f.Depth()
	}
	if n := idx.totalFiles + idx.totalDirectories; n > 0 {
		idx.averageDepth = float64(totalDepth) / float64(n)
	}
	return idx
}

func (idx *PathIndex) get(key string) PathEntry {
	if v, ok := idx.tree.Get(key); ok {
		return v.(PathEntry)
	}
	return PathEntry{}
}

// Lookup finds the entry stored at a relative path.
func (idx *PathIndex) Lookup(rel string) (PathEntry, bool) {
	idx.pathLookups.Add(1)
	v, ok := idx.tree.Get(normalizePath(rel))
	if !ok {
		return PathEntry{}, false
	}
	return v.(PathEntry), true
}

// WalkUnder calls fn for every entry strictly below the directory at rel, in
// lexicographic key order. Returning true from fn stops the walk.
func (idx *PathIndex) WalkUnder(rel string, fn func(key string, entry PathEntry) bool) {
	idx.prefixLookups.Add(1)
	prefix := normalizePath(rel)
	if prefix != "" {
		prefix += "/"
	}
	idx.tree.WalkPrefix(prefix, func(key string, v interface{}) bool {
		if key == "" {
			return false
		}
		return fn(key, v.(PathEntry))
	})
}

// Len returns the number of distinct keys.
func (idx *PathIndex) Len() int { return idx.tree.Len() }

// Stats returns a copy of the index statistics.
func (idx *PathIndex) Stats() PathIndexStats {
	return PathIndexStats{
		TotalFiles:       idx.totalFiles,
		TotalDirectories: idx.totalDirectories,
		PathLookups:      idx.pathLookups.Load(),
		PrefixLookups:    idx.prefixLookups.Load(),
		AveragePathDepth: idx.averageDepth,
	}
}

// normalizePath turns a relative path into an index key.
func normalizePath(p string) string {
	normalized := strings.ReplaceAll(p, "\\", "/")
	normalized = path.Clean("/" + normalized)
	return strings.TrimPrefix(normalized, "/")
}

// relativeTo converts p to a path relative to root. Absolute paths outside
// root report false.
func relativeTo(root, p string) (string, bool) {
	if !filepath.IsAbs(p) {
		return p, true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return rel, true
}
