// Package names implements the interned, parent-linked identity of files and
// directories in one snapshot.
//
// Nodes live in an arena owned by a Tree and are addressed by integer ids.
// FileName, DirectoryName and PathSegmentName are small comparable values, so
// equality and hashing are id based and paths can be used as map keys without
// string comparisons.
package names

import (
	"path/filepath"
	"slices"
	"strings"
)

// NodeID addresses a node in a Tree arena. Zero is never a valid node.
type NodeID uint32

// SegmentID addresses an interned segment. Zero is never a valid segment.
type SegmentID uint32

// rootID is the id of the root directory of every tree.
const rootID NodeID = 1

type nodeKind uint8

const (
	kindDirectory nodeKind = iota + 1
	kindFile
)

type node struct {
	parent  NodeID
	segment SegmentID
	kind    nodeKind
	depth   uint32
}

type childKey struct {
	parent  NodeID
	segment SegmentID
	kind    nodeKind
}

// Tree is the arena holding every name of one snapshot.
//
// A Tree has a single writer: the snapshot builder creates all nodes, then
// the tree is only read and may be shared freely between goroutines.
type Tree struct {
	segments []string
	segIndex map[string]SegmentID
	nodes    []node
	children map[childKey]NodeID
}

// NewTree creates a tree whose root directory is named by rootPath.
func NewTree(rootPath string) *Tree {
	t := &Tree{
		segments: []string{""}, // slot 0 is unused
		segIndex: make(map[string]SegmentID),
		nodes:    make([]node, 2), // slot 0 is unused, slot 1 is the root
		children: make(map[childKey]NodeID),
	}
	seg := t.Intern(filepath.Clean(rootPath))
	t.nodes[rootID] = node{segment: seg.id, kind: kindDirectory}
	return t
}

// Root returns the root directory.
func (t *Tree) Root() DirectoryName {
	return DirectoryName{t: t, id: rootID}
}

// Intern returns the unique segment for text.
func (t *Tree) Intern(text string) PathSegmentName {
	if id, ok := t.segIndex[text]; ok {
		return PathSegmentName{t: t, id: id}
	}
	id := SegmentID(len(t.segments))
	t.segments = append(t.segments, text)
	t.segIndex[text] = id
	return PathSegmentName{t: t, id: id}
}

// NewDirectory returns the child directory of parent named seg, creating it
// on first use.
func (t *Tree) NewDirectory(parent DirectoryName, seg PathSegmentName) DirectoryName {
	return DirectoryName{t: t, id: t.child(parent, seg, kindDirectory)}
}

// NewFile returns the child file of parent named seg, creating it on first use.
func (t *Tree) NewFile(parent DirectoryName, seg PathSegmentName) FileName {
	return FileName{t: t, id: t.child(parent, seg, kindFile)}
}

func (t *Tree) child(parent DirectoryName, seg PathSegmentName, kind nodeKind) NodeID {
	if parent.t != t || seg.t != t || parent.id == 0 || seg.id == 0 {
		panic("names: parent and segment must belong to this tree")
	}
	key := childKey{parent: parent.id, segment: seg.id, kind: kind}
	if id, ok := t.children[key]; ok {
		return id
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, node{
		parent:  parent.id,
		segment: seg.id,
		kind:    kind,
		depth:   t.nodes[parent.id].depth + 1,
	})
	t.children[key] = id
	return id
}

// SegmentCount returns the number of interned segments.
func (t *Tree) SegmentCount() int { return len(t.segments) - 1 }

// NodeCount returns the number of nodes including the root.
func (t *Tree) NodeCount() int { return len(t.nodes) - 1 }

// fullPath joins segment texts from the root down to id.
func (t *Tree) fullPath(id NodeID, relative bool) string {
	var parts []string
	for cur := id; cur != 0; cur = t.nodes[cur].parent {
		if relative && cur == rootID {
			break
		}
		parts = append(parts, t.segments[t.nodes[cur].segment])
	}
	slices.Reverse(parts)
	if relative {
		return strings.Join(parts, string(filepath.Separator))
	}
	// segments are joined verbatim; a root that already ends in a separator
	// ("/" or `C:\`) is not doubled.
	if len(parts) > 1 && strings.HasSuffix(parts[0], string(filepath.Separator)) {
		return parts[0] + strings.Join(parts[1:], string(filepath.Separator))
	}
	return strings.Join(parts, string(filepath.Separator))
}

// PathSegmentName is an interned path component.
type PathSegmentName struct {
	t  *Tree
	id SegmentID
}

// Text returns the segment text.
func (s PathSegmentName) Text() string {
	if s.t == nil {
		return ""
	}
	return s.t.segments[s.id]
}

// ID returns the segment id within its tree.
func (s PathSegmentName) ID() SegmentID { return s.id }

// IsZero reports whether s is the zero value.
func (s PathSegmentName) IsZero() bool { return s.t == nil }

// DirectoryName identifies a directory in one snapshot.
type DirectoryName struct {
	t  *Tree
	id NodeID
}

// IsZero reports whether d is the zero value.
func (d DirectoryName) IsZero() bool { return d.t == nil }

// ID returns the node id within its tree.
func (d DirectoryName) ID() NodeID { return d.id }

// Tree returns the owning tree.
func (d DirectoryName) Tree() *Tree { return d.t }

// IsRoot reports whether d is the root directory.
func (d DirectoryName) IsRoot() bool { return d.t != nil && d.id == rootID }

// Parent returns the parent directory; false at the root.
func (d DirectoryName) Parent() (DirectoryName, bool) {
	if d.t == nil {
		return DirectoryName{}, false
	}
	p := d.t.nodes[d.id].parent
	if p == 0 {
		return DirectoryName{}, false
	}
	return DirectoryName{t: d.t, id: p}, true
}

// Name returns the directory's own segment.
func (d DirectoryName) Name() PathSegmentName {
	if d.t == nil {
		return PathSegmentName{}
	}
	return PathSegmentName{t: d.t, id: d.t.nodes[d.id].segment}
}

// Depth returns the number of Parent steps to the root.
func (d DirectoryName) Depth() int {
	if d.t == nil {
		return 0
	}
	return int(d.t.nodes[d.id].depth)
}

// FullPath returns the absolute path of d.
func (d DirectoryName) FullPath() string {
	if d.t == nil {
		return ""
	}
	return d.t.fullPath(d.id, false)
}

// RelativePath returns the path of d below the root; empty for the root.
func (d DirectoryName) RelativePath() string {
	if d.t == nil {
		return ""
	}
	return d.t.fullPath(d.id, true)
}

func (d DirectoryName) String() string { return d.FullPath() }

// FileName identifies a file in one snapshot.
type FileName struct {
	t  *Tree
	id NodeID
}

// IsZero reports whether f is the zero value.
func (f FileName) IsZero() bool { return f.t == nil }

// ID returns the node id within its tree.
func (f FileName) ID() NodeID { return f.id }

// Tree returns the owning tree.
func (f FileName) Tree() *Tree { return f.t }

// Parent returns the containing directory.
func (f FileName) Parent() (DirectoryName, bool) {
	if f.t == nil {
		return DirectoryName{}, false
	}
	return DirectoryName{t: f.t, id: f.t.nodes[f.id].parent}, true
}

// Name returns the file's own segment.
func (f FileName) Name() PathSegmentName {
	if f.t == nil {
		return PathSegmentName{}
	}
	return PathSegmentName{t: f.t, id: f.t.nodes[f.id].segment}
}

// Depth returns the number of Parent steps to the root.
func (f FileName) Depth() int {
	if f.t == nil {
		return 0
	}
	return int(f.t.nodes[f.id].depth)
}

// FullPath returns the absolute path of f.
func (f FileName) FullPath() string {
	if f.t == nil {
		return ""
	}
	return f.t.fullPath(f.id, false)
}

// RelativePath returns the path of f below the root.
func (f FileName) RelativePath() string {
	if f.t == nil {
		return ""
	}
	return f.t.fullPath(f.id, true)
}

// Extension returns the lower-cased extension including the dot.
func (f FileName) Extension() string {
	return strings.ToLower(filepath.Ext(f.Name().Text()))
}

func (f FileName) String() string { return f.FullPath() }
