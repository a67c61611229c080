// Package database holds the immutable aggregate of one snapshot: the name
// tree, per-file and per-directory data, content pieces and the indices
// derived from them.
//
// A FileDatabase is built once by New and never changes afterwards, so any
// number of goroutines may query it without locking.
package database

import (
	"time"

	"github.com/ZanzyTHEbar/treesnap/treesnap/contents"
	"github.com/ZanzyTHEbar/treesnap/treesnap/names"
)

// DirectoryData describes one directory of a snapshot.
type DirectoryData struct {
	name      names.DirectoryName
	isSymLink bool
	files     []names.FileName
	dirs      []names.DirectoryName
}

// NewDirectoryData takes ownership of the child slices.
func NewDirectoryData(name names.DirectoryName, isSymLink bool, files []names.FileName, dirs []names.DirectoryName) DirectoryData {
	return DirectoryData{name: name, isSymLink: isSymLink, files: files, dirs: dirs}
}

func (d DirectoryData) Name() names.DirectoryName { return d.name }

// IsSymLink reports whether the directory was reached through a symbolic link.
func (d DirectoryData) IsSymLink() bool { return d.isSymLink }

// ChildFileNames returns a copy of the direct child files.
func (d DirectoryData) ChildFileNames() []names.FileName {
	return append([]names.FileName(nil), d.files...)
}

// ChildDirectoryNames returns a copy of the direct child directories.
func (d DirectoryData) ChildDirectoryNames() []names.DirectoryName {
	return append([]names.DirectoryName(nil), d.dirs...)
}

// FileData describes one file of a snapshot. Contents is nil when the file
// is binary, excluded, too large or could not be read.
type FileData struct {
	name     names.FileName
	size     int64
	modTime  time.Time
	hash     uint64
	contents *contents.FileContents
}

func NewFileData(name names.FileName, size int64, modTime time.Time, hash uint64, fc *contents.FileContents) FileData {
	return FileData{name: name, size: size, modTime: modTime, hash: hash, contents: fc}
}

func (f FileData) Name() names.FileName             { return f.name }
func (f FileData) Size() int64                      { return f.size }
func (f FileData) ModTime() time.Time               { return f.modTime }
func (f FileData) Hash() uint64                     { return f.hash }
func (f FileData) Contents() *contents.FileContents { return f.contents }

// IsSearchable reports whether the file has text contents.
func (f FileData) IsSearchable() bool { return f.contents != nil }

// FileDatabase is one immutable snapshot.
type FileDatabase struct {
	root                names.DirectoryName
	files               map[names.FileName]FileData
	fileNames           []names.FileName
	fileIndex           map[names.FileName]uint32
	directories         map[names.DirectoryName]DirectoryData
	directoryNames      []names.DirectoryName
	pieces              []contents.Piece
	searchableFileCount int64

	paths      *PathIndex
	extensions *ExtensionBitmaps
}

// New builds a FileDatabase and derives its indices. The database takes
// ownership of every argument; callers must not modify them afterwards.
func New(
	root names.DirectoryName,
	files map[names.FileName]FileData,
	fileNames []names.FileName,
	directories map[names.DirectoryName]DirectoryData,
	directoryNames []names.DirectoryName,
	pieces []contents.Piece,
	searchableFileCount int64,
) *FileDatabase {
	db := &FileDatabase{
		root:                root,
		files:               files,
		fileNames:           fileNames,
		fileIndex:           make(map[names.FileName]uint32, len(fileNames)),
		directories:         directories,
		directoryNames:      directoryNames,
		pieces:              pieces,
		searchableFileCount: searchableFileCount,
		extensions:          NewExtensionBitmaps(),
	}
	for i, name := range fileNames {
		db.fileIndex[name] = uint32(i)
		db.extensions.Add(name.Extension(), uint32(i))
	}
	db.extensions.Optimize()
	db.paths = NewPathIndex(directoryNames, fileNames)
	return db
}

// Root returns the root directory of the snapshot.
func (db *FileDatabase) Root() names.DirectoryName { return db.root }

// Files returns a read-only view of the file map.
func (db *FileDatabase) Files() MapView[names.FileName, FileData] {
	return MapView[names.FileName, FileData]{m: db.files}
}

// FileNames returns the files in traversal order.
func (db *FileDatabase) FileNames() ListView[names.FileName] {
	return ListView[names.FileName]{s: db.fileNames}
}

// Directories returns a read-only view of the directory map.
func (db *FileDatabase) Directories() MapView[names.DirectoryName, DirectoryData] {
	return MapView[names.DirectoryName, DirectoryData]{m: db.directories}
}

// DirectoryNames returns the directories in traversal order, root first.
func (db *FileDatabase) DirectoryNames() ListView[names.DirectoryName] {
	return ListView[names.DirectoryName]{s: db.directoryNames}
}

// Pieces returns every content piece, grouped by file in traversal order.
func (db *FileDatabase) Pieces() ListView[contents.Piece] {
	return ListView[contents.Piece]{s: db.pieces}
}

// SearchableFileCount returns the number of files with text contents.
func (db *FileDatabase) SearchableFileCount() int64 { return db.searchableFileCount }

// GetFileExtracts returns extracts of file around spans. Unknown files and
// files without contents yield an empty result.
func (db *FileDatabase) GetFileExtracts(file names.FileName, spans []contents.FilePositionSpan, maxLength int) []contents.FileExtract {
	data, ok := db.files[file]
	if !ok || data.contents == nil {
		return nil
	}
	return data.contents.GetFileExtracts(maxLength, spans)
}

// IsContainedInSymLink reports whether dir or any of its ancestors was
// reached through a symbolic link. The root and directories that are not
// part of this snapshot are never contained.
func (db *FileDatabase) IsContainedInSymLink(dir names.DirectoryName) bool {
	for cur := dir; !cur.IsZero() && !cur.IsRoot(); {
		data, ok := db.directories[cur]
		if !ok {
			return false
		}
		if data.isSymLink {
			return true
		}
		parent, ok := cur.Parent()
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// LookupFile finds a file by absolute path or path relative to the root.
func (db *FileDatabase) LookupFile(path string) (FileData, bool) {
	rel, ok := db.relative(path)
	if !ok {
		return FileData{}, false
	}
	entry, ok := db.paths.Lookup(rel)
	if !ok || entry.File.IsZero() {
		return FileData{}, false
	}
	data, ok := db.files[entry.File]
	return data, ok
}

// LookupDirectory finds a directory by absolute path or path relative to
// the root.
func (db *FileDatabase) LookupDirectory(path string) (DirectoryData, bool) {
	rel, ok := db.relative(path)
	if !ok {
		return DirectoryData{}, false
	}
	entry, ok := db.paths.Lookup(rel)
	if !ok || entry.Directory.IsZero() {
		return DirectoryData{}, false
	}
	data, ok := db.directories[entry.Directory]
	return data, ok
}

// FilesUnder returns every file below the directory at path, ordered by
// path. Unknown directories yield an empty result.
func (db *FileDatabase) FilesUnder(path string) []names.FileName {
	if _, ok := db.LookupDirectory(path); !ok {
		return nil
	}
	rel, _ := db.relative(path)
	var out []names.FileName
	db.paths.WalkUnder(rel, func(key string, entry PathEntry) bool {
		if !entry.File.IsZero() {
			out = append(out, entry.File)
		}
		return false
	})
	return out
}

// PathIndex exposes the radix path index, mostly for statistics.
func (db *FileDatabase) PathIndex() *PathIndex { return db.paths }

func (db *FileDatabase) relative(path string) (string, bool) {
	return relativeTo(db.root.FullPath(), path)
}
