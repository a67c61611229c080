// Package filesystem walks a live directory tree into a Listing that the
// snapshot builder turns into names and contents.
package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"
)

// Options controls a single walk.
type Options struct {
	// IgnoreFiles names gitignore-style files read in every directory. Rules
	// apply to the directory holding the file and everything below it.
	IgnoreFiles []string
	// IgnorePatterns are extra gitignore-style lines applied from the root.
	IgnorePatterns []string
	// FollowSymlinks descends into symbolic links to directories.
	FollowSymlinks bool
}

// File is a regular file found by a walk.
type File struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Directory is a directory found by a walk. Files and Directories are
// sorted by name.
type Directory struct {
	Name        string
	Path        string
	IsSymLink   bool
	Files       []File
	Directories []*Directory

	realPath string
	parent   *Directory
	rules    []ignoreRule
}

// Listing is the result of a walk.
type Listing struct {
	Root           *Directory
	DirectoryCount int64
	FileCount      int64
	// Skipped counts subdirectories that could not be read.
	Skipped int64
}

// TraversalStats tracks performance metrics during traversal
type TraversalStats struct {
	DirsProcessed  int64
	FilesProcessed int64
	ErrorsFound    int64
	StartTime      time.Time
	EndTime        time.Time
}

type ignoreRule struct {
	base    string
	matcher *ignore.GitIgnore
}

// Traverser performs concurrent level-by-level directory traversal using a
// bounded conc pool per level.
type Traverser struct {
	maxWorkers int
	logger     *slog.Logger
}

// TraverserOption configures a Traverser.
type TraverserOption func(*Traverser)

// WithWorkers bounds the number of directories read concurrently.
func WithWorkers(n int) TraverserOption {
	return func(t *Traverser) {
		if n > 0 {
			t.maxWorkers = n
		}
	}
}

// WithLogger sets the logger used for skipped entries and statistics.
func WithLogger(logger *slog.Logger) TraverserOption {
	return func(t *Traverser) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTraverser creates a traverser. The default worker count is twice the
// CPU count, clamped to [4, 32], since directory reads are I/O bound.
func NewTraverser(opts ...TraverserOption) *Traverser {
	t := &Traverser{
		maxWorkers: min(max(runtime.NumCPU()*2, 4), 32),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Walk lists the tree below root. An inaccessible root fails the walk;
// unreadable subdirectories are logged, counted and left empty.
func (t *Traverser) Walk(ctx context.Context, root string, opts Options) (*Listing, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrPathEmpty
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRootInaccessible, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRootInaccessible, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %w: %s", ErrRootInaccessible, ErrNotDirectory, root)
	}

	rootDir := &Directory{Name: root, Path: root, realPath: resolve(root)}
	if len(opts.IgnorePatterns) > 0 {
		rootDir.rules = []ignoreRule{{base: root, matcher: ignore.CompileIgnoreLines(opts.IgnorePatterns...)}}
	}

	stats := &TraversalStats{StartTime: time.Now()}
	var skipped atomic.Int64

	currentLevel := []*Directory{rootDir}
	for depth := 0; len(currentLevel) > 0; depth++ {
		var nextLevel []*Directory
		var nextLevelMu sync.Mutex

		levelPool := pool.New().WithMaxGoroutines(t.maxWorkers).WithContext(ctx)
		for _, dir := range currentLevel {
			levelPool.Go(func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := t.readDirectory(dir, opts); err != nil {
					if dir == rootDir {
						return fmt.Errorf("%w: %w", ErrRootInaccessible, err)
					}
					atomic.AddInt64(&stats.ErrorsFound, 1)
					skipped.Add(1)
					t.logger.Warn("Skipping unreadable directory", "path", dir.Path, "error", err)
					return nil
				}

				atomic.AddInt64(&stats.DirsProcessed, 1)
				atomic.AddInt64(&stats.FilesProcessed, int64(len(dir.Files)))

				nextLevelMu.Lock()
				nextLevel = append(nextLevel, dir.Directories...)
				nextLevelMu.Unlock()
				return nil
			})
		}

		if err := levelPool.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		currentLevel = nextLevel
	}

	stats.EndTime = time.Now()
	t.logPerformanceStats(stats)

	return &Listing{
		Root:           rootDir,
		DirectoryCount: atomic.LoadInt64(&stats.DirsProcessed) + skipped.Load(),
		FileCount:      atomic.LoadInt64(&stats.FilesProcessed),
		Skipped:        skipped.Load(),
	}, nil
}

// readDirectory fills dir.Files and dir.Directories. os.ReadDir returns
// entries sorted by name, which keeps listings deterministic.
func (t *Traverser) readDirectory(dir *Directory, opts Options) error {
	entries, err := os.ReadDir(dir.Path)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir.Path, err)
	}

	rules := dir.rules
	for _, name := range opts.IgnoreFiles {
		ignorePath := filepath.Join(dir.Path, name)
		if _, err := os.Stat(ignorePath); err != nil {
			continue
		}
		matcher, err := ignore.CompileIgnoreFile(ignorePath)
		if err != nil {
			t.logger.Warn("Failed to read ignore file", "path", ignorePath, "error", err)
			continue
		}
		rules = append(slices.Clip(rules), ignoreRule{base: dir.Path, matcher: matcher})
	}

	for _, entry := range entries {
		childPath := filepath.Join(dir.Path, entry.Name())
		isSymLink := entry.Type()&fs.ModeSymlink != 0

		var info fs.FileInfo
		if isSymLink {
			info, err = os.Stat(childPath)
		} else {
			info, err = entry.Info()
		}
		if err != nil {
			t.logger.Debug("Skipping entry", "path", childPath, "error", err)
			continue
		}

		if info.IsDir() {
			if entry.Name() == ".git" || isIgnored(rules, childPath, true) {
				continue
			}
			if isSymLink && !opts.FollowSymlinks {
				continue
			}
			child := &Directory{
				Name:      entry.Name(),
				Path:      childPath,
				IsSymLink: isSymLink,
				realPath:  resolve(childPath),
				parent:    dir,
				rules:     rules,
			}
			if isSymLink && child.formsCycle() {
				t.logger.Debug("Skipping symlink cycle", "path", childPath)
				continue
			}
			dir.Directories = append(dir.Directories, child)
			continue
		}

		if !info.Mode().IsRegular() || isIgnored(rules, childPath, false) {
			continue
		}
		dir.Files = append(dir.Files, File{
			Name:    entry.Name(),
			Path:    childPath,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return nil
}

// formsCycle reports whether d resolves to the same real directory as one
// of its ancestors.
func (d *Directory) formsCycle() bool {
	for p := d.parent; p != nil; p = p.parent {
		if p.realPath == d.realPath {
			return true
		}
	}
	return false
}

func isIgnored(rules []ignoreRule, path string, isDir bool) bool {
	for _, rule := range rules {
		rel, err := filepath.Rel(rule.base, path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if rule.matcher.MatchesPath(rel) || (isDir && rule.matcher.MatchesPath(rel+"/")) {
			return true
		}
	}
	return false
}

func resolve(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

// logPerformanceStats logs traversal performance metrics
func (t *Traverser) logPerformanceStats(stats *TraversalStats) {
	duration := stats.EndTime.Sub(stats.StartTime)
	t.logger.Debug("Traversal completed",
		"dirs", atomic.LoadInt64(&stats.DirsProcessed),
		"files", atomic.LoadInt64(&stats.FilesProcessed),
		"errors", atomic.LoadInt64(&stats.ErrorsFound),
		"duration", duration)
}

// Walk visits every directory of the listing in pre-order, parents before
// children and children in name order.
func (l *Listing) Walk(fn func(dir *Directory) error) error {
	stack := []*Directory{l.Root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := fn(dir); err != nil {
			return err
		}
		for i := len(dir.Directories) - 1; i >= 0; i-- {
			stack = append(stack, dir.Directories[i])
		}
	}
	return nil
}
