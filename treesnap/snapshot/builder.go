package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/ZanzyTHEbar/treesnap/treesnap/contents"
	"github.com/ZanzyTHEbar/treesnap/treesnap/database"
	"github.com/ZanzyTHEbar/treesnap/treesnap/filesystem"
	"github.com/ZanzyTHEbar/treesnap/treesnap/names"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/zeebo/xxh3"
)

// BuildOptions controls what a build reads.
type BuildOptions struct {
	Root           string
	IgnoreFiles    []string
	IgnorePatterns []string
	FollowSymlinks bool
	// MaxFileSize bounds the files whose contents are loaded; zero means no
	// bound.
	MaxFileSize int64
	PieceSize   int
	Encoding    contents.Encoding
	Workers     int
}

// BuildObserver receives content loading progress. Calls are serialized.
type BuildObserver interface {
	FilesLoading(total int64)
	Progress(completed, total int64)
	FilesLoaded(err error)
}

type nopObserver struct{}

func (nopObserver) FilesLoading(int64)    {}
func (nopObserver) Progress(int64, int64) {}
func (nopObserver) FilesLoaded(error)     {}

// Builder produces a new FileDatabase from the live file system.
type Builder struct {
	opts      BuildOptions
	traverser *filesystem.Traverser
	logger    zerolog.Logger
	walkLog   *slog.Logger
	readFile  func(name string) ([]byte, error)
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the builder logger.
func WithBuilderLogger(logger zerolog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = logger }
}

// WithWalkLogger sets the logger of the directory traverser.
func WithWalkLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) { b.walkLog = logger }
}

// NewBuilder creates a builder for opts.Root.
func NewBuilder(opts BuildOptions, options ...BuilderOption) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Encoding == "" {
		opts.Encoding = contents.EncodingAuto
	}
	b := &Builder{opts: opts, logger: zerolog.Nop(), readFile: os.ReadFile}
	for _, o := range options {
		o(b)
	}
	b.traverser = filesystem.NewTraverser(filesystem.WithWorkers(opts.Workers), filesystem.WithLogger(b.walkLog))
	return b
}

// Root returns the absolute root directory the builder indexes.
func (b *Builder) Root() string {
	if abs, err := filepath.Abs(b.opts.Root); err == nil {
		return abs
	}
	return b.opts.Root
}

type loadJob struct {
	file names.FileName
	src  filesystem.File
}

type loadResult struct {
	contents *contents.FileContents
	hash     uint64
}

// Build walks the tree and loads contents into a new, disconnected
// FileDatabase. Files whose absolute path is in excluded are left out.
// Unchanged files reuse the decoded contents of previous, which may be nil.
//
// Per-file failures leave the file without contents; only a walk failure or
// cancellation fails the build.
func (b *Builder) Build(ctx context.Context, excluded map[string]struct{}, previous *database.FileDatabase, observer BuildObserver) (*database.FileDatabase, error) {
	if observer == nil {
		observer = nopObserver{}
	}

	listing, err := b.traverser.Walk(ctx, b.opts.Root, filesystem.Options{
		IgnoreFiles:    b.opts.IgnoreFiles,
		IgnorePatterns: b.opts.IgnorePatterns,
		FollowSymlinks: b.opts.FollowSymlinks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", b.opts.Root, err)
	}

	tree := names.NewTree(listing.Root.Path)
	dirNames := map[*filesystem.Directory]names.DirectoryName{listing.Root: tree.Root()}
	directories := make(map[names.DirectoryName]database.DirectoryData, listing.DirectoryCount)
	directoryNames := make([]names.DirectoryName, 0, listing.DirectoryCount)
	fileNames := make([]names.FileName, 0, listing.FileCount)
	var jobs []loadJob

	err = listing.Walk(func(dir *filesystem.Directory) error {
		name := dirNames[dir]
		directoryNames = append(directoryNames, name)

		childFiles := make([]names.FileName, 0, len(dir.Files))
		for _, f := range dir.Files {
			if _, skip := excluded[f.Path]; skip {
				continue
			}
			fn := tree.NewFile(name, tree.Intern(f.Name))
			childFiles = append(childFiles, fn)
			fileNames = append(fileNames, fn)
			jobs = append(jobs, loadJob{file: fn, src: f})
		}

		childDirs := make([]names.DirectoryName, 0, len(dir.Directories))
		for _, d := range dir.Directories {
			dn := tree.NewDirectory(name, tree.Intern(d.Name))
			dirNames[d] = dn
			childDirs = append(childDirs, dn)
		}

		directories[name] = database.NewDirectoryData(name, dir.IsSymLink, childFiles, childDirs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	results, err := b.loadContents(ctx, jobs, previous, observer)
	if err != nil {
		return nil, err
	}

	files := make(map[names.FileName]database.FileData, len(jobs))
	var pieces []contents.Piece
	var searchable int64
	for i, job := range jobs {
		res := results[i]
		files[job.file] = database.NewFileData(job.file, job.src.Size, job.src.ModTime, res.hash, res.contents)
		if res.contents != nil {
			searchable++
			pieces = append(pieces, res.contents.Pieces()...)
		}
	}

	b.logger.Debug().
		Int("files", len(fileNames)).
		Int("directories", len(directoryNames)).
		Int64("searchable", searchable).
		Int("pieces", len(pieces)).
		Msg("Snapshot built")

	return database.New(tree.Root(), files, fileNames, directories, directoryNames, pieces, searchable), nil
}

func (b *Builder) loadContents(ctx context.Context, jobs []loadJob, previous *database.FileDatabase, observer BuildObserver) ([]loadResult, error) {
	total := int64(len(jobs))
	observer.FilesLoading(total)

	results := make([]loadResult, len(jobs))
	var mu sync.Mutex
	var completed int64

	p := pool.New().WithMaxGoroutines(b.opts.Workers).WithContext(ctx)
	for i, job := range jobs {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = b.loadFile(job, previous)

			mu.Lock()
			completed++
			observer.Progress(completed, total)
			mu.Unlock()
			return nil
		})
	}

	err := p.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		err = fmt.Errorf("content loading cancelled: %w", err)
	}
	observer.FilesLoaded(err)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// loadFile never fails: unreadable, oversized and binary files get nil
// contents.
func (b *Builder) loadFile(job loadJob, previous *database.FileDatabase) loadResult {
	log := b.logger.With().Str("path", job.src.Path).Logger()

	var prev database.FileData
	var havePrev bool
	if previous != nil {
		prev, havePrev = previous.LookupFile(job.src.Path)
		havePrev = havePrev && prev.Contents() != nil
	}
	if havePrev && prev.Size() == job.src.Size && prev.ModTime().Equal(job.src.ModTime) {
		return loadResult{contents: prev.Contents().Rebind(job.file), hash: prev.Hash()}
	}

	if b.opts.MaxFileSize > 0 && job.src.Size > b.opts.MaxFileSize {
		log.Debug().Int64("size", job.src.Size).Msg("Skipping contents of large file")
		return loadResult{}
	}

	raw, err := b.readFile(job.src.Path)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read file")
		return loadResult{}
	}
	hash := xxh3.Hash(raw)

	if havePrev && prev.Hash() == hash {
		return loadResult{contents: prev.Contents().Rebind(job.file), hash: hash}
	}

	text, err := contents.Decode(raw, b.opts.Encoding)
	if err != nil {
		log.Debug().Err(err).Msg("File has no text contents")
		return loadResult{hash: hash}
	}
	return loadResult{contents: contents.New(job.file, text, b.opts.PieceSize), hash: hash}
}
