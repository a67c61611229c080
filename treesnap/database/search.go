package database

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/ZanzyTHEbar/treesnap/treesnap/contents"
	"github.com/ZanzyTHEbar/treesnap/treesnap/names"

	roaring "github.com/RoaringBitmap/roaring"
	"github.com/sourcegraph/conc/pool"
)

// cancelCheckInterval is how many names are matched between context checks.
const cancelCheckInterval = 1024

// Query describes a name or text search.
type Query struct {
	Pattern   string
	MatchCase bool
	Regex     bool
	// Extensions restricts matches to files with one of these extensions.
	// Ignored by directory searches.
	Extensions []string
	// Directory restricts matches to entries below this directory, given
	// relative to the root or absolute. An unknown directory matches nothing.
	Directory string
	// MaxResults bounds the number of reported names or spans; zero or less
	// means no bound.
	MaxResults int
}

func (q Query) matcher() (contents.Matcher, error) {
	m, err := contents.NewMatcher(q.Pattern, contents.MatchOptions{
		MatchCase: q.MatchCase,
		Regex:     q.Regex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile query %q: %w", q.Pattern, err)
	}
	return m, nil
}

// matchesPath reports whether names are matched on their relative path
// instead of their own segment.
func (q Query) matchesPath() bool {
	return strings.ContainsAny(q.Pattern, `/\`)
}

// FileNameMatches is the result of SearchFileNames.
type FileNameMatches struct {
	Files     []names.FileName
	Truncated bool
}

// DirectoryNameMatches is the result of SearchDirectoryNames.
type DirectoryNameMatches struct {
	Directories []names.DirectoryName
	Truncated   bool
}

// FileMatch holds the text matches of one file, in offset order.
type FileMatch struct {
	File  names.FileName
	Spans []contents.FilePositionSpan
}

// TextMatches is the result of SearchText. Files appear in traversal order.
type TextMatches struct {
	Files      []FileMatch
	MatchCount int
	Truncated  bool
}

// SearchFileNames returns files whose name matches the query, in traversal
// order. A pattern containing a separator is matched against the path
// relative to the root.
func (db *FileDatabase) SearchFileNames(ctx context.Context, q Query) (FileNameMatches, error) {
	m, err := q.matcher()
	if err != nil {
		return FileNameMatches{}, err
	}
	byPath := q.matchesPath()

	var out FileNameMatches
	visited := 0
	visit := func(pos uint32) (bool, error) {
		if visited++; visited%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}
		name := db.fileNames[pos]
		text := name.Name().Text()
		if byPath {
			text = name.RelativePath()
		}
		if !m.MatchString(text) {
			return true, nil
		}
		if q.MaxResults > 0 && len(out.Files) == q.MaxResults {
			out.Truncated = true
			return false, nil
		}
		out.Files = append(out.Files, name)
		return true, nil
	}

	if err := db.eachFile(db.candidates(q), visit); err != nil {
		return FileNameMatches{}, err
	}
	return out, nil
}

// SearchDirectoryNames returns directories whose name matches the query, in
// traversal order. The root is never reported.
func (db *FileDatabase) SearchDirectoryNames(ctx context.Context, q Query) (DirectoryNameMatches, error) {
	m, err := q.matcher()
	if err != nil {
		return DirectoryNameMatches{}, err
	}
	byPath := q.matchesPath()

	var scope names.DirectoryName
	if q.Directory != "" {
		data, ok := db.LookupDirectory(q.Directory)
		if !ok {
			return DirectoryNameMatches{}, nil
		}
		scope = data.Name()
	}

	var out DirectoryNameMatches
	for i, name := range db.directoryNames {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return DirectoryNameMatches{}, err
			}
		}
		if name.IsRoot() || (!scope.IsZero() && !isBelow(name, scope)) {
			continue
		}
		text := name.Name().Text()
		if byPath {
			text = name.RelativePath()
		}
		if !m.MatchString(text) {
			continue
		}
		if q.MaxResults > 0 && len(out.Directories) == q.MaxResults {
			out.Truncated = true
			break
		}
		out.Directories = append(out.Directories, name)
	}
	return out, nil
}

// SearchText returns the matches of the query grouped per file, in
// traversal order. Literal patterns are scanned piece by piece in parallel;
// regular expressions are scanned one whole file at a time, files in
// parallel. At most MaxResults spans are reported.
func (db *FileDatabase) SearchText(ctx context.Context, q Query) (TextMatches, error) {
	m, err := q.matcher()
	if err != nil {
		return TextMatches{}, err
	}

	groups := db.pieceGroups(db.candidates(q))
	hits := make([][]contents.FilePositionSpan, len(groups))
	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0)).WithContext(ctx)
	if m.Local() {
		found := make([][]contents.FilePositionSpan, len(db.pieces))
		for _, g := range groups {
			for i := g.first; i < g.last; i++ {
				p.Go(func(ctx context.Context) error {
					if err := ctx.Err(); err != nil {
						return err
					}
					found[i] = db.pieces[i].Search(m, 0)
					return nil
				})
			}
		}
		if err := p.Wait(); err != nil {
			return TextMatches{}, fmt.Errorf("text search cancelled: %w", err)
		}
		for gi, g := range groups {
			var spans []contents.FilePositionSpan
			for _, f := range found[g.first:g.last] {
				spans = append(spans, f...)
			}
			hits[gi] = contents.NonOverlapping(spans)
		}
	} else {
		perFile := 0
		if q.MaxResults > 0 {
			perFile = q.MaxResults + 1
		}
		for gi, g := range groups {
			p.Go(func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				hits[gi] = db.pieces[g.first].Contents().Search(m, perFile)
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return TextMatches{}, fmt.Errorf("text search cancelled: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return TextMatches{}, fmt.Errorf("text search cancelled: %w", err)
	}

	var out TextMatches
	for gi, spans := range hits {
		if len(spans) == 0 {
			continue
		}
		if q.MaxResults > 0 && out.MatchCount+len(spans) > q.MaxResults {
			spans = spans[:q.MaxResults-out.MatchCount]
			out.Truncated = true
		}
		if len(spans) > 0 {
			out.Files = append(out.Files, FileMatch{File: groups[gi].file, Spans: spans})
			out.MatchCount += len(spans)
		}
		if out.Truncated {
			break
		}
	}
	return out, nil
}

// pieceGroup is the run of pieces db.pieces[first:last] of one file.
type pieceGroup struct {
	file        names.FileName
	first, last int
}

// pieceGroups splits the pieces into per-file runs, keeping only files in
// candidates when it is not nil.
func (db *FileDatabase) pieceGroups(candidates *roaring.Bitmap) []pieceGroup {
	var groups []pieceGroup
	for i, piece := range db.pieces {
		file := piece.File()
		if n := len(groups); n > 0 && groups[n-1].file == file {
			groups[n-1].last = i + 1
			continue
		}
		if candidates != nil && !candidates.Contains(db.fileIndex[file]) {
			continue
		}
		groups = append(groups, pieceGroup{file: file, first: i, last: i + 1})
	}
	return groups
}

// candidates returns the positions of files a query is restricted to, or
// nil when every file is a candidate.
func (db *FileDatabase) candidates(q Query) *roaring.Bitmap {
	var bm *roaring.Bitmap
	if len(q.Extensions) > 0 {
		bm = db.extensions.Union(q.Extensions...)
	}
	if q.Directory != "" {
		under := roaring.New()
		for _, f := range db.FilesUnder(q.Directory) {
			under.Add(db.fileIndex[f])
		}
		if bm == nil {
			bm = under
		} else {
			bm.And(under)
		}
	}
	return bm
}

// isBelow reports whether dir lies strictly below scope.
func isBelow(dir, scope names.DirectoryName) bool {
	for dir.Depth() > scope.Depth() {
		parent, ok := dir.Parent()
		if !ok {
			return false
		}
		if parent == scope {
			return true
		}
		dir = parent
	}
	return false
}

// eachFile visits file positions in traversal order, restricted to
// candidates when not nil, until visit returns false or an error.
func (db *FileDatabase) eachFile(candidates *roaring.Bitmap, visit func(pos uint32) (bool, error)) error {
	if candidates == nil {
		for i := range db.fileNames {
			if ok, err := visit(uint32(i)); err != nil || !ok {
				return err
			}
		}
		return nil
	}
	return eachBit(candidates, visit)
}

func eachBit(bm *roaring.Bitmap, visit func(pos uint32) (bool, error)) error {
	it := bm.Iterator()
	for it.HasNext() {
		if ok, err := visit(it.Next()); err != nil || !ok {
			return err
		}
	}
	return nil
}
