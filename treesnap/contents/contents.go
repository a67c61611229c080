// Package contents owns the decoded text of searchable files, its partition
// into pieces for chunked scanning, and extract generation around matches.
package contents

import (
	"sort"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/treesnap/treesnap/names"
)

// FilePositionSpan is a byte range in a file's decoded text.
type FilePositionSpan struct {
	Position int `json:"position"`
	Length   int `json:"length"`
}

// End returns the exclusive end offset of the span.
func (s FilePositionSpan) End() int { return s.Position + s.Length }

// FileExtract is a bounded excerpt of a file around a span.
// LineNumber and ColumnNumber are 1-based and locate Offset.
type FileExtract struct {
	Text         string `json:"text"`
	Offset       int    `json:"offset"`
	Length       int    `json:"length"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// FileContents is the immutable decoded text of one file.
type FileContents struct {
	file       names.FileName
	text       string
	lineStarts []int
	pieces     []Piece
	pieceSize  int
}

// New wraps decoded text and partitions it into pieces of at most
// maxPieceLength bytes. A non-positive length keeps the text in one piece.
func New(file names.FileName, text string, maxPieceLength int) *FileContents {
	fc := &FileContents{
		file:       file,
		text:       text,
		lineStarts: lineStarts(text),
	}
	fc.partition(maxPieceLength)
	return fc
}

// Rebind returns contents with the same text owned by file, sharing the
// decoded text and line table. Used to carry unchanged files into a new
// snapshot whose names belong to a fresh tree.
func (fc *FileContents) Rebind(file names.FileName) *FileContents {
	out := &FileContents{
		file:       file,
		text:       fc.text,
		lineStarts: fc.lineStarts,
	}
	out.partition(fc.pieceSize)
	return out
}

// File returns the owning file name.
func (fc *FileContents) File() names.FileName { return fc.file }

// Text returns the full decoded text.
func (fc *FileContents) Text() string { return fc.text }

// Len returns the length of the decoded text in bytes.
func (fc *FileContents) Len() int { return len(fc.text) }

// LineCount returns the number of lines; an empty file has one line.
func (fc *FileContents) LineCount() int { return len(fc.lineStarts) }

// Pieces returns the ordered pieces of this file.
func (fc *FileContents) Pieces() []Piece {
	out := make([]Piece, len(fc.pieces))
	copy(out, fc.pieces)
	return out
}

// PieceCount returns the number of pieces.
func (fc *FileContents) PieceCount() int { return len(fc.pieces) }

func (fc *FileContents) partition(maxPieceLength int) {
	if maxPieceLength <= 0 {
		maxPieceLength = len(fc.text)
	}
	fc.pieceSize = maxPieceLength
	fc.pieces = fc.pieces[:0]
	for off := 0; off < len(fc.text); {
		end := min(off+maxPieceLength, len(fc.text))
		for end < len(fc.text) && end > off && !utf8.RuneStart(fc.text[end]) {
			end--
		}
		if end == off {
			// a single rune wider than the limit stays whole
			_, size := utf8.DecodeRuneInString(fc.text[off:])
			end = off + size
		}
		fc.pieces = append(fc.pieces, Piece{
			contents: fc,
			index:    len(fc.pieces),
			offset:   off,
			length:   end - off,
		})
		off = end
	}
}

// Position returns the 1-based line and column (in runes) of offset.
func (fc *FileContents) Position(offset int) (line, column int) {
	offset = max(0, min(offset, len(fc.text)))
	i := sort.Search(len(fc.lineStarts), func(i int) bool { return fc.lineStarts[i] > offset }) - 1
	start := fc.lineStarts[i]
	return i + 1, utf8.RuneCountInString(fc.text[start:offset]) + 1
}

// Search scans the whole text and returns non-overlapping matches in offset
// order. Matchers that are not local must be run this way so anchors and
// word boundaries see the real surrounding text. limit <= 0 means no limit.
func (fc *FileContents) Search(m Matcher, limit int) []FilePositionSpan {
	var spans []FilePositionSpan
	m.FindAll(fc.text, func(start, end int) bool {
		spans = append(spans, FilePositionSpan{Position: start, Length: end - start})
		return limit <= 0 || len(spans) < limit
	})
	return spans
}

// GetFileExtracts returns one extract per span that lies inside the file.
// Spans outside the file are skipped; an empty result is not an error.
func (fc *FileContents) GetFileExtracts(maxLength int, spans []FilePositionSpan) []FileExtract {
	if fc == nil || maxLength <= 0 {
		return nil
	}
	size := len(fc.text)
	out := make([]FileExtract, 0, len(spans))
	for _, span := range spans {
		if span.Position < 0 || span.Length < 0 || span.End() > size {
			continue
		}

		start, end := span.Position, span.End()
		if span.Length >= maxLength {
			end = start + maxLength
		} else {
			extra := maxLength - span.Length
			start -= extra / 2
			end = start + maxLength
			if start < 0 {
				start, end = 0, min(size, maxLength)
			}
			if end > size {
				end = size
				start = max(0, end-maxLength)
			}
		}

		for start < end && !utf8.RuneStart(fc.text[start]) {
			start++
		}
		for end > start && end < size && !utf8.RuneStart(fc.text[end]) {
			end--
		}

		line, column := fc.Position(start)
		out = append(out, FileExtract{
			Text:         fc.text[start:end],
			Offset:       start,
			Length:       end - start,
			LineNumber:   line,
			ColumnNumber: column,
		})
	}
	return out
}

func lineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// Piece is a bounded slice of one file's text. Pieces of a file, in index
// order, cover its text exactly once.
type Piece struct {
	contents *FileContents
	index    int
	offset   int
	length   int
}

// Contents returns the owning file contents.
func (p Piece) Contents() *FileContents { return p.contents }

// File returns the owning file name.
func (p Piece) File() names.FileName { return p.contents.file }

// Index returns the position of the piece within its file.
func (p Piece) Index() int { return p.index }

// Offset returns the byte offset of the piece within its file.
func (p Piece) Offset() int { return p.offset }

// Len returns the piece length in bytes.
func (p Piece) Len() int { return p.length }

// End returns the exclusive end offset within the file.
func (p Piece) End() int { return p.offset + p.length }

// Text returns the text covered by the piece.
func (p Piece) Text() string { return p.contents.text[p.offset:p.End()] }

// Search returns every match of a local matcher that starts inside the
// piece, overlapping matches included, in file offsets. The scan window
// reaches m.Overlap() bytes past the piece so a match crossing into the next
// piece is found by the piece it starts in. Concatenating the results of a
// file's pieces and passing them to NonOverlapping gives the matches of a
// scan over the whole text. limit <= 0 means no limit.
func (p Piece) Search(m Matcher, limit int) []FilePositionSpan {
	text := p.contents.text
	windowEnd := min(len(text), p.End()+m.Overlap())
	window := text[p.offset:windowEnd]

	var spans []FilePositionSpan
	m.FindEach(window, func(start, end int) bool {
		if start >= p.length {
			return false
		}
		spans = append(spans, FilePositionSpan{Position: p.offset + start, Length: end - start})
		return limit <= 0 || len(spans) < limit
	})
	return spans
}
