package database

import (
	"sort"
	"strings"

	roaring "github.com/RoaringBitmap/roaring"
)

// ExtensionBitmaps holds one roaring bitmap per lower-cased file extension.
// Bits are positions in the snapshot's file name list.
type ExtensionBitmaps struct {
	Ext map[string]*roaring.Bitmap
}

func NewExtensionBitmaps() *ExtensionBitmaps {
	return &ExtensionBitmaps{Ext: make(map[string]*roaring.Bitmap)}
}

func (eb *ExtensionBitmaps) Add(ext string, pos uint32) {
	ext = NormalizeExtension(ext)
	bm, ok := eb.Ext[ext]
	if !ok {
		bm = roaring.New()
		eb.Ext[ext] = bm
	}
	bm.Add(pos)
}

// Optimize compacts every bitmap once the index is complete.
func (eb *ExtensionBitmaps) Optimize() {
	for _, bm := range eb.Ext {
		bm.RunOptimize()
	}
}

// Union returns the positions of files having any of exts. The result is a
// fresh bitmap the caller may modify.
func (eb *ExtensionBitmaps) Union(exts ...string) *roaring.Bitmap {
	bms := make([]*roaring.Bitmap, 0, len(exts))
	for _, ext := range exts {
		if bm, ok := eb.Ext[NormalizeExtension(ext)]; ok {
			bms = append(bms, bm)
		}
	}
	if len(bms) == 0 {
		return roaring.New()
	}
	return roaring.FastOr(bms...)
}

// Counts returns the number of files per extension.
func (eb *ExtensionBitmaps) Counts() map[string]uint64 {
	out := make(map[string]uint64, len(eb.Ext))
	for ext, bm := range eb.Ext {
		out[ext] = bm.GetCardinality()
	}
	return out
}

// Extensions returns the known extensions in sorted order.
func (eb *ExtensionBitmaps) Extensions() []string {
	out := make([]string, 0, len(eb.Ext))
	for ext := range eb.Ext {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// NormalizeExtension lower-cases ext and adds a leading dot. Files without
// an extension use the empty string.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}
