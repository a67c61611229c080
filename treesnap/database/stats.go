package database

// Statistics summarizes one snapshot.
type Statistics struct {
	FileCount             int               `json:"fileCount"`
	DirectoryCount        int               `json:"directoryCount"`
	SymLinkDirectoryCount int               `json:"symLinkDirectoryCount"`
	SearchableFileCount   int64             `json:"searchableFileCount"`
	PieceCount            int               `json:"pieceCount"`
	ContentBytes          int64             `json:"contentBytes"`
	Extensions            map[string]uint64 `json:"extensions"`
	PathIndex             PathIndexStats    `json:"pathIndex"`
}

// Statistics computes a summary of the snapshot.
func (db *FileDatabase) Statistics() Statistics {
	st := Statistics{
		FileCount:           len(db.fileNames),
		DirectoryCount:      len(db.directoryNames),
		SearchableFileCount: db.searchableFileCount,
		PieceCount:          len(db.pieces),
		Extensions:          db.extensions.Counts(),
		PathIndex:           db.paths.Stats(),
	}
	for _, d := range db.directories {
		if d.isSymLink {
			st.SymLinkDirectoryCount++
		}
	}
	for _, f := range db.files {
		if f.contents != nil {
			st.ContentBytes += int64(f.contents.Len())
		}
	}
	return st
}
