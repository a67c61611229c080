package engine

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/ZanzyTHEbar/treesnap/treesnap/contents"
	"github.com/ZanzyTHEbar/treesnap/treesnap/database"
	"github.com/ZanzyTHEbar/treesnap/treesnap/names"
	"github.com/ZanzyTHEbar/treesnap/treesnap/protocol"
	"github.com/ZanzyTHEbar/treesnap/treesnap/snapshot"
)

func (e *Engine) registerHandlers() error {
	return errors.Join(
		protocol.Register(e.server, e.getFileSystemTree),
		protocol.Register(e.server, e.searchFileNames),
		protocol.Register(e.server, e.searchDirectoryNames),
		protocol.Register(e.server, e.searchText),
		protocol.Register(e.server, e.getFileExtracts),
		protocol.Register(e.server, e.unregisterFile),
		protocol.Register(e.server, e.registerFile),
		protocol.Register(e.server, e.getDatabaseStatistics),
		protocol.Register(e.server, e.refreshFileSystemTree),
	)
}

func (e *Engine) getFileSystemTree(_ context.Context, _ protocol.GetFileSystemTreeRequest) (protocol.GetFileSystemTreeResponse, error) {
	snap := e.coord.Current()
	if snap == nil {
		return protocol.GetFileSystemTreeResponse{}, nil
	}
	return protocol.GetFileSystemTreeResponse{Version: snap.Version, Root: buildTree(snap.DB)}, nil
}

// buildTree converts the directory structure without recursion; directory
// names are in pre-order so every parent node exists before its children.
func buildTree(db *database.FileDatabase) *protocol.TreeNode {
	nodes := make(map[names.DirectoryName]*protocol.TreeNode, db.DirectoryNames().Len())
	var root *protocol.TreeNode
	for _, dir := range db.DirectoryNames().All() {
		data, ok := db.Directories().Get(dir)
		if !ok {
			continue
		}
		node := &protocol.TreeNode{
			Name:      dir.Name().Text(),
			Path:      wirePath(dir.RelativePath()),
			IsSymLink: data.IsSymLink(),
		}
		for _, f := range data.ChildFileNames() {
			node.Files = append(node.Files, f.Name().Text())
		}
		nodes[dir] = node

		if dir.IsRoot() {
			root = node
			continue
		}
		if parent, ok := dir.Parent(); ok {
			if p := nodes[parent]; p != nil {
				p.Directories = append(p.Directories, node)
			}
		}
	}
	return root
}

func (e *Engine) query(q protocol.SearchQuery) database.Query {
	limit := q.MaxResults
	if limit <= 0 || (e.search.MaxResults > 0 && limit > e.search.MaxResults) {
		limit = e.search.MaxResults
	}
	return database.Query{
		Pattern:    q.Pattern,
		MatchCase:  q.MatchCase,
		Regex:      q.Regex,
		Extensions: q.Extensions,
		Directory:  filepath.FromSlash(q.Directory),
		MaxResults: limit,
	}
}

func (e *Engine) searchFileNames(ctx context.Context, req protocol.SearchFileNamesRequest) (protocol.SearchFileNamesResponse, error) {
	resp := protocol.SearchFileNamesResponse{Paths: []string{}}
	if err := validatePattern(req.Query); err != nil {
		return resp, err
	}
	snap := e.coord.Current()
	if snap == nil {
		return resp, nil
	}
	matches, err := snap.DB.SearchFileNames(ctx, e.query(req.Query))
	if err != nil {
		return resp, requestError(err)
	}
	resp.Version = snap.Version
	resp.Truncated = matches.Truncated
	for _, f := range matches.Files {
		resp.Paths = append(resp.Paths, wirePath(f.RelativePath()))
	}
	return resp, nil
}

func (e *Engine) searchDirectoryNames(ctx context.Context, req protocol.SearchDirectoryNamesRequest) (protocol.SearchDirectoryNamesResponse, error) {
	resp := protocol.SearchDirectoryNamesResponse{Paths: []string{}}
	if err := validatePattern(req.Query); err != nil {
		return resp, err
	}
	snap := e.coord.Current()
	if snap == nil {
		return resp, nil
	}
	matches, err := snap.DB.SearchDirectoryNames(ctx, e.query(req.Query))
	if err != nil {
		return resp, requestError(err)
	}
	resp.Version = snap.Version
	resp.Truncated = matches.Truncated
	for _, d := range matches.Directories {
		resp.Paths = append(resp.Paths, wirePath(d.RelativePath()))
	}
	return resp, nil
}

func (e *Engine) searchText(ctx context.Context, req protocol.SearchTextRequest) (protocol.SearchTextResponse, error) {
	resp := protocol.SearchTextResponse{Files: []protocol.FileSearchResult{}}
	if err := validatePattern(req.Query); err != nil {
		return resp, err
	}
	snap := e.coord.Current()
	if snap == nil {
		return resp, nil
	}
	matches, err := snap.DB.SearchText(ctx, e.query(req.Query))
	if err != nil {
		return resp, requestError(err)
	}

	extractLength := req.MaxExtractLength
	if extractLength == 0 {
		extractLength = e.search.MaxExtractLength
	}
	resp.Version = snap.Version
	resp.MatchCount = matches.MatchCount
	resp.Truncated = matches.Truncated
	for _, m := range matches.Files {
		result := protocol.FileSearchResult{
			Path:  wirePath(m.File.RelativePath()),
			Spans: toWireSpans(m.Spans),
		}
		if extractLength > 0 {
			result.Extracts = toWireExtracts(snap.DB.GetFileExtracts(m.File, m.Spans, extractLength))
		}
		resp.Files = append(resp.Files, result)
	}
	return resp, nil
}

func (e *Engine) getFileExtracts(_ context.Context, req protocol.GetFileExtractsRequest) (protocol.GetFileExtractsResponse, error) {
	resp := protocol.GetFileExtractsResponse{Extracts: []protocol.FileExtract{}}
	if req.FileName == "" {
		return resp, protocol.WithKind(protocol.ErrorInvalidArgument, snapshot.ErrEmptyPath)
	}
	snap := e.coord.Current()
	if snap == nil {
		return resp, nil
	}
	resp.Version = snap.Version

	file, ok := snap.DB.LookupFile(filepath.FromSlash(req.FileName))
	if !ok {
		return resp, nil
	}
	length := req.MaxExtractLength
	if length <= 0 {
		length = e.search.MaxExtractLength
	}
	spans := make([]contents.FilePositionSpan, len(req.Spans))
	for i, s := range req.Spans {
		spans[i] = contents.FilePositionSpan{Position: s.Position, Length: s.Length}
	}
	resp.Extracts = append(resp.Extracts, toWireExtracts(snap.DB.GetFileExtracts(file.Name(), spans, length))...)
	return resp, nil
}

func (e *Engine) unregisterFile(_ context.Context, req protocol.UnregisterFileRequest) (protocol.UnregisterFileResponse, error) {
	if _, err := e.coord.UnregisterFile(filepath.FromSlash(req.FileName)); err != nil {
		return protocol.UnregisterFileResponse{}, requestError(err)
	}
	return protocol.UnregisterFileResponse{}, nil
}

func (e *Engine) registerFile(_ context.Context, req protocol.RegisterFileRequest) (protocol.RegisterFileResponse, error) {
	if _, err := e.coord.RegisterFile(filepath.FromSlash(req.FileName)); err != nil {
		return protocol.RegisterFileResponse{}, requestError(err)
	}
	return protocol.RegisterFileResponse{}, nil
}

func (e *Engine) getDatabaseStatistics(_ context.Context, _ protocol.GetDatabaseStatisticsRequest) (protocol.GetDatabaseStatisticsResponse, error) {
	resp := protocol.GetDatabaseStatisticsResponse{
		State:    e.coord.State().String(),
		Root:     e.coord.Root(),
		Excluded: len(e.coord.Exclusions()),
	}
	snap := e.coord.Current()
	if snap == nil {
		return resp, nil
	}
	st := snap.DB.Statistics()
	resp.Version = snap.Version
	resp.Statistics = protocol.DatabaseStatistics{
		FileCount:             st.FileCount,
		DirectoryCount:        st.DirectoryCount,
		SymLinkDirectoryCount: st.SymLinkDirectoryCount,
		SearchableFileCount:   st.SearchableFileCount,
		PieceCount:            st.PieceCount,
		ContentBytes:          st.ContentBytes,
		Extensions:            st.Extensions,
	}
	return resp, nil
}

func (e *Engine) refreshFileSystemTree(_ context.Context, _ protocol.RefreshFileSystemTreeRequest) (protocol.RefreshFileSystemTreeResponse, error) {
	// the request context ends with the response; the build must not
	if err := e.coord.Trigger(e.baseCtx); err != nil {
		return protocol.RefreshFileSystemTreeResponse{}, err
	}
	return protocol.RefreshFileSystemTreeResponse{}, nil
}

func validatePattern(q protocol.SearchQuery) error {
	if q.Pattern == "" {
		return protocol.WithKind(protocol.ErrorInvalidArgument, contents.ErrEmptyPattern)
	}
	return nil
}

func requestError(err error) error {
	switch {
	case errors.Is(err, contents.ErrEmptyPattern),
		errors.Is(err, contents.ErrInvalidPattern),
		errors.Is(err, snapshot.ErrEmptyPath):
		return protocol.WithKind(protocol.ErrorInvalidArgument, err)
	default:
		return err
	}
}

func wirePath(p string) string { return filepath.ToSlash(p) }

func toWireSpans(spans []contents.FilePositionSpan) []protocol.FilePositionSpan {
	out := make([]protocol.FilePositionSpan, len(spans))
	for i, s := range spans {
		out[i] = protocol.FilePositionSpan{Position: s.Position, Length: s.Length}
	}
	return out
}

func toWireExtracts(extracts []contents.FileExtract) []protocol.FileExtract {
	out := make([]protocol.FileExtract, len(extracts))
	for i, x := range extracts {
		out[i] = protocol.FileExtract{
			Text:         x.Text,
			Offset:       x.Offset,
			Length:       x.Length,
			LineNumber:   x.LineNumber,
			ColumnNumber: x.ColumnNumber,
		}
	}
	return out
}
