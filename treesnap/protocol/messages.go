// Package protocol defines the typed messages exchanged between a search
// client and the snapshot server, and the machinery that carries them.
//
// Requests, responses and events are closed sets: every payload type lives
// in this package and implements one of the sealed interfaces below.
// Requests and their responses share a Kind; events have their own kinds.
package protocol

// Kind discriminates payloads on the wire.
type Kind string

// Request and response kinds.
const (
	KindGetFileSystemTree     Kind = "GetFileSystemTree"
	KindSearchFileNames       Kind = "SearchFileNames"
	KindSearchDirectoryNames  Kind = "SearchDirectoryNames"
	KindSearchText            Kind = "SearchText"
	KindGetFileExtracts       Kind = "GetFileExtracts"
	KindUnregisterFile        Kind = "UnregisterFile"
	KindRegisterFile          Kind = "RegisterFile"
	KindGetDatabaseStatistics Kind = "GetDatabaseStatistics"
	KindRefreshFileSystemTree Kind = "RefreshFileSystemTree"
)

// Event kinds.
const (
	KindTreeComputing  Kind = "TreeComputing"
	KindTreeComputed   Kind = "TreeComputed"
	KindFilesLoading   Kind = "FilesLoading"
	KindFilesLoaded    Kind = "FilesLoaded"
	KindProgressReport Kind = "ProgressReport"
)

// RequestPayload is implemented by every request type of this package.
type RequestPayload interface {
	RequestKind() Kind
	isRequest()
}

// ResponsePayload is implemented by every response type of this package.
type ResponsePayload interface {
	ResponseKind() Kind
	isResponse()
}

// EventPayload is implemented by every event type of this package.
type EventPayload interface {
	EventKind() Kind
	isEvent()
}

// SearchQuery is shared by the name and text searches.
type SearchQuery struct {
	Pattern    string   `json:"pattern"`
	MatchCase  bool     `json:"matchCase,omitempty"`
	Regex      bool     `json:"regex,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
	// Directory limits the search to entries below this root-relative path.
	Directory  string `json:"directory,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// FilePositionSpan is a byte range in a file's decoded text.
type FilePositionSpan struct {
	Position int `json:"position"`
	Length   int `json:"length"`
}

// FileExtract is a bounded excerpt of a file. Line and column are 1-based.
type FileExtract struct {
	Text         string `json:"text"`
	Offset       int    `json:"offset"`
	Length       int    `json:"length"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// TreeNode is one directory of a GetFileSystemTree response. Paths are
// relative to the root, which has an empty path.
type TreeNode struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	IsSymLink   bool        `json:"isSymLink,omitempty"`
	Files       []string    `json:"files,omitempty"`
	Directories []*TreeNode `json:"directories,omitempty"`
}

// FileSearchResult holds the text matches of one file.
type FileSearchResult struct {
	Path     string             `json:"path"`
	Spans    []FilePositionSpan `json:"spans"`
	Extracts []FileExtract      `json:"extracts,omitempty"`
}

// DatabaseStatistics summarizes the published snapshot.
type DatabaseStatistics struct {
	FileCount             int               `json:"fileCount"`
	DirectoryCount        int               `json:"directoryCount"`
	SymLinkDirectoryCount int               `json:"symLinkDirectoryCount"`
	SearchableFileCount   int64             `json:"searchableFileCount"`
	PieceCount            int               `json:"pieceCount"`
	ContentBytes          int64             `json:"contentBytes"`
	Extensions            map[string]uint64 `json:"extensions,omitempty"`
}

type GetFileSystemTreeRequest struct{}

type GetFileSystemTreeResponse struct {
	Version int64     `json:"version"`
	Root    *TreeNode `json:"root,omitempty"`
}

type SearchFileNamesRequest struct {
	Query SearchQuery `json:"query"`
}

type SearchFileNamesResponse struct {
	Version   int64    `json:"version"`
	Paths     []string `json:"paths"`
	Truncated bool     `json:"truncated"`
}

type SearchDirectoryNamesRequest struct {
	Query SearchQuery `json:"query"`
}

type SearchDirectoryNamesResponse struct {
	Version   int64    `json:"version"`
	Paths     []string `json:"paths"`
	Truncated bool     `json:"truncated"`
}

type SearchTextRequest struct {
	Query SearchQuery `json:"query"`
	// MaxExtractLength bounds each extract; zero uses the server default
	// and a negative value disables extracts.
	MaxExtractLength int `json:"maxExtractLength,omitempty"`
}

type SearchTextResponse struct {
	Version    int64              `json:"version"`
	Files      []FileSearchResult `json:"files"`
	MatchCount int                `json:"matchCount"`
	Truncated  bool               `json:"truncated"`
}

type GetFileExtractsRequest struct {
	FileName         string             `json:"fileName"`
	Spans            []FilePositionSpan `json:"spans"`
	MaxExtractLength int                `json:"maxExtractLength,omitempty"`
}

type GetFileExtractsResponse struct {
	Version  int64         `json:"version"`
	Extracts []FileExtract `json:"extracts"`
}

type UnregisterFileRequest struct {
	FileName string `json:"fileName"`
}

type UnregisterFileResponse struct{}

type RegisterFileRequest struct {
	FileName string `json:"fileName"`
}

type RegisterFileResponse struct{}

type GetDatabaseStatisticsRequest struct{}

type GetDatabaseStatisticsResponse struct {
	Version    int64              `json:"version"`
	State      string             `json:"state"`
	Root       string             `json:"root"`
	Excluded   int                `json:"excluded"`
	Statistics DatabaseStatistics `json:"statistics"`
}

// RefreshFileSystemTreeRequest starts a rebuild without waiting for it.
type RefreshFileSystemTreeRequest struct{}

type RefreshFileSystemTreeResponse struct{}

type TreeComputingEvent struct{}

// TreeComputedEvent ends a build cycle. On failure Error is set and
// NewVersion is the version still published.
type TreeComputedEvent struct {
	NewVersion int64      `json:"newVersion"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

type FilesLoadingEvent struct{}

type FilesLoadedEvent struct {
	Error *ErrorInfo `json:"error,omitempty"`
}

type ProgressReportEvent struct {
	DisplayText string `json:"displayText"`
	Completed   int64  `json:"completed"`
	Total       int64  `json:"total"`
}

func (GetFileSystemTreeRequest) RequestKind() Kind     { return KindGetFileSystemTree }
func (SearchFileNamesRequest) RequestKind() Kind       { return KindSearchFileNames }
func (SearchDirectoryNamesRequest) RequestKind() Kind  { return KindSearchDirectoryNames }
func (SearchTextRequest) RequestKind() Kind            { return KindSearchText }
func (GetFileExtractsRequest) RequestKind() Kind       { return KindGetFileExtracts }
func (UnregisterFileRequest) RequestKind() Kind        { return KindUnregisterFile }
func (RegisterFileRequest) RequestKind() Kind          { return KindRegisterFile }
func (GetDatabaseStatisticsRequest) RequestKind() Kind { return KindGetDatabaseStatistics }
func (RefreshFileSystemTreeRequest) RequestKind() Kind { return KindRefreshFileSystemTree }

func (GetFileSystemTreeRequest) isRequest()     {}
func (SearchFileNamesRequest) isRequest()       {}
func (SearchDirectoryNamesRequest) isRequest()  {}
func (SearchTextRequest) isRequest()            {}
func (GetFileExtractsRequest) isRequest()       {}
func (UnregisterFileRequest) isRequest()        {}
func (RegisterFileRequest) isRequest()          {}
func (GetDatabaseStatisticsRequest) isRequest() {}
func (RefreshFileSystemTreeRequest) isRequest() {}

func (GetFileSystemTreeResponse) ResponseKind() Kind     { return KindGetFileSystemTree }
func (SearchFileNamesResponse) ResponseKind() Kind       { return KindSearchFileNames }
func (SearchDirectoryNamesResponse) ResponseKind() Kind  { return KindSearchDirectoryNames }
func (SearchTextResponse) ResponseKind() Kind            { return KindSearchText }
func (GetFileExtractsResponse) ResponseKind() Kind       { return KindGetFileExtracts }
func (UnregisterFileResponse) ResponseKind() Kind        { return KindUnregisterFile }
func (RegisterFileResponse) ResponseKind() Kind          { return KindRegisterFile }
func (GetDatabaseStatisticsResponse) ResponseKind() Kind { return KindGetDatabaseStatistics }
func (RefreshFileSystemTreeResponse) ResponseKind() Kind { return KindRefreshFileSystemTree }

func (GetFileSystemTreeResponse) isResponse()     {}
func (SearchFileNamesResponse) isResponse()       {}
func (SearchDirectoryNamesResponse) isResponse()  {}
func (SearchTextResponse) isResponse()            {}
func (GetFileExtractsResponse) isResponse()       {}
func (UnregisterFileResponse) isResponse()        {}
func (RegisterFileResponse) isResponse()          {}
func (GetDatabaseStatisticsResponse) isResponse() {}
func (RefreshFileSystemTreeResponse) isResponse() {}

func (TreeComputingEvent) EventKind() Kind  { return KindTreeComputing }
func (TreeComputedEvent) EventKind() Kind   { return KindTreeComputed }
func (FilesLoadingEvent) EventKind() Kind   { return KindFilesLoading }
func (FilesLoadedEvent) EventKind() Kind    { return KindFilesLoaded }
func (ProgressReportEvent) EventKind() Kind { return KindProgressReport }

func (TreeComputingEvent) isEvent()  {}
func (TreeComputedEvent) isEvent()   {}
func (FilesLoadingEvent) isEvent()   {}
func (FilesLoadedEvent) isEvent()    {}
func (ProgressReportEvent) isEvent() {}
