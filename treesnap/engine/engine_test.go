package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/treesnap/treesnap/config"
	"github.com/ZanzyTHEbar/treesnap/treesnap/filesystem/watcher"
	"github.com/ZanzyTHEbar/treesnap/treesnap/protocol"
	"github.com/ZanzyTHEbar/treesnap/treesnap/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []protocol.EventPayload
}

func (l *eventLog) record(ev protocol.EventPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []protocol.EventPayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.EventPayload(nil), l.events...)
}

func (l *eventLog) count(kind protocol.Kind) int {
	n := 0
	for _, ev := range l.all() {
		if ev.EventKind() == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	root   string
	coord  *snapshot.Coordinator
	engine *Engine
	client *protocol.Client
	events *eventLog
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "README.md", "treesnap keeps a snapshot\n")
	writeFile(t, root, "src/main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, root, "src/util/strings.go", "package util\n\n// main helpers\n")

	builder := snapshot.NewBuilder(snapshot.BuildOptions{Root: root, PieceSize: 16, Workers: 2})
	coord := snapshot.NewCoordinator(builder)
	t.Cleanup(coord.Close)

	ctx, cancel := context.WithCancel(context.Background())
	eng, err := New(coord,
		WithBaseContext(ctx),
		WithProgressInterval(0),
		WithSearchConfig(config.SearchConfig{MaxResults: 100, MaxExtractLength: 20}),
	)
	require.NoError(t, err)

	serverEnd, clientEnd := protocol.NewPipe()
	client := protocol.NewClient(clientEnd)
	events := &eventLog{}
	for _, kind := range []protocol.Kind{
		protocol.KindTreeComputing, protocol.KindFilesLoading, protocol.KindProgressReport,
		protocol.KindFilesLoaded, protocol.KindTreeComputed,
	} {
		client.OnEvent(kind, events.record)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = eng.Serve(ctx, serverEnd)
	}()
	go func() {
		defer wg.Done()
		_ = client.Run(ctx)
	}()
	require.Eventually(t, func() bool { return eng.Events().Len() == 1 }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		_ = clientEnd.Close()
		wg.Wait()
	})
	return &fixture{root: root, coord: coord, engine: eng, client: client, events: events}
}

func (f *fixture) rebuild(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	snap, err := f.coord.Rebuild(context.Background())
	require.NoError(t, err)
	return snap
}

func withoutProgress(events []protocol.EventPayload) []protocol.Kind {
	var out []protocol.Kind
	for _, ev := range events {
		if ev.EventKind() != protocol.KindProgressReport {
			out = append(out, ev.EventKind())
		}
	}
	return out
}

func TestEngineEvents(t *testing.T) {
	f := newFixture(t)

	f.rebuild(t)
	writeFile(t, f.root, "src/extra.go", "package main\n")
	f.rebuild(t)

	require.Eventually(t, func() bool { return f.events.count(protocol.KindTreeComputed) == 2 }, 2*time.Second, 5*time.Millisecond)

	events := f.events.all()
	cycle := []protocol.Kind{
		protocol.KindTreeComputing, protocol.KindFilesLoading, protocol.KindFilesLoaded, protocol.KindTreeComputed,
	}
	assert.Equal(t, append(append([]protocol.Kind{}, cycle...), cycle...), withoutProgress(events))

	var versions []int64
	var finalTicks []protocol.ProgressReportEvent
	for _, ev := range events {
		switch ev := ev.(type) {
		case protocol.TreeComputedEvent:
			assert.Nil(t, ev.Error)
			versions = append(versions, ev.NewVersion)
		case protocol.ProgressReportEvent:
			assert.Equal(t, LoadingDisplayText, ev.DisplayText)
			assert.LessOrEqual(t, ev.Completed, ev.Total)
			if ev.Completed == ev.Total {
				finalTicks = append(finalTicks, ev)
			}
		}
	}
	assert.Equal(t, []int64{1, 2}, versions)
	require.Len(t, finalTicks, 2)
	assert.Equal(t, int64(3), finalTicks[0].Total)
	assert.Equal(t, int64(4), finalTicks[1].Total)
}

func TestEngineRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("EmptyBeforeFirstBuild", func(t *testing.T) {
		resp, err := protocol.CallAs[protocol.SearchTextResponse](ctx, f.client, protocol.SearchTextRequest{Query: protocol.SearchQuery{Pattern: "main"}})
		require.NoError(t, err)
		assert.Zero(t, resp.Version)
		assert.Empty(t, resp.Files)

		tree, err := protocol.CallAs[protocol.GetFileSystemTreeResponse](ctx, f.client, protocol.GetFileSystemTreeRequest{})
		require.NoError(t, err)
		assert.Nil(t, tree.Root)
	})

	f.rebuild(t)

	t.Run("FileSystemTree", func(t *testing.T) {
		resp, err := protocol.CallAs[protocol.GetFileSystemTreeResponse](ctx, f.client, protocol.GetFileSystemTreeRequest{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.Version)
		require.NotNil(t, resp.Root)
		assert.Equal(t, "", resp.Root.Path)
		assert.Equal(t, []string{"README.md"}, resp.Root.Files)
		require.Len(t, resp.Root.Directories, 1)
		src := resp.Root.Directories[0]
		assert.Equal(t, "src", src.Path)
		assert.Equal(t, []string{"main.go"}, src.Files)
		require.Len(t, src.Directories, 1)
		assert.Equal(t, "src/util", src.Directories[0].Path)
	})

	t.Run("SearchFileNames", func(t *testing.T) {
		resp, err := protocol.CallAs[protocol.SearchFileNamesResponse](ctx, f.client, protocol.SearchFileNamesRequest{
			Query: protocol.SearchQuery{Pattern: ".go", Extensions: []string{"go"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"src/main.go", "src/util/strings.go"}, resp.Paths)
		assert.False(t, resp.Truncated)
	})

	t.Run("SearchScopedToDirectory", func(t *testing.T) {
		resp, err := protocol.CallAs[protocol.SearchFileNamesResponse](ctx, f.client, protocol.SearchFileNamesRequest{
			Query: protocol.SearchQuery{Pattern: ".go", Directory: "src/util"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"src/util/strings.go"}, resp.Paths)
	})

	t.Run("SearchDirectoryNames", func(t *testing.T) {
		resp, err := protocol.CallAs[protocol.SearchDirectoryNamesResponse](ctx, f.client, protocol.SearchDirectoryNamesRequest{
			Query: protocol.SearchQuery{Pattern: "UTIL"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"src/util"}, resp.Paths)
	})

	t.Run("SearchText", func(t *testing.T) {
		resp, err := protocol.CallAs[protocol.SearchTextResponse](ctx, f.client, protocol.SearchTextRequest{
			Query: protocol.SearchQuery{Pattern: "main", MatchCase: true},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.Version)
		assert.Equal(t, 3, resp.MatchCount)
		require.Len(t, resp.Files, 2)
		assert.Equal(t, "src/main.go", resp.Files[0].Path)
		assert.Equal(t, []protocol.FilePositionSpan{{Position: 8, Length: 4}, {Position: 19, Length: 4}}, resp.Files[0].Spans)
		require.Len(t, resp.Files[0].Extracts, 2)
		assert.Contains(t, resp.Files[0].Extracts[0].Text, "main")
		assert.LessOrEqual(t, resp.Files[0].Extracts[0].Length, 20)
		assert.Equal(t, "src/util/strings.go", resp.Files[1].Path)
	})

	t.Run("InvalidPattern", func(t *testing.T) {
		for _, q := range []protocol.SearchQuery{{Pattern: ""}, {Pattern: "(", Regex: true}} {
			_, err := f.client.Call(ctx, protocol.SearchTextRequest{Query: q})
			var info *protocol.ErrorInfo
			require.ErrorAs(t, err, &info)
			assert.Equal(t, protocol.ErrorInvalidArgument, info.Kind)
		}
	})

	t.Run("GetFileExtracts", func(t *testing.T) {
		resp, err := protocol.CallAs[protocol.GetFileExtractsResponse](ctx, f.client, protocol.GetFileExtractsRequest{
			FileName:         "src/main.go",
			Spans:            []protocol.FilePositionSpan{{Position: 0, Length: 7}, {Position: 500, Length: 1}},
			MaxExtractLength: 7,
		})
		require.NoError(t, err)
		require.Len(t, resp.Extracts, 1)
		assert.Equal(t, "package", resp.Extracts[0].Text)
		assert.Equal(t, 1, resp.Extracts[0].LineNumber)

		missing, err := protocol.CallAs[protocol.GetFileExtractsResponse](ctx, f.client, protocol.GetFileExtractsRequest{FileName: "nope.txt"})
		require.NoError(t, err)
		assert.Empty(t, missing.Extracts)
	})

	t.Run("UnregisterIsAdvisory", func(t *testing.T) {
		_, err := f.client.Call(ctx, protocol.UnregisterFileRequest{FileName: "README.md"})
		require.NoError(t, err)

		names, err := protocol.CallAs[protocol.SearchFileNamesResponse](ctx, f.client, protocol.SearchFileNamesRequest{Query: protocol.SearchQuery{Pattern: "README"}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), names.Version)
		assert.Equal(t, []string{"README.md"}, names.Paths)

		stats, err := protocol.CallAs[protocol.GetDatabaseStatisticsResponse](ctx, f.client, protocol.GetDatabaseStatisticsRequest{})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Excluded)
		assert.Equal(t, 3, stats.Statistics.FileCount)

		f.rebuild(t)
		names, err = protocol.CallAs[protocol.SearchFileNamesResponse](ctx, f.client, protocol.SearchFileNamesRequest{Query: protocol.SearchQuery{Pattern: "README"}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), names.Version)
		assert.Empty(t, names.Paths)

		_, err = f.client.Call(ctx, protocol.RegisterFileRequest{FileName: "README.md"})
		require.NoError(t, err)
		f.rebuild(t)
		names, err = protocol.CallAs[protocol.SearchFileNamesResponse](ctx, f.client, protocol.SearchFileNamesRequest{Query: protocol.SearchQuery{Pattern: "README"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"README.md"}, names.Paths)
	})

	t.Run("UnregisterEmptyPath", func(t *testing.T) {
		_, err := f.client.Call(ctx, protocol.UnregisterFileRequest{})
		var info *protocol.ErrorInfo
		require.ErrorAs(t, err, &info)
		assert.Equal(t, protocol.ErrorInvalidArgument, info.Kind)
	})

	t.Run("Statistics", func(t *testing.T) {
		resp, err := protocol.CallAs[protocol.GetDatabaseStatisticsResponse](ctx, f.client, protocol.GetDatabaseStatisticsRequest{})
		require.NoError(t, err)
		assert.Equal(t, snapshot.StatePublished.String(), resp.State)
		assert.Equal(t, f.coord.Root(), resp.Root)
		assert.Equal(t, int64(3), resp.Statistics.SearchableFileCount)
		assert.Equal(t, uint64(2), resp.Statistics.Extensions[".go"])
	})

	t.Run("Refresh", func(t *testing.T) {
		before := f.coord.Version()
		_, err := f.client.Call(ctx, protocol.RefreshFileSystemTreeRequest{})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return f.coord.Version() == before+1 }, 2*time.Second, 5*time.Millisecond)
	})
}

type fakeSource struct {
	batches chan []watcher.Event
	errs    chan error
}

func (s *fakeSource) Batches() <-chan []watcher.Event { return s.batches }
func (s *fakeSource) Errors() <-chan error            { return s.errs }

func TestEngineWatch(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{batches: make(chan []watcher.Event), errs: make(chan error)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Watch(ctx, src) }()

	writeFile(t, f.root, "new.txt", "fresh main text\n")
	src.batches <- []watcher.Event{{Type: watcher.EventCreate, Path: filepath.Join(f.root, "new.txt")}}

	require.Eventually(t, func() bool { return f.coord.Version() == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := f.coord.Current()
	_, ok := snap.DB.LookupFile("new.txt")
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-done)
}

type subscriberFunc func(protocol.EventPayload)

func (f subscriberFunc) SendEvent(_ context.Context, ev protocol.EventPayload) error {
	f(ev)
	return nil
}

func TestEngineStalledClient(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "stalled\n")
	coord := snapshot.NewCoordinator(snapshot.NewBuilder(snapshot.BuildOptions{Root: root}))
	t.Cleanup(coord.Close)

	eng, err := New(coord,
		WithProgressInterval(0),
		WithServerConfig(config.ServerConfig{MaxConcurrentRequests: 2, EventBuffer: 4}),
	)
	require.NoError(t, err)

	healthy := &eventLog{}
	detach := eng.Events().Attach(subscriberFunc(healthy.record))
	defer detach()

	// the peer end is never read
	serverEnd, peer := protocol.NewPipe()
	defer peer.Close()
	served := make(chan error, 1)
	go func() { served <- eng.Serve(context.Background(), serverEnd) }()
	require.Eventually(t, func() bool { return eng.Events().Len() == 2 }, time.Second, 5*time.Millisecond)

	published := make(chan struct{})
	go func() {
		defer close(published)
		for range 200 {
			eng.TreeComputing()
		}
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing waited on a client that does not read")
	}
	assert.Equal(t, 200, healthy.count(protocol.KindTreeComputing))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("the stalled client was not disconnected")
	}
	assert.Equal(t, 1, eng.Events().Len())

	_, err = coord.UnregisterFile("README.md")
	require.NoError(t, err)
	snap, err := coord.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, 1, healthy.count(protocol.KindTreeComputed))
}
