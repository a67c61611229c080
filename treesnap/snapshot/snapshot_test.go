package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/treesnap/treesnap/database"
	"github.com/ZanzyTHEbar/treesnap/treesnap/filesystem"
	"github.com/ZanzyTHEbar/treesnap/treesnap/names"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func relPaths(list database.ListView[names.FileName]) []string {
	out := make([]string, 0, list.Len())
	for _, f := range list.All() {
		out = append(out, filepath.ToSlash(f.RelativePath()))
	}
	return out
}

func fileNamesMatching(t *testing.T, snap *Snapshot, pattern string) []string {
	t.Helper()
	res, err := snap.DB.SearchFileNames(context.Background(), database.Query{Pattern: pattern})
	require.NoError(t, err)
	out := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		out = append(out, f.Name().Text())
	}
	return out
}

// recorder is a Listener keeping every callback in order.
type recorder struct {
	mu       sync.Mutex
	events   []string
	versions []int64
	errs     []error
	progress [][2]int64
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) TreeComputing()        { r.add("computing") }
func (r *recorder) FilesLoading(int64)    { r.add("loading") }
func (r *recorder) FilesLoaded(err error) { r.add("loaded") }

func (r *recorder) ProgressReport(completed, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "progress")
	r.progress = append(r.progress, [2]int64{completed, total})
}

func (r *recorder) TreeComputed(version int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "computed")
	r.versions = append(r.versions, version)
	r.errs = append(r.errs, err)
}

// phases returns the recorded events without progress ticks.
func (r *recorder) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e != "progress" {
			out = append(out, e)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, root string, opts BuildOptions) (*Coordinator, *Builder, *recorder) {
	t.Helper()
	opts.Root = root
	if opts.PieceSize == 0 {
		opts.PieceSize = 16
	}
	b := NewBuilder(opts)
	rec := &recorder{}
	c := NewCoordinator(b, WithListener(rec))
	t.Cleanup(c.Close)
	return c, b, rec
}

func TestBuilder(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"DeterministicOrder", testDeterministicOrder},
		{"ContentPolicies", testContentPolicies},
		{"Exclusions", testBuilderExclusions},
		{"ContentReuse", testContentReuse},
		{"PartialBuildResilience", testPartialBuildResilience},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testDeterministicOrder(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"b.txt":       "b",
		"a.txt":       "a",
		"sub/d/e.txt": "e",
		"sub/c.txt":   "c",
	})
	b := NewBuilder(BuildOptions{Root: root, PieceSize: 16})

	first, err := b.Build(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	want := []string{"a.txt", "b.txt", "sub/c.txt", "sub/d/e.txt"}
	assert.Equal(t, want, relPaths(first.FileNames()))
	assert.Equal(t, want, relPaths(second.FileNames()))

	dirs := first.DirectoryNames()
	require.Equal(t, 3, dirs.Len())
	assert.True(t, dirs.At(0).IsRoot())
	assert.Equal(t, "sub", dirs.At(1).RelativePath())
	assert.Equal(t, filepath.Join("sub", "d"), dirs.At(2).RelativePath())
	assert.Equal(t, root, first.Root().FullPath())
}

func testContentPolicies(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"text.txt":   "hello world",
		"binary.bin": "\x00\x01\x02",
		"big.txt":    strings.Repeat("x", 100),
	})
	b := NewBuilder(BuildOptions{Root: root, PieceSize: 4, MaxFileSize: 64})

	db, err := b.Build(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, db.FileNames().Len())
	assert.Equal(t, int64(1), db.SearchableFileCount())

	text, ok := db.LookupFile("text.txt")
	require.True(t, ok)
	require.NotNil(t, text.Contents())
	assert.Equal(t, "hello world", text.Contents().Text())
	assert.Equal(t, int64(11), text.Size())
	assert.NotZero(t, text.Hash())
	assert.Equal(t, 3, db.Pieces().Len())

	bin, ok := db.LookupFile("binary.bin")
	require.True(t, ok)
	assert.Nil(t, bin.Contents())

	big, ok := db.LookupFile("big.txt")
	require.True(t, ok)
	assert.Nil(t, big.Contents())
	assert.Equal(t, int64(100), big.Size())
}

func testBuilderExclusions(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"keep.txt": "k", "drop.txt": "d"})
	b := NewBuilder(BuildOptions{Root: root})

	db, err := b.Build(context.Background(), map[string]struct{}{filepath.Join(root, "drop.txt"): {}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, relPaths(db.FileNames()))
}

func testContentReuse(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"same.txt": "unchanged", "edit.txt": "before"})
	b := NewBuilder(BuildOptions{Root: root})

	var reads atomic.Int32
	b.readFile = func(name string) ([]byte, error) {
		reads.Add(1)
		return os.ReadFile(name)
	}

	first, err := b.Build(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reads.Load())

	edit := filepath.Join(root, "edit.txt")
	require.NoError(t, os.WriteFile(edit, []byte("after!"), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(edit, later, later))

	reads.Store(0)
	second, err := b.Build(context.Background(), nil, first, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reads.Load(), "unchanged files are not read again")

	same, ok := second.LookupFile("same.txt")
	require.True(t, ok)
	assert.Equal(t, "unchanged", same.Contents().Text())
	assert.Equal(t, same.Name(), same.Contents().File(), "reused contents belong to the new tree")

	edited, ok := second.LookupFile("edit.txt")
	require.True(t, ok)
	assert.Equal(t, "after!", edited.Contents().Text())

	// a touched file with identical bytes keeps its decoded contents
	touch := filepath.Join(root, "same.txt")
	require.NoError(t, os.Chtimes(touch, later, later))
	reads.Store(0)
	third, err := b.Build(context.Background(), nil, second, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reads.Load())
	reused, ok := third.LookupFile("same.txt")
	require.True(t, ok)
	prev, _ := second.LookupFile("same.txt")
	assert.Equal(t, prev.Hash(), reused.Hash())
	assert.Equal(t, "unchanged", reused.Contents().Text())
}

func testPartialBuildResilience(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.txt":   "a",
		"bad.txt": "unreadable",
		"c.txt":   "c",
	})
	c, b, _ := newTestCoordinator(t, root, BuildOptions{})
	b.readFile = func(name string) ([]byte, error) {
		if filepath.Base(name) == "bad.txt" {
			return nil, os.ErrPermission
		}
		return os.ReadFile(name)
	}

	snap, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePublished, c.State())
	assert.Equal(t, 3, snap.DB.FileNames().Len())
	assert.Equal(t, int64(2), snap.DB.SearchableFileCount())

	bad, ok := snap.DB.LookupFile("bad.txt")
	require.True(t, ok)
	assert.Nil(t, bad.Contents())
}

func TestCoordinator(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"EventOrdering", testEventOrdering},
		{"SnapshotIsolation", testSnapshotIsolation},
		{"SnapshotIsolationUnderConcurrentPublish", testSnapshotIsolationConcurrent},
		{"SlowListener", testSlowListener},
		{"UnregisterIsAdvisory", testUnregisterIsAdvisory},
		{"FailedBuildKeepsSnapshot", testFailedBuildKeepsSnapshot},
		{"SupersededBuildIsDiscarded", testSupersededBuildIsDiscarded},
		{"Trigger", testTrigger},
		{"Closed", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testEventOrdering(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "a", "b.txt": "b"})
	c, _, rec := newTestCoordinator(t, root, BuildOptions{})

	assert.Equal(t, StateIdle, c.State())
	assert.Nil(t, c.Current())

	_, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	writeFiles(t, root, map[string]string{"c.txt": "c"})
	_, err = c.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"computing", "loading", "loaded", "computed",
		"computing", "loading", "loaded", "computed",
	}, rec.phases())
	assert.Equal(t, []int64{1, 2}, rec.versions)
	assert.Equal(t, []error{nil, nil}, rec.errs)

	require.NotEmpty(t, rec.progress)
	last := rec.progress[len(rec.progress)-1]
	assert.Equal(t, int64(3), last[0])
	assert.Equal(t, last[0], last[1], "the final tick reports completion")
	assert.Equal(t, int64(2), c.Version())
}

func testSnapshotIsolation(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"old.txt": "old contents"})
	c, _, _ := newTestCoordinator(t, root, BuildOptions{})

	v1, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	held := c.Current()
	writeFiles(t, root, map[string]string{"new.txt": "new contents"})
	require.NoError(t, os.Remove(filepath.Join(root, "old.txt")))

	v2, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Same(t, v1, held)
	assert.Same(t, v2, c.Current())
	assert.Equal(t, []string{"old.txt"}, fileNamesMatching(t, held, ".txt"))
	assert.Equal(t, []string{"new.txt"}, fileNamesMatching(t, c.Current(), ".txt"))

	res, err := held.DB.SearchText(context.Background(), database.Query{Pattern: "contents"})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "old.txt", res.Files[0].File.Name().Text())
}

func testSnapshotIsolationConcurrent(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"old.txt": strings.Repeat("needle hay ", 64)})
	c, _, _ := newTestCoordinator(t, root, BuildOptions{PieceSize: 32})

	held, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	want, err := held.DB.SearchText(context.Background(), database.Query{Pattern: "needle", MatchCase: true})
	require.NoError(t, err)
	require.Equal(t, 64, want.MatchCount)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := held.DB.SearchText(context.Background(), database.Query{Pattern: "needle", MatchCase: true})
				if !assert.NoError(t, err) || !assert.Equal(t, want, got) {
					return
				}
			}
		}()
	}

	for i := range 5 {
		writeFiles(t, root, map[string]string{"old.txt": strings.Repeat("needle ", i+1)})
		later := time.Now().Add(time.Duration(i+1) * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(root, "old.txt"), later, later))
		_, err := c.Rebuild(context.Background())
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(6), c.Version())
	assert.Equal(t, int64(1), held.Version)
	cur, err := c.Current().DB.SearchText(context.Background(), database.Query{Pattern: "needle", MatchCase: true})
	require.NoError(t, err)
	assert.Equal(t, 5, cur.MatchCount)
}

// gatedListener holds TreeComputing until gate is closed.
type gatedListener struct {
	*recorder
	gate chan struct{}
}

func (g gatedListener) TreeComputing() {
	<-g.gate
	g.recorder.TreeComputing()
}

func testSlowListener(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "a", "b.txt": "b"})
	rec := &recorder{}
	gate := make(chan struct{})
	c := NewCoordinator(NewBuilder(BuildOptions{Root: root, PieceSize: 16}), WithListener(gatedListener{recorder: rec, gate: gate}))
	t.Cleanup(c.Close)
	released := false
	release := func() {
		if !released {
			released = true
			close(gate)
		}
	}
	t.Cleanup(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Trigger(context.Background()))
		_, err := c.UnregisterFile("a.txt")
		assert.NoError(t, err)
		assert.NoError(t, c.Trigger(context.Background()))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator calls blocked behind a listener")
	}
	require.Eventually(t, func() bool { return c.Current() != nil }, 2*time.Second, 5*time.Millisecond,
		"builds publish while the listener is busy")
	assert.Empty(t, rec.phases())

	release()
	c.Wait()

	phases := rec.phases()
	require.NotEmpty(t, phases)
	assert.Equal(t, "computing", phases[0])
	assert.Equal(t, "computed", phases[len(phases)-1])
	count := func(name string) int {
		n := 0
		for _, p := range phases {
			if p == name {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 2, count("computing"))
	assert.Equal(t, 2, count("computed"))
}

func testUnregisterIsAdvisory(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"x.txt": "x", "y.txt": "y"})
	c, _, rec := newTestCoordinator(t, root, BuildOptions{})

	_, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	added, err := c.UnregisterFile("x.txt")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = c.UnregisterFile(filepath.Join(root, "x.txt"))
	require.NoError(t, err)
	assert.False(t, added, "absolute and relative paths name the same file")
	assert.Equal(t, []string{filepath.Join(root, "x.txt")}, c.Exclusions())

	assert.Equal(t, []string{"x.txt", "y.txt"}, fileNamesMatching(t, c.Current(), "txt"))
	assert.Equal(t, int64(1), c.Version(), "unregistering does not rebuild")
	assert.Len(t, rec.phases(), 4)

	_, err = c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"y.txt"}, fileNamesMatching(t, c.Current(), "txt"))

	removed, err := c.RegisterFile("x.txt")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt", "y.txt"}, fileNamesMatching(t, c.Current(), "txt"))

	_, err = c.UnregisterFile("")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func testFailedBuildKeepsSnapshot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	writeFiles(t, root, map[string]string{"a.txt": "a"})
	c, _, rec := newTestCoordinator(t, root, BuildOptions{})

	published, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(root))
	_, err = c.Rebuild(context.Background())
	require.ErrorIs(t, err, filesystem.ErrRootInaccessible)

	assert.Equal(t, StateFailed, c.State())
	assert.Same(t, published, c.Current())
	assert.Equal(t, []string{
		"computing", "loading", "loaded", "computed",
		"computing", "computed",
	}, rec.phases())
	assert.Equal(t, []int64{1, 1}, rec.versions)
	assert.NoError(t, rec.errs[0])
	assert.ErrorIs(t, rec.errs[1], filesystem.ErrRootInaccessible)
}

func testSupersededBuildIsDiscarded(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "a"})
	c, b, rec := newTestCoordinator(t, root, BuildOptions{Workers: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	b.readFile = func(name string) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return os.ReadFile(name)
	}

	require.NoError(t, c.Trigger(context.Background()))
	<-started

	snap, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	close(release)
	c.Wait()

	assert.Same(t, snap, c.Current(), "the stale cycle never publishes")
	assert.Equal(t, StatePublished, c.State())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 2)
	assert.NoError(t, rec.errs[0])
	assert.ErrorIs(t, rec.errs[1], ErrSuperseded)
	assert.Equal(t, []int64{1, 1}, rec.versions)
	assert.Equal(t, [][2]int64{{1, 1}}, rec.progress, "the stale cycle reports no progress")
}

func testTrigger(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "a"})
	c, _, _ := newTestCoordinator(t, root, BuildOptions{})

	require.NoError(t, c.Trigger(context.Background()))
	c.Wait()
	require.NotNil(t, c.Current())
	assert.Equal(t, int64(1), c.Current().Version)
	assert.NotEqual(t, [16]byte{}, [16]byte(c.Current().BuildID))
}

func testClosed(t *testing.T) {
	c, _, _ := newTestCoordinator(t, t.TempDir(), BuildOptions{})
	c.Close()

	err := c.Trigger(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = c.Rebuild(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "computing", StateComputing.String())
	assert.Equal(t, "published", StatePublished.String())
	assert.Equal(t, "state(42)", State(42).String())
}
