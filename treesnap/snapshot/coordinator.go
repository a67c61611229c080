// Package snapshot builds immutable file databases off to the side and
// publishes them with a single atomic pointer swap.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/treesnap/treesnap/database"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSuperseded = errors.New("build superseded by a newer change")
	ErrClosed     = errors.New("coordinator is closed")
	ErrEmptyPath  = errors.New("file path cannot be empty")
)

// Snapshot is one published database together with its version.
type Snapshot struct {
	Version  int64
	DB       *database.FileDatabase
	BuildID  uuid.UUID
	BuiltAt  time.Time
	Duration time.Duration
}

// State is the state of the most recent build cycle.
type State int32

const (
	StateIdle State = iota
	StateComputing
	StateReady
	StatePublished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputing:
		return "computing"
	case StateReady:
		return "ready"
	case StatePublished:
		return "published"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener observes build cycles. Each cycle reports TreeComputing first and
// TreeComputed last; the file loading callbacks happen in between once the
// walk succeeded. TreeComputed calls are made in publish order, and progress
// of a cycle is never reported after a newer cycle's TreeComputing.
//
// Callbacks run one at a time on a goroutine owned by the coordinator, never
// under its lock.
type Listener interface {
	TreeComputing()
	FilesLoading(total int64)
	ProgressReport(completed, total int64)
	FilesLoaded(err error)
	TreeComputed(version int64, err error)
}

type nopListener struct{}

func (nopListener) TreeComputing()              {}
func (nopListener) FilesLoading(int64)          {}
func (nopListener) ProgressReport(int64, int64) {}
func (nopListener) FilesLoaded(error)           {}
func (nopListener) TreeComputed(int64, error)   {}

// Coordinator runs build cycles and owns the published snapshot.
//
// Readers call Current once per operation and use the returned snapshot
// for its whole duration; a concurrent publish never affects them.
type Coordinator struct {
	builder  *Builder
	listener Listener
	logger   zerolog.Logger
	events   *sequencer

	current atomic.Pointer[Snapshot]
	state   atomic.Int32
	latest  atomic.Uint64

	mu       sync.Mutex
	version  int64
	cancel   context.CancelFunc
	excluded map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithListener sets the listener receiving lifecycle callbacks.
func WithListener(l Listener) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.listener = l
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator creates an idle coordinator with nothing published.
func NewCoordinator(builder *Builder, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		builder:  builder,
		listener: nopListener{},
		logger:   zerolog.Nop(),
		events:   newSequencer(),
		excluded: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetListener replaces the listener. It must be called before the first
// cycle starts.
func (c *Coordinator) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Current returns the published snapshot, or nil before the first publish.
func (c *Coordinator) Current() *Snapshot { return c.current.Load() }

// State returns the state of the most recent cycle.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Version returns the version of the published snapshot, zero if none.
func (c *Coordinator) Version() int64 {
	if s := c.Current(); s != nil {
		return s.Version
	}
	return 0
}

// Root returns the indexed root directory.
func (c *Coordinator) Root() string { return c.builder.Root() }

// Trigger starts a cycle in the background and returns immediately. ctx
// bounds the cycle and should outlive the caller's request.
func (c *Coordinator) Trigger(ctx context.Context) error {
	cyc, err := c.start(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer c.wg.Done()
		_, _ = c.run(cyc)
	}()
	return nil
}

// Rebuild runs a cycle and waits for it, including the listener's
// TreeComputed call. A cycle superseded by a newer one returns ErrSuperseded.
func (c *Coordinator) Rebuild(ctx context.Context) (*Snapshot, error) {
	cyc, err := c.start(ctx)
	if err != nil {
		return nil, err
	}
	defer c.wg.Done()
	snap, err := c.run(cyc)
	<-cyc.reported
	return snap, err
}

// Wait blocks until every started cycle has finished and the listener has
// seen all of their callbacks.
func (c *Coordinator) Wait() {
	c.wg.Wait()
	c.events.flush()
}

// Close cancels the running cycle and waits for all cycles to finish. The
// published snapshot stays readable.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.Wait()
}

// UnregisterFile excludes path from the next build. The published snapshot
// is not changed and no build is started. It reports whether the path was
// newly excluded.
func (c *Coordinator) UnregisterFile(path string) (bool, error) {
	abs, err := c.absolute(path)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.excluded[abs]; ok {
		return false, nil
	}
	c.excluded[abs] = struct{}{}
	c.logger.Debug().Str("path", abs).Msg("File unregistered")
	return true, nil
}

// RegisterFile removes an exclusion added by UnregisterFile. It reports
// whether an exclusion was removed.
func (c *Coordinator) RegisterFile(path string) (bool, error) {
	abs, err := c.absolute(path)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.excluded[abs]; !ok {
		return false, nil
	}
	delete(c.excluded, abs)
	c.logger.Debug().Str("path", abs).Msg("File registered")
	return true, nil
}

// Exclusions returns the excluded paths in sorted order.
func (c *Coordinator) Exclusions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.excluded))
}

func (c *Coordinator) absolute(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.builder.Root(), path)
	}
	return filepath.Clean(path), nil
}

type cycle struct {
	id       uint64
	buildID  uuid.UUID
	ctx      context.Context
	cancel   context.CancelFunc
	excluded map[string]struct{}
	started  time.Time
	reported chan struct{}
}

// start supersedes the running cycle and registers a new one.
func (c *Coordinator) start(ctx context.Context) (*cycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}

	cctx, cancel := context.WithCancel(ctx)
	cyc := &cycle{
		id:       c.latest.Add(1),
		buildID:  uuid.New(),
		ctx:      cctx,
		cancel:   cancel,
		excluded: maps.Clone(c.excluded),
		started:  time.Now(),
		reported: make(chan struct{}),
	}
	c.cancel = cancel
	c.wg.Add(1)
	c.state.Store(int32(StateComputing))

	c.logger.Debug().Uint64("cycle", cyc.id).Str("build_id", cyc.buildID.String()).Msg("Build cycle started")
	listener := c.listener
	c.events.post(listener.TreeComputing)
	return cyc, nil
}

func (c *Coordinator) run(cyc *cycle) (*Snapshot, error) {
	defer cyc.cancel()

	var previous *database.FileDatabase
	if cur := c.Current(); cur != nil {
		previous = cur.DB
	}

	db, err := c.builder.Build(cyc.ctx, cyc.excluded, previous, &cycleObserver{c: c, id: cyc.id})
	return c.publish(cyc, db, err)
}

// publish swaps in db if cyc is still the latest cycle. TreeComputed is
// posted under the lock so versions are reported in publish order.
func (c *Coordinator) publish(cyc *cycle, db *database.FileDatabase, buildErr error) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	isLatest := cyc.id == c.latest.Load()
	if buildErr == nil && !isLatest {
		buildErr = ErrSuperseded
	}
	if buildErr != nil {
		if isLatest {
			c.state.Store(int32(StateFailed))
		}
		if !isLatest && errors.Is(buildErr, context.Canceled) {
			buildErr = fmt.Errorf("%w: %w", ErrSuperseded, buildErr)
		}
		c.logger.Warn().Err(buildErr).Uint64("cycle", cyc.id).Msg("Build cycle failed")
		c.reportComputed(cyc, c.version, buildErr)
		return nil, buildErr
	}

	c.state.Store(int32(StateReady))
	c.version++
	snap := &Snapshot{
		Version:  c.version,
		DB:       db,
		BuildID:  cyc.buildID,
		BuiltAt:  time.Now(),
		Duration: time.Since(cyc.started),
	}
	c.current.Store(snap)
	c.state.Store(int32(StatePublished))

	c.logger.Info().
		Int64("version", snap.Version).
		Int("files", db.FileNames().Len()).
		Int64("searchable", db.SearchableFileCount()).
		Dur("duration", snap.Duration).
		Msg("Snapshot published")
	c.reportComputed(cyc, snap.Version, nil)
	return snap, nil
}

func (c *Coordinator) reportComputed(cyc *cycle, version int64, err error) {
	listener := c.listener
	c.events.post(func() {
		defer close(cyc.reported)
		listener.TreeComputed(version, err)
	})
}

// cycleObserver forwards builder progress to the listener. Progress of a
// superseded cycle is dropped.
type cycleObserver struct {
	c  *Coordinator
	id uint64
}

func (o *cycleObserver) FilesLoading(total int64) {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	listener := o.c.listener
	o.c.events.post(func() { listener.FilesLoading(total) })
}

// Progress checks for a newer cycle under the same lock that start posts
// TreeComputing under, so a stale tick cannot follow it.
func (o *cycleObserver) Progress(completed, total int64) {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	if o.c.latest.Load() != o.id {
		return
	}
	listener := o.c.listener
	o.c.events.post(func() { listener.ProgressReport(completed, total) })
}

func (o *cycleObserver) FilesLoaded(err error) {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	listener := o.c.listener
	o.c.events.post(func() { listener.FilesLoaded(err) })
}
