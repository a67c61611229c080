// Package engine serves snapshot queries over the message protocol and turns
// build cycles into progress and invalidation events.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	internal "github.com/ZanzyTHEbar/treesnap/treesnap"
	"github.com/ZanzyTHEbar/treesnap/treesnap/config"
	"github.com/ZanzyTHEbar/treesnap/treesnap/protocol"
	"github.com/ZanzyTHEbar/treesnap/treesnap/snapshot"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// LoadingDisplayText labels progress reports of the contents phase.
const LoadingDisplayText = "Loading files"

const defaultProgressInterval = 100 * time.Millisecond

// Engine owns the protocol server of one coordinator and signals its build
// cycles to every connected client.
type Engine struct {
	coord  *snapshot.Coordinator
	server *protocol.Server
	bus    *EventBus
	logger zerolog.Logger

	search           config.SearchConfig
	connection       config.ServerConfig
	baseCtx          context.Context
	progressInterval time.Duration

	progressMu sync.Mutex
	progress   *rate.Sometimes
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSearchConfig sets query limits and defaults.
func WithSearchConfig(cfg config.SearchConfig) Option {
	return func(e *Engine) { e.search = cfg }
}

// WithServerConfig sets per-connection limits.
func WithServerConfig(cfg config.ServerConfig) Option {
	return func(e *Engine) { e.connection = cfg }
}

// WithBaseContext bounds rebuilds requested by clients.
func WithBaseContext(ctx context.Context) Option {
	return func(e *Engine) { e.baseCtx = ctx }
}

// WithProgressInterval sets the minimum time between progress reports.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) { e.progressInterval = d }
}

// New creates an engine for coord and installs itself as the coordinator
// listener. It must be created before the first build cycle starts.
func New(coord *snapshot.Coordinator, opts ...Option) (*Engine, error) {
	e := &Engine{
		coord:  coord,
		logger: zerolog.Nop(),
		search: config.SearchConfig{
			MaxResults:       internal.DefaultMaxResults,
			MaxExtractLength: internal.DefaultMaxExtractLength,
		},
		connection: config.ServerConfig{
			MaxConcurrentRequests: 8,
			EventBuffer:           256,
		},
		baseCtx:          context.Background(),
		progressInterval: defaultProgressInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bus = NewEventBus(e.logger)
	e.server = protocol.NewServer(protocol.WithServerLogger(e.logger))
	e.progress = e.newSometimes()

	if err := e.registerHandlers(); err != nil {
		return nil, err
	}
	coord.SetListener(e)
	return e, nil
}

// Server returns the protocol server answering requests.
func (e *Engine) Server() *protocol.Server { return e.server }

// Events returns the bus events are published on.
func (e *Engine) Events() *EventBus { return e.bus }

// Serve runs one client connection over t until it closes or ctx is done.
func (e *Engine) Serve(ctx context.Context, t protocol.Transport) error {
	conn := protocol.NewConnection(t, e.server,
		protocol.WithMaxConcurrentRequests(e.connection.MaxConcurrentRequests),
		protocol.WithOutboundBuffer(e.connection.EventBuffer),
		protocol.WithConnectionLogger(e.logger),
	)
	detach := e.bus.Attach(conn)
	defer detach()

	e.logger.Debug().Msg("Client connected")
	err := conn.Run(ctx)
	e.logger.Debug().Err(err).Msg("Client disconnected")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) TreeComputing() {
	e.bus.Publish(protocol.TreeComputingEvent{})
}

func (e *Engine) FilesLoading(total int64) {
	e.progressMu.Lock()
	e.progress = e.newSometimes()
	e.progressMu.Unlock()

	e.logger.Debug().Int64("total", total).Msg("Loading file contents")
	e.bus.Publish(protocol.FilesLoadingEvent{})
}

// ProgressReport publishes at most one report per interval. The report for
// the last file is always published.
func (e *Engine) ProgressReport(completed, total int64) {
	e.progressMu.Lock()
	s := e.progress
	e.progressMu.Unlock()

	report := protocol.ProgressReportEvent{DisplayText: LoadingDisplayText, Completed: completed, Total: total}
	sent := false
	s.Do(func() {
		sent = true
		e.bus.Publish(report)
	})
	if !sent && completed == total {
		e.bus.Publish(report)
	}
}

func (e *Engine) newSometimes() *rate.Sometimes {
	if e.progressInterval <= 0 {
		return &rate.Sometimes{Every: 1}
	}
	return &rate.Sometimes{Interval: e.progressInterval}
}

func (e *Engine) FilesLoaded(err error) {
	e.bus.Publish(protocol.FilesLoadedEvent{Error: buildErrorInfo(err)})
}

func (e *Engine) TreeComputed(version int64, err error) {
	e.bus.Publish(protocol.TreeComputedEvent{NewVersion: version, Error: buildErrorInfo(err)})
}

func buildErrorInfo(err error) *protocol.ErrorInfo {
	if err == nil {
		return nil
	}
	kind := protocol.ErrorBuildFailed
	if errors.Is(err, snapshot.ErrSuperseded) || errors.Is(err, context.Canceled) {
		kind = protocol.ErrorCancelled
	}
	return &protocol.ErrorInfo{Kind: kind, Message: err.Error()}
}
