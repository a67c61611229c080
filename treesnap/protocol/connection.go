package protocol

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

const (
	defaultMaxConcurrentRequests = 8
	defaultOutboundBuffer        = 256
)

// Connection serves one peer: it reads requests from a transport,
// dispatches them concurrently and writes responses and events through a
// single writer. Events are written in the order SendEvent is called;
// responses may overtake each other. A peer that stops reading fills the
// outbound queue; SendEvent then fails instead of waiting.
type Connection struct {
	transport     Transport
	server        *Server
	logger        zerolog.Logger
	maxConcurrent int

	mu     sync.RWMutex
	out    chan Envelope
	closed bool
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithMaxConcurrentRequests bounds the number of requests handled at once.
func WithMaxConcurrentRequests(n int) ConnectionOption {
	return func(c *Connection) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithOutboundBuffer sets how many envelopes may wait for the writer.
func WithOutboundBuffer(n int) ConnectionOption {
	return func(c *Connection) {
		if n > 0 {
			c.out = make(chan Envelope, n)
		}
	}
}

// WithConnectionLogger sets the connection logger.
func WithConnectionLogger(logger zerolog.Logger) ConnectionOption {
	return func(c *Connection) { c.logger = logger }
}

// NewConnection binds a transport to a server.
func NewConnection(t Transport, s *Server, opts ...ConnectionOption) *Connection {
	c := &Connection{
		transport:     t,
		server:        s,
		logger:        zerolog.Nop(),
		maxConcurrent: defaultMaxConcurrentRequests,
		out:           make(chan Envelope, defaultOutboundBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run serves the connection until the transport closes or ctx is done.
// Pending responses and events are flushed before Run returns.
func (c *Connection) Run(ctx context.Context) error {
	var writer conc.WaitGroup
	writer.Go(func() { c.writeLoop(context.WithoutCancel(ctx)) })

	requests := pool.New().WithMaxGoroutines(c.maxConcurrent).WithContext(ctx)
	err := c.readLoop(ctx, requests)
	_ = requests.Wait()

	c.mu.Lock()
	c.closed = true
	close(c.out)
	c.mu.Unlock()
	writer.Wait()

	if errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *Connection) readLoop(ctx context.Context, requests *pool.ContextPool) error {
	for {
		env, err := c.transport.Receive(ctx)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Warn().Err(err).Str("id", decodeErr.ID).Msg("Dropping malformed message")
				if decodeErr.ID != "" {
					c.enqueue(ctx, EncodeErrorResponse(decodeErr.ID, "", decodeErr.Info()))
				}
				continue
			}
			return err
		}
		if env.Type != TypeRequest {
			c.logger.Warn().Str("type", string(env.Type)).Str("kind", string(env.Kind)).Msg("Ignoring non-request message")
			continue
		}
		requests.Go(func(ctx context.Context) error {
			c.enqueue(ctx, c.server.Dispatch(ctx, env))
			return nil
		})
	}
}

func (c *Connection) writeLoop(ctx context.Context) {
	broken := false
	for env := range c.out {
		if broken {
			continue
		}
		if err := c.transport.Send(ctx, env); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				broken = true
				continue
			}
			c.logger.Warn().Err(err).Str("kind", string(env.Kind)).Str("id", env.ID).Msg("Failed to write message")
		}
	}
}

func (c *Connection) enqueue(ctx context.Context, env Envelope) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendEvent queues an event behind every previously sent event without
// waiting. It returns ErrOutboundFull when the queue has no room.
func (c *Connection) SendEvent(_ context.Context, ev EventPayload) error {
	env, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.out <- env:
		return nil
	default:
		return ErrOutboundFull
	}
}

// Close closes the transport, which ends Run.
func (c *Connection) Close() error {
	return c.transport.Close()
}
