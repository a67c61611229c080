package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventHandler receives events of one kind. Handlers run on the client's
// read loop, in arrival order, and must not call Client.Call.
type EventHandler func(EventPayload)

// Client issues requests over a transport and routes incoming events.
type Client struct {
	transport Transport
	logger    zerolog.Logger

	mu       sync.Mutex
	pending  map[string]chan Envelope
	handlers map[Kind]EventHandler
	done     chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client; Run must be started before Call can
// receive responses.
func NewClient(t Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: t,
		logger:    zerolog.Nop(),
		pending:   make(map[string]chan Envelope),
		handlers:  make(map[Kind]EventHandler),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent sets the handler for kind, replacing any previous one. A nil
// handler removes it. Events without a handler are dropped.
func (c *Client) OnEvent(kind Kind, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, kind)
		return
	}
	c.handlers[kind] = h
}

// Run reads from the transport until it closes or ctx is done. Calls still
// waiting when Run returns fail with ErrConnectionClosed.
func (c *Client) Run(ctx context.Context) error {
	err := c.readLoop(ctx)
	c.mu.Lock()
	close(c.done)
	c.mu.Unlock()
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		env, err := c.transport.Receive(ctx)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				if decodeErr.ID != "" {
					c.deliver(EncodeErrorResponse(decodeErr.ID, "", decodeErr.Info()))
				} else {
					c.logger.Warn().Err(err).Msg("Dropping malformed message")
				}
				continue
			}
			return err
		}
		switch env.Type {
		case TypeResponse:
			c.deliver(env)
		case TypeEvent:
			c.dispatchEvent(env)
		default:
			c.logger.Warn().Str("type", string(env.Type)).Str("kind", string(env.Kind)).Msg("Ignoring unexpected message")
		}
	}
}

func (c *Client) deliver(env Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("id", env.ID).Msg("Response for unknown request")
		return
	}
	ch <- env
}

func (c *Client) dispatchEvent(env Envelope) {
	c.mu.Lock()
	h, ok := c.handlers[env.Kind]
	c.mu.Unlock()
	if !ok {
		return
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		c.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("Dropping undecodable event")
		return
	}
	h(ev)
}

// Call sends req and waits for its response. An error response is
// returned as an *ErrorInfo.
func (c *Client) Call(ctx context.Context, req RequestPayload) (ResponsePayload, error) {
	id := uuid.NewString()
	env, err := EncodeRequest(id, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", req.RequestKind(), err)
	}

	select {
	case resp := <-ch:
		return DecodeResponse(resp)
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallAs calls req and asserts the response type.
func CallAs[Resp ResponsePayload](ctx context.Context, c *Client, req RequestPayload) (Resp, error) {
	var zero Resp
	resp, err := c.Call(ctx, req)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(Resp)
	if !ok {
		return zero, NewErrorInfo(ErrorMalformedPayload, "unexpected response %T for %s", resp, req.RequestKind())
	}
	return typed, nil
}
