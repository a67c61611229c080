package protocol

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Handler answers one kind of request.
type Handler interface {
	Handle(ctx context.Context, req RequestPayload) (ResponsePayload, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req RequestPayload) (ResponsePayload, error)

func (f HandlerFunc) Handle(ctx context.Context, req RequestPayload) (ResponsePayload, error) {
	return f(ctx, req)
}

// Server maps each request kind to exactly one handler.
type Server struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	logger   zerolog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger used for handler failures.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer returns a server with no handlers.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{handlers: make(map[Kind]Handler), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h for kind. A kind can only be registered once.
func (s *Server) Handle(kind Kind, h Handler) error {
	if _, ok := requestDecoders[kind]; !ok {
		return fmt.Errorf("unknown request kind %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	s.handlers[kind] = h
	return nil
}

// Register installs a typed handler for the request kind of Req.
func Register[Req RequestPayload, Resp ResponsePayload](s *Server, fn func(ctx context.Context, req Req) (Resp, error)) error {
	var zero Req
	return s.Handle(zero.RequestKind(), HandlerFunc(func(ctx context.Context, req RequestPayload) (ResponsePayload, error) {
		typed, ok := req.(Req)
		if !ok {
			return nil, NewErrorInfo(ErrorMalformedPayload, "unexpected payload %T for %s", req, zero.RequestKind())
		}
		return fn(ctx, typed)
	}))
}

// Dispatch decodes a request envelope, runs its handler and returns the
// correlated response. It never fails: every problem becomes an error
// response carrying the request id.
func (s *Server) Dispatch(ctx context.Context, env Envelope) (resp Envelope) {
	req, err := DecodeRequest(env)
	if err != nil {
		return EncodeErrorResponse(env.ID, env.Kind, ErrorInfoFrom(err))
	}

	s.mu.RLock()
	h, ok := s.handlers[env.Kind]
	s.mu.RUnlock()
	if !ok {
		return EncodeErrorResponse(env.ID, env.Kind, NewErrorInfo(ErrorUnknownRequestKind, "no handler for %s", env.Kind))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("kind", string(env.Kind)).
				Str("id", env.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Request handler panicked")
			resp = EncodeErrorResponse(env.ID, env.Kind, NewErrorInfo(ErrorInternal, "handler panicked: %v", r))
		}
	}()

	payload, err := h.Handle(ctx, req)
	if err != nil {
		info := ErrorInfoFrom(err)
		s.logger.Debug().Str("kind", string(env.Kind)).Str("id", env.ID).Str("errorKind", string(info.Kind)).Msg(info.Message)
		return EncodeErrorResponse(env.ID, env.Kind, info)
	}
	if payload == nil {
		return EncodeErrorResponse(env.ID, env.Kind, NewErrorInfo(ErrorInternal, "handler for %s returned no response", env.Kind))
	}
	out, err := EncodeResponse(env.ID, payload)
	if err != nil {
		return EncodeErrorResponse(env.ID, env.Kind, NewErrorInfo(ErrorInternal, "%v", err))
	}
	return out
}
