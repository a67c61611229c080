package protocol

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrDuplicateHandler = errors.New("handler already registered for kind")
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrOutboundFull     = errors.New("outbound queue full")
)

// ErrorKind classifies an error response or event error.
type ErrorKind string

const (
	ErrorInvalidArgument    ErrorKind = "InvalidArgument"
	ErrorBuildFailed        ErrorKind = "BuildFailed"
	ErrorCancelled          ErrorKind = "Cancelled"
	ErrorInternal           ErrorKind = "Internal"
	ErrorUnknownRequestKind ErrorKind = "UnknownRequestKind"
	ErrorMalformedPayload   ErrorKind = "MalformedPayload"
)

// ErrorInfo is the wire form of an error. It implements error so clients
// can return it directly.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewErrorInfo formats an ErrorInfo of the given kind.
func NewErrorInfo(kind ErrorKind, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any ErrorInfo of the same kind.
func (e *ErrorInfo) Is(target error) bool {
	var other *ErrorInfo
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
}

// ErrorInfoFrom converts err into an ErrorInfo. Errors already carrying an
// ErrorInfo keep it, cancellation maps to Cancelled and everything else is
// Internal. A nil error yields nil.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr.Info()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ErrorInfo{Kind: ErrorCancelled, Message: err.Error()}
	}
	return &ErrorInfo{Kind: ErrorInternal, Message: err.Error()}
}

// WithKind wraps err so that ErrorInfoFrom reports kind while errors.Is and
// errors.As still see err.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

func (e *kindError) As(target any) bool {
	if info, ok := target.(**ErrorInfo); ok {
		*info = &ErrorInfo{Kind: e.kind, Message: e.err.Error()}
		return true
	}
	return false
}

// DecodeError reports an envelope that could not be decoded. ID is set when
// the envelope could be correlated to a request.
type DecodeError struct {
	ID   string
	Kind ErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message %q: %s: %v", e.ID, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Info returns the wire form of the error.
func (e *DecodeError) Info() *ErrorInfo {
	return &ErrorInfo{Kind: e.Kind, Message: e.Err.Error()}
}
