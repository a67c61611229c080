package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Transport moves envelopes between two peers. Send and Receive may be
// called from different goroutines; Send is safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

const pipeBuffer = 64

type pipeEnd struct {
	in     <-chan Envelope
	out    chan<- Envelope
	closed chan struct{}
	once   *sync.Once
}

// NewPipe returns the two connected ends of an in-memory transport.
// Closing either end closes both.
func NewPipe() (Transport, Transport) {
	ab := make(chan Envelope, pipeBuffer)
	ba := make(chan Envelope, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, closed: closed, once: once},
		&pipeEnd{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, env Envelope) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.closed:
		// deliver what was sent before the close
		select {
		case env := <-p.in:
			return env, nil
		default:
			return Envelope{}, ErrTransportClosed
		}
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type line struct {
	data []byte
	err  error
}

// StreamTransport carries newline-delimited JSON envelopes over a byte
// stream, typically a process's stdin and stdout.
type StreamTransport struct {
	wmu   sync.Mutex
	enc   *json.Encoder
	lines chan line

	closers   []io.Closer
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStreamTransport reads envelopes from r and writes them to w. Any of r
// and w that implement io.Closer are closed by Close.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	t := &StreamTransport{
		enc:    json.NewEncoder(w),
		lines:  make(chan line),
		closed: make(chan struct{}),
	}
	for _, v := range []any{r, w} {
		if c, ok := v.(io.Closer); ok {
			t.closers = append(t.closers, c)
		}
	}
	go t.readLines(bufio.NewReader(r))
	return t
}

func (t *StreamTransport) readLines(r *bufio.Reader) {
	defer close(t.lines)
	for {
		data, err := r.ReadBytes('\n')
		if data = bytes.TrimSpace(data); len(data) > 0 {
			select {
			case t.lines <- line{data: data}:
			case <-t.closed:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case t.lines <- line{err: err}:
				case <-t.closed:
				}
			}
			return
		}
	}
}

// Send writes env as one line.
func (t *StreamTransport) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.enc.Encode(env)
}

// Receive returns the next envelope. A line that is not a valid envelope
// yields a *DecodeError and the stream stays usable.
func (t *StreamTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case l, ok := <-t.lines:
		if !ok {
			return Envelope{}, ErrTransportClosed
		}
		if l.err != nil {
			return Envelope{}, l.err
		}
		return decodeLine(l.data)
	case <-t.closed:
		return Envelope{}, ErrTransportClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func decodeLine(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var partial struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(data, &partial)
		return Envelope{}, &DecodeError{ID: partial.ID, Kind: ErrorMalformedPayload, Err: err}
	}
	return env, nil
}

// Close stops the transport and closes the underlying stream.
func (t *StreamTransport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.closed)
		for _, c := range t.closers {
			errs = append(errs, c.Close())
		}
	})
	return errors.Join(errs...)
}
