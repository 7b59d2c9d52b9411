package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// levelTrace matches the trace level used by the rest of the program
// for wire-level envelope logging.
const levelTrace = slog.Level(-8)

// Transport moves JSON-RPC envelopes between the client and one tool
// executor. Implementations frame each envelope as one line.
//
// Send and Receive are not safe for concurrent use with themselves; the
// [Client] serializes round trips. Close may be called concurrently with
// a blocked Receive and unblocks it.
type Transport interface {
	// Start makes the transport ready for use. Starting a running
	// transport is a no-op.
	Start(ctx context.Context) error

	// Send writes one envelope and flushes it.
	Send(ctx context.Context, msg any) error

	// Receive blocks until the next envelope arrives or ctx ends. When
	// ctx ends first the transport is torn down, since the pending read
	// cannot otherwise be abandoned without desynchronizing the stream.
	Receive(ctx context.Context) (*Response, error)

	// Close shuts the transport down. It is idempotent.
	Close() error
}

// readResult is the outcome of a single message read.
type readResult struct {
	resp *Response
	err  error
}

// receiveWithContext reads one message from codec, giving up when ctx
// ends. On give-up, abort is called to unblock the read goroutine.
func receiveWithContext(ctx context.Context, codec *lineCodec, abort func()) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan readResult, 1)
	go func() {
		resp, err := codec.readMessage()
		ch <- readResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		abort()
		return nil, ctx.Err()
	case res := <-ch:
		return res.resp, res.err
	}
}

// PipeTransport is a [Transport] over an already connected pair of
// streams, for executors that are not child processes of this program
// and for tests.
type PipeTransport struct {
	r      io.ReadCloser
	w      io.WriteCloser
	logger *slog.Logger

	mu     sync.Mutex
	codec  *lineCodec
	closed bool
}

// NewPipeTransport returns a transport that reads responses from r and
// writes requests to w. Close closes both.
func NewPipeTransport(r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) *PipeTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipeTransport{
		r:      r,
		w:      w,
		logger: logger,
	}
}

// Start prepares the codec. The streams are assumed to be connected.
func (t *PipeTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrConnectionClosed
	}
	if t.codec == nil {
		t.codec = newLineCodec(t.r, t.w, 0)
	}
	return nil
}

// Send writes msg as one line.
func (t *PipeTransport) Send(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	codec := t.codec
	closed := t.closed
	t.mu.Unlock()

	if closed || codec == nil {
		return &WriteError{Err: ErrNotStarted}
	}

	data, err := codec.writeMessage(msg)
	if err != nil {
		return &WriteError{Err: err}
	}
	t.logger.Log(ctx, levelTrace, "sent envelope", "envelope", string(data))
	return nil
}

// Receive reads the next message. Cancelling ctx closes the transport.
func (t *PipeTransport) Receive(ctx context.Context) (*Response, error) {
	t.mu.Lock()
	codec := t.codec
	closed := t.closed
	t.mu.Unlock()

	switch {
	case closed:
		return nil, ErrConnectionClosed
	case codec == nil:
		return nil, ErrNotStarted
	}

	resp, err := receiveWithContext(ctx, codec, func() { _ = t.Close() })
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			_ = t.Close()
		}
		return nil, err
	}
	t.logger.Log(ctx, levelTrace, "received envelope", "envelope", string(resp.Raw))
	return resp, nil
}

// Close closes both streams.
func (t *PipeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	werr := t.w.Close()
	rerr := t.r.Close()
	if werr != nil {
		return fmt.Errorf("close writer: %w", werr)
	}
	if rerr != nil {
		return fmt.Errorf("close reader: %w", rerr)
	}
	return nil
}
