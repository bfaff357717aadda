package transport

import (
	"context"
	"sync"

	"github.com/framelink/framelink/internal/protocol"
	"github.com/framelink/framelink/internal/serial"
)

// pipeBuffer bounds how many undelivered envelopes one direction holds
// before senders block.
const pipeBuffer = 256

// pipePair is the shared state of two connected ends.
type pipePair struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// PipeEnd is one side of an in-memory ordered channel. Envelopes and their
// blobs cross by reference: ownership of transferables genuinely moves to
// the receiver with no copy, matching the transfer semantics stream
// transports emulate.
type PipeEnd struct {
	pair *pipePair
	out  chan Inbound
	in   chan Inbound
}

// Pipe returns two connected transport ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	pair := &pipePair{done: make(chan struct{})}
	aToB := make(chan Inbound, pipeBuffer)
	bToA := make(chan Inbound, pipeBuffer)

	a := &PipeEnd{pair: pair, out: aToB, in: bToA}
	b := &PipeEnd{pair: pair, out: bToA, in: aToB}
	return a, b
}

// Send delivers env to the peer end in FIFO order.
func (e *PipeEnd) Send(ctx context.Context, env *protocol.Envelope, blobs []*serial.Blob) error {
	e.pair.mu.Lock()
	closed := e.pair.closed
	e.pair.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case e.out <- Inbound{Env: env, Blobs: blobs}:
		return nil
	case <-e.pair.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the delivery channel for this end.
func (e *PipeEnd) Recv() <-chan Inbound {
	return e.in
}

// Close tears down both directions. Already-delivered envelopes stay
// readable; further sends from either end fail.
func (e *PipeEnd) Close() error {
	e.pair.mu.Lock()
	defer e.pair.mu.Unlock()

	if !e.pair.closed {
		e.pair.closed = true
		close(e.pair.done)
	}
	return nil
}

// Done reports pair teardown; used by receive loops to stop waiting once
// either end closes.
func (e *PipeEnd) Done() <-chan struct{} {
	return e.pair.done
}
