// Package transport provides the ordered message channel a session runs
// over: an in-memory pipe for same-process embedding and tests, and a
// websocket transport for cross-process embedding.
//
// Contract for every implementation: messages sent from one peer are
// delivered to the other in send order (FIFO per direction), each message
// arrives whole or not at all, and exactly two peers share the channel.
// Reordering transports are not supported; the protocol carries no
// sequence numbers.
package transport

import (
	"context"
	"errors"

	"github.com/framelink/framelink/internal/protocol"
	"github.com/framelink/framelink/internal/serial"
)

// ErrClosed fails sends on a transport that has been torn down.
var ErrClosed = errors.New("transport: closed")

// Inbound is one delivered envelope plus the transferables that moved with
// it.
type Inbound struct {
	Env   *protocol.Envelope
	Blobs []*serial.Blob
}

// Transport is one peer's end of the channel. Done is closed when the
// channel goes away (either end closed, or the connection dropped); after
// that, Send fails with ErrClosed. Envelopes already delivered to Recv
// remain readable.
type Transport interface {
	Send(ctx context.Context, env *protocol.Envelope, blobs []*serial.Blob) error
	Recv() <-chan Inbound
	Done() <-chan struct{}
	Close() error
}
