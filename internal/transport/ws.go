package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/framelink/framelink/internal/config"
	"github.com/framelink/framelink/internal/logging"
	"github.com/framelink/framelink/internal/protocol"
	"github.com/framelink/framelink/internal/serial"
)

// wsBuffer bounds undelivered inbound envelopes before the read pump
// blocks.
const wsBuffer = 256

// WS carries the protocol over one websocket connection using the binary
// frame codec. Inbound envelopes that fail decoding or validation are
// dropped with a warning; a malformed frame never kills the connection.
type WS struct {
	conn     *websocket.Conn
	log      *logging.Logger
	limiter  *rate.Limiter
	compress bool

	writeMu   sync.Mutex
	in        chan Inbound
	done      chan struct{}
	closeOnce sync.Once
}

// NewWS wraps an established websocket connection (either the upgraded
// server side or the dialed client side) and starts its read pump.
func NewWS(conn *websocket.Conn, cfg config.ProtocolConfig, log *logging.Logger) *WS {
	if log == nil {
		log = logging.Nop()
	}
	w := &WS{
		conn:     conn,
		log:      log.Named("ws"),
		compress: cfg.Compression,
		in:       make(chan Inbound, wsBuffer),
		done:     make(chan struct{}),
	}
	if cfg.RateLimitPerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)
	}

	go w.readPump()
	return w
}

// Send encodes env and its transfer list into one binary message.
// gorilla/websocket allows one concurrent writer, so writes serialize
// through a mutex; FIFO order is preserved because each Send completes its
// write before returning.
func (w *WS) Send(ctx context.Context, env *protocol.Envelope, blobs []*serial.Blob) error {
	select {
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame, err := protocol.EncodeFrame(env, blobs, w.compress)
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		w.shutdown()
		return ErrClosed
	}
	return nil
}

// Recv returns the delivery channel.
func (w *WS) Recv() <-chan Inbound {
	return w.in
}

// Done reports connection teardown.
func (w *WS) Done() <-chan struct{} {
	return w.done
}

// Close closes the underlying connection.
func (w *WS) Close() error {
	w.shutdown()
	return w.conn.Close()
}

func (w *WS) shutdown() {
	w.closeOnce.Do(func() { close(w.done) })
}

// decodeFrame contains codec panics so a hostile frame costs at most one
// dropped message, never the process.
func decodeFrame(raw []byte) (env *protocol.Envelope, blobs []*serial.Blob, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: decoder panic: %v", protocol.ErrMalformed, r)
		}
	}()
	return protocol.DecodeFrame(raw)
}

func (w *WS) readPump() {
	defer w.shutdown()

	for {
		msgType, raw, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			w.log.Warn("non-binary websocket message dropped")
			continue
		}
		if w.limiter != nil && !w.limiter.Allow() {
			w.log.Warn("inbound envelope dropped by rate limit")
			continue
		}

		env, blobs, err := decodeFrame(raw)
		if err != nil {
			w.log.Warn("malformed frame dropped", zap.Error(err))
			continue
		}

		select {
		case w.in <- Inbound{Env: env, Blobs: blobs}:
		case <-w.done:
			return
		}
	}
}
