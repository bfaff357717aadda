package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/framelink/framelink/internal/config"
	"github.com/framelink/framelink/internal/logging"
	"github.com/framelink/framelink/internal/metrics"
	"github.com/framelink/framelink/internal/protocol"
	"github.com/framelink/framelink/internal/serial"
	"github.com/framelink/framelink/internal/shared/id"
)

var (
	// ErrCallTimeout means no response arrived within the call timeout.
	// Caller-side only; the callee is unaffected and any late response is
	// discarded.
	ErrCallTimeout = errors.New("remote: call timed out")
	// ErrSessionClosed rejects calls issued or still pending when the
	// session tears down.
	ErrSessionClosed = errors.New("remote: session closed")
)

// CallError is a failure reported by the remote peer through a
// function-response envelope. An expected condition under races (the peer
// may have released the function first), so it is a normal error value,
// not a protocol fault.
type CallError struct {
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("remote call failed: %s", e.Message)
}

// Sender emits envelopes toward the peer. Implemented by the session,
// which owns buffering and transport access.
type Sender interface {
	Send(ctx context.Context, env *protocol.Envelope, blobs []*serial.Blob) error
}

type callResult struct {
	value any
	err   error
}

// Manager drives both function roles for one session: it answers incoming
// calls against the owning-side registry and correlates outgoing proxy
// calls to their responses.
type Manager struct {
	reg  *Registry
	ser  *serial.Serializer
	send Sender
	log  *logging.Logger
	met  *metrics.Metrics

	timeout        time.Duration
	batchThreshold int

	mu       sync.Mutex
	pending  map[string]chan callResult
	held     map[string]struct{} // proxy tokens received from the peer
	closed   bool
	closeErr error
}

// NewManager creates a manager bound to a registry and a sender.
func NewManager(reg *Registry, send Sender, cfg config.ProtocolConfig, log *logging.Logger, met *metrics.Metrics) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	m := &Manager{
		reg:            reg,
		send:           send,
		log:            log,
		met:            met,
		timeout:        cfg.CallTimeout,
		batchThreshold: cfg.ReleaseBatchThreshold,
		pending:        make(map[string]chan callResult),
		held:           make(map[string]struct{}),
	}
	m.ser = serial.NewSerializer(reg, cfg.MaxDepth, log)
	return m
}

// Serializer returns the serializer bound to this session's registry.
func (m *Manager) Serializer() *serial.Serializer {
	return m.ser
}

// Rehydrate turns a function token received from the peer into a callable
// proxy. Implements serial.Rehydrate for this session.
func (m *Manager) Rehydrate(token, name string) serial.Func {
	m.mu.Lock()
	if !m.closed {
		m.held[token] = struct{}{}
	}
	m.mu.Unlock()

	return func(ctx context.Context, args []any) (any, error) {
		return m.Call(ctx, token, args)
	}
}

// Call invokes the remote function behind token and suspends the caller
// until the matching response, the timeout, cancellation, or session close.
func (m *Manager) Call(ctx context.Context, token string, args []any) (any, error) {
	m.mu.Lock()
	if m.closed {
		err := m.closeErr
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	payload, blobs, err := m.ser.Serialize(args)
	if err != nil {
		return nil, fmt.Errorf("remote: serialize arguments: %w", err)
	}

	callID := string(id.NewCallID())
	ch := make(chan callResult, 1)

	m.mu.Lock()
	if m.closed {
		err := m.closeErr
		m.mu.Unlock()
		return nil, err
	}
	m.pending[callID] = ch
	m.mu.Unlock()

	m.met.CallStarted()
	start := time.Now()

	env := protocol.NewCall(callID, token, payload.([]any))
	if err := m.send.Send(ctx, env, blobs); err != nil {
		m.forget(callID)
		m.met.CallFinished("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("remote: send call: %w", err)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		m.met.CallFinished(outcome, time.Since(start).Seconds())
		return res.value, res.err

	case <-timer.C:
		m.forget(callID)
		m.met.CallFinished("timeout", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w after %s", ErrCallTimeout, m.timeout)

	case <-ctx.Done():
		m.forget(callID)
		m.met.CallFinished("canceled", time.Since(start).Seconds())
		return nil, ctx.Err()
	}
}

// forget drops a pending call so a late response is ignored.
func (m *Manager) forget(callID string) {
	m.mu.Lock()
	delete(m.pending, callID)
	m.mu.Unlock()
}

// HandleCall answers an incoming function-call envelope. The function runs
// on its own goroutine so a handler may itself call back into the peer
// without stalling the dispatch loop.
func (m *Manager) HandleCall(ctx context.Context, env *protocol.Envelope) {
	fn, ok := m.reg.Lookup(env.FunctionToken)
	if !ok {
		// Never silently drop a call the other side is waiting on.
		m.respond(ctx, protocol.NewErrorResponse(env.CallID,
			fmt.Sprintf("unknown or released function %s", env.FunctionToken)), nil)
		return
	}

	args, _ := serial.Deserialize(env.Args, m.Rehydrate).([]any)

	go func() {
		result, err := fn(ctx, args)
		if err != nil {
			m.respond(ctx, protocol.NewErrorResponse(env.CallID, err.Error()), nil)
			return
		}
		payload, blobs, serr := m.ser.Serialize(result)
		if serr != nil {
			m.respond(ctx, protocol.NewErrorResponse(env.CallID,
				fmt.Sprintf("serialize result: %s", serr)), nil)
			return
		}
		m.respond(ctx, protocol.NewResponse(env.CallID, payload), blobs)
	}()
}

func (m *Manager) respond(ctx context.Context, env *protocol.Envelope, blobs []*serial.Blob) {
	if err := m.send.Send(ctx, env, blobs); err != nil {
		m.log.Warn("failed to send function response",
			zap.String("call_id", env.CallID), zap.Error(err))
	}
}

// HandleResponse resolves the pending call matching the envelope's call id.
// Unknown ids (timed out or canceled calls) are ignored.
func (m *Manager) HandleResponse(env *protocol.Envelope) {
	m.mu.Lock()
	ch, ok := m.pending[env.CallID]
	if ok {
		delete(m.pending, env.CallID)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("response for untracked call ignored",
			zap.String("call_id", env.CallID))
		return
	}

	if env.Success != nil && *env.Success {
		ch <- callResult{value: serial.Deserialize(env.Result, m.Rehydrate)}
		return
	}
	ch <- callResult{err: &CallError{Message: env.Error}}
}

// HandleRelease reclaims a single token from the owning-side registry.
func (m *Manager) HandleRelease(env *protocol.Envelope) {
	m.reg.Release(env.FunctionToken)
}

// HandleReleaseBatch reclaims every token in a batch release.
func (m *Manager) HandleReleaseBatch(env *protocol.Envelope) {
	m.reg.ReleaseBatch(env.FunctionTokens)
}

// ReleaseProxies tells the owner it may reclaim tokens this side no longer
// uses. Past the batch threshold one batch envelope replaces per-token
// messages.
func (m *Manager) ReleaseProxies(ctx context.Context, tokens []string) {
	if len(tokens) == 0 {
		return
	}

	m.mu.Lock()
	for _, token := range tokens {
		delete(m.held, token)
	}
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	if len(tokens) >= m.batchThreshold {
		env := &protocol.Envelope{Type: protocol.TypeFunctionReleaseBatch, FunctionTokens: tokens}
		if err := m.send.Send(ctx, env, nil); err != nil {
			m.log.Warn("failed to send release batch", zap.Error(err))
		}
		return
	}
	for _, token := range tokens {
		env := &protocol.Envelope{Type: protocol.TypeFunctionRelease, FunctionToken: token}
		if err := m.send.Send(ctx, env, nil); err != nil {
			m.log.Warn("failed to send release", zap.String("token", token), zap.Error(err))
		}
	}
}

// HeldProxies returns the tokens of every proxy received from the peer and
// not yet released.
func (m *Manager) HeldProxies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := make([]string, 0, len(m.held))
	for token := range m.held {
		tokens = append(tokens, token)
	}
	return tokens
}

// Close rejects every pending call, forgets held proxies, and clears the
// registry. Safe to call more than once.
func (m *Manager) Close(err error) {
	if err == nil {
		err = ErrSessionClosed
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = err
	pending := m.pending
	m.pending = make(map[string]chan callResult)
	m.held = make(map[string]struct{})
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
	m.reg.Drop()
}
