package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/framelink/framelink/internal/config"
	"github.com/framelink/framelink/internal/logging"
	"github.com/framelink/framelink/internal/metrics"
	"github.com/framelink/framelink/internal/protocol"
	"github.com/framelink/framelink/internal/remote"
	"github.com/framelink/framelink/internal/serial"
	"github.com/framelink/framelink/internal/shared/id"
	"github.com/framelink/framelink/internal/transport"
)

// methodAnnounceEvent is the reserved event name carrying the name→token
// method table. Rejected from the public Emit/On surface.
const methodAnnounceEvent = "methods-changed"

var (
	// ErrClosed fails operations on a torn-down session. A new session
	// requires a fresh handshake; reopening is not supported.
	ErrClosed = errors.New("session: closed")
	// ErrNoHost fails operations that need a peer while in standalone mode.
	ErrNoHost = errors.New("session: standalone, no host present")
	// ErrInitTimeout is returned to a host whose child never confirmed
	// readiness.
	ErrInitTimeout = errors.New("session: handshake timed out")
	// ErrReservedName rejects protocol-internal event names from the
	// public API.
	ErrReservedName = errors.New("session: reserved event name")
	// ErrUnknownMethod fails calls to names the peer has not announced.
	ErrUnknownMethod = errors.New("session: unknown remote method")
	// ErrInvalidName rejects names failing the protocol allow-list.
	ErrInvalidName = errors.New("session: invalid name")
)

// Option configures a Session.
type Option func(*Session)

// WithLogger injects the logger; defaults to a no-op logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(met *metrics.Metrics) Option {
	return func(s *Session) { s.met = met }
}

// WithConfig overrides the protocol tunables.
func WithConfig(cfg config.ProtocolConfig) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithSnapshot seeds the host's initial property snapshot sent in init.
func WithSnapshot(values map[string]any) Option {
	return func(s *Session) { s.snap = newSnapshot(values) }
}

// WithNotify sets the container-facing callback receiving Notices.
func WithNotify(fn func(Notice)) Option {
	return func(s *Session) { s.notify = fn }
}

type outbound struct {
	env   *protocol.Envelope
	blobs []*serial.Blob
}

type remoteMethod struct {
	token string
	fn    serial.Func
}

// Session is one peer's half of a host/child link. It owns its function
// registry, property snapshot, and subscriber lists; none of that state is
// shared with other sessions.
type Session struct {
	role   Role
	sid    id.SessionID
	tr     transport.Transport
	cfg    config.ProtocolConfig
	log    *logging.Logger
	met    *metrics.Metrics
	notify func(Notice)

	reg *remote.Registry
	mgr *remote.Manager

	snap      *snapshot
	watchers  *watcherList
	listeners *listenerList

	mu            sync.Mutex
	state         State
	buffered      []outbound
	handshakeDone bool
	handshakeCh   chan struct{}
	localMethods  map[string]string
	remoteMethods map[string]remoteMethod

	quit      chan struct{}
	closeOnce sync.Once
}

// New creates a session over tr and starts its dispatch loop. The host
// side drives the handshake with Initialize; the child side calls
// Initialize to await it.
func New(role Role, tr transport.Transport, opts ...Option) *Session {
	s := &Session{
		role:          role,
		sid:           id.NewSessionID(),
		tr:            tr,
		cfg:           config.DefaultProtocol(),
		log:           logging.Nop(),
		snap:          newSnapshot(nil),
		watchers:      newWatcherList(),
		listeners:     newListenerList(),
		handshakeCh:   make(chan struct{}),
		localMethods:  make(map[string]string),
		remoteMethods: make(map[string]remoteMethod),
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("session")

	s.reg = remote.NewRegistry(s.sid, s.cfg.RegistryCapacity, s.met)
	s.mgr = remote.NewManager(s.reg, s, s.cfg, s.log, s.met)

	s.met.SessionOpened()
	s.log.Info("session created",
		zap.String("session_id", string(s.sid)),
		zap.String("role", role.String()))

	go s.loop()
	return s
}

// ID returns the session id.
func (s *Session) ID() id.SessionID {
	return s.sid
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize runs this side of the handshake. The host sends init with its
// snapshot and waits for ready; the child waits for init, applies the
// snapshot, and confirms with ready. A child whose wait times out enters
// standalone mode and Initialize returns nil: absence of a host is a
// degraded mode, not an error.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateReady, StateStandalone:
		s.mu.Unlock()
		return nil
	case StateUninitialized:
		s.state = StateInitializing
	}
	s.mu.Unlock()

	if s.role == RoleHost {
		payload, blobs, err := s.mgr.Serializer().Serialize(s.snap.all())
		if err != nil {
			return fmt.Errorf("session: serialize snapshot: %w", err)
		}
		snapMap, _ := payload.(map[string]any)
		env := &protocol.Envelope{Type: protocol.TypeInit, Snapshot: snapMap}
		if err := s.tr.Send(ctx, env, blobs); err != nil {
			return fmt.Errorf("session: send init: %w", err)
		}
	}

	timer := time.NewTimer(s.cfg.InitTimeout)
	defer timer.Stop()

	select {
	case <-s.handshakeCh:
		s.mu.Lock()
		st := s.state
		s.mu.Unlock()
		if st == StateClosed {
			return ErrClosed
		}
		return nil

	case <-timer.C:
		if s.role == RoleChild {
			s.enterStandalone()
			return nil
		}
		return fmt.Errorf("%w after %s", ErrInitTimeout, s.cfg.InitTimeout)

	case <-ctx.Done():
		return ctx.Err()

	case <-s.quit:
		return ErrClosed
	}
}

// Set pushes one property change to the peer and applies it locally,
// notifying local watchers with the [new, old] pair. In standalone mode
// the local effect still happens; only the send is skipped.
func (s *Session) Set(ctx context.Context, name string, value any) error {
	if !protocol.ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	payload, blobs, err := s.mgr.Serializer().Serialize(value)
	if err != nil {
		return err
	}

	old := s.snap.apply(name, value)
	s.watchers.notify(name, value, old)

	env := &protocol.Envelope{Type: protocol.TypeAttributeChange, Attribute: name, Value: payload}
	return s.Send(ctx, env, blobs)
}

// Get reads a property from the local snapshot.
func (s *Session) Get(name string) (any, bool) {
	return s.snap.get(name)
}

// Snapshot returns a copy of the current property snapshot.
func (s *Session) Snapshot() map[string]any {
	return s.snap.all()
}

// Emit sends a named event to the peer's listeners.
func (s *Session) Emit(ctx context.Context, name string, data any) error {
	if name == methodAnnounceEvent {
		return ErrReservedName
	}
	if !protocol.ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	payload, blobs, err := s.mgr.Serializer().Serialize(data)
	if err != nil {
		return err
	}
	env := &protocol.Envelope{Type: protocol.TypeEvent, Name: name, Data: payload}
	return s.Send(ctx, env, blobs)
}

// EmitCustom sends an event the peer surfaces to its embedding container
// as an externally observable Notice instead of delivering to listeners.
func (s *Session) EmitCustom(ctx context.Context, name string, data any) error {
	if !protocol.ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	payload, blobs, err := s.mgr.Serializer().Serialize(data)
	if err != nil {
		return err
	}
	env := &protocol.Envelope{
		Type:    protocol.TypeCustomEvent,
		Payload: &protocol.EventPayload{Name: name, Data: payload},
	}
	return s.Send(ctx, env, blobs)
}

// On subscribes fn to events of the given name arriving from the peer.
// The returned ticket is the only way to unsubscribe.
func (s *Session) On(name string, fn EventFunc) (cancel func(), err error) {
	if name == methodAnnounceEvent {
		return nil, ErrReservedName
	}
	if !protocol.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.listeners.subscribe(name, fn), nil
}

// Watch subscribes fn to property changes: all properties when props is
// empty, otherwise only the named ones.
func (s *Session) Watch(fn WatchFunc, props ...string) (cancel func(), err error) {
	for _, prop := range props {
		if !protocol.ValidName(prop) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, prop)
		}
	}
	return s.watchers.subscribe(fn, props), nil
}

// Register exposes local functions to the peer by name. Tokens are minted
// in this session's registry and the name→token table is announced so the
// peer resolves names at call time. The returned func unregisters the
// batch and re-announces.
func (s *Session) Register(methods map[string]serial.Func) (unregister func(), err error) {
	minted := make(map[string]string, len(methods))
	rollback := func() {
		tokens := make([]string, 0, len(minted))
		for _, tok := range minted {
			tokens = append(tokens, tok)
		}
		s.reg.ReleaseBatch(tokens)
	}

	for name, fn := range methods {
		if !protocol.ValidName(name) {
			rollback()
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		token, merr := s.reg.Mint(name, fn)
		if merr != nil {
			rollback()
			return nil, merr
		}
		minted[name] = token
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		rollback()
		return nil, ErrClosed
	}
	for name, token := range minted {
		s.localMethods[name] = token
	}
	s.mu.Unlock()

	s.announceMethods(context.Background())

	return func() {
		released := make([]string, 0, len(minted))
		s.mu.Lock()
		for name, token := range minted {
			if s.localMethods[name] == token {
				delete(s.localMethods, name)
				released = append(released, token)
			}
		}
		s.mu.Unlock()

		s.reg.ReleaseBatch(released)
		s.announceMethods(context.Background())
	}, nil
}

// announceMethods pushes the current name→token table to the peer on the
// reserved event. Sent whole each time so the peer's table converges on
// the latest announcement regardless of ordering in between.
func (s *Session) announceMethods(ctx context.Context) {
	s.mu.Lock()
	table := make(map[string]any, len(s.localMethods))
	for name, token := range s.localMethods {
		table[name] = serial.FuncRecord(token, name)
	}
	s.mu.Unlock()

	env := &protocol.Envelope{Type: protocol.TypeEvent, Name: methodAnnounceEvent, Data: table}
	if err := s.Send(ctx, env, nil); err != nil {
		s.log.Warn("method announcement failed", zap.Error(err))
	}
}

// Call invokes a method the peer announced, by name, and suspends until
// the response, the call timeout, or teardown.
func (s *Session) Call(ctx context.Context, name string, args ...any) (any, error) {
	s.mu.Lock()
	st := s.state
	m, ok := s.remoteMethods[name]
	s.mu.Unlock()

	if st == StateClosed {
		return nil, ErrClosed
	}
	if st == StateStandalone {
		return nil, ErrNoHost
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return m.fn(ctx, args)
}

// RemoteMethods lists the method names the peer has announced, sorted.
func (s *Session) RemoteMethods() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.remoteMethods))
	for name := range s.remoteMethods {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// Cleanup tears the session down: held proxies are batch-released to the
// peer, pending calls reject, registries and subscriber lists clear, and
// the transport closes. Idempotent; the session cannot be reused.
func (s *Session) Cleanup() error {
	s.closeOnce.Do(func() {
		held := s.mgr.HeldProxies()
		if len(held) > 0 {
			s.mgr.ReleaseProxies(context.Background(), held)
		}

		s.mu.Lock()
		s.state = StateClosed
		s.buffered = nil
		s.localMethods = make(map[string]string)
		s.remoteMethods = make(map[string]remoteMethod)
		if !s.handshakeDone {
			s.handshakeDone = true
			close(s.handshakeCh)
		}
		s.mu.Unlock()

		s.mgr.Close(nil)
		s.watchers.clear()
		s.listeners.clear()
		close(s.quit)
		if err := s.tr.Close(); err != nil {
			s.log.Debug("transport close", zap.Error(err))
		}

		s.met.SessionClosed()
		s.log.Info("session closed", zap.String("session_id", string(s.sid)))
	})
	return nil
}

// Send emits an envelope toward the peer, honoring lifecycle rules: closed
// sessions fail, standalone children suppress, and traffic ahead of ready
// is buffered rather than racing the handshake. Implements remote.Sender.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope, blobs []*serial.Blob) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed

	case StateStandalone:
		s.mu.Unlock()
		s.log.Debug("standalone: envelope suppressed", zap.String("type", string(env.Type)))
		return nil

	case StateReady:
		s.mu.Unlock()
		return s.tr.Send(ctx, env, blobs)

	default:
		s.buffered = append(s.buffered, outbound{env: env, blobs: blobs})
		s.mu.Unlock()
		return nil
	}
}

// enterStandalone moves a child whose init wait expired into standalone.
func (s *Session) enterStandalone() {
	s.mu.Lock()
	if s.state != StateInitializing && s.state != StateUninitialized {
		s.mu.Unlock()
		return
	}
	s.state = StateStandalone
	s.buffered = nil
	if !s.handshakeDone {
		s.handshakeDone = true
		close(s.handshakeCh)
	}
	s.mu.Unlock()

	s.log.Info("no host detected, continuing standalone",
		zap.Duration("waited", s.cfg.InitTimeout))
}

// becomeReady completes the handshake and flushes buffered traffic.
func (s *Session) becomeReady() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateReady || s.state == StateStandalone {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	buf := s.buffered
	s.buffered = nil
	if !s.handshakeDone {
		s.handshakeDone = true
		close(s.handshakeCh)
	}
	s.mu.Unlock()

	for _, o := range buf {
		if err := s.tr.Send(context.Background(), o.env, o.blobs); err != nil {
			s.log.Warn("buffered envelope lost", zap.String("type", string(o.env.Type)), zap.Error(err))
		}
	}

	s.emitNotice(Notice{Kind: NoticeReady, Data: s.snap.all()})
}

func (s *Session) emitNotice(n Notice) {
	if s.notify != nil {
		s.notify(n)
	}
}

// loop is the dispatch goroutine: it applies one envelope's effect fully
// before taking the next, and survives any malformed input.
func (s *Session) loop() {
	recv := s.tr.Recv()
	for {
		select {
		case inb := <-recv:
			s.dispatch(inb)

		case <-s.tr.Done():
			// Drain envelopes delivered before the channel went away.
			for {
				select {
				case inb := <-recv:
					s.dispatch(inb)
					continue
				default:
				}
				break
			}
			s.mu.Lock()
			st := s.state
			s.mu.Unlock()
			if st != StateClosed {
				s.emitNotice(Notice{Kind: NoticeError, Data: "transport closed by peer"})
				s.Cleanup()
			}
			return

		case <-s.quit:
			return
		}
	}
}

func (s *Session) dispatch(inb transport.Inbound) {
	env := inb.Env
	if err := protocol.Validate(env); err != nil {
		s.met.EnvelopeDropped("malformed")
		s.log.Warn("malformed envelope dropped", zap.Error(err))
		return
	}
	s.met.EnvelopeReceived(string(env.Type))

	switch env.Type {
	case protocol.TypeInit:
		s.handleInit(env)
	case protocol.TypeReady:
		s.handleReady()
	case protocol.TypeAttributeChange:
		s.handleAttributeChange(env)
	case protocol.TypeEvent:
		s.handleEvent(env)
	case protocol.TypeCustomEvent:
		s.handleCustomEvent(env)
	case protocol.TypeFunctionCall:
		s.mgr.HandleCall(context.Background(), env)
	case protocol.TypeFunctionResponse:
		s.mgr.HandleResponse(env)
	case protocol.TypeFunctionRelease:
		s.mgr.HandleRelease(env)
	case protocol.TypeFunctionReleaseBatch:
		s.mgr.HandleReleaseBatch(env)
	}
}

func (s *Session) handleInit(env *protocol.Envelope) {
	if s.role != RoleChild {
		s.met.EnvelopeDropped("wrong-direction")
		s.log.Warn("init envelope on host side dropped")
		return
	}
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StateReady || st == StateStandalone || st == StateClosed {
		s.met.EnvelopeDropped("duplicate-init")
		s.log.Warn("unexpected init dropped", zap.String("state", st.String()))
		return
	}

	values := make(map[string]any, len(env.Snapshot))
	for name, raw := range env.Snapshot {
		values[name] = serial.Deserialize(raw, s.mgr.Rehydrate)
	}
	s.snap.replace(values)

	if err := s.tr.Send(context.Background(), &protocol.Envelope{Type: protocol.TypeReady}, nil); err != nil {
		s.log.Warn("failed to send ready", zap.Error(err))
		return
	}
	s.becomeReady()
}

func (s *Session) handleReady() {
	if s.role != RoleHost {
		s.met.EnvelopeDropped("wrong-direction")
		s.log.Warn("ready envelope on child side dropped")
		return
	}
	s.becomeReady()
}

func (s *Session) handleAttributeChange(env *protocol.Envelope) {
	value := serial.Deserialize(env.Value, s.mgr.Rehydrate)
	old := s.snap.apply(env.Attribute, value)
	s.watchers.notify(env.Attribute, value, old)
}

func (s *Session) handleEvent(env *protocol.Envelope) {
	if env.Name == methodAnnounceEvent {
		s.handleMethodAnnounce(env.Data)
		return
	}
	s.listeners.dispatch(env.Name, serial.Deserialize(env.Data, s.mgr.Rehydrate))
}

func (s *Session) handleCustomEvent(env *protocol.Envelope) {
	data := serial.Deserialize(env.Payload.Data, s.mgr.Rehydrate)
	s.emitNotice(Notice{Kind: env.Payload.Name, Data: data})
}

// handleMethodAnnounce replaces the remote method table. Proxies for
// methods no longer announced are released so the owner reclaims their
// tokens.
func (s *Session) handleMethodAnnounce(data any) {
	table, ok := data.(map[string]any)
	if !ok {
		s.met.EnvelopeDropped("malformed")
		s.log.Warn("method announcement with non-record table dropped")
		return
	}

	next := make(map[string]remoteMethod, len(table))
	for name, raw := range table {
		if !protocol.ValidName(name) {
			s.log.Warn("announced method with invalid name skipped", zap.String("name", name))
			continue
		}
		rec, isRec := raw.(map[string]any)
		if !isRec {
			continue
		}
		token, _, isFn := serial.ParseFuncRecord(rec)
		if !isFn {
			continue
		}
		next[name] = remoteMethod{token: token, fn: s.mgr.Rehydrate(token, name)}
	}

	s.mu.Lock()
	prev := s.remoteMethods
	s.remoteMethods = next
	s.mu.Unlock()

	kept := make(map[string]bool, len(next))
	for _, m := range next {
		kept[m.token] = true
	}
	var removed []string
	for _, m := range prev {
		if !kept[m.token] {
			removed = append(removed, m.token)
		}
	}
	if len(removed) > 0 {
		s.mgr.ReleaseProxies(context.Background(), removed)
	}
}
