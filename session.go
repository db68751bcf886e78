package netsession

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var (
	// ErrSessionClosed is returned by operations on a session after Shutdown.
	ErrSessionClosed = errors.New("session closed")

	// ErrPermissionDenied is returned by Call when the service refused the
	// request.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrHandshakeRejected is returned by Call for requests dropped because
	// the service rejected the handshake.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// link is one transport connection of a session together with the
// reassembly state that lives and dies with it.
type link struct {
	conn  *Conn
	reasm *Reassembler // touched only on the session executor
	local atomic.Bool  // closed by the session itself

	mu       sync.Mutex
	inflight map[uint64]struct{} // requests written and not yet answered
	dead     bool
}

// track records a request about to be written on l. It reports false once
// the link has been abandoned.
func (l *link) track(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return false
	}
	if l.inflight == nil {
		l.inflight = make(map[uint64]struct{})
	}
	l.inflight[id] = struct{}{}
	return true
}

func (l *link) forget(id uint64) {
	l.mu.Lock()
	delete(l.inflight, id)
	l.mu.Unlock()
}

// abandon marks l dead and returns the requests still waiting for a reply.
func (l *link) abandon() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead = true
	ids := make([]uint64, 0, len(l.inflight))
	for id := range l.inflight {
		ids = append(ids, id)
	}
	l.inflight = nil
	return ids
}

// Session is the client side of a persistent logical connection to one
// remote service.
//
// Messages sent before the session is ready are queued and flushed, oldest
// first, once the handshake succeeds. All writes and all inbound processing
// happen on one executor goroutine, so send order is preserved however many
// goroutines call Send. Failures never reach the caller: they are logged and
// reported to the Notifier.
type Session struct {
	name string
	addr string

	opts       options
	logger     Logger
	notifier   Notifier
	registry   *Registry
	fragmenter *Fragmenter
	exec       *executor
	limiter    *rate.Limiter

	handshakeID uint64

	mu    sync.Mutex
	state State
	queue []Message
	link  *link

	stopped      atomic.Bool // disconnect requested by the owner
	retrying     atomic.Bool // a throttled reconnect is scheduled
	callbacks    atomic.Int32
	closed       atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
}

// New creates a disconnected session for the service called name at addr
// (host:port). Nothing is dialed until Connect or the first Send.
func New(name, addr string, opt ...Option) (*Session, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	logger := withService(opts.logger, name, addr)
	s := &Session{
		name:       name,
		addr:       addr,
		opts:       opts,
		logger:     logger,
		notifier:   opts.notifier,
		registry:   opts.registry,
		fragmenter: NewFragmenter(opts.fragmentThreshold, opts.serializer),
		exec:       newExecutor(logger),
		limiter:    rate.NewLimiter(opts.reconnectLimit, opts.reconnectBurst),
		state:      StateDisconnected,
		done:       make(chan struct{}),
	}

	// Reserve a correlation id for our own handshake so that no request
	// sharing the registry can collide with it.
	s.handshakeID = s.registry.RegisterStanding(func(m Message) {
		s.logger.Debug("data message carrying the handshake correlation dropped", "type", m.Type)
	})

	s.logger.Info("session initialized")
	return s, nil
}

// Name returns the service name.
func (s *Session) Name() string {
	return s.name
}

// Addr returns the service address.
func (s *Session) Addr() string {
	return s.addr
}

// Registry returns the registry replies are dispatched through.
func (s *Session) Registry() *Registry {
	return s.registry
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether messages are currently sent without queuing.
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// Connect starts a connection attempt unless one is already in progress or
// established. It does not wait for the attempt to finish.
func (s *Session) Connect() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.stopped.Store(false)

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.setState(StateConnecting)
	s.mu.Unlock()

	if !s.exec.Submit(s.dial) {
		s.mu.Lock()
		s.setState(StateDisconnected)
		s.mu.Unlock()
		return ErrSessionClosed
	}
	return nil
}

// Send transmits m once the session is ready. Before that, m is queued and,
// if the session is disconnected, a connection attempt is started. Send
// never blocks and only fails after Shutdown.
func (s *Session) Send(m Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if m.Kind == 0 {
		m.Kind = KindData
	}

	s.mu.Lock()
	if s.state == StateReady {
		l := s.link
		s.mu.Unlock()
		if !s.exec.Submit(func(context.Context) { s.transmit(l, m) }) {
			return ErrSessionClosed
		}
		return nil
	}

	s.queue = append(s.queue, m)
	state := s.state
	queued := len(s.queue)
	s.mu.Unlock()

	s.logger.Debug("message queued", "state", state, "queued", queued, "type", m.Type)

	if state == StateDisconnected {
		return s.reconnect()
	}
	return nil
}

// reconnect starts the connection attempt implied by Send. Attempts over
// the reconnect limit are postponed until the limiter allows them.
func (s *Session) reconnect() error {
	r := s.limiter.Reserve()
	if !r.OK() {
		return s.Connect()
	}
	delay := r.Delay()
	if delay <= 0 {
		return s.Connect()
	}
	if !s.retrying.CompareAndSwap(false, true) {
		r.Cancel()
		return nil
	}

	s.logger.Debug("reconnect throttled", "delay", delay)
	time.AfterFunc(delay, func() {
		s.retrying.Store(false)

		s.mu.Lock()
		queued := len(s.queue)
		s.mu.Unlock()
		if queued == 0 {
			return
		}
		if err := s.Connect(); err != nil {
			s.logger.Debug("delayed reconnect skipped", "error", err)
		}
	})
	return nil
}

// Request sends m with a fresh correlation id and calls h with the first
// reply carrying that id. The id is returned so the caller can Cancel.
// If the request is dropped, h is never called.
func (s *Session) Request(m Message, h Handler) (uint64, error) {
	return s.request(s.registry.Register(h), m)
}

func (s *Session) request(id uint64, m Message) (uint64, error) {
	m.Correlation = id
	if err := s.Send(m); err != nil {
		s.registry.Remove(id)
		return 0, err
	}
	return id, nil
}

type callResult struct {
	reply Message
	err   error
}

// Call sends m and waits for its reply. It returns early with an error when
// the request is refused (ErrPermissionDenied) or can no longer be answered:
// the connection failed or was lost, the handshake was rejected, or the
// session was shut down.
func (s *Session) Call(ctx context.Context, m Message) (Message, error) {
	results := make(chan callResult, 1)
	id := s.registry.RegisterWaiter(
		func(reply Message) { results <- callResult{reply: reply} },
		func(err error) { results <- callResult{err: err} },
	)
	if _, err := s.request(id, m); err != nil {
		return Message{}, err
	}

	select {
	case res := <-results:
		return res.reply, res.err
	case <-ctx.Done():
		s.registry.Remove(id)
		return Message{}, ctx.Err()
	case <-s.done:
		select {
		case res := <-results:
			return res.reply, res.err
		default:
		}
		s.registry.Remove(id)
		return Message{}, ErrSessionClosed
	}
}

// Cancel forgets the reply handler registered for a request.
func (s *Session) Cancel(id uint64) {
	s.registry.Remove(id)
}

// Disconnect closes the transport without reporting a lost connection.
// Queued messages are kept and sent after the next successful handshake;
// requests already written fail with ErrConnectionClosed.
func (s *Session) Disconnect() {
	s.stopped.Store(true)

	s.mu.Lock()
	l := s.link
	s.link = nil
	s.setState(StateDisconnected)
	s.mu.Unlock()

	if l != nil {
		l.local.Store(true)
		_ = l.conn.Close()
		s.abandon(l.abandon(), ErrConnectionClosed)
	}
	s.logger.Info("disconnected by caller")
}

// Shutdown disconnects and stops the executor: queued work gets the
// shutdown timeout to finish before it is canceled. Pending requests fail
// with ErrSessionClosed. The session cannot be used afterwards. Safe to
// call more than once and from any goroutine. Called from a Handler, the
// OnReady hook or the Notifier, it does not wait for the executor, which
// stops once the callback returns.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		if s.callbacks.Load() > 0 {
			go s.exec.Shutdown(s.opts.shutdownTimeout)
		} else {
			s.exec.Shutdown(s.opts.shutdownTimeout)
		}
		s.Disconnect()
		s.registry.Remove(s.handshakeID)

		s.mu.Lock()
		dropped := s.takeQueueLocked()
		s.mu.Unlock()
		s.abandon(correlations(dropped), ErrSessionClosed)

		close(s.done)
		s.logger.Info("session shut down")
	})
}

// dial runs on the executor. It opens the transport and sends the handshake.
func (s *Session) dial(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, s.opts.connectTimeout)
	raw, err := s.opts.dialer(dctx, s.addr)
	cancel()

	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnect or Shutdown won the race.
		s.mu.Unlock()
		if raw != nil {
			_ = raw.Close()
		}
		return
	}

	if err != nil {
		s.setState(StateDisconnected)
		dropped := s.takeQueueLocked()
		s.mu.Unlock()

		s.logger.Warn("connect failed", "error", err, "dropped", len(dropped))
		s.callback(func() {
			s.notifier.Warn("Connection failed",
				fmt.Sprintf("Cannot connect to %s service. Please check your network connection and %s service connection settings.", s.name, s.name),
				err)
		})
		s.abandon(correlations(dropped), errors.Wrapf(err, "connect to %s", s.addr))
		return
	}

	l := &link{reasm: NewReassembler(s.opts.serializer, s.opts.maxParts, s.opts.reassemblyTTL)}
	connOpts := s.opts
	connOpts.logger = s.logger
	connOpts.onEnvelope = func(env Envelope) error {
		s.received(l, env)
		return nil
	}
	l.conn = newConnWithOptions(raw, connOpts)

	s.link = l
	s.setState(StateAwaitingHandshake)
	s.mu.Unlock()

	s.logger.Info("transport connected, sending handshake", "remote_addr", l.conn.Addr())
	go s.serve(l)

	hs := s.opts.handshake()
	hs.Kind = KindHandshake
	hs.Correlation = s.handshakeID
	if err := s.write(l, hs); err != nil {
		s.logger.Warn("handshake write failed", "error", err)
		_ = l.conn.Close()
	}
}

// serve runs the connection until it drops.
func (s *Session) serve(l *link) {
	err := l.conn.Run(context.Background())
	s.connectionLost(l, err)
}

// connectionLost resets the session after its current link went away.
func (s *Session) connectionLost(l *link, err error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.link = nil
	s.setState(StateDisconnected)
	dropped := s.takeQueueLocked()
	s.mu.Unlock()

	s.abandon(append(correlations(dropped), l.abandon()...), ErrConnectionClosed)

	if s.stopped.Load() || l.local.Load() {
		s.logger.Info("disconnected", "state", prev)
		return
	}

	s.logger.Warn("connection lost", "state", prev, "error", err, "dropped", len(dropped))
	s.exec.Submit(func(context.Context) {
		s.callback(func() {
			s.notifier.Warn("Connection lost",
				fmt.Sprintf("Connection to %s service lost. Please check your network connection.", s.name),
				err)
		})
	})
}

// received is called by the read loop; processing moves to the executor.
func (s *Session) received(l *link, env Envelope) {
	if !s.exec.Submit(func(context.Context) { s.process(l, env) }) {
		s.logger.Debug("envelope dropped after shutdown", "tag", env.Tag)
	}
}

// process runs on the executor.
func (s *Session) process(l *link, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("panic: %v", r)
			s.logger.Error("failed to handle message", "error", err)
			s.callback(func() {
				s.notifier.Error("Problem encountered",
					fmt.Sprintf("Exception occurred during responding to %s service message: %v", s.name, err),
					err)
			})
		}
	}()

	switch env.Tag {
	case TagMessage:
		s.route(l, *env.Message)
	case TagPart:
		m, complete, err := l.reasm.Add(*env.Part)
		if err != nil {
			s.logger.Warn("dropping part", "group", env.Part.Group, "error", err)
			return
		}
		if !complete {
			return
		}
		s.route(l, m)
	default:
		s.logger.Debug("ignoring envelope", "tag", env.Tag)
	}
}

// route delivers a whole message. Handshake replies and permission-denied
// messages bypass correlation.
func (s *Session) route(l *link, m Message) {
	switch m.Kind {
	case KindHandshake:
		s.handshakeReply(l, m)
	case KindPermissionDenied:
		l.forget(m.Correlation)
		permission := Permission(m)
		s.callback(func() { s.notifier.PermissionDenied(s.name, permission, m) })
		s.registry.Fail(m.Correlation, errors.Wrapf(ErrPermissionDenied, "missing permission %q", permission))
	default:
		l.forget(m.Correlation)
		var found bool
		s.callback(func() { found = s.registry.Dispatch(m) })
		if !found {
			s.logger.Debug("no listener for message", "correlation", m.Correlation, "type", m.Type)
		}
	}
}

// handshakeReply completes or aborts the handshake on l.
func (s *Session) handshakeReply(l *link, m Message) {
	s.mu.Lock()
	if s.link != l || s.state != StateAwaitingHandshake {
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("unexpected handshake reply", "state", state)
		return
	}

	if !HandshakeAccepted(m) {
		s.link = nil
		s.setState(StateDisconnected)
		dropped := s.takeQueueLocked()
		s.mu.Unlock()

		l.local.Store(true)
		_ = l.conn.Close()

		reason := m.Header[HeaderReason]
		s.logger.Warn("handshake rejected", "reason", reason, "dropped", len(dropped))
		cause := ErrHandshakeRejected
		text := fmt.Sprintf("Cannot connect to %s service. Please check your network connection and %s service connection settings.", s.name, s.name)
		if reason != "" {
			cause = errors.WithMessage(ErrHandshakeRejected, reason)
			text = fmt.Sprintf("Cannot connect to %s service: %s", s.name, reason)
		}
		s.callback(func() { s.notifier.Warn("Handshake rejected", text, nil) })
		s.abandon(correlations(dropped), cause)
		return
	}

	s.setState(StateReady)
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.logger.Info("session ready", "flushed", len(pending))
	for _, q := range pending {
		s.transmit(l, q)
	}

	if s.opts.onReady != nil {
		s.callback(func() { s.opts.onReady(s, m) })
	}
}

// transmit fragments and writes m, reporting failures to the notifier and
// to the request waiting on m, if any. The connection stays open after a
// failed send.
func (s *Session) transmit(l *link, m Message) {
	err := ErrConnectionClosed
	if l != nil && (m.Correlation == 0 || l.track(m.Correlation)) {
		err = s.write(l, m)
	}
	if err == nil {
		return
	}

	s.logger.Error("send failed", "type", m.Type, "correlation", m.Correlation, "error", err)
	s.callback(func() {
		s.notifier.Error("Problem encountered",
			fmt.Sprintf("Exception occurred during sending message to %s service: %v", s.name, err),
			err)
	})
	if m.Correlation != 0 {
		if l != nil {
			l.forget(m.Correlation)
		}
		s.registry.Fail(m.Correlation, err)
	}
}

func (s *Session) write(l *link, m Message) error {
	if l == nil {
		return ErrConnectionClosed
	}
	envs, err := s.fragmenter.Split(m)
	if err != nil {
		return err
	}
	if len(envs) > 1 {
		s.logger.Debug("sending fragmented message", "type", m.Type, "group", envs[0].Part.Group, "parts", len(envs))
	}
	return l.conn.WriteEnvelopes(envs...)
}

// takeQueueLocked clears the work queue and returns what it held.
// Callers hold s.mu.
func (s *Session) takeQueueLocked() []Message {
	q := s.queue
	s.queue = nil
	return q
}

// abandon fails the requests behind ids, which will never be answered.
func (s *Session) abandon(ids []uint64, err error) {
	for _, id := range ids {
		s.registry.Fail(id, err)
	}
}

func correlations(msgs []Message) []uint64 {
	ids := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		if m.Correlation != 0 {
			ids = append(ids, m.Correlation)
		}
	}
	return ids
}

// callback runs fn, which calls into caller-supplied code, on the executor.
func (s *Session) callback(fn func()) {
	s.callbacks.Add(1)
	defer s.callbacks.Add(-1)
	fn()
}

// setState moves to the given state. Callers hold s.mu.
func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		s.logger.Warn("invalid state transition", "from", from, "to", to)
	}
	s.state = to
	s.logger.Debug("state changed", "from", from, "to", to)
}
