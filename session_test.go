package netsession

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const waitFor = 5 * time.Second

type notice struct {
	title   string
	message string
	err     error
}

type denial struct {
	service    string
	permission string
	msg        Message
}

// recordingNotifier keeps every notification for later inspection.
type recordingNotifier struct {
	mu     sync.Mutex
	warns  []notice
	errs   []notice
	denied []denial
}

func (n *recordingNotifier) Warn(title, message string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warns = append(n.warns, notice{title, message, err})
}

func (n *recordingNotifier) Error(title, message string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, notice{title, message, err})
}

func (n *recordingNotifier) PermissionDenied(service, permission string, msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.denied = append(n.denied, denial{service, permission, msg})
}

func (n *recordingNotifier) Warns() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.warns...)
}

func (n *recordingNotifier) Errors() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.errs...)
}

func (n *recordingNotifier) Denied() []denial {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]denial(nil), n.denied...)
}

// inbox collects the data messages a test peer receives.
type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (b *inbox) add(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *inbox) all() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.msgs...)
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// startPeer serves a PeerHandler on a loopback port until the test ends.
func startPeer(t *testing.T, auth Authenticator, respond Responder, opts ...Option) string {
	t.Helper()

	opts = append([]Option{LoggerOption(&mockLogger{})}, opts...)
	h, err := NewPeerHandler(auth, respond, opts...)
	require.NoError(t, err)

	srv, err := Listen("127.0.0.1:0", ServerLoggerOption(&mockLogger{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, h)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
	})
	return srv.Addr().String()
}

// recordingPeer starts a peer that stores every data message in box.
func recordingPeer(t *testing.T, box *inbox, opts ...Option) string {
	return startPeer(t, nil, func(p *PeerConn, m Message) { box.add(m) }, opts...)
}

func newTestSession(t *testing.T, addr string, n Notifier, opts ...Option) *Session {
	t.Helper()

	opts = append([]Option{LoggerOption(&mockLogger{}), NotifierOption(n)}, opts...)
	s, err := New("data", addr, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

// gatedDialer holds every dial until release is closed, so tests can queue
// messages before the connection attempt can finish.
func gatedDialer(release <-chan struct{}) DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// flakyDialer refuses the first failures dials and then dials normally.
func flakyDialer(failures int32) DialFunc {
	var calls atomic.Int32
	return func(ctx context.Context, addr string) (net.Conn, error) {
		if calls.Add(1) <= failures {
			return nil, errors.New("dial refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// refusingCodec fails to encode messages of one type.
type refusingCodec struct {
	*FrameCodec
	refuse string
}

func (c refusingCodec) Encode(env Envelope) ([]byte, error) {
	if env.Tag == TagMessage && env.Message.Type == c.refuse {
		return nil, errors.Errorf("cannot encode %q", c.refuse)
	}
	return c.FrameCodec.Encode(env)
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestSession_New(t *testing.T) {
	s := newTestSession(t, "127.0.0.1:1", &recordingNotifier{})

	assert.Equal(t, "data", s.Name())
	assert.Equal(t, "127.0.0.1:1", s.Addr())
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, s.IsReady())
	assert.Equal(t, 1, s.Registry().Len(), "handshake correlation is reserved")
}

func TestSession_New_InvalidOptions(t *testing.T) {
	_, err := New("data", "127.0.0.1:1", MessageMaxSize(100), FragmentThresholdOption(100))
	assert.Equal(t, ErrInvalidThreshold, err)
}

func TestSession_QueueFlushedInOrder(t *testing.T) {
	box := &inbox{}
	addr := recordingPeer(t, box)
	n := &recordingNotifier{}
	release := make(chan struct{})
	s := newTestSession(t, addr, n, DialerOption(gatedDialer(release)))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Send(Message{Type: "m" + strconv.Itoa(i)}))
	}
	assert.Equal(t, StateConnecting, s.State(), "first sends must be queued")
	close(release)

	require.Eventually(t, func() bool { return box.len() == 5 }, waitFor, 10*time.Millisecond)
	for i, m := range box.all() {
		assert.Equal(t, "m"+strconv.Itoa(i), m.Type)
		assert.Equal(t, KindData, m.Kind)
	}
	assert.Equal(t, StateReady, s.State())
	assert.Empty(t, n.Warns())
	assert.Empty(t, n.Errors())
}

func TestSession_HandshakeRejected(t *testing.T) {
	box := &inbox{}
	addr := startPeer(t,
		func(hs Message) Message { return RejectHandshake(hs, "bad credentials") },
		func(p *PeerConn, m Message) { box.add(m) })
	n := &recordingNotifier{}
	release := make(chan struct{})
	s := newTestSession(t, addr, n, DialerOption(gatedDialer(release)))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(Message{Type: "queued"}))
	}
	close(release)

	require.Eventually(t, func() bool { return len(n.Warns()) > 0 }, waitFor, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	warns := n.Warns()
	require.Len(t, warns, 1, "exactly one warning: %+v", warns)
	assert.Equal(t, "Handshake rejected", warns[0].title)
	assert.Contains(t, warns[0].message, "bad credentials")
	assert.Zero(t, box.len(), "queued messages must not be sent")
	assert.Equal(t, StateDisconnected, s.State())

	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	assert.Zero(t, queued, "queue is cleared on rejection")
}

func TestSession_ConcurrentSendsKeepPerSenderOrder(t *testing.T) {
	box := &inbox{}
	addr := recordingPeer(t, box)
	s := newTestSession(t, addr, &recordingNotifier{})

	const senders = 10
	const perSender = 10

	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := s.Send(Message{Type: fmt.Sprintf("%d:%d", g, i)}); err != nil {
					t.Errorf("Send failed: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return box.len() == senders*perSender }, waitFor, 10*time.Millisecond)

	next := make(map[string]int)
	for _, m := range box.all() {
		parts := strings.SplitN(m.Type, ":", 2)
		require.Len(t, parts, 2)
		i, err := strconv.Atoi(parts[1])
		require.NoError(t, err)
		assert.Equal(t, next[parts[0]], i, "sender %s out of order", parts[0])
		next[parts[0]] = i + 1
	}
	assert.Len(t, next, senders)
}

func TestSession_CallFragmented(t *testing.T) {
	addr := startPeer(t, nil, nil)
	s := newTestSession(t, addr, &recordingNotifier{})

	payload := bytes.Repeat([]byte("0123456789abcdef"), 128*1024) // 2 MiB, over the frame limit
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	reply, err := s.Call(ctx, Message{Type: "blob", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "blob", reply.Type)
	assert.True(t, bytes.Equal(payload, reply.Payload), "payload mismatch")
	assert.Equal(t, 1, s.Registry().Len(), "reply handler is removed after dispatch")
}

func TestSession_RequestRouting(t *testing.T) {
	addr := startPeer(t, nil, func(p *PeerConn, m Message) {
		_ = p.Reply(m, Message{Type: "re:" + m.Type})
	})
	s := newTestSession(t, addr, &recordingNotifier{})

	replies := make(chan Message, 2)
	_, err := s.Request(Message{Type: "a"}, func(m Message) { replies <- m })
	require.NoError(t, err)
	_, err = s.Request(Message{Type: "b"}, func(m Message) { replies <- m })
	require.NoError(t, err)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-replies:
			got[m.Type] = true
		case <-time.After(waitFor):
			t.Fatal("reply not delivered")
		}
	}
	assert.Equal(t, map[string]bool{"re:a": true, "re:b": true}, got)
}

func TestSession_CallCanceled(t *testing.T) {
	addr := startPeer(t, nil, func(p *PeerConn, m Message) {})
	s := newTestSession(t, addr, &recordingNotifier{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Call(ctx, Message{Type: "ignored"})
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1, s.Registry().Len(), "canceled call must not leak its handler")
}

func TestSession_PermissionDenied(t *testing.T) {
	addr := startPeer(t, nil, func(p *PeerConn, m Message) {
		_ = p.Deny(m, "trade")
	})
	n := &recordingNotifier{}
	s := newTestSession(t, addr, n)

	called := make(chan struct{}, 1)
	_, err := s.Request(Message{Type: "orders.place"}, func(Message) { called <- struct{}{} })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(n.Denied()) == 1 }, waitFor, 10*time.Millisecond)
	d := n.Denied()[0]
	assert.Equal(t, "data", d.service)
	assert.Equal(t, "trade", d.permission)
	assert.Equal(t, "orders.place", d.msg.Type)

	select {
	case <-called:
		t.Error("reply handler must not see a permission-denied message")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, s.Registry().Len(), "denied request's handler is discarded")
	assert.Equal(t, StateReady, s.State())
}

func TestSession_ConnectFailed(t *testing.T) {
	n := &recordingNotifier{}
	release := make(chan struct{})
	s := newTestSession(t, closedAddr(t), n, DialerOption(gatedDialer(release)))

	id, err := s.Request(Message{Type: "a"}, func(Message) {})
	require.NoError(t, err)
	require.NoError(t, s.Send(Message{Type: "b"}))
	close(release)

	require.Eventually(t, func() bool { return len(n.Warns()) > 0 }, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	warns := n.Warns()
	require.Len(t, warns, 1)
	assert.Equal(t, "Connection failed", warns[0].title)
	assert.Error(t, warns[0].err)
	assert.Equal(t, StateDisconnected, s.State())

	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	assert.Zero(t, queued)
	assert.False(t, s.Registry().Discard(id), "dropped request's handler is gone")
}

func TestSession_ConnectionLost(t *testing.T) {
	addr := startPeer(t, nil, func(p *PeerConn, m Message) {
		if m.Type == "bye" {
			_ = p.Close()
		}
	})
	n := &recordingNotifier{}
	s := newTestSession(t, addr, n)

	require.NoError(t, s.Connect())
	require.Eventually(t, s.IsReady, waitFor, 10*time.Millisecond)

	require.NoError(t, s.Send(Message{Type: "bye"}))

	require.Eventually(t, func() bool { return len(n.Warns()) > 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "Connection lost", n.Warns()[0].title)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_DisconnectIsSilent(t *testing.T) {
	box := &inbox{}
	addr := recordingPeer(t, box)
	n := &recordingNotifier{}
	s := newTestSession(t, addr, n, ReconnectLimitOption(rate.Inf, 1))

	require.NoError(t, s.Connect())
	require.Eventually(t, s.IsReady, waitFor, 10*time.Millisecond)

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, n.Warns())

	// Sending again reconnects and delivers.
	require.NoError(t, s.Send(Message{Type: "again"}))
	require.Eventually(t, func() bool { return box.len() == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "again", box.all()[0].Type)
	assert.Empty(t, n.Warns())
}

func TestSession_ConnectIdempotent(t *testing.T) {
	addr := startPeer(t, nil, nil)
	s := newTestSession(t, addr, &recordingNotifier{})

	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())
	require.Eventually(t, s.IsReady, waitFor, 10*time.Millisecond)
	require.NoError(t, s.Connect())
	assert.Equal(t, StateReady, s.State())
}

func TestSession_OnReady(t *testing.T) {
	addr := startPeer(t, func(hs Message) Message {
		return AcceptHandshake(hs, map[string]string{"user": Identity(hs)})
	}, nil)

	ready := make(chan Message, 1)
	s := newTestSession(t, addr, &recordingNotifier{},
		HandshakeOption(func() Message { return NewHandshake("alice") }),
		OnReadyOption(func(s *Session, response Message) {
			ready <- response
		}))

	require.NoError(t, s.Connect())

	select {
	case resp := <-ready:
		assert.Equal(t, "alice", resp.Header["user"])
		assert.True(t, HandshakeAccepted(resp))
	case <-time.After(waitFor):
		t.Fatal("OnReady hook not called")
	}
	assert.True(t, s.IsReady())
}

func TestSession_Shutdown(t *testing.T) {
	addr := startPeer(t, nil, nil)
	s := newTestSession(t, addr, &recordingNotifier{})

	require.NoError(t, s.Connect())
	require.Eventually(t, s.IsReady, waitFor, 10*time.Millisecond)

	s.Shutdown()
	s.Shutdown()

	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, ErrSessionClosed, s.Send(Message{Type: "late"}))
	assert.Equal(t, ErrSessionClosed, s.Connect())
	_, err := s.Call(context.Background(), Message{})
	assert.Equal(t, ErrSessionClosed, err)
	assert.Zero(t, s.Registry().Len())
	assert.True(t, s.exec.Stopped())
}

func TestSession_SharedRegistry(t *testing.T) {
	registry := NewRegistry()
	a := newTestSession(t, "127.0.0.1:1", &recordingNotifier{}, RegistryOption(registry))
	b := newTestSession(t, "127.0.0.1:2", &recordingNotifier{}, RegistryOption(registry))

	assert.NotEqual(t, a.handshakeID, b.handshakeID)
	assert.Equal(t, 2, registry.Len())
}

func TestSession_SendAfterFailedConnectReconnects(t *testing.T) {
	box := &inbox{}
	addr := recordingPeer(t, box)
	n := &recordingNotifier{}
	s := newTestSession(t, addr, n,
		DialerOption(flakyDialer(1)),
		ReconnectLimitOption(rate.Every(300*time.Millisecond), 1))

	require.NoError(t, s.Send(Message{Type: "first"}))
	require.Eventually(t, func() bool { return len(n.Warns()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "Connection failed", n.Warns()[0].title)

	// Sent right away, inside the reconnect limit: the attempt is delayed,
	// not skipped.
	require.NoError(t, s.Send(Message{Type: "second"}))
	require.NoError(t, s.Send(Message{Type: "third"}))

	require.Eventually(t, func() bool { return box.len() == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "second", box.all()[0].Type)
	assert.Equal(t, "third", box.all()[1].Type)
	assert.True(t, s.IsReady())
	assert.Len(t, n.Warns(), 1)
}

func TestSession_CallPermissionDenied(t *testing.T) {
	addr := startPeer(t, nil, func(p *PeerConn, m Message) {
		_ = p.Deny(m, "trade")
	})
	n := &recordingNotifier{}
	s := newTestSession(t, addr, n)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := s.Call(ctx, Message{Type: "orders.place"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, err.Error(), `"trade"`)
	assert.Len(t, n.Denied(), 1, "the notifier still hears about the denial")
	assert.Equal(t, 1, s.Registry().Len())
}

func TestSession_CallConnectFailed(t *testing.T) {
	n := &recordingNotifier{}
	s := newTestSession(t, closedAddr(t), n)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := s.Call(ctx, Message{Type: "a"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "connect to")
	assert.Len(t, n.Warns(), 1)
	assert.Equal(t, 1, s.Registry().Len())
}

func TestSession_CallHandshakeRejected(t *testing.T) {
	addr := startPeer(t,
		func(hs Message) Message { return RejectHandshake(hs, "bad credentials") },
		nil)
	s := newTestSession(t, addr, &recordingNotifier{})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := s.Call(ctx, Message{Type: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestSession_CallConnectionLost(t *testing.T) {
	addr := startPeer(t, nil, func(p *PeerConn, m Message) {
		_ = p.Close()
	})
	n := &recordingNotifier{}
	s := newTestSession(t, addr, n)

	require.NoError(t, s.Connect())
	require.Eventually(t, s.IsReady, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := s.Call(ctx, Message{Type: "bye"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, 1, s.Registry().Len(), "in-flight handlers must not leak")
}

func TestSession_ShutdownReleasesCall(t *testing.T) {
	received := make(chan struct{}, 1)
	addr := startPeer(t, nil, func(p *PeerConn, m Message) {
		received <- struct{}{}
	})
	s := newTestSession(t, addr, &recordingNotifier{})

	errs := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), Message{Type: "never answered"})
		errs <- err
	}()

	select {
	case <-received:
	case <-time.After(waitFor):
		t.Fatal("request not delivered")
	}
	s.Shutdown()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("Call still blocked after Shutdown")
	}
}

func TestSession_SendFailureKeepsConnection(t *testing.T) {
	box := &inbox{}
	addr := recordingPeer(t, box)
	n := &recordingNotifier{}
	codec := refusingCodec{FrameCodec: NewFrameCodec(BinarySerializer{}, defaultMaxPackageLength), refuse: "bad"}
	s := newTestSession(t, addr, n, CustomCodecOption(codec))

	require.NoError(t, s.Connect())
	require.Eventually(t, s.IsReady, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := s.Call(ctx, Message{Type: "bad"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)

	errs := n.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "Problem encountered", errs[0].title)
	assert.Error(t, errs[0].err)
	assert.True(t, s.IsReady(), "a failed send must not tear the connection down")

	require.NoError(t, s.Send(Message{Type: "good"}))
	require.Eventually(t, func() bool { return box.len() == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "good", box.all()[0].Type)
	assert.Len(t, n.Errors(), 1)
	assert.Empty(t, n.Warns())
}

func TestSession_ShutdownFromCallback(t *testing.T) {
	addr := startPeer(t, nil, nil)
	took := make(chan time.Duration, 1)
	s := newTestSession(t, addr, &recordingNotifier{},
		ShutdownTimeoutOption(2*time.Second),
		OnReadyOption(func(s *Session, _ Message) {
			start := time.Now()
			s.Shutdown()
			took <- time.Since(start)
		}))

	require.NoError(t, s.Connect())

	select {
	case d := <-took:
		assert.Less(t, d, time.Second)
	case <-time.After(waitFor):
		t.Fatal("OnReady hook not called")
	}
	require.Eventually(t, s.exec.Stopped, waitFor, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, ErrSessionClosed, s.Send(Message{}))
}
