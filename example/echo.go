package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Zereker/netsession"
)

// Server echoes data messages and fans "broadcast" messages out to every
// connected client.
type Server struct {
	sync.RWMutex
	peers map[*netsession.PeerConn]string
}

func newServer() *Server {
	return &Server{peers: make(map[*netsession.PeerConn]string)}
}

func (s *Server) authenticate(hs netsession.Message) netsession.Message {
	id := netsession.Identity(hs)
	if id == "" {
		return netsession.RejectHandshake(hs, "identity required")
	}
	return netsession.AcceptHandshake(hs, map[string]string{"user": id})
}

func (s *Server) respond(p *netsession.PeerConn, m netsession.Message) {
	s.addPeer(p)

	if m.Type != "broadcast" {
		if err := p.Reply(m, m); err != nil {
			slog.Error("echo failed", "identity", p.Identity(), "error", err)
		}
		return
	}

	for _, peer := range s.snapshot() {
		if err := peer.Send(netsession.Message{Type: "broadcast", Payload: m.Payload}); err != nil {
			slog.Warn("broadcast failed", "identity", peer.Identity(), "error", err)
			s.deletePeer(peer)
		}
	}
}

func (s *Server) addPeer(p *netsession.PeerConn) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.peers[p]; !ok {
		slog.Info("add new peer", "identity", p.Identity(), "addr", p.Addr())
		s.peers[p] = p.Identity()
	}
}

func (s *Server) deletePeer(p *netsession.PeerConn) {
	s.Lock()
	defer s.Unlock()

	delete(s.peers, p)
}

func (s *Server) snapshot() []*netsession.PeerConn {
	s.RLock()
	defer s.RUnlock()

	out := make([]*netsession.PeerConn, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func runClient(ctx context.Context, addr string) {
	session, err := netsession.New("data", addr,
		netsession.HandshakeOption(func() netsession.Message {
			return netsession.NewHandshake("example")
		}),
		netsession.OnReadyOption(func(s *netsession.Session, resp netsession.Message) {
			slog.Info("session ready", "user", resp.Header["user"])
		}),
	)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		return
	}
	defer session.Shutdown()

	// Sent before the handshake completes: queued, then flushed in order.
	for i := 0; i < 3; i++ {
		_, _ = session.Request(netsession.Message{Type: "hello", Payload: []byte{byte('0' + i)}}, func(reply netsession.Message) {
			slog.Info("reply", "type", reply.Type, "payload", string(reply.Payload))
		})
	}

	// Large enough to be split into parts and reassembled on both ends.
	big := bytes.Repeat([]byte("netsession "), 200_000)
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	reply, err := session.Call(callCtx, netsession.Message{Type: "blob", Payload: big})
	if err != nil {
		slog.Error("call failed", "error", err)
		return
	}
	slog.Info("large reply", "bytes", len(reply.Payload), "intact", bytes.Equal(big, reply.Payload))
}

func main() {
	const addr = "127.0.0.1:12345"

	server, err := netsession.Listen(addr, netsession.ServerShutdownTimeoutOption(5*time.Second))
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	s := newServer()
	handler, err := netsession.NewPeerHandler(s.authenticate, s.respond)
	if err != nil {
		slog.Error("failed to create handler", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runClient(ctx, addr)

	slog.Info("server start", "addr", server.Addr().String())
	if err := server.Serve(ctx, handler); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
	}
}
