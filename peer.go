package netsession

import (
	"context"
	"net"
	"sync/atomic"
)

// Authenticator answers a handshake. It returns the reply to send,
// normally built with AcceptHandshake or RejectHandshake.
type Authenticator func(handshake Message) Message

// Responder handles a data message received by a PeerHandler. It runs on
// the connection's read goroutine, so long work should be handed off.
type Responder func(p *PeerConn, m Message)

// PeerHandler is the service side of the session protocol: it answers
// handshakes, reassembles fragmented messages and passes data messages to a
// Responder. Combined with Server it makes a complete remote service.
type PeerHandler struct {
	opts         options
	authenticate Authenticator
	respond      Responder
	fragmenter   *Fragmenter
}

// NewPeerHandler returns a handler. A nil authenticator accepts every
// handshake; a nil responder echoes each data message back to its sender.
func NewPeerHandler(auth Authenticator, respond Responder, opt ...Option) (*PeerHandler, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	if auth == nil {
		auth = func(hs Message) Message {
			return AcceptHandshake(hs, nil)
		}
	}
	if respond == nil {
		respond = func(p *PeerConn, m Message) {
			_ = p.Reply(m, m)
		}
	}

	return &PeerHandler{
		opts:         opts,
		authenticate: auth,
		respond:      respond,
		fragmenter:   NewFragmenter(opts.fragmentThreshold, opts.serializer),
	}, nil
}

// ServeConn implements ConnHandler.
func (h *PeerHandler) ServeConn(ctx context.Context, raw net.Conn) {
	p := &PeerConn{
		handler: h,
		reasm:   NewReassembler(h.opts.serializer, h.opts.maxParts, h.opts.reassemblyTTL),
	}

	opts := h.opts
	opts.onEnvelope = p.received
	p.conn = newConnWithOptions(raw, opts)

	if err := p.conn.Run(ctx); err != nil {
		h.opts.logger.Debug("peer connection ended", "remote_addr", raw.RemoteAddr(), "identity", p.Identity(), "error", err)
	}
}

// PeerConn is one client connection served by a PeerHandler.
type PeerConn struct {
	handler *PeerHandler
	conn    *Conn
	reasm   *Reassembler // read goroutine only

	identity      atomic.Value
	authenticated atomic.Bool
}

// Identity returns the identity claimed in the accepted handshake.
func (p *PeerConn) Identity() string {
	id, _ := p.identity.Load().(string)
	return id
}

// Addr returns the client address.
func (p *PeerConn) Addr() net.Addr {
	return p.conn.Addr()
}

// Send fragments m as needed and writes it to the client.
func (p *PeerConn) Send(m Message) error {
	if m.Kind == 0 {
		m.Kind = KindData
	}
	envs, err := p.handler.fragmenter.Split(m)
	if err != nil {
		return err
	}
	return p.conn.WriteEnvelopes(envs...)
}

// Reply sends reply correlated to req.
func (p *PeerConn) Reply(req, reply Message) error {
	reply.Correlation = req.Correlation
	return p.Send(reply)
}

// Deny tells the client that req needs a permission it does not hold.
func (p *PeerConn) Deny(req Message, permission string) error {
	return p.Send(DenyPermission(req, permission))
}

// Close drops the client connection.
func (p *PeerConn) Close() error {
	return p.conn.Close()
}

func (p *PeerConn) received(env Envelope) error {
	var m Message
	switch env.Tag {
	case TagMessage:
		m = *env.Message
	case TagPart:
		whole, complete, err := p.reasm.Add(*env.Part)
		if err != nil {
			p.handler.opts.logger.Warn("dropping part", "remote_addr", p.Addr(), "group", env.Part.Group, "error", err)
			return nil
		}
		if !complete {
			return nil
		}
		m = whole
	default:
		return nil
	}

	if m.Kind == KindHandshake {
		reply := p.handler.authenticate(m)
		reply.Kind = KindHandshake
		reply.Correlation = m.Correlation
		if HandshakeAccepted(reply) {
			p.identity.Store(Identity(m))
			p.authenticated.Store(true)
		}
		return p.Send(reply)
	}

	if !p.authenticated.Load() {
		return p.Deny(m, "handshake")
	}

	p.handler.respond(p, m)
	return nil
}
