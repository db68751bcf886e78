// Package netsession provides a client-side network session layer for Go.
// A Session keeps one logical connection to a remote service: it queues
// outbound messages until the connection is ready, splits oversized messages
// into ordered parts, reassembles parts from the peer, and routes replies to
// the requester waiting for them.
package netsession

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnEnvelope is returned when no envelope handler is provided.
	ErrInvalidOnEnvelope = errors.New("invalid on envelope callback")
	// ErrMessageTooLarge is returned when a frame exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// limitedReader wraps a reader and returns ErrMessageTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset resets the limit counter for reuse with a new frame.
// Only remaining is reset because the underlying reader (bufio.Reader)
// maintains its own buffer state and continues reading from where it left off.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// Conn is one transport connection carrying framed envelopes. It runs a
// read loop and a keepalive loop, and serializes writes so the frames of
// one message are never interleaved with another message's frames.
type Conn struct {
	rawConn       net.Conn
	reader        *bufio.Reader
	limitedReader *limitedReader
	logger        Logger

	opts options

	writeMu sync.Mutex
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConn wraps conn. OnEnvelopeOption is required; every other option
// falls back to its default.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	if opts.onEnvelope == nil {
		return nil, ErrInvalidOnEnvelope
	}

	return newConnWithOptions(conn, opts), nil
}

// newConnWithOptions creates a Conn from already checked options.
func newConnWithOptions(c net.Conn, opts options) *Conn {
	reader := bufio.NewReader(c)
	return &Conn{
		rawConn:       c,
		reader:        reader,
		limitedReader: newLimitedReader(reader, frameLimit(opts)),
		logger:        opts.logger,
		opts:          opts,
	}
}

// frameLimit is the most bytes one frame may occupy on the wire,
// length prefix included.
func frameLimit(opts options) int64 {
	return int64(opts.maxReadLength) + 4
}

// Run starts the read and keepalive loops and blocks until one of them
// fails or ctx is canceled. The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Debug("connection running", "remote_addr", c.Addr(),
		"max_frame", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat,
		"idle_timeout", c.opts.idleTimeout)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.closed.Load() {
		cancel()
	}

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.keepaliveLoop(child)
	})

	// Unblock the read loop once anything else stops the connection.
	group.Go(func() error {
		<-child.Done()
		c.closeConn()
		return nil
	})

	err := group.Wait()
	cancel()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("connection closed with error", "remote_addr", c.Addr(), "error", err)
	} else {
		c.logger.Debug("connection closed", "remote_addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Write sends m as one whole-message frame.
func (c *Conn) Write(m Message) error {
	return c.WriteEnvelopes(WholeEnvelope(m))
}

// WriteEnvelopes encodes envs and writes them back to back. Nothing is
// written if any envelope fails to encode; a failed write aborts the rest.
func (c *Conn) WriteEnvelopes(envs ...Envelope) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frames := make([][]byte, 0, len(envs))
	for _, env := range envs {
		frame, err := c.opts.codec.Encode(env)
		if err != nil {
			return errors.Wrap(err, "encode frame")
		}
		frames = append(frames, frame)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	for i, frame := range frames {
		if _, err := c.rawConn.Write(frame); err != nil {
			c.logger.Debug("write error", "remote_addr", c.Addr(), "frame", i, "error", err)
			return errors.Wrapf(err, "write frame %d of %d", i+1, len(frames))
		}
	}
	return nil
}

// readLoop decodes frames and hands them to the envelope callback.
// Keepalive frames only refresh the read deadline.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))

		// Reset the limit for each frame
		c.limitedReader.reset(frameLimit(c.opts))

		env, err := c.opts.codec.Decode(c.limitedReader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("read error", "remote_addr", c.Addr(), "error", err)
			if isFatalReadError(err) || c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}

		if env.Tag == TagKeepAlive {
			continue
		}

		if err = c.opts.onEnvelope(env); err != nil {
			return err
		}
	}
}

// keepaliveLoop writes a keepalive frame every heartbeat so the peer's
// idle timeout does not fire on a quiet connection.
func (c *Conn) keepaliveLoop(ctx context.Context) error {
	if c.opts.heartbeat <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.WriteEnvelopes(Envelope{Tag: TagKeepAlive}); err != nil {
				return errors.Wrap(err, "keepalive")
			}
		}
	}
}

// isFatalReadError reports errors after which the stream cannot be read
// any further, whatever the error callback says.
func isFatalReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// closeConn marks the connection as closed and closes the underlying connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	_ = c.rawConn.Close()
}
