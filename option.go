package netsession

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrorAction defines the action to take when a read error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// DialFunc opens the transport connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Default configuration values.
const (
	// defaultMaxPackageLength is the default maximum size of a single frame (1MB).
	defaultMaxPackageLength = 1024 * 1024
	defaultConnectTimeout   = 5 * time.Second
	defaultHeartbeat        = 8 * time.Second
	defaultIdleTimeout      = 20 * time.Second
	defaultShutdownTimeout  = 5 * time.Second
)

// ErrInvalidThreshold is returned when a fragment, with its framing, could
// not fit in a frame.
var ErrInvalidThreshold = errors.New("fragment threshold does not fit in max frame size")

// options holds the configuration shared by Session, Conn and PeerHandler.
type options struct {
	codec      Codec
	serializer Serializer
	logger     Logger
	notifier   Notifier

	onEnvelope func(Envelope) error
	// onError is called when a read error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	maxReadLength int           // maximum size of a single frame
	heartbeat     time.Duration // keepalive interval, zero disables keepalives
	idleTimeout   time.Duration // read deadline; the peer must send something within it
	writeTimeout  time.Duration // write deadline per frame batch

	connectTimeout  time.Duration
	shutdownTimeout time.Duration

	fragmentThreshold int
	maxParts          int
	reassemblyTTL     time.Duration

	handshake func() Message
	onReady   func(s *Session, response Message)
	registry  *Registry
	dialer    DialFunc

	reconnectLimit rate.Limit
	reconnectBurst int
}

// Option is a function that configures options.
type Option func(*options)

// CustomCodecOption sets the frame codec. The default is a FrameCodec
// built from the serializer and the max frame size.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// SerializerOption sets the message serializer used by the default codec,
// the fragmenter and the reassembler.
func SerializerOption(s Serializer) Option {
	return func(o *options) {
		o.serializer = s
	}
}

// HeartbeatOption sets the keepalive interval. A negative value disables
// keepalive frames.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// IdleTimeoutOption sets how long a connection may stay silent before the
// read side gives up.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// WriteTimeoutOption sets the deadline for writing one message's frames.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// MessageMaxSize sets the maximum frame size. Frames larger than this size
// can be neither sent nor received.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption sets the read error callback.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnEnvelopeOption sets the callback invoked for each received envelope.
// It is required by NewConn; Session and PeerHandler install their own.
func OnEnvelopeOption(cb func(Envelope) error) Option {
	return func(o *options) {
		o.onEnvelope = cb
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NotifierOption sets the user-facing notification surface.
// If not set, notifications are written to the logger.
func NotifierOption(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// ConnectTimeoutOption bounds the transport dial.
func ConnectTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

// ShutdownTimeoutOption bounds each wait of Shutdown: first for queued
// work to finish, then for cancelled work to stop.
func ShutdownTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = timeout
	}
}

// FragmentThresholdOption sets the encoded message size from which messages
// are split into parts.
func FragmentThresholdOption(size int) Option {
	return func(o *options) {
		o.fragmentThreshold = size
	}
}

// MaxPartsOption bounds the number of parts accepted for one group.
func MaxPartsOption(n int) Option {
	return func(o *options) {
		o.maxParts = n
	}
}

// ReassemblyTTLOption drops incomplete fragment groups that receive no part
// for ttl. Zero keeps them until the connection closes.
func ReassemblyTTLOption(ttl time.Duration) Option {
	return func(o *options) {
		o.reassemblyTTL = ttl
	}
}

// HandshakeOption sets the factory for the handshake sent on every new
// connection. The session overwrites Kind and Correlation.
func HandshakeOption(factory func() Message) Option {
	return func(o *options) {
		o.handshake = factory
	}
}

// OnReadyOption sets a hook run on the session executor after a successful
// handshake and after the queued messages were sent. Service-specific
// bootstrap requests belong here.
func OnReadyOption(hook func(s *Session, response Message)) Option {
	return func(o *options) {
		o.onReady = hook
	}
}

// RegistryOption shares a registry between sessions.
func RegistryOption(r *Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// DialerOption replaces the TCP dialer.
func DialerOption(d DialFunc) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// ReconnectLimitOption throttles the connection attempts Send triggers
// implicitly. Explicit Connect calls are not throttled.
func ReconnectLimitOption(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.reconnectLimit = limit
		o.reconnectBurst = burst
	}
}

// checkOptions sets default values and validates the options.
func checkOptions(opts *options) error {
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.heartbeat == 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = opts.idleTimeout
	}

	if opts.connectTimeout <= 0 {
		opts.connectTimeout = defaultConnectTimeout
	}

	if opts.shutdownTimeout <= 0 {
		opts.shutdownTimeout = defaultShutdownTimeout
	}

	if opts.serializer == nil {
		opts.serializer = BinarySerializer{}
	}

	if opts.fragmentThreshold <= 0 {
		opts.fragmentThreshold = defaultFragmentThreshold
	}

	if opts.fragmentThreshold+frameHeaderLen+partHeaderLen > opts.maxReadLength {
		return ErrInvalidThreshold
	}

	if opts.codec == nil {
		opts.codec = NewFrameCodec(opts.serializer, opts.maxReadLength)
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.notifier == nil {
		opts.notifier = NewLogNotifier(opts.logger)
	}

	if opts.handshake == nil {
		opts.handshake = func() Message { return NewHandshake("") }
	}

	if opts.registry == nil {
		opts.registry = NewRegistry()
	}

	if opts.dialer == nil {
		timeout := opts.connectTimeout
		opts.dialer = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	if opts.reconnectLimit == 0 {
		opts.reconnectLimit = rate.Every(time.Second)
	}

	if opts.reconnectBurst <= 0 {
		opts.reconnectBurst = 1
	}

	return nil
}
