package netsession

import (
	"io"
	"strconv"

	"github.com/google/uuid"
)

// Kind discriminates how a received message is routed.
type Kind uint8

const (
	// KindData is an application message routed by its correlation id.
	KindData Kind = iota + 1
	// KindHandshake is the first message on a new connection and its reply.
	KindHandshake
	// KindPermissionDenied tells the client that the server refused a request.
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindHandshake:
		return "handshake"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Reserved header keys used by the handshake and permission helpers.
const (
	HeaderIdentity   = "identity"
	HeaderAccepted   = "accepted"
	HeaderReason     = "reason"
	HeaderPermission = "permission"
)

// Message is the unit of application data exchanged with the remote service.
// The session layer treats Type, Header and Payload as opaque; Correlation
// is set by the sender and echoed by the peer so replies reach their waiter.
type Message struct {
	Kind        Kind
	Correlation uint64
	Type        string
	Header      map[string]string
	Payload     []byte
}

// Size returns the encoded size of the message under BinarySerializer.
// The fragmenter uses it to decide whether a message must be split.
func (m Message) Size() int {
	n := 1 + 8 + 2 + len(m.Type) + 2 + 4 + len(m.Payload)
	for k, v := range m.Header {
		n += 2 + len(k) + 4 + len(v)
	}
	return n
}

// NewHandshake builds the handshake a session sends right after the
// transport connects. identity is the caller's identity claim.
func NewHandshake(identity string) Message {
	return Message{
		Kind:   KindHandshake,
		Header: map[string]string{HeaderIdentity: identity},
	}
}

// AcceptHandshake builds a successful handshake reply to req. attrs are
// copied into the reply header (user attributes, granted permissions, ...).
func AcceptHandshake(req Message, attrs map[string]string) Message {
	header := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		header[k] = v
	}
	header[HeaderAccepted] = "true"
	return Message{
		Kind:        KindHandshake,
		Correlation: req.Correlation,
		Type:        req.Type,
		Header:      header,
	}
}

// RejectHandshake builds a failed handshake reply to req.
func RejectHandshake(req Message, reason string) Message {
	return Message{
		Kind:        KindHandshake,
		Correlation: req.Correlation,
		Type:        req.Type,
		Header:      map[string]string{HeaderAccepted: "false", HeaderReason: reason},
	}
}

// HandshakeAccepted reports whether m is a handshake reply carrying the
// success flag.
func HandshakeAccepted(m Message) bool {
	return m.Kind == KindHandshake && m.Header[HeaderAccepted] == "true"
}

// Identity returns the identity claim of a handshake request.
func Identity(m Message) string {
	return m.Header[HeaderIdentity]
}

// DenyPermission builds the reply a server sends when it refuses req
// because the caller lacks permission.
func DenyPermission(req Message, permission string) Message {
	return Message{
		Kind:        KindPermissionDenied,
		Correlation: req.Correlation,
		Type:        req.Type,
		Header:      map[string]string{HeaderPermission: permission},
	}
}

// Permission returns the missing permission named by a permission-denied
// message.
func Permission(m Message) string {
	return m.Header[HeaderPermission]
}

// Part is one fragment of a message too large to be sent as a single frame.
// All parts of a group share Group and Total; Index runs from 0 to Total-1.
type Part struct {
	Group uuid.UUID
	Index uint32
	Total uint32
	Chunk []byte
}

// Frame tags.
const (
	TagMessage   byte = 1
	TagPart      byte = 2
	TagKeepAlive byte = 3
)

// Envelope is what travels in a single frame: a whole message, one part of
// a fragmented message, or a keepalive.
type Envelope struct {
	Tag     byte
	Message *Message
	Part    *Part
}

// WholeEnvelope wraps m for transmission in one frame.
func WholeEnvelope(m Message) Envelope {
	return Envelope{Tag: TagMessage, Message: &m}
}

// PartEnvelope wraps p for transmission in one frame.
func PartEnvelope(p Part) Envelope {
	return Envelope{Tag: TagPart, Part: &p}
}

// Serializer converts a message to and from bytes. The frame codec and the
// fragmenter use it; the session layer never looks inside the bytes.
type Serializer interface {
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte) (Message, error)
}

// Codec is the interface for envelope framing.
//
// Decode reads exactly one frame from the reader, which lets the codec
// handle TCP stream reassembly by controlling how many bytes are read.
type Codec interface {
	// Decode reads and decodes a complete frame from the reader.
	Decode(r io.Reader) (Envelope, error)
	// Encode encodes an envelope into one frame.
	Encode(Envelope) ([]byte, error)
}
