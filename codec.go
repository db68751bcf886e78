package netsession

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Errors returned by the codec.
var (
	// ErrShortData is returned when a frame body ends before a field does.
	ErrShortData = errors.New("short data")
	// ErrUnknownTag is returned for frames carrying an unrecognized tag.
	ErrUnknownTag = errors.New("unknown frame tag")
	// ErrFieldTooLong is returned when a string field does not fit its length prefix.
	ErrFieldTooLong = errors.New("field too long")
)

const (
	frameHeaderLen = 4 + 1
	partHeaderLen  = 16 + 4 + 4
)

// BinarySerializer encodes messages as
//
//	[1 kind][8 correlation][2+n type][2 header count]{[2+n key][4+n value]}[4+n payload]
//
// Header keys are written in sorted order so equal messages encode to equal bytes.
type BinarySerializer struct{}

// Marshal implements Serializer.
func (BinarySerializer) Marshal(m Message) ([]byte, error) {
	if len(m.Type) > math.MaxUint16 {
		return nil, errors.Wrap(ErrFieldTooLong, "message type")
	}
	if len(m.Header) > math.MaxUint16 {
		return nil, errors.Wrap(ErrFieldTooLong, "header count")
	}

	var buf bytes.Buffer
	buf.Grow(m.Size())
	buf.WriteByte(byte(m.Kind))
	putU64(&buf, m.Correlation)
	putStr(&buf, m.Type)

	keys := make([]string, 0, len(m.Header))
	for k := range m.Header {
		if len(k) > math.MaxUint16 {
			return nil, errors.Wrapf(ErrFieldTooLong, "header key %.32q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	putU16(&buf, uint16(len(keys)))
	for _, k := range keys {
		putStr(&buf, k)
		putBytes(&buf, []byte(m.Header[k]))
	}
	putBytes(&buf, m.Payload)
	return buf.Bytes(), nil
}

// Unmarshal implements Serializer.
func (BinarySerializer) Unmarshal(data []byte) (Message, error) {
	var (
		m   Message
		off int
		err error
	)
	if len(data) < 1 {
		return Message{}, errors.Wrap(ErrShortData, "kind")
	}
	m.Kind = Kind(data[0])
	off = 1
	if m.Correlation, off, err = getU64(data, off); err != nil {
		return Message{}, errors.Wrap(err, "correlation")
	}
	if m.Type, off, err = getStr(data, off); err != nil {
		return Message{}, errors.Wrap(err, "type")
	}

	var count uint16
	if count, off, err = getU16(data, off); err != nil {
		return Message{}, errors.Wrap(err, "header count")
	}
	if count > 0 {
		m.Header = make(map[string]string, count)
	}
	for i := 0; i < int(count); i++ {
		var (
			k string
			v []byte
		)
		if k, off, err = getStr(data, off); err != nil {
			return Message{}, errors.Wrapf(err, "header key %d", i)
		}
		if v, off, err = getBytes(data, off); err != nil {
			return Message{}, errors.Wrapf(err, "header value %q", k)
		}
		m.Header[k] = string(v)
	}

	if m.Payload, off, err = getBytes(data, off); err != nil {
		return Message{}, errors.Wrap(err, "payload")
	}
	if off != len(data) {
		return Message{}, errors.Errorf("%d trailing bytes after message", len(data)-off)
	}
	return m, nil
}

// FrameCodec is the default Codec. Each frame is self-contained:
//
//	[4-byte big-endian length][1-byte tag][body]
//
// The length covers the tag byte plus the body. A message body is produced
// by the Serializer; a part body is [16 group][4 index][4 total][chunk].
type FrameCodec struct {
	serializer Serializer
	maxFrame   int
}

// NewFrameCodec returns a FrameCodec that rejects frames longer than
// maxFrame bytes. A nil serializer selects BinarySerializer.
func NewFrameCodec(serializer Serializer, maxFrame int) *FrameCodec {
	if serializer == nil {
		serializer = BinarySerializer{}
	}
	if maxFrame <= 0 {
		maxFrame = defaultMaxPackageLength
	}
	return &FrameCodec{serializer: serializer, maxFrame: maxFrame}
}

// Encode implements Codec.
func (c *FrameCodec) Encode(env Envelope) ([]byte, error) {
	var body []byte
	switch env.Tag {
	case TagMessage:
		if env.Message == nil {
			return nil, errors.New("message envelope without message")
		}
		b, err := c.serializer.Marshal(*env.Message)
		if err != nil {
			return nil, errors.Wrap(err, "marshal message")
		}
		body = b
	case TagPart:
		if env.Part == nil {
			return nil, errors.New("part envelope without part")
		}
		body = encodePart(*env.Part)
	case TagKeepAlive:
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "tag %d", env.Tag)
	}

	n := 1 + len(body)
	if n > c.maxFrame {
		return nil, errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes exceeds %d", n, c.maxFrame)
	}
	frame := make([]byte, 4+n)
	binary.BigEndian.PutUint32(frame, uint32(n))
	frame[4] = env.Tag
	copy(frame[frameHeaderLen:], body)
	return frame, nil
}

// Decode implements Codec.
func (c *FrameCodec) Decode(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 1 {
		return Envelope{}, errors.Errorf("frame length %d too small", n)
	}
	if int64(n) > int64(c.maxFrame) {
		return Envelope{}, errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes exceeds %d", n, c.maxFrame)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, errors.Wrap(err, "incomplete frame")
	}

	tag, body := buf[0], buf[1:]
	switch tag {
	case TagMessage:
		m, err := c.serializer.Unmarshal(body)
		if err != nil {
			return Envelope{}, errors.Wrap(err, "unmarshal message")
		}
		return Envelope{Tag: tag, Message: &m}, nil
	case TagPart:
		p, err := decodePart(body)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Tag: tag, Part: &p}, nil
	case TagKeepAlive:
		return Envelope{Tag: tag}, nil
	default:
		return Envelope{}, errors.Wrapf(ErrUnknownTag, "tag %d", tag)
	}
}

func encodePart(p Part) []byte {
	body := make([]byte, partHeaderLen+len(p.Chunk))
	copy(body, p.Group[:])
	binary.BigEndian.PutUint32(body[16:], p.Index)
	binary.BigEndian.PutUint32(body[20:], p.Total)
	copy(body[partHeaderLen:], p.Chunk)
	return body
}

func decodePart(body []byte) (Part, error) {
	if len(body) < partHeaderLen {
		return Part{}, errors.Wrap(ErrShortData, "part header")
	}
	var p Part
	group, err := uuid.FromBytes(body[:16])
	if err != nil {
		return Part{}, errors.Wrap(err, "part group")
	}
	p.Group = group
	p.Index = binary.BigEndian.Uint32(body[16:])
	p.Total = binary.BigEndian.Uint32(body[20:])
	p.Chunk = body[partHeaderLen:]
	return p, nil
}

func putU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func putStr(buf *bytes.Buffer, s string) {
	putU16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func putBytes(buf *bytes.Buffer, b []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf.Write(tmp[:])
	buf.Write(b)
}

func getU16(data []byte, off int) (uint16, int, error) {
	if off+2 > len(data) {
		return 0, off, ErrShortData
	}
	return binary.BigEndian.Uint16(data[off:]), off + 2, nil
}

func getU64(data []byte, off int) (uint64, int, error) {
	if off+8 > len(data) {
		return 0, off, ErrShortData
	}
	return binary.BigEndian.Uint64(data[off:]), off + 8, nil
}

func getStr(data []byte, off int) (string, int, error) {
	n, off, err := getU16(data, off)
	if err != nil {
		return "", off, err
	}
	if off+int(n) > len(data) {
		return "", off, ErrShortData
	}
	return string(data[off : off+int(n)]), off + int(n), nil
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, off, ErrShortData
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if n > len(data)-off {
		return nil, off, ErrShortData
	}
	if n == 0 {
		return nil, off, nil
	}
	return data[off : off+n], off + n, nil
}
