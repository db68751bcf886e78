package netsession

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// defaultFragmentThreshold is the message size from which messages are split (64KB).
const defaultFragmentThreshold = 64 * 1024

// Fragmenter splits messages whose encoded size reaches a threshold into
// ordered parts sharing one group id. Smaller messages pass through as a
// single envelope without being serialized.
type Fragmenter struct {
	threshold  int
	serializer Serializer
	newGroup   func() uuid.UUID
}

// NewFragmenter returns a Fragmenter splitting at threshold bytes. Each part
// carries at most threshold bytes of the serialized message.
func NewFragmenter(threshold int, serializer Serializer) *Fragmenter {
	if threshold <= 0 {
		threshold = defaultFragmentThreshold
	}
	if serializer == nil {
		serializer = BinarySerializer{}
	}
	return &Fragmenter{
		threshold:  threshold,
		serializer: serializer,
		newGroup:   uuid.New,
	}
}

// Threshold returns the split threshold in bytes.
func (f *Fragmenter) Threshold() int {
	return f.threshold
}

// Split returns the envelopes to transmit for m, in transmission order.
func (f *Fragmenter) Split(m Message) ([]Envelope, error) {
	if m.Size() < f.threshold {
		return []Envelope{WholeEnvelope(m)}, nil
	}

	data, err := f.serializer.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message for fragmentation")
	}

	total := (len(data) + f.threshold - 1) / f.threshold
	group := f.newGroup()
	envs := make([]Envelope, 0, total)
	for i := 0; i < total; i++ {
		start := i * f.threshold
		end := start + f.threshold
		if end > len(data) {
			end = len(data)
		}
		envs = append(envs, PartEnvelope(Part{
			Group: group,
			Index: uint32(i),
			Total: uint32(total),
			Chunk: data[start:end],
		}))
	}
	return envs, nil
}
