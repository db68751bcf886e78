package netsession

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalidPart is returned for parts that cannot belong to a well-formed group.
var ErrInvalidPart = errors.New("invalid part")

// defaultMaxParts bounds the slot array a single part can make us allocate.
const defaultMaxParts = 1 << 14

// reassemblyGroup holds the parts received so far for one group id.
type reassemblyGroup struct {
	slots    [][]byte
	filled   int
	size     int
	lastSeen time.Time
}

// Reassembler accumulates parts by group id and rebuilds the original
// message once every part of a group has arrived. Parts may arrive in any
// order and groups may interleave.
//
// A Reassembler is owned by a single connection's receive path and is not
// safe for concurrent use. Groups that never complete stay until Reset, or
// until they idle longer than the TTL when one is configured.
type Reassembler struct {
	serializer Serializer
	maxParts   uint32
	ttl        time.Duration
	now        func() time.Time

	groups map[uuid.UUID]*reassemblyGroup
}

// NewReassembler returns an empty Reassembler. A ttl of zero keeps
// incomplete groups for the lifetime of the Reassembler.
func NewReassembler(serializer Serializer, maxParts int, ttl time.Duration) *Reassembler {
	if serializer == nil {
		serializer = BinarySerializer{}
	}
	if maxParts <= 0 {
		maxParts = defaultMaxParts
	}
	return &Reassembler{
		serializer: serializer,
		maxParts:   uint32(maxParts),
		ttl:        ttl,
		now:        time.Now,
		groups:     make(map[uuid.UUID]*reassemblyGroup),
	}
}

// Add stores p. When p completes its group the rebuilt message is returned
// with true and the group is forgotten.
func (r *Reassembler) Add(p Part) (Message, bool, error) {
	if p.Total == 0 || p.Total > r.maxParts {
		return Message{}, false, errors.Wrapf(ErrInvalidPart, "group %s: total %d", p.Group, p.Total)
	}
	if p.Index >= p.Total {
		return Message{}, false, errors.Wrapf(ErrInvalidPart, "group %s: index %d of %d", p.Group, p.Index, p.Total)
	}

	now := r.now()
	if r.ttl > 0 {
		r.Expire(now)
	}

	g, ok := r.groups[p.Group]
	if !ok {
		g = &reassemblyGroup{slots: make([][]byte, p.Total)}
		r.groups[p.Group] = g
	} else if uint32(len(g.slots)) != p.Total {
		return Message{}, false, errors.Wrapf(ErrInvalidPart, "group %s: total %d, expected %d", p.Group, p.Total, len(g.slots))
	}
	g.lastSeen = now

	if prev := g.slots[p.Index]; prev != nil {
		g.size -= len(prev)
	} else {
		g.filled++
	}
	chunk := p.Chunk
	if chunk == nil {
		chunk = []byte{}
	}
	g.slots[p.Index] = chunk
	g.size += len(chunk)

	if g.filled < len(g.slots) {
		return Message{}, false, nil
	}

	delete(r.groups, p.Group)
	data := make([]byte, 0, g.size)
	for _, s := range g.slots {
		data = append(data, s...)
	}
	m, err := r.serializer.Unmarshal(data)
	if err != nil {
		return Message{}, false, errors.Wrapf(err, "group %s", p.Group)
	}
	return m, true, nil
}

// Progress reports how many of a group's parts have arrived.
func (r *Reassembler) Progress(group uuid.UUID) (filled, total int, ok bool) {
	g, ok := r.groups[group]
	if !ok {
		return 0, 0, false
	}
	return g.filled, len(g.slots), true
}

// Pending returns the number of incomplete groups.
func (r *Reassembler) Pending() int {
	return len(r.groups)
}

// Expire drops groups that have not received a part within the TTL and
// returns how many were dropped.
func (r *Reassembler) Expire(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	dropped := 0
	for id, g := range r.groups {
		if now.Sub(g.lastSeen) > r.ttl {
			delete(r.groups, id)
			dropped++
		}
	}
	return dropped
}

// Reset discards every incomplete group.
func (r *Reassembler) Reset() {
	r.groups = make(map[uuid.UUID]*reassemblyGroup)
}
