package types

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// EventID identifies one evaluation event. Server-assigned ids are 26-character
// time-ordered strings; callers may also supply their own idempotency ids.
type EventID string

// MaxEventIDLength bounds caller-supplied ids.
const MaxEventIDLength = 128

// Crockford's Base32 alphabet (excludes I, L, O, U)
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// IDGenerator produces time-ordered event ids. Ids generated within the same
// millisecond stay strictly increasing.
type IDGenerator struct {
	mu      sync.Mutex
	lastMs  uint64
	entropy [10]byte
}

// NewIDGenerator creates a new id generator.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns an id for the current time.
func (g *IDGenerator) Next() (EventID, error) {
	return g.NextAt(time.Now())
}

// NextAt returns an id whose time component is t.
func (g *IDGenerator) NextAt(t time.Time) (EventID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())
	if ms <= g.lastMs && g.lastMs != 0 {
		// Clock went backwards or same millisecond: keep the previous time
		// component and bump the entropy so ordering is preserved.
		ms = g.lastMs
		for i := len(g.entropy) - 1; i >= 0; i-- {
			g.entropy[i]++
			if g.entropy[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.entropy[:]); err != nil {
			return "", err
		}
		g.lastMs = ms
	}

	var raw [16]byte
	binary.BigEndian.PutUint16(raw[0:2], uint16(ms>>32))
	binary.BigEndian.PutUint32(raw[2:6], uint32(ms))
	copy(raw[6:], g.entropy[:])
	return EventID(encodeBase32(raw)), nil
}

// encodeBase32 renders 128 bits as 26 Crockford characters, most significant first.
func encodeBase32(raw [16]byte) string {
	hi := binary.BigEndian.Uint64(raw[0:8])
	lo := binary.BigEndian.Uint64(raw[8:16])

	var buf [26]byte
	for i := 25; i >= 0; i-- {
		buf[i] = crockfordBase32[lo&31]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(buf[:])
}

// Valid reports whether id can be used as an event id.
func (id EventID) Valid() bool {
	if len(id) == 0 || len(id) > MaxEventIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c == 0x7f {
			return false
		}
	}
	return true
}

func (id EventID) String() string {
	return string(id)
}
