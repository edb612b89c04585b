// Package clock implements the hybrid logical clock and client/feature
// identifiers the rest of the replica is built on.
package clock

import "fmt"

// ClientId is an opaque tag assigned by the authorizing endpoint. The upper
// byte encodes the issuing server; the remaining 56 bits are a per-(map,
// server) monotonic suffix. Zero is reserved and never assigned.
type ClientId uint64

// NewClientId packs a server id and per-server suffix into a ClientId, per
// spec.md §6 ("ClientId produced is server_id << 56 | suffix").
func NewClientId(serverID uint8, suffix uint64) ClientId {
	return ClientId(uint64(serverID)<<56 | (suffix & (1<<56 - 1)))
}

// ServerID returns the upper byte that identifies the issuing server.
func (c ClientId) ServerID() uint8 { return uint8(c >> 56) }

// Suffix returns the per-(map, server) monotonic counter.
func (c ClientId) Suffix() uint64 { return uint64(c) & (1<<56 - 1) }

func (c ClientId) String() string { return fmt.Sprintf("0x%x", uint64(c)) }

// Instant is a pair (counter, client) totally ordered lexicographically by
// counter then client; this is the LInstant of spec.md §3.
type Instant struct {
	Counter uint64
	Client  ClientId
}

// Zero is the reserved instant used as the ROOT feature id.
var Zero = Instant{}

// Less reports whether i causally/lexicographically precedes other.
func (i Instant) Less(other Instant) bool {
	if i.Counter != other.Counter {
		return i.Counter < other.Counter
	}
	return i.Client < other.Client
}

// Compare returns -1, 0, or 1 as i is less than, equal to, or greater than other.
func (i Instant) Compare(other Instant) int {
	switch {
	case i.Counter < other.Counter:
		return -1
	case i.Counter > other.Counter:
		return 1
	case i.Client < other.Client:
		return -1
	case i.Client > other.Client:
		return 1
	default:
		return 0
	}
}

func (i Instant) String() string { return fmt.Sprintf("0x%x@%s", i.Counter, i.Client) }

// Equal reports whether i and other are the same instant.
func (i Instant) Equal(other Instant) bool { return i.Counter == other.Counter && i.Client == other.Client }

// Clock is a per-replica hybrid logical clock: one Instant, advanced locally
// by Tick and raised by Observe whenever a remote timestamp is seen.
type Clock struct {
	id      ClientId
	current Instant
}

// New creates a clock owned by id, starting at counter 0.
func New(id ClientId) *Clock {
	return &Clock{id: id, current: Instant{Counter: 0, Client: id}}
}

// Restore creates a clock owned by id, resuming from a previously observed counter.
func Restore(id ClientId, counter uint64) *Clock {
	return &Clock{id: id, current: Instant{Counter: counter, Client: id}}
}

// ID returns the client id this clock ticks on behalf of.
func (c *Clock) ID() ClientId { return c.id }

// Now returns the current instant without advancing it.
func (c *Clock) Now() Instant { return c.current }

// Tick increments the counter by one and returns the new instant. Called
// exactly once per locally originated mutation batch, per spec.md §4.1.
func (c *Clock) Tick() Instant {
	c.current.Counter++
	return c.current
}

// Observe raises the counter so that Now().Counter > ts.Counter whenever ts
// is newer, per spec.md §4.1. Safe to call with any remote timestamp,
// including ones this client itself originated.
func (c *Clock) Observe(ts Instant) {
	if ts.Counter > c.current.Counter {
		c.current.Counter = ts.Counter + 1
	}
}
