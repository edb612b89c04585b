// Package awareness implements the ephemeral per-client presence map
// (spec.md §4.7): who is connected, what they're looking at, expiring
// entries that go quiet without a refresh.
package awareness

import (
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/featurestore"
	"github.com/google/uuid"
)

// UserId identifies the human behind a connection, when known.
type UserId uuid.UUID

// Aware is one client's presence state.
type Aware struct {
	IsServer       bool
	User           *UserId
	ActiveFeatures []featurestore.Id
}

// Entry pairs an Aware with the wall-clock instant it was last refreshed.
type Entry struct {
	At    time.Time
	Aware Aware
}

// TTL is how long a non-self entry survives without a refresh.
const TTL = 30 * time.Second

// Store is a ClientId -> Entry map with TTL-based eviction, except for the
// owning client's own entry, which is never evicted by age.
type Store struct {
	self    clock.ClientId
	entries map[clock.ClientId]Entry
	dirty   bool
}

// New creates an empty awareness store owned by self.
func New(self clock.ClientId) *Store {
	return &Store{self: self, entries: make(map[clock.ClientId]Entry)}
}

func (s *Store) IsDirty() bool { return s.dirty }
func (s *Store) ClearDirty()   { s.dirty = false }

// Get returns the entry for client, if present.
func (s *Store) Get(client clock.ClientId) (Aware, bool) {
	e, ok := s.entries[client]
	return e.Aware, ok
}

// GetMy returns this store's own entry.
func (s *Store) GetMy() (Aware, bool) {
	return s.Get(s.self)
}

// Update writes this client's own presence, local write.
func Update(s *Store, now time.Time, a Aware) {
	s.entries[s.self] = Entry{At: now, Aware: a}
	s.dirty = true
}

// Write is one incoming (client, presence) pair as carried in a Delta. A nil
// Aware means the client is announcing its own departure.
type Write struct {
	Client clock.ClientId
	Aware  *Aware
}

// Merge applies incoming presence writes, then evicts every non-self entry
// older than TTL (spec.md §4.7).
func (s *Store) Merge(now time.Time, writes []Write) {
	if len(writes) > 0 {
		s.dirty = true
	}
	for _, w := range writes {
		if w.Aware != nil {
			s.entries[w.Client] = Entry{At: now, Aware: *w.Aware}
			continue
		}
		if w.Client == s.self {
			continue // a peer cannot evict our own entry
		}
		delete(s.entries, w.Client)
	}

	for client, e := range s.entries {
		if client == s.self {
			continue
		}
		if now.Sub(e.At) > TTL {
			delete(s.entries, client)
			s.dirty = true
		}
	}
}

// Save serializes every current entry as a Write, for broadcast or the
// replica snapshot of spec.md §4.8.
func (s *Store) Save() []Write {
	out := make([]Write, 0, len(s.entries))
	for client, e := range s.entries {
		a := e.Aware
		out = append(out, Write{Client: client, Aware: &a})
	}
	return out
}
