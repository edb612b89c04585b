// Package lww implements the last-writer-wins register CRDT (spec.md §4.3).
package lww

import "github.com/dzfranklin/plantopo-sync/internal/clock"

// Reg is a last-write-wins register: a value annotated with the logical
// instant it was written at. The zero value is a valid register holding the
// zero value of T at clock.Zero.
type Reg[T any] struct {
	value T
	ts    clock.Instant
}

// New creates a register holding value at ts.
func New[T any](value T, ts clock.Instant) Reg[T] {
	return Reg[T]{value: value, ts: ts}
}

// Value returns the current value.
func (r Reg[T]) Value() T { return r.value }

// Ts returns the timestamp of the current value.
func (r Reg[T]) Ts() clock.Instant { return r.ts }

// Merge applies an incoming write, replacing the register's value and
// timestamp when other.ts is newer. It returns (previous, true) when a
// displacement happened, so callers can maintain secondary indexes (order
// lists) keyed by the old value.
func (r *Reg[T]) Merge(value T, ts clock.Instant) (previous T, displaced bool) {
	if ts.Compare(r.ts) > 0 {
		previous, displaced = r.value, true
		r.value, r.ts = value, ts
	}
	return previous, displaced
}
