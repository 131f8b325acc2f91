// Package clock implements the vector clocks carried by replies that leave
// the fault-tolerant domain.
//
// Each entry maps a body to the position, in that body's reception history,
// of the last request it served that causally precedes the reply. Two rules
// maintain it:
//
//	VR1 (serve): before serving request number n, set own entry to n.
//	VR2 (receive): on delivering a request tagged with clock v, set every
//	     entry e to max(own[e], v[e]).
//
// A reply may be released to the outside once every entry is covered by a
// durable checkpoint of the corresponding body (see package tagger).
//
// Note: Vector is not goroutine-safe. A body owns its clock and mutates it
// from its serving goroutine only; snapshots are taken with Clone.
package clock

import (
	"sort"

	"github.com/daviddao/ftcic/pkg/model"
)

// Vector maps body identities to counters. A missing entry reads as zero.
type Vector map[model.BodyID]int64

// New returns an empty vector clock.
func New() Vector { return make(Vector) }

// Get returns the entry for id, or zero if absent.
func (v Vector) Get(id model.BodyID) int64 { return v[id] }

// Observe implements VR1: raise id's entry to n if n is greater. Returns
// the resulting entry.
func (v Vector) Observe(id model.BodyID, n int64) int64 {
	if n > v[id] {
		v[id] = n
	}
	return v[id]
}

// Tick increments id's entry and returns the new value.
func (v Vector) Tick(id model.BodyID) int64 {
	v[id]++
	return v[id]
}

// Merge implements VR2: take the entry-wise maximum with other.
func (v Vector) Merge(other Vector) {
	for id, n := range other {
		if n > v[id] {
			v[id] = n
		}
	}
}

// Clone returns an independent copy, or nil for a nil clock.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	c := make(Vector, len(v))
	for id, n := range v {
		c[id] = n
	}
	return c
}

// LessEq returns true if every entry of v is <= the matching entry of
// other, treating absent entries as zero.
func (v Vector) LessEq(other Vector) bool {
	for id, n := range v {
		if n > other[id] {
			return false
		}
	}
	return true
}

// IDs returns the bodies with an entry, sorted for deterministic output.
func (v Vector) IDs() []model.BodyID {
	ids := make([]model.BodyID, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
