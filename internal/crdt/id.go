// Package crdt implements the in-memory document replica: named root
// containers (maps, arrays and rich text) whose items are ordered with the
// YATA rules so that concurrent edits merge to the same state on every
// replica regardless of arrival order.
//
// Every item carries an ID made of the authoring client id and a per-client
// clock. Clocks of one client are contiguous; a replica's state vector maps
// each known client to the next clock it expects.
package crdt

import (
	"fmt"
	"sort"
)

// ID identifies one item: the client that authored it and its clock.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func idPtr(id ID) *ID {
	return &id
}

// StateVector maps a client id to the next clock expected from it, i.e. the
// number of items of that client already integrated.
type StateVector map[uint64]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for client, clock := range sv {
		out[client] = clock
	}
	return out
}

// Has reports whether the item id is covered by the vector.
func (sv StateVector) Has(id ID) bool {
	return id.Clock < sv[id.Client]
}

// Dominates reports whether every counter of other is covered by sv.
func (sv StateVector) Dominates(other StateVector) bool {
	for client, clock := range other {
		if sv[client] < clock {
			return false
		}
	}
	return true
}

// Clients returns the client ids in ascending order.
func (sv StateVector) Clients() []uint64 {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
