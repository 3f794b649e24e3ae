// Package cluster holds a cluster's static topology: which replica IDs
// exist and what network address each one answers on.
//
// Membership change (joint consensus) is out of scope here — a Replica's
// PeerIDs are fixed for its lifetime. This package reflects that: Registry
// is built once from configuration and never mutated at runtime.
// Reconfiguring a cluster means building a new Registry and restarting
// every replica against it.
package cluster

import (
	"fmt"
	"sort"

	"github.com/lindenlab/raftcore/pkg/raft"
)

// Registry is a read-only replica-ID-to-address table.
type Registry struct {
	addresses map[raft.ReplicaID]string
}

// NewRegistry builds a Registry from a fixed address table. Mutating
// addresses after the call has no effect on the returned Registry.
func NewRegistry(addresses map[raft.ReplicaID]string) *Registry {
	copied := make(map[raft.ReplicaID]string, len(addresses))
	for id, addr := range addresses {
		copied[id] = addr
	}
	return &Registry{addresses: copied}
}

// Address returns the network address registered for id.
func (r *Registry) Address(id raft.ReplicaID) (string, bool) {
	addr, ok := r.addresses[id]
	return addr, ok
}

// PeerIDs returns every replica ID in the registry other than self, in
// ascending order — suitable to pass directly as raft.Config.PeerIDs.
func (r *Registry) PeerIDs(self raft.ReplicaID) []raft.ReplicaID {
	peers := make([]raft.ReplicaID, 0, len(r.addresses))
	for id := range r.addresses {
		if id != self {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Size returns the total number of replicas in the registry, self
// included.
func (r *Registry) Size() int {
	return len(r.addresses)
}

// String renders the registry for diagnostics.
func (r *Registry) String() string {
	ids := make([]raft.ReplicaID, 0, len(r.addresses))
	for id := range r.addresses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s := "{"
	for i, id := range ids {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d: %s", id, r.addresses[id])
	}
	return s + "}"
}
