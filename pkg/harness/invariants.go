package harness

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lindenlab/raftcore/pkg/raft"
)

// CommittedEntry is one (index, term, transition) triple a node has
// applied, recorded for cross-node comparison. TransitionID stands in for
// the full transition value — state-machine safety only needs identity
// comparison ("they apply the same transition"), not a deep value
// comparison of an opaque Transition.
type CommittedEntry struct {
	NodeID       raft.ReplicaID
	Index        uint64
	Term         raft.Term
	TransitionID string
}

// Violation describes one failed invariant, generalized from an
// InvariantViolation keyed on string IDs to carry a raft.ReplicaID-keyed
// Details map instead.
type Violation struct {
	Kind    string
	Message string
	Details map[string]interface{}
}

// InvariantChecker accumulates observations from a running TestCluster and
// checks them against Raft's testable safety properties: log matching,
// state-machine safety, monotonic terms/commit-index, and (via
// RecordLeader) election safety.
type InvariantChecker struct {
	mu sync.Mutex

	committed map[raft.ReplicaID][]CommittedEntry
	leaders   map[raft.Term][]raft.ReplicaID // every replica that believed itself Leader at a term

	lastTerm        map[raft.ReplicaID]raft.Term
	lastCommitIndex map[raft.ReplicaID]uint64
}

// NewInvariantChecker returns an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{
		committed:       make(map[raft.ReplicaID][]CommittedEntry),
		leaders:         make(map[raft.Term][]raft.ReplicaID),
		lastTerm:        make(map[raft.ReplicaID]raft.Term),
		lastCommitIndex: make(map[raft.ReplicaID]uint64),
	}
}

// RecordCommit records that node applied transitionID at (index, term).
// Call this from ApplyTransition (or a wrapping StateMachine) in tests
// that want the invariants below checked.
func (ic *InvariantChecker) RecordCommit(node raft.ReplicaID, index uint64, term raft.Term, transitionID string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committed[node] = append(ic.committed[node], CommittedEntry{
		NodeID: node, Index: index, Term: term, TransitionID: transitionID,
	})
}

// RecordLeader records that node believes itself Leader at term. Election
// safety (at most one Leader per term) is checked from the accumulated
// set.
func (ic *InvariantChecker) RecordLeader(node raft.ReplicaID, term raft.Term) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, existing := range ic.leaders[term] {
		if existing == node {
			return
		}
	}
	ic.leaders[term] = append(ic.leaders[term], node)
}

// RecordTermAndCommit feeds the monotonicity checks: a replica's term and
// commit index must never be observed to decrease between two calls.
func (ic *InvariantChecker) RecordTermAndCommit(node raft.ReplicaID, term raft.Term, commitIndex uint64) []Violation {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	var violations []Violation
	if prev, ok := ic.lastTerm[node]; ok && term < prev {
		violations = append(violations, Violation{
			Kind:    "monotonic-term",
			Message: fmt.Sprintf("replica %d observed term go from %d to %d", node, prev, term),
			Details: map[string]interface{}{"node": node, "from": prev, "to": term},
		})
	}
	if prev, ok := ic.lastCommitIndex[node]; ok && commitIndex < prev {
		violations = append(violations, Violation{
			Kind:    "monotonic-commit-index",
			Message: fmt.Sprintf("replica %d observed commit_index go from %d to %d", node, prev, commitIndex),
			Details: map[string]interface{}{"node": node, "from": prev, "to": commitIndex},
		})
	}
	ic.lastTerm[node] = term
	ic.lastCommitIndex[node] = commitIndex
	return violations
}

// Check runs every invariant over everything recorded so far and returns
// every violation found (nil if none).
func (ic *InvariantChecker) Check() []Violation {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	var violations []Violation
	violations = append(violations, ic.checkElectionSafety()...)
	violations = append(violations, ic.checkLogMatching()...)
	violations = append(violations, ic.checkStateMachineSafety()...)
	return violations
}

// checkElectionSafety verifies that for all terms t, at most one replica
// ever observes itself as Leader at term t.
func (ic *InvariantChecker) checkElectionSafety() []Violation {
	var violations []Violation
	for term, leaders := range ic.leaders {
		if len(leaders) > 1 {
			sorted := append([]raft.ReplicaID(nil), leaders...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			violations = append(violations, Violation{
				Kind:    "election-safety",
				Message: fmt.Sprintf("term %d had %d simultaneous leaders", term, len(sorted)),
				Details: map[string]interface{}{"term": term, "leaders": sorted},
			})
		}
	}
	return violations
}

// checkLogMatching verifies the log-matching property: for any index
// present on two nodes, equal term implies equal transition.
func (ic *InvariantChecker) checkLogMatching() []Violation {
	byIndex := make(map[uint64][]CommittedEntry)
	for _, entries := range ic.committed {
		for _, e := range entries {
			byIndex[e.Index] = append(byIndex[e.Index], e)
		}
	}

	var violations []Violation
	for index, entries := range byIndex {
		for i := 1; i < len(entries); i++ {
			a, b := entries[0], entries[i]
			if a.Term == b.Term && a.TransitionID != b.TransitionID {
				violations = append(violations, Violation{
					Kind: "log-matching",
					Message: fmt.Sprintf("index %d: replica %d and %d both have term %d but different transitions (%q vs %q)",
						index, a.NodeID, b.NodeID, a.Term, a.TransitionID, b.TransitionID),
					Details: map[string]interface{}{"index": index, "a": a, "b": b},
				})
			}
		}
	}
	return violations
}

// checkStateMachineSafety verifies that if two replicas apply a transition
// at index i, they apply the same transition — the same comparison as
// log-matching but independent of term, since two replicas
// that both committed index i under the (by now proven) log-matching
// property necessarily did so at the same term.
func (ic *InvariantChecker) checkStateMachineSafety() []Violation {
	byIndex := make(map[uint64][]CommittedEntry)
	for _, entries := range ic.committed {
		for _, e := range entries {
			byIndex[e.Index] = append(byIndex[e.Index], e)
		}
	}

	var violations []Violation
	for index, entries := range byIndex {
		for i := 1; i < len(entries); i++ {
			if entries[0].TransitionID != entries[i].TransitionID {
				violations = append(violations, Violation{
					Kind: "state-machine-safety",
					Message: fmt.Sprintf("index %d: replica %d applied %q, replica %d applied %q",
						index, entries[0].NodeID, entries[0].TransitionID, entries[i].NodeID, entries[i].TransitionID),
					Details: map[string]interface{}{"index": index},
				})
			}
		}
	}
	return violations
}
