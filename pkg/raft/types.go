package raft

import "fmt"

// ReplicaID uniquely names a node within a cluster. Stable for the life of
// the cluster.
type ReplicaID uint64

// Term is Raft's monotonically non-decreasing leadership epoch.
type Term uint64

// Role is one of Follower, Candidate, or Leader.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Transition is an opaque, user-defined value whose ordered application to
// a StateMachine is what the cluster agrees on. Implementations must carry
// a stable identity (ID) and support a Clone contract: the replica may hold
// a transition across log truncation, retry, and reapplication, and never
// mutates the value it was handed.
type Transition interface {
	// ID returns a stable identity for this transition, used for
	// Queued/Committed/Applied state-tracking hooks.
	ID() string
	// Clone returns a copy safe to store in the log independent of the
	// original value's lifetime.
	Clone() Transition
}

// LogEntry is one entry of the replicated log. Index is the entry's
// absolute position — stable across snapshot compaction, never reused.
type LogEntry struct {
	Index      uint64
	Term       Term
	Transition Transition
}

// Snapshot is a compact representation of the state machine as of
// LastIncludedIndex/LastIncludedTerm, replacing the log prefix it subsumes.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  Term
	State             []byte
}

// AppendEntryRequest is sent by a Leader to replicate entries (or, with an
// empty Entries, as a heartbeat).
type AppendEntryRequest struct {
	FromID       ReplicaID
	Term         Term
	PrevLogIndex uint64
	PrevLogTerm  Term
	Entries      []LogEntry
	CommitIndex  uint64
}

// AppendEntryResponse is a follower's reply to an AppendEntryRequest.
type AppendEntryResponse struct {
	FromID        ReplicaID
	Term          Term
	Success       bool
	LastIndex     uint64
	MismatchIndex *uint64
}

// VoteRequest is broadcast by a Candidate at the start of an election.
type VoteRequest struct {
	FromID       ReplicaID
	Term         Term
	LastLogIndex uint64
	LastLogTerm  Term
}

// VoteResponse is a reply to a VoteRequest.
type VoteResponse struct {
	FromID      ReplicaID
	Term        Term
	VoteGranted bool
}

// InstallSnapshotRequest closes the gap left when a Leader's log has
// compacted past a follower's next_index: it brings the follower's state
// machine up to (LastIncludedIndex, LastIncludedTerm) directly, instead of
// replaying entries the Leader no longer retains. Encoding this message
// for a real wire is a transport-collaborator concern and stays out of
// the core's scope; the core defines the message, sends it from the
// Leader's broadcast, and applies it on the follower.
type InstallSnapshotRequest struct {
	FromID            ReplicaID
	Term              Term
	LastIncludedIndex uint64
	LastIncludedTerm  Term
	State             []byte
}

// InstallSnapshotResponse is a follower's reply to an InstallSnapshotRequest.
// LastIncludedIndex echoes the request so the leader can advance next/match
// index for the peer without tracking in-flight snapshot sends itself.
type InstallSnapshotResponse struct {
	FromID            ReplicaID
	Term              Term
	LastIncludedIndex uint64
}

// TransitionState is the set of externally observable lifecycle states a
// Transition passes through once submitted to the leader.
type TransitionState int

const (
	Queued TransitionState = iota
	Committed
	Applied
)

func (s TransitionState) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Committed:
		return "Committed"
	case Applied:
		return "Applied"
	default:
		return fmt.Sprintf("TransitionState(%d)", int(s))
	}
}

// Message is the tagged union of everything a Cluster may hand the replica
// via Cluster.ReceiveMessages. Exactly one of the embedded pointers is
// non-nil.
type Message struct {
	AppendEntryRequest  *AppendEntryRequest
	AppendEntryResponse *AppendEntryResponse
	VoteRequest         *VoteRequest
	VoteResponse        *VoteResponse
	InstallSnapshotReq  *InstallSnapshotRequest
	InstallSnapshotResp *InstallSnapshotResponse
}
