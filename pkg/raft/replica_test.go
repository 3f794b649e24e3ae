package raft

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"
)

// testTransition is a minimal Transition used throughout these tests: its
// identity is just a string, and Clone is a value copy.
type testTransition struct {
	id string
}

func (t testTransition) ID() string        { return t.id }
func (t testTransition) Clone() Transition { return t }

func newTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeCluster is an in-memory Cluster double. Outbound messages land in
// outbox, keyed by recipient; ReceiveMessages drains inbox. Tests drive
// delivery explicitly rather than through a background goroutine, keeping
// everything deterministic.
type fakeCluster struct {
	inbox   []Message
	outbox  map[ReplicaID][]Message
	leader  *ReplicaID
	halted  bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{outbox: make(map[ReplicaID][]Message)}
}

func (c *fakeCluster) ReceiveMessages() []Message {
	msgs := c.inbox
	c.inbox = nil
	return msgs
}

func (c *fakeCluster) SendMessage(peer ReplicaID, msg Message) {
	c.outbox[peer] = append(c.outbox[peer], msg)
}

func (c *fakeCluster) RegisterLeader(leader *ReplicaID) {
	c.leader = leader
}

func (c *fakeCluster) Halt() bool {
	return c.halted
}

// fakeStateMachine is a StateMachine double recording applied transitions
// in order, along with every lifecycle-state observation.
type fakeStateMachine struct {
	pending  []Transition
	applied  []Transition
	states   map[string][]TransitionState
	snapshot *Snapshot
}

func newFakeStateMachine() *fakeStateMachine {
	return &fakeStateMachine{states: make(map[string][]TransitionState)}
}

func (m *fakeStateMachine) ApplyTransition(t Transition) {
	m.applied = append(m.applied, t)
}

func (m *fakeStateMachine) RegisterTransitionState(id string, state TransitionState) {
	m.states[id] = append(m.states[id], state)
}

func (m *fakeStateMachine) GetPendingTransitions() []Transition {
	p := m.pending
	m.pending = nil
	return p
}

func (m *fakeStateMachine) LoadSnapshot() *Snapshot {
	return m.snapshot
}

func (m *fakeStateMachine) CreateSnapshot(lastIncludedIndex uint64, lastIncludedTerm Term) Snapshot {
	return Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		State:             []byte(fmt.Sprintf("snapshot@%d", lastIncludedIndex)),
	}
}

func (m *fakeStateMachine) RestoreSnapshot(s Snapshot) {
	m.snapshot = &s
}

// fakeTicker never fires on its own; tests trigger a heartbeat by sending
// on the channel directly.
type fakeTicker struct {
	ch chan time.Time
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time, 1)}
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Renew()              {}

// fakeDeadline returns a fixed instant far in the future so tests control
// election timeouts by calling becomeCandidate directly instead of
// waiting on a real timer.
type fakeDeadline struct {
	next time.Time
}

func newFakeDeadline() *fakeDeadline {
	return &fakeDeadline{next: time.Now().Add(time.Hour)}
}

func (d *fakeDeadline) Next() time.Time { return d.next }
func (d *fakeDeadline) Reset()          { d.next = time.Now().Add(time.Hour) }

func newTestReplica(id ReplicaID, peers []ReplicaID) (*Replica, *fakeCluster, *fakeStateMachine) {
	cluster := newFakeCluster()
	sm := newFakeStateMachine()
	r := NewReplica(Config{
		ID:             id,
		PeerIDs:        peers,
		NoopTransition: testTransition{id: "noop"},
		Logger:         newTestLogger(),
	}, cluster, sm, newFakeTicker(), newFakeDeadline())
	return r, cluster, sm
}

func TestQuorumSize(t *testing.T) {
	cases := []struct {
		peers int
		want  int
	}{
		{0, 1},
		{1, 2},
		{2, 2},
		{3, 3},
		{4, 3},
	}
	for _, c := range cases {
		peers := make([]ReplicaID, c.peers)
		for i := range peers {
			peers[i] = ReplicaID(i + 2)
		}
		r, _, _ := newTestReplica(1, peers)
		if got := r.quorumSize(); got != c.want {
			t.Errorf("quorumSize() with %d peers = %d, want %d", c.peers, got, c.want)
		}
	}
}

func TestIsUpToDate(t *testing.T) {
	r, _, _ := newTestReplica(1, []ReplicaID{2, 3})
	r.log.append(LogEntry{Index: 1, Term: 2, Transition: testTransition{id: "a"}})
	r.log.append(LogEntry{Index: 2, Term: 3, Transition: testTransition{id: "b"}})

	cases := []struct {
		name        string
		index, term uint64
		want        bool
	}{
		{"behind on both", 1, 2, false},
		{"equal", 2, 3, true},
		{"ahead on index", 3, 3, true},
		{"ahead on term", 2, 4, true},
		{"ahead on index, behind on term", 3, 2, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := r.isUpToDate(c.index, Term(c.term)); got != c.want {
				t.Errorf("isUpToDate(%d, %d) = %v, want %v", c.index, c.term, got, c.want)
			}
		})
	}
}

func TestBecomeLeaderAppendsNoopAndResetsPeerIndices(t *testing.T) {
	r, cluster, _ := newTestReplica(1, []ReplicaID{2, 3})
	r.currentTerm = 5
	before := r.log.lastIndex()

	r.becomeLeader()

	if r.role != Leader {
		t.Fatalf("role = %v, want Leader", r.role)
	}
	if got := r.log.lastIndex(); got != before+1 {
		t.Fatalf("lastIndex = %d, want %d", got, before+1)
	}
	entry, ok := r.log.at(before + 1)
	if !ok || entry.Term != 5 {
		t.Fatalf("no-op entry missing or wrong term: %+v, ok=%v", entry, ok)
	}
	for _, peer := range []ReplicaID{2, 3} {
		if r.nextIndex[peer] != before+1 {
			t.Errorf("nextIndex[%d] = %d, want %d", peer, r.nextIndex[peer], before+1)
		}
		if r.matchIndex[peer] != 0 {
			t.Errorf("matchIndex[%d] = %d, want 0", peer, r.matchIndex[peer])
		}
	}
	if len(cluster.outbox[2]) == 0 {
		t.Error("becomeLeader did not broadcast an initial AppendEntryRequest")
	}
	if cluster.leader == nil || *cluster.leader != r.id {
		t.Error("becomeLeader did not register itself as leader")
	}
}

// TestThreeNodeElection drives a three-replica cluster through a full
// election by hand: replica 1 times out, becomes candidate, broadcasts
// VoteRequest, and the other two grant it, electing replica 1 leader.
func TestThreeNodeElection(t *testing.T) {
	r1, c1, _ := newTestReplica(1, []ReplicaID{2, 3})
	r2, c2, _ := newTestReplica(2, []ReplicaID{1, 3})
	r3, c3, _ := newTestReplica(3, []ReplicaID{1, 2})
	clusters := map[ReplicaID]*fakeCluster{1: c1, 2: c2, 3: c3}
	replicas := map[ReplicaID]*Replica{1: r1, 2: r2, 3: r3}

	r1.becomeCandidate()
	if r1.role != Candidate || r1.currentTerm != 1 {
		t.Fatalf("after becomeCandidate: role=%v term=%d", r1.role, r1.currentTerm)
	}

	// Deliver r1's VoteRequests to r2 and r3, then their VoteResponses
	// back to r1.
	for _, peer := range []ReplicaID{2, 3} {
		msgs := clusters[1].outbox[peer]
		clusters[1].outbox[peer] = nil
		for _, m := range msgs {
			replicas[peer].processMessage(m)
		}
	}
	for _, peer := range []ReplicaID{2, 3} {
		msgs := clusters[peer].outbox[1]
		clusters[peer].outbox[1] = nil
		for _, m := range msgs {
			r1.processMessage(m)
		}
	}

	if r1.role != Leader {
		t.Fatalf("r1.role = %v, want Leader after unanimous votes", r1.role)
	}
	if r2.role != Follower || r3.role != Follower {
		t.Errorf("peers did not remain Follower: r2=%v r3=%v", r2.role, r3.role)
	}
}

// TestCandidateStepsDownOnSameTermAppendEntries covers the
// candidate rule: an AppendEntryRequest at term == current_term means
// another replica already won the election, so the candidate steps down
// and re-processes the request as a follower instead of rejecting it.
func TestCandidateStepsDownOnSameTermAppendEntries(t *testing.T) {
	r, _, _ := newTestReplica(2, []ReplicaID{1, 3})
	r.becomeCandidate() // term -> 1, role -> Candidate

	req := AppendEntryRequest{
		FromID:       1,
		Term:         r.currentTerm,
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      nil,
		CommitIndex:  0,
	}
	r.processMessage(Message{AppendEntryRequest: &req})

	if r.role != Follower {
		t.Fatalf("role = %v, want Follower after same-term AppendEntryRequest", r.role)
	}
	if r.votedFor != nil {
		t.Errorf("votedFor = %v, want nil after stepping down", *r.votedFor)
	}
}

// TestCandidateStepsDownOnHigherTermAppendEntries covers the same rule at
// a strictly higher term, which is handled by processMessage's blanket
// term check rather than the candidate-specific equal-term case.
func TestCandidateStepsDownOnHigherTermAppendEntries(t *testing.T) {
	r, cluster, _ := newTestReplica(2, []ReplicaID{1, 3})
	r.becomeCandidate()
	startTerm := r.currentTerm

	req := AppendEntryRequest{FromID: 1, Term: startTerm + 5}
	r.processMessage(Message{AppendEntryRequest: &req})

	if r.role != Follower {
		t.Fatalf("role = %v, want Follower", r.role)
	}
	if r.currentTerm != startTerm+5 {
		t.Fatalf("currentTerm = %d, want %d", r.currentTerm, startTerm+5)
	}
	if cluster.leader == nil || *cluster.leader != 1 {
		t.Error("expected replica 1 registered as leader after stepping down")
	}
}

// TestStaleVoteResponseDiscarded covers the stale-response rule: a
// VoteResponse carrying an old term (the candidate already moved on) must
// not count toward the current election.
func TestStaleVoteResponseDiscarded(t *testing.T) {
	r, _, _ := newTestReplica(1, []ReplicaID{2, 3})
	r.becomeCandidate() // term 1
	r.becomeCandidate() // term 2, abandoning term 1's election

	stale := VoteResponse{FromID: 2, Term: 1, VoteGranted: true}
	r.processMessage(Message{VoteResponse: &stale})

	if r.role != Candidate {
		t.Fatalf("role = %v, want still Candidate", r.role)
	}
	if _, counted := r.votes[2]; counted {
		t.Error("stale vote response was counted toward quorum")
	}
}

// TestSameTermCommitRule exercises Raft's §5.4.2 safety rule: a leader
// cannot advance commit_index to cover an entry from an earlier term
// purely because a quorum replicated it — only once an entry from the
// leader's own current term is also replicated does the earlier entry
// commit as a side effect.
func TestSameTermCommitRule(t *testing.T) {
	r, _, _ := newTestReplica(1, []ReplicaID{2, 3})
	r.currentTerm = 1
	r.becomeLeader() // appends a term-1 no-op at index 1; commitIndex stays 0

	// Simulate an entry replicated from an earlier leadership (term 1,
	// already present) plus a still-uncommitted term-2 entry after this
	// replica won a new election.
	r.currentTerm = 2
	r.log.append(LogEntry{Index: 2, Term: 2, Transition: testTransition{id: "x"}})

	// Quorum replication of index 1 (term 1, not current term) alone must
	// not advance commit_index.
	r.matchIndex[2] = 1
	r.matchIndex[3] = 1
	r.advanceCommitIndex()
	if r.commitIndex != 0 {
		t.Fatalf("commitIndex = %d after only an earlier-term entry replicated, want 0", r.commitIndex)
	}

	// Once the current-term entry (index 2) is replicated to a quorum,
	// commit_index advances to 2, carrying index 1 with it.
	r.matchIndex[2] = 2
	r.advanceCommitIndex()
	if r.commitIndex != 2 {
		t.Fatalf("commitIndex = %d after current-term entry replicated, want 2", r.commitIndex)
	}
}

// TestAdvanceCommitIndexRegistersCommittedState verifies that once
// advanceCommitIndex moves commit_index forward, every newly-committed
// transition in that range is registered as Committed, not just silently
// counted toward the index.
func TestAdvanceCommitIndexRegistersCommittedState(t *testing.T) {
	r, _, sm := newTestReplica(1, []ReplicaID{2, 3})
	r.currentTerm = 1
	r.becomeLeader() // appends a term-1 no-op at index 1

	r.log.append(LogEntry{Index: 2, Term: 1, Transition: testTransition{id: "x"}})
	r.matchIndex[2] = 2
	r.matchIndex[3] = 2
	r.advanceCommitIndex()

	if r.commitIndex != 2 {
		t.Fatalf("commitIndex = %d, want 2", r.commitIndex)
	}

	states := sm.states["x"]
	if len(states) == 0 || states[len(states)-1] != Committed {
		t.Fatalf("transition x states = %v, want last state Committed", states)
	}
}

// TestLogRepairViaMismatchIndex exercises the follower's conflicting-term
// rejection: given a PrevLogIndex/PrevLogTerm mismatch, the follower's
// MismatchIndex response should echo the request's PrevLogIndex literally,
// leaving the leader to back up one index at a time.
func TestLogRepairViaMismatchIndex(t *testing.T) {
	r, cluster, _ := newTestReplica(2, []ReplicaID{1, 3})
	r.currentTerm = 3
	// Follower holds three entries at term 2 (indices 1-3); the leader's
	// entry at index 3 is at term 3.
	for i := uint64(1); i <= 3; i++ {
		r.log.append(LogEntry{Index: i, Term: 2, Transition: testTransition{id: fmt.Sprintf("e%d", i)}})
	}

	req := AppendEntryRequest{
		FromID:       1,
		Term:         3,
		PrevLogIndex: 3,
		PrevLogTerm:  3, // leader's entry 3 is term 3, follower's is term 2: mismatch
	}
	r.onAppendEntryRequestAsFollower(req)

	resp := cluster.outbox[1][0].AppendEntryResponse
	if resp == nil || resp.Success {
		t.Fatalf("expected unsuccessful response, got %+v", resp)
	}
	if resp.MismatchIndex == nil {
		t.Fatal("expected MismatchIndex to be set")
	}
	if *resp.MismatchIndex != req.PrevLogIndex {
		t.Errorf("MismatchIndex = %d, want %d (echoes PrevLogIndex)", *resp.MismatchIndex, req.PrevLogIndex)
	}
}

// TestStaleAppendEntryResponseDiscarded covers the §4.3 staleness guard: a
// delayed success:false response whose MismatchIndex is no lower than the
// leader's current next_index belief must not move next_index backward.
func TestStaleAppendEntryResponseDiscarded(t *testing.T) {
	r, _, _ := newTestReplica(1, []ReplicaID{2})
	r.currentTerm = 1
	r.nextIndex[2] = 10

	mismatch := uint64(12)
	r.onAppendEntryResponseAsLeader(AppendEntryResponse{
		FromID: 2, Term: 1, Success: false, LastIndex: 11, MismatchIndex: &mismatch,
	})

	if r.nextIndex[2] != 10 {
		t.Fatalf("nextIndex[2] = %d, want 10 (stale mismatch_index must be discarded)", r.nextIndex[2])
	}
}

// TestAppendEntryResponseMismatchClampedToLastIndexPlusOne covers the
// min(mismatch_index, last_index+1) clamp in the §4.3 repair-jump rule.
func TestAppendEntryResponseMismatchClampedToLastIndexPlusOne(t *testing.T) {
	r, _, _ := newTestReplica(1, []ReplicaID{2})
	r.currentTerm = 1
	r.nextIndex[2] = 6

	mismatch := uint64(5)
	r.onAppendEntryResponseAsLeader(AppendEntryResponse{
		FromID: 2, Term: 1, Success: false, LastIndex: 3, MismatchIndex: &mismatch,
	})

	if r.nextIndex[2] != 4 {
		t.Fatalf("nextIndex[2] = %d, want 4 (min(mismatch_index=5, last_index+1=4))", r.nextIndex[2])
	}
}

// TestSnapshotTrigger covers the case where, once snapshotDelta newly
// applied entries accumulate past the last snapshot, applyReadyEntries
// triggers CreateSnapshot and compacts the log prefix it subsumes.
func TestSnapshotTrigger(t *testing.T) {
	r, _, sm := newTestReplica(1, nil)
	r.snapshotDelta = 2
	r.currentTerm = 1
	for i := uint64(1); i <= 3; i++ {
		r.log.append(LogEntry{Index: i, Term: 1, Transition: testTransition{id: fmt.Sprintf("e%d", i)}})
	}
	r.commitIndex = 3

	r.applyReadyEntries()

	if len(sm.applied) != 3 {
		t.Fatalf("applied %d transitions, want 3", len(sm.applied))
	}
	if r.snapshot == nil {
		t.Fatal("expected a snapshot to have been taken")
	}
	if r.snapshot.LastIncludedIndex != 3 {
		t.Errorf("snapshot.LastIncludedIndex = %d, want 3", r.snapshot.LastIncludedIndex)
	}
	if r.log.offsetFloor() != 3 {
		t.Errorf("log offset = %d after compaction, want 3", r.log.offsetFloor())
	}
}

// TestInstallSnapshotClosesGap exercises the InstallSnapshot
// message: a follower whose log has fallen behind a leader's retained
// prefix adopts the snapshot wholesale instead of being handed entries
// the leader no longer has.
func TestInstallSnapshotClosesGap(t *testing.T) {
	r, cluster, sm := newTestReplica(2, []ReplicaID{1, 3})

	req := InstallSnapshotRequest{
		FromID:            1,
		Term:              1,
		LastIncludedIndex: 10,
		LastIncludedTerm:  1,
		State:             []byte("state@10"),
	}
	r.processMessage(Message{InstallSnapshotReq: &req})

	if sm.snapshot == nil || sm.snapshot.LastIncludedIndex != 10 {
		t.Fatalf("state machine snapshot not restored: %+v", sm.snapshot)
	}
	if r.log.lastIndex() != 10 || r.log.lastTerm() != 1 {
		t.Fatalf("log not advanced to snapshot boundary: lastIndex=%d lastTerm=%d", r.log.lastIndex(), r.log.lastTerm())
	}
	if r.commitIndex != 10 || r.lastApplied != 10 {
		t.Fatalf("commitIndex/lastApplied not advanced: %d/%d", r.commitIndex, r.lastApplied)
	}
	resp := cluster.outbox[1][0].InstallSnapshotResp
	if resp == nil || resp.LastIncludedIndex != 10 {
		t.Fatalf("unexpected InstallSnapshotResponse: %+v", resp)
	}
}

// TestNewReplicaSeedsFromRecoveredState covers the restart path: a caller
// that recovered term/vote/log from its own durable storage hands it back
// through Config.Initial*, and the fresh replica picks up exactly where the
// old one left off — including what the quiescent accessors then report.
func TestNewReplicaSeedsFromRecoveredState(t *testing.T) {
	votedFor := ReplicaID(3)
	entries := []LogEntry{
		{Index: 1, Term: 1, Transition: testTransition{id: "a"}},
		{Index: 2, Term: 2, Transition: testTransition{id: "b"}},
	}
	cluster := newFakeCluster()
	r := NewReplica(Config{
		ID:              1,
		PeerIDs:         []ReplicaID{2, 3},
		NoopTransition:  testTransition{id: "noop"},
		Logger:          newTestLogger(),
		InitialTerm:     2,
		InitialVotedFor: &votedFor,
		InitialEntries:  entries,
	}, cluster, newFakeStateMachine(), newFakeTicker(), newFakeDeadline())

	if r.CurrentTerm() != 2 {
		t.Errorf("CurrentTerm() = %d, want 2", r.CurrentTerm())
	}
	if got := r.VotedFor(); got == nil || *got != votedFor {
		t.Errorf("VotedFor() = %v, want %d", got, votedFor)
	}
	if r.log.lastIndex() != 2 || r.log.lastTerm() != 2 {
		t.Errorf("log tail = (%d, %d), want (2, 2)", r.log.lastIndex(), r.log.lastTerm())
	}

	got := r.RetainedEntries()
	if len(got) != 2 || got[0].Transition.ID() != "a" || got[1].Transition.ID() != "b" {
		t.Fatalf("RetainedEntries() = %+v, want the two seeded entries back", got)
	}
	// The returned slice is a copy, not a view into the live log.
	got[0].Term = 99
	if term, _ := r.log.termAt(1); term != 1 {
		t.Error("mutating RetainedEntries' result leaked into the log")
	}
}

func TestFatalOnMissingCommittedEntry(t *testing.T) {
	r, _, _ := newTestReplica(1, nil)
	// commitIndex advanced past what the log actually retains — a
	// collaborator contract violation (the cluster handed us a commit
	// index for an entry we were never given).
	r.commitIndex = 5

	r.applyReadyEntries()

	if r.Err() == nil {
		t.Fatal("expected a fatal error")
	}
}
