package raft

import (
	"fmt"
	"log"
	"time"
)

// Config carries the construction-time parameters for a Replica. There is
// no DefaultConfig: every field here is cluster topology or tuning that the
// caller must decide, unlike the collaborators (Cluster, StateMachine,
// Ticker, Deadline) which are passed to NewReplica directly.
type Config struct {
	// ID is this replica's identity. Must be one of PeerIDs' complement —
	// PeerIDs lists every OTHER replica in the cluster, not including ID.
	ID ReplicaID

	// PeerIDs lists every other replica in the cluster.
	PeerIDs []ReplicaID

	// NoopTransition is appended to the log (without going through the
	// StateMachine's pending-transition queue) whenever this replica
	// becomes leader; ApplyTransition must treat it as a
	// harmless idempotent no-op.
	NoopTransition Transition

	// SnapshotDelta is the number of newly-applied entries that triggers a
	// snapshot. Zero disables automatic snapshotting.
	SnapshotDelta uint64

	// Logger receives the replica's diagnostic output. Required; pass
	// log.New(io.Discard, "", 0) to silence it.
	Logger *log.Logger

	// InitialTerm, InitialVotedFor, and InitialEntries seed a freshly
	// constructed Replica from state a surrounding process recovered from
	// its own durable storage (see pkg/wal.PersistentState). The core
	// itself never persists or reads this state; it only trusts whatever
	// the caller hands it here, same as it trusts StateMachine.LoadSnapshot
	// for snapshot recovery. InitialEntries must be contiguous starting
	// immediately after the log implied by LoadSnapshot (index 0, or the
	// snapshot's LastIncludedIndex+1 if a snapshot was also loaded); zero
	// value (no entries, term 0, nil votedFor) is a replica with no prior
	// history, the common case in tests.
	InitialTerm     Term
	InitialVotedFor *ReplicaID
	InitialEntries  []LogEntry
}

// Replica is a single node's Raft role state machine. It owns no goroutines
// and no internal mutex: Run is the only entry point, it is not safe to
// call concurrently with itself, and every collaborator call happens
// synchronously from that one goroutine.
type Replica struct {
	id      ReplicaID
	peerIDs []ReplicaID

	cluster      Cluster
	stateMachine StateMachine
	ticker       Ticker
	deadline     Deadline
	logger       *log.Logger

	noop          Transition
	snapshotDelta uint64

	role        Role
	currentTerm Term
	votedFor    *ReplicaID
	votes       map[ReplicaID]struct{}

	log *raftLog

	commitIndex uint64
	lastApplied uint64

	// nextIndex/matchIndex are meaningful only while role == Leader, and
	// are rebuilt fresh every time this replica becomes leader.
	nextIndex  map[ReplicaID]uint64
	matchIndex map[ReplicaID]uint64

	snapshot          *Snapshot
	lastSnapshotIndex uint64

	// fatalErr is set once and only once, by fatalf, on an unrecoverable
	// collaborator contract violation. Run stops as soon as
	// it is non-nil; Err reports it to the caller.
	fatalErr error
}

// Err returns the fatal collaborator-contract-violation error that ended
// Run, if Run stopped for that reason rather than because the cluster
// reported halt.
func (r *Replica) Err() error {
	return r.fatalErr
}

// CurrentTerm reports the replica's term. Like VotedFor and
// RetainedEntries, it is unsynchronized with the driver goroutine: call it
// only before Run starts or after Run has returned, e.g. when a
// surrounding process persists state across a graceful restart.
func (r *Replica) CurrentTerm() Term {
	return r.currentTerm
}

// VotedFor reports the replica this one granted its vote to in the current
// term, or nil. Same synchronization caveat as CurrentTerm.
func (r *Replica) VotedFor() *ReplicaID {
	if r.votedFor == nil {
		return nil
	}
	v := *r.votedFor
	return &v
}

// RetainedEntries returns a copy of every log entry after the snapshot
// boundary (or the index-0 sentinel), in order — exactly what a restarted
// process hands back via Config.InitialEntries alongside the snapshot its
// StateMachine reloads. Same synchronization caveat as CurrentTerm.
func (r *Replica) RetainedEntries() []LogEntry {
	return r.log.entriesFrom(r.log.offsetFloor() + 1)
}

// NewReplica constructs a Replica at Follower, seeded from
// stateMachine.LoadSnapshot and cfg.InitialTerm/InitialVotedFor/
// InitialEntries (term 0 and an empty log when neither supplies anything).
// It does not start the driver loop; call Run for that.
func NewReplica(cfg Config, cluster Cluster, stateMachine StateMachine, ticker Ticker, deadline Deadline) *Replica {
	snap := stateMachine.LoadSnapshot()

	r := &Replica{
		id:            cfg.ID,
		peerIDs:       cfg.PeerIDs,
		cluster:       cluster,
		stateMachine:  stateMachine,
		ticker:        ticker,
		deadline:      deadline,
		logger:        cfg.Logger,
		noop:          cfg.NoopTransition,
		snapshotDelta: cfg.SnapshotDelta,
		role:          Follower,
		currentTerm:   0,
		votes:         make(map[ReplicaID]struct{}),
		log:           newLog(cfg.NoopTransition, snap),
		nextIndex:     make(map[ReplicaID]uint64),
		matchIndex:    make(map[ReplicaID]uint64),
	}
	if snap != nil {
		r.snapshot = snap
		r.commitIndex = snap.LastIncludedIndex
		r.lastApplied = snap.LastIncludedIndex
		r.lastSnapshotIndex = snap.LastIncludedIndex
		r.currentTerm = snap.LastIncludedTerm
	}
	for _, e := range cfg.InitialEntries {
		r.log.append(e)
	}
	if cfg.InitialTerm > r.currentTerm {
		r.currentTerm = cfg.InitialTerm
	}
	r.votedFor = cfg.InitialVotedFor
	r.deadline.Reset()
	return r
}

// Run is the single-threaded cooperative driver loop: while
// the cluster does not report halt, dispatch to the role-specific poll,
// then run applyReadyEntries. recvMsg and recvTransition are waking
// signals owned by the caller (e.g. a transport or test harness) — the
// Replica only drains ReceiveMessages/GetPendingTransitions when signaled,
// it never polls them on a timer. Run also returns early, before Halt is
// ever observed true, if a collaborator contract violation makes further
// progress unsafe — check Err after Run returns to distinguish the two.
func (r *Replica) Run(recvMsg <-chan struct{}, recvTransition <-chan struct{}) {
	for !r.cluster.Halt() && r.fatalErr == nil {
		switch r.role {
		case Leader:
			r.pollAsLeader(recvMsg, recvTransition)
		case Candidate, Follower:
			r.pollAsFollowerOrCandidate(recvMsg)
		}
		r.applyReadyEntries()
	}
}

// pollAsLeader implements three leader suspension points:
// inbound message, pending transition, or heartbeat tick.
func (r *Replica) pollAsLeader(recvMsg <-chan struct{}, recvTransition <-chan struct{}) {
	select {
	case <-recvMsg:
		for _, m := range r.cluster.ReceiveMessages() {
			r.processMessage(m)
		}
	case <-recvTransition:
		r.loadNewTransitions()
		r.broadcastAppendEntries()
	case <-r.ticker.C():
		r.broadcastAppendEntries()
		r.ticker.Renew()
	}
}

// pollAsFollowerOrCandidate implements the follower/candidate suspension
// point: an inbound message, or the absolute election deadline. Pending
// transitions are drained and discarded unconditionally —
// only a Leader proposes. If at least one message was actually received,
// the election deadline is refreshed once here regardless of what any
// individual message turned out to contain (a denied vote or a stale-term
// heartbeat still counts as hearing from the cluster).
func (r *Replica) pollAsFollowerOrCandidate(recvMsg <-chan struct{}) {
	select {
	case <-recvMsg:
		msgs := r.cluster.ReceiveMessages()
		for _, m := range msgs {
			r.processMessage(m)
		}
		if len(msgs) > 0 {
			r.deadline.Reset()
		}
	case <-time.After(time.Until(r.deadline.Next())):
		r.becomeCandidate()
	}
	_ = r.stateMachine.GetPendingTransitions()
}

// loadNewTransitions drains pending transitions from the state machine and
// appends each as a new log entry at the current term, marking it Queued.
// Leader-only: called from pollAsLeader.
func (r *Replica) loadNewTransitions() {
	for _, t := range r.stateMachine.GetPendingTransitions() {
		entry := LogEntry{
			Index:      r.log.lastIndex() + 1,
			Term:       r.currentTerm,
			Transition: t.Clone(),
		}
		r.log.append(entry)
		r.stateMachine.RegisterTransitionState(t.ID(), Queued)
	}
}

// quorumSize is a single definition, floor(N/2)+1 over the full cluster
// including self, used for both election majority and commit-advance
// majority.
func (r *Replica) quorumSize() int {
	n := len(r.peerIDs) + 1
	return n/2 + 1
}

// isUpToDate implements the up-to-date check as a componentwise (index,
// term) comparison, NOT the Raft paper's lexicographic-by-term-then-index
// rule — a known, deliberate divergence, not something to silently "fix".
// The candidate is up to date when both its last index and its last term
// are at least this replica's.
func (r *Replica) isUpToDate(candidateLastIndex uint64, candidateLastTerm Term) bool {
	return candidateLastIndex >= r.log.lastIndex() && candidateLastTerm >= r.log.lastTerm()
}

// becomeFollower transitions to Follower at term, clearing vote state.
// Any message carrying a term strictly greater than current_term forces
// this transition before role-specific handling runs.
func (r *Replica) becomeFollower(term Term) {
	r.logger.Printf("raft: replica %d becoming follower at term %d (was %s at term %d)", r.id, term, r.role, r.currentTerm)
	r.role = Follower
	r.currentTerm = term
	r.votedFor = nil
	r.votes = make(map[ReplicaID]struct{})
	r.deadline.Reset()
	r.cluster.RegisterLeader(nil)
}

// becomeCandidate starts a new election: increments the term, votes for
// self, and broadcasts VoteRequest to every peer.
func (r *Replica) becomeCandidate() {
	r.currentTerm++
	r.role = Candidate
	r.votedFor = &r.id
	r.votes = map[ReplicaID]struct{}{r.id: {}}
	r.cluster.RegisterLeader(nil)
	r.deadline.Reset()
	r.logger.Printf("raft: replica %d becoming candidate at term %d", r.id, r.currentTerm)

	if r.quorumSize() == 1 {
		r.becomeLeader()
		return
	}

	req := VoteRequest{
		FromID:       r.id,
		Term:         r.currentTerm,
		LastLogIndex: r.log.lastIndex(),
		LastLogTerm:  r.log.lastTerm(),
	}
	for _, peer := range r.peerIDs {
		r.cluster.SendMessage(peer, Message{VoteRequest: &req})
	}
}

// becomeLeader transitions to Leader: reinitializes next/match index,
// appends a no-op entry for the new term (so a new leader can advance
// commit_index without waiting on a client transition), and sends an
// immediate heartbeat round.
func (r *Replica) becomeLeader() {
	r.role = Leader
	r.logger.Printf("raft: replica %d becoming leader at term %d", r.id, r.currentTerm)

	last := r.log.lastIndex()
	for _, peer := range r.peerIDs {
		r.nextIndex[peer] = last + 1
		r.matchIndex[peer] = 0
	}
	r.log.append(LogEntry{
		Index:      last + 1,
		Term:       r.currentTerm,
		Transition: r.noop,
	})
	r.cluster.RegisterLeader(&r.id)
	r.broadcastAppendEntries()
}

// processMessage applies blanket term rule before dispatching
// by (possibly just-updated) role: any message whose term is strictly
// greater than current_term forces becomeFollower first. Handlers below
// then only need to deal with term <= current_term.
func (r *Replica) processMessage(msg Message) {
	if t, ok := messageTerm(msg); ok && t > r.currentTerm {
		r.becomeFollower(t)
	}
	switch r.role {
	case Leader:
		r.onMessageAsLeader(msg)
	case Candidate:
		r.onMessageAsCandidate(msg)
	case Follower:
		r.onMessageAsFollower(msg)
	}
}

// messageTerm extracts the Term carried by whichever arm of msg is set.
func messageTerm(msg Message) (Term, bool) {
	switch {
	case msg.AppendEntryRequest != nil:
		return msg.AppendEntryRequest.Term, true
	case msg.AppendEntryResponse != nil:
		return msg.AppendEntryResponse.Term, true
	case msg.VoteRequest != nil:
		return msg.VoteRequest.Term, true
	case msg.VoteResponse != nil:
		return msg.VoteResponse.Term, true
	case msg.InstallSnapshotReq != nil:
		return msg.InstallSnapshotReq.Term, true
	case msg.InstallSnapshotResp != nil:
		return msg.InstallSnapshotResp.Term, true
	default:
		return 0, false
	}
}

// --- Follower-role handling ---

func (r *Replica) onMessageAsFollower(msg Message) {
	switch {
	case msg.VoteRequest != nil:
		r.onVoteRequestAsFollower(*msg.VoteRequest)
	case msg.AppendEntryRequest != nil:
		r.onAppendEntryRequestAsFollower(*msg.AppendEntryRequest)
	case msg.InstallSnapshotReq != nil:
		r.onInstallSnapshotRequestAsFollower(*msg.InstallSnapshotReq)
	default:
		// AppendEntryResponse / VoteResponse / InstallSnapshotResp are
		// replies meant for a Leader or Candidate; a Follower ignores them.
	}
}

func (r *Replica) onVoteRequestAsFollower(req VoteRequest) {
	if req.Term < r.currentTerm {
		r.cluster.SendMessage(req.FromID, Message{VoteResponse: &VoteResponse{
			FromID: r.id, Term: r.currentTerm, VoteGranted: false,
		}})
		return
	}
	grant := (r.votedFor == nil || *r.votedFor == req.FromID) && r.isUpToDate(req.LastLogIndex, req.LastLogTerm)
	if grant {
		r.votedFor = &req.FromID
	}
	r.cluster.SendMessage(req.FromID, Message{VoteResponse: &VoteResponse{
		FromID: r.id, Term: r.currentTerm, VoteGranted: grant,
	}})
}

func (r *Replica) onAppendEntryRequestAsFollower(req AppendEntryRequest) {
	if req.Term < r.currentTerm {
		r.cluster.SendMessage(req.FromID, Message{AppendEntryResponse: &AppendEntryResponse{
			FromID: r.id, Term: r.currentTerm, Success: false, LastIndex: r.log.lastIndex(),
		}})
		return
	}

	r.cluster.RegisterLeader(&req.FromID)

	if req.PrevLogIndex > 0 {
		prevTerm, ok := r.log.termAt(req.PrevLogIndex)
		if !ok || prevTerm != req.PrevLogTerm {
			mismatch := req.PrevLogIndex
			r.cluster.SendMessage(req.FromID, Message{AppendEntryResponse: &AppendEntryResponse{
				FromID: r.id, Term: r.currentTerm, Success: false,
				LastIndex: r.log.lastIndex(), MismatchIndex: &mismatch,
			}})
			return
		}
	}

	for _, e := range req.Entries {
		existingTerm, ok := r.log.termAt(e.Index)
		if ok && existingTerm != e.Term {
			r.log.truncateFrom(e.Index)
			ok = false
		}
		if !ok {
			r.log.append(e)
		}
	}

	if req.CommitIndex > r.commitIndex {
		if last := r.log.lastIndex(); req.CommitIndex < last {
			r.commitIndex = req.CommitIndex
		} else {
			r.commitIndex = last
		}
	}

	r.cluster.SendMessage(req.FromID, Message{AppendEntryResponse: &AppendEntryResponse{
		FromID: r.id, Term: r.currentTerm, Success: true, LastIndex: r.log.lastIndex(),
	}})
}

func (r *Replica) onInstallSnapshotRequestAsFollower(req InstallSnapshotRequest) {
	if req.Term < r.currentTerm {
		r.cluster.SendMessage(req.FromID, Message{InstallSnapshotResp: &InstallSnapshotResponse{
			FromID: r.id, Term: r.currentTerm, LastIncludedIndex: req.LastIncludedIndex,
		}})
		return
	}

	r.cluster.RegisterLeader(&req.FromID)

	snap := Snapshot{LastIncludedIndex: req.LastIncludedIndex, LastIncludedTerm: req.LastIncludedTerm, State: req.State}
	r.stateMachine.RestoreSnapshot(snap)
	r.log.installSnapshot(req.LastIncludedIndex, req.LastIncludedTerm, r.noop)
	r.snapshot = &snap
	r.lastSnapshotIndex = req.LastIncludedIndex
	if req.LastIncludedIndex > r.commitIndex {
		r.commitIndex = req.LastIncludedIndex
	}
	if req.LastIncludedIndex > r.lastApplied {
		r.lastApplied = req.LastIncludedIndex
	}

	r.cluster.SendMessage(req.FromID, Message{InstallSnapshotResp: &InstallSnapshotResponse{
		FromID: r.id, Term: r.currentTerm, LastIncludedIndex: req.LastIncludedIndex,
	}})
}

// --- Candidate-role handling ---

func (r *Replica) onMessageAsCandidate(msg Message) {
	switch {
	case msg.AppendEntryRequest != nil:
		req := *msg.AppendEntryRequest
		if req.Term == r.currentTerm {
			// Another replica already won this term's election; step down
			// and re-process through the follower path.
			r.becomeFollower(req.Term)
			r.onAppendEntryRequestAsFollower(req)
			return
		}
		// req.Term < r.currentTerm, since > was handled by the blanket
		// rule in processMessage before reaching here.
		r.cluster.SendMessage(req.FromID, Message{AppendEntryResponse: &AppendEntryResponse{
			FromID: r.id, Term: r.currentTerm, Success: false, LastIndex: r.log.lastIndex(),
		}})
	case msg.VoteRequest != nil:
		req := *msg.VoteRequest
		r.cluster.SendMessage(req.FromID, Message{VoteResponse: &VoteResponse{
			FromID: r.id, Term: r.currentTerm, VoteGranted: false,
		}})
	case msg.VoteResponse != nil:
		r.onVoteResponseAsCandidate(*msg.VoteResponse)
	default:
		// AppendEntryResponse / InstallSnapshot* don't concern a candidate.
	}
}

func (r *Replica) onVoteResponseAsCandidate(resp VoteResponse) {
	if resp.Term != r.currentTerm || !resp.VoteGranted {
		return
	}
	r.votes[resp.FromID] = struct{}{}
	if len(r.votes) >= r.quorumSize() {
		r.becomeLeader()
	}
}

// --- Leader-role handling ---

func (r *Replica) onMessageAsLeader(msg Message) {
	switch {
	case msg.AppendEntryResponse != nil:
		r.onAppendEntryResponseAsLeader(*msg.AppendEntryResponse)
	case msg.InstallSnapshotResp != nil:
		r.onInstallSnapshotResponseAsLeader(*msg.InstallSnapshotResp)
	default:
		// VoteRequest / AppendEntryRequest / VoteResponse / InstallSnapshotReq
		// at term <= current_term from a peer that doesn't believe this
		// replica is leader yet: ignored, since a role a replica does not
		// expect to receive is simply not acted on.
	}
}

func (r *Replica) onAppendEntryResponseAsLeader(resp AppendEntryResponse) {
	if resp.Term != r.currentTerm {
		return
	}
	if resp.Success {
		if resp.LastIndex > r.matchIndex[resp.FromID] {
			r.matchIndex[resp.FromID] = resp.LastIndex
		}
		r.nextIndex[resp.FromID] = resp.LastIndex + 1
		return
	}
	// A stale or duplicate rejection carries a mismatch_index that is no
	// lower than what this leader already believes next_index to be;
	// discard it rather than letting it move next_index backward.
	if resp.MismatchIndex == nil || *resp.MismatchIndex >= r.nextIndex[resp.FromID] {
		return
	}
	next := *resp.MismatchIndex
	if ceiling := resp.LastIndex + 1; next > ceiling {
		next = ceiling
	}
	if next < 1 {
		next = 1
	}
	r.nextIndex[resp.FromID] = next
}

func (r *Replica) onInstallSnapshotResponseAsLeader(resp InstallSnapshotResponse) {
	if resp.Term != r.currentTerm {
		return
	}
	if resp.LastIncludedIndex > r.matchIndex[resp.FromID] {
		r.matchIndex[resp.FromID] = resp.LastIncludedIndex
	}
	r.nextIndex[resp.FromID] = resp.LastIncludedIndex + 1
}

// broadcastAppendEntries sends every peer either an AppendEntryRequest
// covering everything from its next_index forward, or — when next_index
// has fallen behind what this replica still retains — an
// InstallSnapshotRequest to close the gap.
func (r *Replica) broadcastAppendEntries() {
	for _, peer := range r.peerIDs {
		next := r.nextIndex[peer]
		if next == 0 {
			next = r.log.lastIndex() + 1
		}
		prevIndex := next - 1

		if r.snapshot != nil && prevIndex < r.log.offsetFloor() {
			r.cluster.SendMessage(peer, Message{InstallSnapshotReq: &InstallSnapshotRequest{
				FromID:            r.id,
				Term:              r.currentTerm,
				LastIncludedIndex: r.snapshot.LastIncludedIndex,
				LastIncludedTerm:  r.snapshot.LastIncludedTerm,
				State:             r.snapshot.State,
			}})
			continue
		}

		prevTerm, _ := r.log.termAt(prevIndex)
		r.cluster.SendMessage(peer, Message{AppendEntryRequest: &AppendEntryRequest{
			FromID:       r.id,
			Term:         r.currentTerm,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      r.log.entriesFrom(next),
			CommitIndex:  r.commitIndex,
		}})
	}
}

// applyReadyEntries runs after every poll regardless of role: as Leader,
// first advance commit_index as far as a quorum's match_index and the
// same-term safety rule (Raft §5.4.2) allow; then, regardless of role,
// apply every committed-but-unapplied entry in order and trigger a
// snapshot once snapshotDelta new entries have been applied.
func (r *Replica) applyReadyEntries() {
	if r.role == Leader {
		r.advanceCommitIndex()
	}

	for r.lastApplied < r.commitIndex {
		r.lastApplied++
		entry, ok := r.log.at(r.lastApplied)
		if !ok {
			r.fatalf("applyReadyEntries: committed index %d not retained in log (offset %d)", r.lastApplied, r.log.offset)
			return
		}
		r.stateMachine.ApplyTransition(entry.Transition)
		r.stateMachine.RegisterTransitionState(entry.Transition.ID(), Applied)
	}

	if r.snapshotDelta > 0 && r.lastApplied-r.lastSnapshotIndex >= r.snapshotDelta {
		r.takeSnapshot()
	}
}

// advanceCommitIndex implements Raft §5.4.2's safety rule: a Leader may
// only advance commit_index to N if a quorum's match_index >= N AND the
// entry at N was appended during the Leader's CURRENT term. Entries from
// earlier terms are committed only as a side effect of a later-term entry
// committing.
func (r *Replica) advanceCommitIndex() {
	for n := r.log.lastIndex(); n > r.commitIndex; n-- {
		term, ok := r.log.termAt(n)
		if !ok || term != r.currentTerm {
			continue
		}
		count := 1 // self
		for _, peer := range r.peerIDs {
			if r.matchIndex[peer] >= n {
				count++
			}
		}
		if count >= r.quorumSize() {
			r.markCommitted(r.commitIndex, n)
			r.commitIndex = n
			return
		}
	}
}

// markCommitted registers every transition in (from, to] as Committed, the
// externally-visible state a leader reports once a majority has replicated
// it.
func (r *Replica) markCommitted(from, to uint64) {
	for i := from + 1; i <= to; i++ {
		entry, ok := r.log.at(i)
		if !ok {
			continue
		}
		r.stateMachine.RegisterTransitionState(entry.Transition.ID(), Committed)
	}
}

// takeSnapshot asks the state machine to build a snapshot covering
// everything applied so far, then compacts the log prefix it subsumes.
func (r *Replica) takeSnapshot() {
	term, ok := r.log.termAt(r.lastApplied)
	if !ok {
		return
	}
	snap := r.stateMachine.CreateSnapshot(r.lastApplied, term)
	r.log.compactThrough(r.lastApplied, term, r.noop)
	r.snapshot = &snap
	r.lastSnapshotIndex = r.lastApplied
}

// fatalf reports a collaborator contract violation. These are not
// recoverable at runtime: the replica logs and halts rather than
// continuing on state it cannot trust.
func (r *Replica) fatalf(format string, args ...interface{}) {
	err := fmt.Errorf("%w: %s", ErrCollaboratorContractViolation, fmt.Sprintf(format, args...))
	r.logger.Printf("raft: replica %d fatal: %v", r.id, err)
	r.cluster.RegisterLeader(nil)
	if r.fatalErr == nil {
		r.fatalErr = err
	}
}
