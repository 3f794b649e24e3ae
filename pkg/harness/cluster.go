// Package harness provides an in-memory test cluster for pkg/raft: a
// raft.Cluster that delivers messages in process instead of over a real
// socket, with a partition/heal vocabulary for isolating replicas, plus
// safety-invariant checks over everything it observes. It exists purely to drive and observe a
// cluster of Replicas from a single test process.
//
// The in-memory delivery model (per-edge partition/heal) and the
// drop-rate/delay injection are always used together in this repository's
// tests, so they live in one cohesive package rather than two half-used
// ones (see DESIGN.md).
package harness

import (
	"math/rand"
	"sync"
	"time"

	"github.com/lindenlab/raftcore/pkg/raft"
)

// Switchboard is the shared delivery fabric every per-replica Cluster in a
// TestCluster plugs into. It owns the partition matrix and optional
// drop/delay injection; individual Cluster values only know their own
// inbox.
type Switchboard struct {
	mu         sync.Mutex
	partitions map[raft.ReplicaID]map[raft.ReplicaID]bool
	dropRate   float64
	minDelay   time.Duration
	maxDelay   time.Duration
	rng        *rand.Rand

	clusters map[raft.ReplicaID]*Cluster
}

// NewSwitchboard creates an empty switchboard with no partitions and no
// injected loss or delay. Use SetDropRate/SetDelay to add either.
func NewSwitchboard() *Switchboard {
	return &Switchboard{
		partitions: make(map[raft.ReplicaID]map[raft.ReplicaID]bool),
		clusters:   make(map[raft.ReplicaID]*Cluster),
		rng:        rand.New(rand.NewSource(1)),
	}
}

// SetDropRate configures the fraction (0..1) of otherwise-deliverable
// messages silently dropped, matching the no-delivery-guarantee contract
// a real network gives Raft.
func (s *Switchboard) SetDropRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropRate = rate
}

// SetDelay configures a uniform random delivery delay in [min, max).
func (s *Switchboard) SetDelay(min, max time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minDelay, s.maxDelay = min, max
}

// register creates and attaches a Cluster for id, to be wired into a
// raft.Replica as its Cluster collaborator.
func (s *Switchboard) register(id raft.ReplicaID) *Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Cluster{id: id, board: s, notify: make(chan struct{}, 1)}
	s.clusters[id] = c
	s.partitions[id] = make(map[raft.ReplicaID]bool)
	return c
}

// Partition isolates id from every other registered replica in both
// directions.
func (s *Switchboard) Partition(id raft.ReplicaID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for other := range s.clusters {
		if other == id {
			continue
		}
		s.partitions[id][other] = true
		s.partitions[other][id] = true
	}
}

// Heal restores every connection to and from id.
func (s *Switchboard) Heal(id raft.ReplicaID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[id] = make(map[raft.ReplicaID]bool)
	for other := range s.partitions {
		delete(s.partitions[other], id)
	}
}

// HealAll clears every partition in the switchboard.
func (s *Switchboard) HealAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.partitions {
		s.partitions[id] = make(map[raft.ReplicaID]bool)
	}
}

func (s *Switchboard) connected(from, to raft.ReplicaID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.partitions[from][to]
}

func (s *Switchboard) deliveryDelay() (drop bool, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropRate > 0 && s.rng.Float64() < s.dropRate {
		return true, 0
	}
	if s.maxDelay > s.minDelay {
		return false, s.minDelay + time.Duration(s.rng.Int63n(int64(s.maxDelay-s.minDelay)))
	}
	return false, s.minDelay
}

func (s *Switchboard) deliver(to raft.ReplicaID, msg raft.Message) {
	s.mu.Lock()
	target, ok := s.clusters[to]
	s.mu.Unlock()
	if !ok {
		return
	}
	target.inboxMu.Lock()
	target.inbox = append(target.inbox, msg)
	target.inboxMu.Unlock()
	select {
	case target.notify <- struct{}{}:
	default:
	}
}

// Cluster is a raft.Cluster backed by a Switchboard: SendMessage hands
// off to the board (which applies partition/drop/delay rules and
// delivers, after the configured delay if any), ReceiveMessages drains
// this replica's inbox.
type Cluster struct {
	id    raft.ReplicaID
	board *Switchboard

	inboxMu sync.Mutex
	inbox   []raft.Message
	notify  chan struct{}

	leaderMu sync.RWMutex
	leader   *raft.ReplicaID

	halted bool
	haltMu sync.Mutex
}

// NotifyChan fires whenever a message is delivered, suitable to pass as
// Replica.Run's recvMsg.
func (c *Cluster) NotifyChan() <-chan struct{} {
	return c.notify
}

// ReceiveMessages implements raft.Cluster.
func (c *Cluster) ReceiveMessages() []raft.Message {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	msgs := c.inbox
	c.inbox = nil
	return msgs
}

// SendMessage implements raft.Cluster: delivers to peer unless the
// switchboard's partition matrix or drop rate says otherwise — at once
// when no delay is configured, otherwise from a timer after the delay.
func (c *Cluster) SendMessage(peer raft.ReplicaID, msg raft.Message) {
	if !c.board.connected(c.id, peer) {
		return
	}
	drop, delay := c.board.deliveryDelay()
	if drop {
		return
	}
	if delay <= 0 {
		c.board.deliver(peer, msg)
		return
	}
	time.AfterFunc(delay, func() { c.board.deliver(peer, msg) })
}

// RegisterLeader implements raft.Cluster.
func (c *Cluster) RegisterLeader(leader *raft.ReplicaID) {
	c.leaderMu.Lock()
	defer c.leaderMu.Unlock()
	c.leader = leader
}

// Leader reports the most recently registered leader.
func (c *Cluster) Leader() *raft.ReplicaID {
	c.leaderMu.RLock()
	defer c.leaderMu.RUnlock()
	return c.leader
}

// Halt implements raft.Cluster.
func (c *Cluster) Halt() bool {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	return c.halted
}

// RequestHalt makes Halt report true from the next check onward.
func (c *Cluster) RequestHalt() {
	c.haltMu.Lock()
	c.halted = true
	c.haltMu.Unlock()
}
