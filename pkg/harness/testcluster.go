package harness

import (
	"fmt"
	"log"
	"time"

	"github.com/lindenlab/raftcore/pkg/kv"
	"github.com/lindenlab/raftcore/pkg/raft"
	"github.com/lindenlab/raftcore/pkg/timing"
)

// TestCluster wires N in-memory Replicas, each backed by a kv.Store and a
// harness.Cluster sharing one Switchboard. There is no WAL per node: every
// store is built with kv.New(nil) and lives in memory only.
type TestCluster struct {
	Board     *Switchboard
	Replicas  []*raft.Replica
	Clusters  []*Cluster
	Stores    []*kv.Store
	tickers   []*timing.HeartbeatTicker
	ids       []raft.ReplicaID
	logger    *log.Logger
}

// Options tunes the election/heartbeat timing every replica in the
// cluster is constructed with. Tests generally want these short and wide
// apart (heartbeat << election) so elections converge quickly without
// flapping; DefaultOptions supplies conservative defaults to pass to
// NewTestCluster.
type Options struct {
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	SnapshotDelta      uint64
}

// DefaultOptions keeps heartbeat well under a tenth of the election
// window so a healthy leader never starves a follower's deadline.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:  20 * time.Millisecond,
		ElectionTimeoutMin: 300 * time.Millisecond,
		ElectionTimeoutMax: 600 * time.Millisecond,
		SnapshotDelta:      0,
	}
}

// NewTestCluster builds size replicas, IDs 0..size-1, all peers of each
// other, sharing one Switchboard.
func NewTestCluster(size int, opts Options) *TestCluster {
	board := NewSwitchboard()
	logger := log.New(log.Writer(), "", 0)

	tc := &TestCluster{
		Board:  board,
		ids:    make([]raft.ReplicaID, size),
		logger: logger,
	}

	for i := 0; i < size; i++ {
		tc.ids[i] = raft.ReplicaID(i)
	}

	for i := 0; i < size; i++ {
		id := tc.ids[i]
		var peers []raft.ReplicaID
		for _, other := range tc.ids {
			if other != id {
				peers = append(peers, other)
			}
		}

		store := kv.New(nil)
		cluster := board.register(id)
		ticker := timing.NewHeartbeatTicker(opts.HeartbeatInterval)
		deadline := timing.NewRandomDeadline(opts.ElectionTimeoutMin, opts.ElectionTimeoutMax)

		cfg := raft.Config{
			ID:             id,
			PeerIDs:        peers,
			NoopTransition: kv.Noop{},
			SnapshotDelta:  opts.SnapshotDelta,
			Logger:         log.New(logger.Writer(), fmt.Sprintf("[replica %d] ", id), 0),
		}
		replica := raft.NewReplica(cfg, cluster, store, ticker, deadline)

		tc.Replicas = append(tc.Replicas, replica)
		tc.Clusters = append(tc.Clusters, cluster)
		tc.Stores = append(tc.Stores, store)
		tc.tickers = append(tc.tickers, ticker)
	}

	return tc
}

// Start launches every replica's driver loop on its own goroutine.
func (tc *TestCluster) Start() {
	for i, replica := range tc.Replicas {
		replica := replica
		cluster := tc.Clusters[i]
		store := tc.Stores[i]
		go replica.Run(cluster.NotifyChan(), store.Notify())
	}
}

// Stop halts every replica and releases its heartbeat ticker.
func (tc *TestCluster) Stop() {
	for _, c := range tc.Clusters {
		c.RequestHalt()
	}
	for _, t := range tc.tickers {
		t.Stop()
	}
}

// Leader returns the replica ID every Cluster currently agrees is leader,
// or (0, false) if there is no agreement or no leader known at all.
func (tc *TestCluster) Leader() (raft.ReplicaID, bool) {
	var found *raft.ReplicaID
	for _, c := range tc.Clusters {
		l := c.Leader()
		if l == nil {
			continue
		}
		if found == nil {
			found = l
		} else if *found != *l {
			return 0, false
		}
	}
	if found == nil {
		return 0, false
	}
	return *found, true
}

// WaitForLeader polls until Leader reports agreement, or timeout elapses.
// Partitioned replicas are not excluded: their Clusters take part in the
// agreement like any other.
func (tc *TestCluster) WaitForLeader(timeout time.Duration) (raft.ReplicaID, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if id, ok := tc.Leader(); ok {
			return id, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0, fmt.Errorf("harness: no leader elected within %s", timeout)
}

// WaitForStableLeader waits for a leader and requires it to remain the
// agreed leader for a further stabilization window before returning,
// expressed as a held duration rather than a fixed check count.
func (tc *TestCluster) WaitForStableLeader(timeout time.Duration) (raft.ReplicaID, error) {
	const stableFor = 150 * time.Millisecond
	deadline := time.Now().Add(timeout)
	var candidate raft.ReplicaID
	var candidateSince time.Time
	haveCandidate := false

	for time.Now().Before(deadline) {
		id, ok := tc.Leader()
		switch {
		case !ok:
			haveCandidate = false
		case !haveCandidate || id != candidate:
			candidate, candidateSince, haveCandidate = id, time.Now(), true
		case time.Since(candidateSince) >= stableFor:
			return candidate, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0, fmt.Errorf("harness: no stable leader within %s", timeout)
}

// PartitionLeader isolates the current leader (if any) from the rest of
// the cluster and returns its ID.
func (tc *TestCluster) PartitionLeader() (raft.ReplicaID, bool) {
	id, ok := tc.Leader()
	if !ok {
		return 0, false
	}
	tc.Board.Partition(id)
	return id, true
}

// HealPartition clears every partition in the cluster's switchboard.
func (tc *TestCluster) HealPartition() {
	tc.Board.HealAll()
}

// SubmitAndWait submits cmdType/key/value to the current leader's store
// and polls StateOf until the transition reaches Applied or timeout
// elapses, retrying against whatever replica is leader if leadership
// changes mid-flight around a possibly-stale leader handle.
func (tc *TestCluster) SubmitAndWait(cmdType kv.CommandType, key string, value []byte, clientID string, requestID uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leaderID, ok := tc.Leader()
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		store := tc.Stores[leaderID]
		id := store.Submit(cmdType, key, value, clientID, requestID)

		for time.Now().Before(deadline) {
			if state, ok := store.StateOf(id); ok && state == raft.Applied {
				return nil
			}
			if newLeader, ok := tc.Leader(); !ok || newLeader != leaderID {
				break // leadership moved; resubmit against the new leader
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return fmt.Errorf("harness: timed out submitting %s %s", cmdType, key)
}
