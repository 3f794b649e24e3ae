package gobrpc_test

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/lindenlab/raftcore/pkg/cluster"
	"github.com/lindenlab/raftcore/pkg/raft"
	"github.com/lindenlab/raftcore/pkg/transport/gobrpc"
)

func newTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitNotify(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notify")
	}
}

// newLoopbackPair binds two transports on OS-assigned ports, then rebuilds
// them a second time against a registry carrying their real addresses so
// each can dial the other.
func newLoopbackPair(t *testing.T) (*gobrpc.Transport, *gobrpc.Transport) {
	t.Helper()

	probe1, err := gobrpc.New(1, cluster.NewRegistry(map[raft.ReplicaID]string{1: "127.0.0.1:0"}), newTestLogger())
	if err != nil {
		t.Fatalf("probe New(1): %v", err)
	}
	addr1 := probe1.Addr()
	probe1.Close()

	probe2, err := gobrpc.New(2, cluster.NewRegistry(map[raft.ReplicaID]string{2: "127.0.0.1:0"}), newTestLogger())
	if err != nil {
		t.Fatalf("probe New(2): %v", err)
	}
	addr2 := probe2.Addr()
	probe2.Close()

	reg := cluster.NewRegistry(map[raft.ReplicaID]string{1: addr1, 2: addr2})

	a, err := gobrpc.New(1, reg, newTestLogger())
	if err != nil {
		t.Fatalf("New(1): %v", err)
	}
	b, err := gobrpc.New(2, reg, newTestLogger())
	if err != nil {
		a.Close()
		t.Fatalf("New(2): %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestTransportSendReceiveRoundTrip(t *testing.T) {
	a, b := newLoopbackPair(t)

	term := raft.Term(3)
	a.SendMessage(2, raft.Message{VoteRequest: &raft.VoteRequest{
		FromID: 1, Term: term, LastLogIndex: 0, LastLogTerm: 0,
	}})

	waitNotify(t, b.NotifyChan())
	msgs := b.ReceiveMessages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].VoteRequest == nil || msgs[0].VoteRequest.Term != term {
		t.Errorf("got %+v, want VoteRequest at term %d", msgs[0], term)
	}

	// A second drain sees nothing new.
	if msgs := b.ReceiveMessages(); len(msgs) != 0 {
		t.Errorf("got %d messages on second drain, want 0", len(msgs))
	}
}

func TestTransportHaltAndLeader(t *testing.T) {
	reg := cluster.NewRegistry(map[raft.ReplicaID]string{1: "127.0.0.1:0"})
	tr, err := gobrpc.New(1, reg, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	if tr.Halt() {
		t.Fatal("Halt() should start false")
	}
	tr.RequestHalt()
	if !tr.Halt() {
		t.Error("Halt() should be true after RequestHalt")
	}

	if tr.Leader() != nil {
		t.Fatal("Leader() should start nil")
	}
	leader := raft.ReplicaID(1)
	tr.RegisterLeader(&leader)
	if got := tr.Leader(); got == nil || *got != leader {
		t.Errorf("Leader() = %v, want %d", got, leader)
	}
}
