// Package gobrpc is a networked raft.Cluster: every AppendEntryRequest,
// VoteRequest, InstallSnapshotRequest and their responses travel as
// encoding/gob frames over a pooled, long-lived TCP connection per peer,
// mirroring the connection-pool-and-gob-framing pattern of this project's
// earlier RPC client/server (net.Conn per target, torn down and redialed
// on the first encode/decode error rather than retried in place).
package gobrpc

import (
	"encoding/gob"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lindenlab/raftcore/pkg/cluster"
	"github.com/lindenlab/raftcore/pkg/raft"
)

// Transport is a raft.Cluster backed by real TCP connections. One Transport
// serves exactly one local replica; peers are looked up by ID through a
// cluster.Registry.
type Transport struct {
	self     raft.ReplicaID
	registry *cluster.Registry
	logger   *log.Logger
	timeout  time.Duration

	listener net.Listener

	connMu sync.Mutex
	conns  map[raft.ReplicaID]net.Conn

	inboxMu sync.Mutex
	inbox   []raft.Message
	notify  chan struct{}

	leaderMu sync.RWMutex
	leader   *raft.ReplicaID

	halted atomic.Bool
	closed atomic.Bool
}

// New binds a listener on self's registered address and starts accepting
// peer connections. The caller must eventually call Close.
func New(self raft.ReplicaID, registry *cluster.Registry, logger *log.Logger) (*Transport, error) {
	addr, ok := registry.Address(self)
	if !ok {
		return nil, fmt.Errorf("gobrpc: no address registered for replica %d", self)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gobrpc: listen on %s: %w", addr, err)
	}

	t := &Transport{
		self:     self,
		registry: registry,
		logger:   logger,
		timeout:  5 * time.Second,
		listener: listener,
		conns:    make(map[raft.ReplicaID]net.Conn),
		notify:   make(chan struct{}, 1),
	}
	go t.acceptLoop()
	return t, nil
}

// Addr reports the real address the transport's listener is bound to,
// useful in tests where the registry is configured with port 0 and the OS
// assigns the actual port at bind time.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

// NotifyChan returns the channel that fires whenever a message arrives,
// suitable to pass directly as Replica.Run's recvMsg.
func (t *Transport) NotifyChan() <-chan struct{} {
	return t.notify
}

// Close stops accepting connections and tears down every pooled outbound
// connection. It does not itself cause Halt to report true — pair it with
// RequestHalt if the driver loop should also stop.
func (t *Transport) Close() error {
	t.closed.Store(true)
	err := t.listener.Close()

	t.connMu.Lock()
	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
	}
	t.connMu.Unlock()
	return err
}

// RequestHalt makes Halt report true on every subsequent call, so the
// driver's Run loop stops at its next iteration.
func (t *Transport) RequestHalt() {
	t.halted.Store(true)
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.logger.Printf("gobrpc: accept error: %v", err)
			continue
		}
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	for {
		var msg raft.Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		t.inboxMu.Lock()
		t.inbox = append(t.inbox, msg)
		t.inboxMu.Unlock()
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}
}

// --- raft.Cluster ---

// ReceiveMessages implements raft.Cluster.
func (t *Transport) ReceiveMessages() []raft.Message {
	t.inboxMu.Lock()
	defer t.inboxMu.Unlock()
	msgs := t.inbox
	t.inbox = nil
	return msgs
}

// SendMessage implements raft.Cluster. Delivery is best-effort: a dial or
// encode failure is logged and the pooled connection (if any) is dropped
// so the next send redials from scratch.
func (t *Transport) SendMessage(peer raft.ReplicaID, msg raft.Message) {
	conn, err := t.getConn(peer)
	if err != nil {
		t.logger.Printf("gobrpc: replica %d: dial peer %d: %v", t.self, peer, err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(t.timeout))
	if err := gob.NewEncoder(conn).Encode(msg); err != nil {
		t.logger.Printf("gobrpc: replica %d: send to peer %d: %v", t.self, peer, err)
		t.removeConn(peer)
	}
}

// RegisterLeader implements raft.Cluster.
func (t *Transport) RegisterLeader(leader *raft.ReplicaID) {
	t.leaderMu.Lock()
	defer t.leaderMu.Unlock()
	t.leader = leader
}

// Leader reports the most recently registered leader, or nil if none is
// known. Exposed for a surrounding admin/HTTP surface to answer "who do I
// talk to".
func (t *Transport) Leader() *raft.ReplicaID {
	t.leaderMu.RLock()
	defer t.leaderMu.RUnlock()
	return t.leader
}

// Halt implements raft.Cluster.
func (t *Transport) Halt() bool {
	return t.halted.Load()
}

func (t *Transport) getConn(peer raft.ReplicaID) (net.Conn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if conn, ok := t.conns[peer]; ok {
		return conn, nil
	}

	addr, ok := t.registry.Address(peer)
	if !ok {
		return nil, fmt.Errorf("no address registered for replica %d", peer)
	}
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return nil, err
	}
	t.conns[peer] = conn
	return conn, nil
}

func (t *Transport) removeConn(peer raft.ReplicaID) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if conn, ok := t.conns[peer]; ok {
		conn.Close()
		delete(t.conns, peer)
	}
}
