// Command server wires a single Raft replica to a real TCP transport, a
// kv.Store state machine, a WAL-backed snapshot store, a gRPC health
// endpoint, and a small HTTP API — WAL, then state machine, then
// transport, then node, then HTTP API — built on this repository's
// collaborator-interface core rather than a monolithic node type.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lindenlab/raftcore/pkg/cluster"
	rgrpc "github.com/lindenlab/raftcore/pkg/transport/grpc"

	"github.com/lindenlab/raftcore/pkg/kv"
	"github.com/lindenlab/raftcore/pkg/raft"
	"github.com/lindenlab/raftcore/pkg/timing"
	"github.com/lindenlab/raftcore/pkg/transport/gobrpc"
	"github.com/lindenlab/raftcore/pkg/wal"
)

func main() {
	idFlag := flag.Uint64("id", 0, "this replica's ID")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., localhost:8000)")
	healthAddr := flag.String("health", "", "gRPC health listen address (e.g., localhost:9000)")
	peers := flag.String("peers", "", "comma-separated id=addr list for every replica, including self (e.g., 0=localhost:7000,1=localhost:7001)")
	walDir := flag.String("wal", "", "WAL directory path")
	snapshotDelta := flag.Uint64("snapshot-delta", 1000, "applied-entry count that triggers a snapshot (0 disables)")
	flag.Parse()

	if *httpAddr == "" || *peers == "" {
		flag.Usage()
		os.Exit(1)
	}
	self := raft.ReplicaID(*idFlag)

	addresses, err := parsePeers(*peers)
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	registry := cluster.NewRegistry(addresses)
	if _, ok := registry.Address(self); !ok {
		log.Fatalf("server: replica %d has no address in -peers", self)
	}

	if *walDir == "" {
		*walDir = fmt.Sprintf("/tmp/raftcore-wal-%d", self)
	}
	w, err := wal.New(*walDir)
	if err != nil {
		log.Fatalf("server: create WAL at %s: %v", *walDir, err)
	}
	store := kv.New(w)
	persisted, err := w.LoadPersistentState()
	if err != nil {
		log.Fatalf("server: load persistent state: %v", err)
	}

	logger := log.New(os.Stderr, fmt.Sprintf("[replica %d] ", self), log.LstdFlags)

	transport, err := gobrpc.New(self, registry, logger)
	if err != nil {
		log.Fatalf("server: start transport: %v", err)
	}
	defer transport.Close()

	var health *rgrpc.Server
	if *healthAddr != "" {
		health, err = rgrpc.NewServer(*healthAddr, logger)
		if err != nil {
			log.Fatalf("server: start health server: %v", err)
		}
		go func() {
			if err := health.Start(); err != nil {
				logger.Printf("health server stopped: %v", err)
			}
		}()
		defer health.Stop()
	}

	cfg := raft.Config{
		ID:             self,
		PeerIDs:        registry.PeerIDs(self),
		NoopTransition: kv.Noop{},
		SnapshotDelta:  *snapshotDelta,
		Logger:         logger,
	}
	if persisted != nil {
		cfg.InitialTerm = persisted.CurrentTerm
		cfg.InitialVotedFor = persisted.VotedFor
		cfg.InitialEntries = persisted.Entries
		// A crash after a snapshot but before the next graceful state save
		// leaves the persisted log tail behind the snapshot boundary; only
		// replay entries that still line up contiguously past it.
		if snap, err := w.LoadSnapshot(); err == nil && snap != nil {
			cfg.InitialEntries = entriesAfter(persisted.Entries, snap.Metadata.LastIncludedIndex)
		}
		logger.Printf("recovered persistent state: term %d, %d log entries", cfg.InitialTerm, len(cfg.InitialEntries))
	}
	ticker := timing.NewHeartbeatTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := timing.NewRandomDeadline(500*time.Millisecond, 1000*time.Millisecond)

	replica := raft.NewReplica(cfg, transport, store, ticker, deadline)

	runDone := make(chan struct{})
	go func() {
		replica.Run(transport.NotifyChan(), store.Notify())
		close(runDone)
	}()
	if health != nil {
		health.SetServing(true)
	}

	apiServer := &http.Server{Addr: *httpAddr, Handler: newHandler(self, store, transport)}
	go func() {
		logger.Printf("HTTP API listening on %s", *httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Println("shutting down")
	case <-runDone:
		logger.Printf("replica stopped: %v", replica.Err())
		if health != nil {
			health.SetServing(false)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiServer.Shutdown(ctx)
	transport.RequestHalt()
	<-runDone

	// Run has returned, so the replica's state is quiescent and safe to
	// read. Persist term/vote and the retained log suffix so the next start
	// resumes where this one left off (snapshot bytes were already saved by
	// the store as they were taken).
	state := wal.PersistentState{
		CurrentTerm: replica.CurrentTerm(),
		VotedFor:    replica.VotedFor(),
		Entries:     replica.RetainedEntries(),
	}
	if err := w.SavePersistentState(state); err != nil {
		logger.Printf("persist state on shutdown: %v", err)
	}
}

// entriesAfter returns the suffix of entries that starts exactly at
// boundary+1, or nil when no such contiguous suffix exists (the snapshot
// then supersedes everything that was persisted).
func entriesAfter(entries []raft.LogEntry, boundary uint64) []raft.LogEntry {
	for i, e := range entries {
		if e.Index == boundary+1 {
			return entries[i:]
		}
	}
	return nil
}

func parsePeers(spec string) (map[raft.ReplicaID]string, error) {
	addresses := make(map[raft.ReplicaID]string)
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed -peers entry %q, want id=addr", entry)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed replica ID in %q: %w", entry, err)
		}
		addresses[raft.ReplicaID(id)] = parts[1]
	}
	return addresses, nil
}

// handler is the demo HTTP surface over a kv.Store: GET/PUT/POST/DELETE
// /kv/{key}, and /status for the replica's known leader. Folded directly
// into cmd/server rather than kept as a separate pkg/api, since its one
// real method (accepting a write only on the leader and naming the known
// leader otherwise) doesn't generalize to anything pkg/raft needs elsewhere.
type handler struct {
	self      raft.ReplicaID
	store     *kv.Store
	transport *gobrpc.Transport
	mux       *http.ServeMux
}

func newHandler(self raft.ReplicaID, store *kv.Store, transport *gobrpc.Transport) *handler {
	h := &handler{self: self, store: store, transport: transport, mux: http.NewServeMux()}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := h.store.Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value    string `json:"value"`
			ClientID string `json:"client_id"`
			Request  uint64 `json:"request_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		h.submitAndRespond(w, kv.CommandSet, key, []byte(req.Value), req.ClientID, req.Request)

	case http.MethodDelete:
		h.submitAndRespond(w, kv.CommandDelete, key, nil, r.Header.Get("X-Client-Id"), 0)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// submitAndRespond queues a command and polls StateOf for a bounded time.
// A 503 response naming the known leader (if any) is returned when this
// replica doesn't believe itself to be leader, since only a leader's Submit ever gets
// replicated (followers discard pending transitions).
func (h *handler) submitAndRespond(w http.ResponseWriter, cmdType kv.CommandType, key string, value []byte, clientID string, requestID uint64) {
	leader := h.transport.Leader()
	if leader == nil || *leader != h.self {
		h.respondNotLeader(w, leader)
		return
	}

	id := h.store.Submit(cmdType, key, value, clientID, requestID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if state, ok := h.store.StateOf(id); ok && state == raft.Applied {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		select {
		case <-ctx.Done():
			http.Error(w, "request timeout", http.StatusGatewayTimeout)
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (h *handler) respondNotLeader(w http.ResponseWriter, leader *raft.ReplicaID) {
	body := map[string]interface{}{"error": "not leader"}
	if leader != nil {
		body["leader_id"] = *leader
	}
	writeJSON(w, http.StatusServiceUnavailable, body)
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	leader := h.transport.Leader()
	status := map[string]interface{}{
		"id":        h.self,
		"is_leader": leader != nil && *leader == h.self,
	}
	if leader != nil {
		status["leader_id"] = *leader
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
