// Package kv is a demo StateMachine: an in-memory key-value store whose
// mutations are Raft transitions, replicated and applied the way
// pkg/raft's Replica drives any StateMachine.
package kv

import (
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lindenlab/raftcore/pkg/raft"
	"github.com/lindenlab/raftcore/pkg/wal"
)

func init() {
	// Command and Noop travel as raft.Transition interface values inside
	// raft.LogEntry whenever a gobrpc transport ships AppendEntryRequest
	// over the wire (every new leader's first entry is a Noop); gob
	// requires the concrete types registered up front.
	gob.Register(Command{})
	gob.Register(Noop{})
}

// CommandType distinguishes the two mutations this store supports.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

func (t CommandType) String() string {
	switch t {
	case CommandSet:
		return "Set"
	case CommandDelete:
		return "Delete"
	default:
		return fmt.Sprintf("CommandType(%d)", int(t))
	}
}

// Command is the raft.Transition every Set/Delete request becomes once
// Submit queues it. TransitionID is a fresh UUID assigned at submission
// time and exists purely for the Queued/Committed/Applied lifecycle
// hooks raft.StateMachine exposes — it plays no part in client-request
// deduplication, which is keyed on (ClientID, RequestID) instead (see
// ClientSession), since a client legitimately resubmitting the same
// logical request after a timeout should dedupe even though it gets a
// new TransitionID each time.
type Command struct {
	TransitionID string
	Type         CommandType
	Key          string
	Value        []byte
	ClientID     string
	RequestID    uint64
}

// ID implements raft.Transition.
func (c Command) ID() string { return c.TransitionID }

// Clone implements raft.Transition.
func (c Command) Clone() raft.Transition {
	clone := c
	clone.Value = append([]byte(nil), c.Value...)
	return clone
}

// Noop is the raft.Transition a replica's Config.NoopTransition should be
// set to when this Store is its StateMachine. ApplyTransition only acts on
// the Command type, so Noop falls through as an inert application by
// construction — repeated application of it is always semantically
// neutral.
type Noop struct{}

// ID implements raft.Transition.
func (Noop) ID() string { return "" }

// Clone implements raft.Transition.
func (Noop) Clone() raft.Transition { return Noop{} }

// ClientSession tracks the last request processed for a client, so a
// retried request (same ClientID, same or lower RequestID) is skipped
// instead of applied twice.
type ClientSession struct {
	LastRequestID uint64
	Applied       bool
}

// Store is an in-memory key-value StateMachine. The zero value is not
// usable; construct with New.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	sessions map[string]*ClientSession

	pendingMu sync.Mutex
	pending   []raft.Transition

	statesMu sync.Mutex
	states   map[string]raft.TransitionState

	// wal persists snapshots across restarts. Nil is valid — an
	// in-memory-only Store simply never survives a restart.
	wal *wal.WAL

	// notify is signaled (non-blocking) whenever Submit queues a new
	// transition, so a caller can feed it to Replica.Run as recvTransition;
	// a leader loads new transitions only when that signal fires.
	notify chan struct{}
}

// New creates an empty Store. w may be nil for a purely in-memory store
// (useful in tests and pkg/harness).
func New(w *wal.WAL) *Store {
	return &Store{
		data:     make(map[string][]byte),
		sessions: make(map[string]*ClientSession),
		states:   make(map[string]raft.TransitionState),
		wal:      w,
		notify:   make(chan struct{}, 1),
	}
}

// Notify returns the channel that fires whenever Submit queues a new
// transition. Intended to be passed as Replica.Run's recvTransition.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

// Submit queues a client command for proposal to the cluster's leader.
// It returns the transition's lifecycle-tracking ID; poll StateOf with
// it to observe Queued -> Committed -> Applied.
func (s *Store) Submit(cmdType CommandType, key string, value []byte, clientID string, requestID uint64) string {
	id := uuid.NewString()
	s.pendingMu.Lock()
	s.pending = append(s.pending, Command{
		TransitionID: id,
		Type:         cmdType,
		Key:          key,
		Value:        value,
		ClientID:     clientID,
		RequestID:    requestID,
	})
	s.pendingMu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return id
}

// StateOf reports the most recently observed lifecycle state for a
// transition ID returned by Submit.
func (s *Store) StateOf(id string) (raft.TransitionState, bool) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	state, ok := s.states[id]
	return state, ok
}

// Get retrieves a value by key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, true
}

// Size returns the number of keys currently stored.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// --- raft.StateMachine ---

// ApplyTransition implements raft.StateMachine. The noop transition the
// core appends on every new leadership carries an empty TransitionID and
// is a no-op here by construction.
func (s *Store) ApplyTransition(t raft.Transition) {
	cmd, ok := t.(Command)
	if !ok || cmd.TransitionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[cmd.ClientID]; ok && sess.LastRequestID >= cmd.RequestID {
		return
	}

	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
	case CommandDelete:
		delete(s.data, cmd.Key)
	}
	s.sessions[cmd.ClientID] = &ClientSession{LastRequestID: cmd.RequestID, Applied: true}
}

// RegisterTransitionState implements raft.StateMachine.
func (s *Store) RegisterTransitionState(id string, state raft.TransitionState) {
	s.statesMu.Lock()
	s.states[id] = state
	s.statesMu.Unlock()
}

// GetPendingTransitions implements raft.StateMachine, draining whatever
// Submit has queued since the last call.
func (s *Store) GetPendingTransitions() []raft.Transition {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// LoadSnapshot implements raft.StateMachine, restoring from wal if a
// snapshot was ever saved.
func (s *Store) LoadSnapshot() *raft.Snapshot {
	if s.wal == nil {
		return nil
	}
	saved, err := s.wal.LoadSnapshot()
	if err != nil || saved == nil {
		return nil
	}
	if err := s.restoreFromWire(saved.Data); err != nil {
		return nil
	}
	return &raft.Snapshot{
		LastIncludedIndex: saved.Metadata.LastIncludedIndex,
		LastIncludedTerm:  raft.Term(saved.Metadata.LastIncludedTerm),
		State:             saved.Data,
	}
}

// CreateSnapshot implements raft.StateMachine, marshaling the current
// key-value contents into a protobuf structpb.Struct and persisting it
// via wal (if configured).
func (s *Store) CreateSnapshot(lastIncludedIndex uint64, lastIncludedTerm raft.Term) raft.Snapshot {
	payload, err := s.toWire()
	if err != nil {
		payload = nil
	}
	if s.wal != nil && payload != nil {
		_ = s.wal.SaveSnapshot(wal.Snapshot{
			Metadata: wal.SnapshotMetadata{
				LastIncludedIndex: lastIncludedIndex,
				LastIncludedTerm:  uint64(lastIncludedTerm),
			},
			Data: payload,
		})
	}
	return raft.Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		State:             payload,
	}
}

// RestoreSnapshot implements raft.StateMachine, used when a leader
// installs a snapshot on a follower that has fallen too far behind.
func (s *Store) RestoreSnapshot(snapshot raft.Snapshot) {
	_ = s.restoreFromWire(snapshot.State)
}

// toWire marshals data and sessions into a protobuf structpb.Struct.
// structpb.Value has no raw-bytes variant, so values are base64-encoded
// into its string fields; session metadata goes into number and bool
// fields.
func (s *Store) toWire() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dataFields := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		dataFields[k] = base64.StdEncoding.EncodeToString(v)
	}
	sessionFields := make(map[string]interface{}, len(s.sessions))
	for clientID, sess := range s.sessions {
		sessionFields[clientID] = map[string]interface{}{
			"last_request_id": float64(sess.LastRequestID),
			"applied":         sess.Applied,
		}
	}

	root, err := structpb.NewStruct(map[string]interface{}{
		"data":     dataFields,
		"sessions": sessionFields,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: marshal snapshot struct: %w", err)
	}
	return proto.Marshal(root)
}

// restoreFromWire reverses toWire.
func (s *Store) restoreFromWire(wire []byte) error {
	if len(wire) == 0 {
		return nil
	}
	var root structpb.Struct
	if err := proto.Unmarshal(wire, &root); err != nil {
		return fmt.Errorf("kv: unmarshal snapshot struct: %w", err)
	}

	data := make(map[string][]byte)
	if dataField, ok := root.Fields["data"]; ok {
		for k, v := range dataField.GetStructValue().GetFields() {
			raw, err := base64.StdEncoding.DecodeString(v.GetStringValue())
			if err != nil {
				continue
			}
			data[k] = raw
		}
	}

	sessions := make(map[string]*ClientSession)
	if sessField, ok := root.Fields["sessions"]; ok {
		for clientID, v := range sessField.GetStructValue().GetFields() {
			fields := v.GetStructValue().GetFields()
			sessions[clientID] = &ClientSession{
				LastRequestID: uint64(fields["last_request_id"].GetNumberValue()),
				Applied:       fields["applied"].GetBoolValue(),
			}
		}
	}

	s.mu.Lock()
	s.data = data
	s.sessions = sessions
	s.mu.Unlock()
	return nil
}
