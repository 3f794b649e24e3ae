// Package wal provides durable storage for the two things a restarted
// replica needs back: the last StateMachine snapshot, and (optionally) the
// term/vote/log state a surrounding process chooses to persist.
//
// The core (pkg/raft) treats durable term/vote/log persistence as an
// explicit Non-goal: a Replica itself keeps its log and term in memory
// only, and never calls into this package. What it does accept is an
// already-recovered starting state handed to it at construction
// (Config.InitialTerm/InitialVotedFor/InitialEntries) — recovering that
// state from disk between process restarts is entirely the caller's
// business, and cmd/server is the one that owns a WAL and replays it.
package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/lindenlab/raftcore/pkg/raft"
)

// WAL persists a single StateMachine snapshot and a single PersistentState
// record to disk, each replaced wholesale on every save. The name is kept from its origin as a
// write-ahead log; what it actually writes ahead of is a restart, not a
// transaction.
type WAL struct {
	mu   sync.RWMutex
	dir  string
}

// SnapshotMetadata describes a snapshot's position in the replicated log.
type SnapshotMetadata struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// Snapshot is a complete, persistable StateMachine snapshot. Data is
// whatever payload the StateMachine produced (in this repo, a
// protobuf-marshaled structpb.Struct — see pkg/kv).
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

const (
	snapshotFileName = "snapshot.dat"
	stateFileName    = "state.dat"
	recordHeaderSize = 8 // 4 bytes CRC + 4 bytes length
)

// New creates a WAL rooted at dir, creating it if necessary.
func New(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	return &WAL{dir: dir}, nil
}

// saveRecord gob-encodes v and writes it to name under a CRC32 header,
// via a temp-file-then-rename for atomicity against a crash mid-write.
func (w *WAL) saveRecord(name string, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	path := filepath.Join(w.dir, name)
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := file.Write(header); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s header: %w", name, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s data: %w", name, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// loadRecord reads and CRC-verifies name, decoding it into v. Reports
// (false, nil) if name has never been written.
func (w *WAL) loadRecord(name string, v interface{}) (bool, error) {
	path := filepath.Join(w.dir, name)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return false, fmt.Errorf("failed to read %s header: %w", name, err)
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(file, data); err != nil {
		return false, fmt.Errorf("failed to read %s data: %w", name, err)
	}
	if crc32.ChecksumIEEE(data) != crc {
		return false, fmt.Errorf("CRC mismatch in %s", name)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return true, nil
}

// SaveSnapshot persists snapshot to disk, overwriting whatever was there.
func (w *WAL) SaveSnapshot(snapshot Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveRecord(snapshotFileName, snapshot)
}

// LoadSnapshot loads the most recently saved snapshot, or (nil, nil) if
// none has ever been saved.
func (w *WAL) LoadSnapshot() (*Snapshot, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var snapshot Snapshot
	ok, err := w.loadRecord(snapshotFileName, &snapshot)
	if err != nil || !ok {
		return nil, err
	}
	return &snapshot, nil
}

// PersistentState is the term/vote/log a process chooses to persist
// between restarts and replay into a fresh Replica's Config at startup.
// Entries is gob-encoded as a slice of raft.LogEntry, whose Transition
// field is an interface — the caller's StateMachine package must
// gob.Register its concrete Transition type before Save/LoadPersistentState
// is usable (pkg/kv does this for kv.Command in its own init()).
type PersistentState struct {
	CurrentTerm raft.Term
	VotedFor    *raft.ReplicaID
	Entries     []raft.LogEntry
}

// SavePersistentState persists state to disk, overwriting whatever was
// there. The core itself never calls this; in this repository cmd/server
// calls it once, on graceful shutdown, so state changed after the last
// save is lost on a crash.
func (w *WAL) SavePersistentState(state PersistentState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveRecord(stateFileName, state)
}

// LoadPersistentState loads the most recently saved PersistentState, or
// (nil, nil) if none has ever been saved.
func (w *WAL) LoadPersistentState() (*PersistentState, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var state PersistentState
	ok, err := w.loadRecord(stateFileName, &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}
