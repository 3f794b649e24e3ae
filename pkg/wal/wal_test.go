package wal_test

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/lindenlab/raftcore/pkg/raft"
	"github.com/lindenlab/raftcore/pkg/wal"
)

// walCommand stands in for a real application transition; its fields must
// be exported and the type gob-registered for a raft.LogEntry's interface
// Transition field to survive the round trip.
type walCommand struct {
	Name string
}

func (c walCommand) ID() string             { return c.Name }
func (c walCommand) Clone() raft.Transition { return c }

func init() {
	gob.Register(walCommand{})
}

func TestSnapshotRoundTrip(t *testing.T) {
	w, err := wal.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	saved := wal.Snapshot{
		Metadata: wal.SnapshotMetadata{LastIncludedIndex: 7, LastIncludedTerm: 3},
		Data:     []byte("state-bytes"),
	}
	if err := w.SaveSnapshot(saved); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := w.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadSnapshot returned nil for a saved snapshot")
	}
	if loaded.Metadata != saved.Metadata {
		t.Errorf("metadata = %+v, want %+v", loaded.Metadata, saved.Metadata)
	}
	if string(loaded.Data) != string(saved.Data) {
		t.Errorf("data = %q, want %q", loaded.Data, saved.Data)
	}
}

func TestLoadSnapshotNeverSaved(t *testing.T) {
	w, err := wal.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, err := w.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap != nil {
		t.Errorf("LoadSnapshot = %+v, want nil when nothing was ever saved", snap)
	}
}

func TestSnapshotOverwrite(t *testing.T) {
	w, err := wal.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := wal.Snapshot{Metadata: wal.SnapshotMetadata{LastIncludedIndex: 5, LastIncludedTerm: 1}, Data: []byte("old")}
	second := wal.Snapshot{Metadata: wal.SnapshotMetadata{LastIncludedIndex: 10, LastIncludedTerm: 2}, Data: []byte("new")}
	if err := w.SaveSnapshot(first); err != nil {
		t.Fatalf("SaveSnapshot(first): %v", err)
	}
	if err := w.SaveSnapshot(second); err != nil {
		t.Fatalf("SaveSnapshot(second): %v", err)
	}

	loaded, err := w.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded.Metadata.LastIncludedIndex != 10 || string(loaded.Data) != "new" {
		t.Errorf("loaded %+v %q, want the second save to win", loaded.Metadata, loaded.Data)
	}
}

func TestLoadSnapshotDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.SaveSnapshot(wal.Snapshot{Data: []byte("payload")}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	path := filepath.Join(dir, "snapshot.dat")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("write corrupted file: %v", err)
	}

	if _, err := w.LoadSnapshot(); err == nil {
		t.Fatal("expected a CRC error loading a corrupted snapshot")
	}
}

func TestPersistentStateRoundTrip(t *testing.T) {
	w, err := wal.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	votedFor := raft.ReplicaID(2)
	saved := wal.PersistentState{
		CurrentTerm: 4,
		VotedFor:    &votedFor,
		Entries: []raft.LogEntry{
			{Index: 1, Term: 1, Transition: walCommand{Name: "a"}},
			{Index: 2, Term: 4, Transition: walCommand{Name: "b"}},
		},
	}
	if err := w.SavePersistentState(saved); err != nil {
		t.Fatalf("SavePersistentState: %v", err)
	}

	loaded, err := w.LoadPersistentState()
	if err != nil {
		t.Fatalf("LoadPersistentState: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadPersistentState returned nil for saved state")
	}
	if loaded.CurrentTerm != 4 {
		t.Errorf("CurrentTerm = %d, want 4", loaded.CurrentTerm)
	}
	if loaded.VotedFor == nil || *loaded.VotedFor != votedFor {
		t.Errorf("VotedFor = %v, want %d", loaded.VotedFor, votedFor)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(loaded.Entries))
	}
	if loaded.Entries[1].Term != 4 || loaded.Entries[1].Transition.ID() != "b" {
		t.Errorf("entry 2 = %+v, want term 4 transition b", loaded.Entries[1])
	}
}

func TestLoadPersistentStateNeverSaved(t *testing.T) {
	w, err := wal.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	state, err := w.LoadPersistentState()
	if err != nil {
		t.Fatalf("LoadPersistentState: %v", err)
	}
	if state != nil {
		t.Errorf("LoadPersistentState = %+v, want nil when nothing was ever saved", state)
	}
}
