package raft

// raftLog is the Replica's private raftLog store. It hides the single most
// bug-prone part of a snapshot-compacting log: translating between a
// LogEntry's absolute index (stable for the life of the cluster) and its
// physical
// position in the retained slice (shifted left every time a snapshot
// compacts the prefix away). Every access goes through this type so that
// translation happens in exactly one place.
type raftLog struct {
	// entries holds only the physically retained suffix. entries[0].Index
	// always equals offset: it is either the index-0 sentinel (before any
	// snapshot) or the last entry compacted into the current snapshot.
	entries []LogEntry
	// offset is the absolute index of entries[0].
	offset uint64
}

// newLog builds the initial raftLog. Absent a prior snapshot, the logical raftLog
// begins at index 0 with a sentinel no-op entry at term 0.
func newLog(noop Transition, snapshot *Snapshot) *raftLog {
	if snapshot != nil {
		return &raftLog{
			offset: snapshot.LastIncludedIndex,
			entries: []LogEntry{{
				Index:      snapshot.LastIncludedIndex,
				Term:       snapshot.LastIncludedTerm,
				Transition: noop,
			}},
		}
	}
	return &raftLog{
		offset: 0,
		entries: []LogEntry{{
			Index:      0,
			Term:       0,
			Transition: noop,
		}},
	}
}

// physical translates an absolute index into a position in entries, or -1
// if the index is not physically retained (either it precedes the
// snapshot boundary, or it is beyond the tail).
func (l *raftLog) physical(absolute uint64) int {
	if absolute < l.offset {
		return -1
	}
	idx := int(absolute - l.offset)
	if idx >= len(l.entries) {
		return -1
	}
	return idx
}

// offsetFloor returns the absolute index below which no entry is
// physically retained (the snapshot boundary, or 0 before any snapshot).
func (l *raftLog) offsetFloor() uint64 {
	return l.offset
}

// lastIndex returns the absolute index of the last retained entry.
func (l *raftLog) lastIndex() uint64 {
	return l.entries[len(l.entries)-1].Index
}

// lastTerm returns the term of the last retained entry.
func (l *raftLog) lastTerm() Term {
	return l.entries[len(l.entries)-1].Term
}

// at returns the entry at absolute index, if physically retained.
func (l *raftLog) at(absolute uint64) (LogEntry, bool) {
	p := l.physical(absolute)
	if p < 0 {
		return LogEntry{}, false
	}
	return l.entries[p], true
}

// termAt returns the term of the entry at absolute index, if retained.
func (l *raftLog) termAt(absolute uint64) (Term, bool) {
	e, ok := l.at(absolute)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

// append adds an entry whose index must equal lastIndex()+1.
func (l *raftLog) append(e LogEntry) {
	l.entries = append(l.entries, e)
}

// truncateFrom drops the entry at absolute index and everything after it.
// absolute must be physically retained and greater than offset (the
// snapshot boundary / sentinel is never truncated).
func (l *raftLog) truncateFrom(absolute uint64) {
	p := l.physical(absolute)
	if p <= 0 {
		return
	}
	l.entries = l.entries[:p]
}

// entriesFrom returns a copy of every entry at or after absolute index,
// for broadcasting to a peer.
func (l *raftLog) entriesFrom(absolute uint64) []LogEntry {
	p := l.physical(absolute)
	if p < 0 {
		return nil
	}
	out := make([]LogEntry, len(l.entries)-p)
	copy(out, l.entries[p:])
	return out
}

// compactThrough drops every entry with index <= lastIncludedIndex,
// replacing the retained prefix with a single placeholder entry that
// carries the no-op transition, retaining only entries with index >
// last_applied. The caller is responsible for having already applied
// everything up to lastIncludedIndex.
func (l *raftLog) compactThrough(lastIncludedIndex uint64, lastIncludedTerm Term, noop Transition) {
	p := l.physical(lastIncludedIndex)
	var rest []LogEntry
	if p >= 0 {
		rest = l.entries[p+1:]
	}
	newEntries := make([]LogEntry, 0, len(rest)+1)
	newEntries = append(newEntries, LogEntry{
		Index:      lastIncludedIndex,
		Term:       lastIncludedTerm,
		Transition: noop,
	})
	newEntries = append(newEntries, rest...)
	l.entries = newEntries
	l.offset = lastIncludedIndex
}

// installSnapshot fully replaces the raftLog with a single placeholder entry at
// the installed snapshot's boundary, discarding every entry the replica
// held — used when a leader's InstallSnapshot jumps the follower past
// entries it never even had.
func (l *raftLog) installSnapshot(lastIncludedIndex uint64, lastIncludedTerm Term, noop Transition) {
	l.entries = []LogEntry{{
		Index:      lastIncludedIndex,
		Term:       lastIncludedTerm,
		Transition: noop,
	}}
	l.offset = lastIncludedIndex
}
