package transcript

import (
	"sort"
	"sync"
)

// Role identifies the speaker of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one reconstructed transcript entry.
type Entry struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// entry is the internal accumulating record. seq is assigned at insertion time
// and is the ordering key for snapshots; server-assigned item ids are opaque and
// their lexicographic order is not guaranteed to match arrival order.
type entry struct {
	Entry
	seq int
}

// Store maps event-stream item ids to accumulating conversation entries.
// All methods are safe for concurrent use; data-channel callbacks arrive on
// their own goroutines.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSeq int
}

// NewStore creates an empty transcript store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// UpsertCreated inserts a new entry for id. If the id was already seen the
// existing entry's role and text are overwritten but its position is kept.
func (s *Store) UpsertCreated(id string, role Role, initialText string) {
	if id == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.Role = role
		e.Text = initialText
		return
	}

	s.entries[id] = &entry{
		Entry: Entry{ID: id, Role: role, Text: initialText},
		seq:   s.nextSeq,
	}
	s.nextSeq++
}

// AppendDelta concatenates deltaText to the entry for id. An unknown id is an
// out-of-order event and is dropped; the return value reports whether the delta
// was applied.
func (s *Store) AppendDelta(id string, deltaText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.Text += deltaText
	return true
}

// ReplaceFinal replaces the entry's text wholesale with the authoritative final
// transcript, correcting any accumulated deltas. An unknown id is dropped.
func (s *Store) ReplaceFinal(id string, finalText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.Text = finalText
	return true
}

// Snapshot returns the user/assistant entries in insertion order. The returned
// slice is a copy and safe to retain.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Role != RoleUser && e.Role != RoleAssistant {
			continue
		}
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	out := make([]Entry, len(ordered))
	for i, e := range ordered {
		out[i] = e.Entry
	}
	return out
}

// Len returns the total number of stored entries, including filtered roles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reset discards all entries. Called when a new session starts.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	s.nextSeq = 0
}
