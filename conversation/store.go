package conversation

import (
	"sync"

	"github.com/google/uuid"
)

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

const Welcome = "Hello! I'm your health assistant. How can I help you today?"

// Entry is one line of the conversation. Entries are never edited after
// they are appended; a placeholder is replaced by removing it and appending
// the settled content.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	Processing bool      `json:"isProcessing,omitempty"`
}

func User(text string) Entry {
	return Entry{Text: text, Sender: SenderUser}
}

func Assistant(text string) Entry {
	return Entry{Text: text, Sender: SenderAssistant}
}

func Placeholder(text string) Entry {
	return Entry{Text: text, Sender: SenderAssistant, Processing: true}
}

// Snapshot is a consistent copy of the log at a given version.
type Snapshot struct {
	Version uint64  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store is the ordered conversation log. Observers receive snapshots in
// increasing version order and always receive the latest one; a snapshot
// superseded by a concurrent mutation before delivery is skipped. Observers
// must not mutate the store themselves.
type Store struct {
	mu        sync.RWMutex
	entries   []Entry
	version   uint64
	observers map[uuid.UUID]func(Snapshot)

	notifyMu sync.Mutex
	notified uint64
}

func NewStore(seed ...Entry) *Store {
	s := &Store{observers: make(map[uuid.UUID]func(Snapshot))}
	for _, e := range seed {
		s.entries = append(s.entries, withID(e))
	}
	return s
}

func withID(e Entry) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return e
}

// Append adds an entry to the end of the log and returns it with its id.
func (s *Store) Append(e Entry) Entry {
	e = withID(e)
	s.mutate(func() bool {
		s.entries = append(s.entries, e)
		return true
	})
	return e
}

// AppendAll adds entries in order as a single change.
func (s *Store) AppendAll(es ...Entry) []Entry {
	out := make([]Entry, len(es))
	for i, e := range es {
		out[i] = withID(e)
	}
	s.mutate(func() bool {
		s.entries = append(s.entries, out...)
		return len(out) > 0
	})
	return out
}

// Remove drops the entry with the given id. It reports whether one was found.
func (s *Store) Remove(id uuid.UUID) bool {
	var found bool
	s.mutate(func() bool {
		found = s.filter(func(e Entry) bool { return e.ID == id }) > 0
		return found
	})
	return found
}

// RemoveProcessingPlaceholders drops every processing entry and returns how
// many were removed.
func (s *Store) RemoveProcessingPlaceholders() int {
	var n int
	s.mutate(func() bool {
		n = s.filter(func(e Entry) bool { return e.Processing })
		return n > 0
	})
	return n
}

// Settle removes the placeholder with the given id (if any) and appends the
// entries, as one change. Observers never see the placeholder and its
// replacement together.
func (s *Store) Settle(placeholder uuid.UUID, es ...Entry) []Entry {
	out := make([]Entry, len(es))
	for i, e := range es {
		out[i] = withID(e)
	}
	s.mutate(func() bool {
		removed := 0
		if placeholder != uuid.Nil {
			removed = s.filter(func(e Entry) bool { return e.ID == placeholder })
		}
		s.entries = append(s.entries, out...)
		return removed > 0 || len(out) > 0
	})
	return out
}

// filter removes matching entries in place, keeping order. Caller holds mu.
func (s *Store) filter(drop func(Entry) bool) int {
	kept := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !drop(e) {
			kept = append(kept, e)
		}
	}
	n := len(s.entries) - len(kept)
	s.entries = kept
	return n
}

func (s *Store) mutate(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.version++
	snap := s.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	// a concurrent mutation already delivered something newer
	if snap.Version <= s.notified {
		return
	}
	s.notified = snap.Version

	for _, fn := range observers {
		fn(snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	return Snapshot{Version: s.version, Entries: entries}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Processing counts placeholder entries currently in the log.
func (s *Store) Processing() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.Processing {
			n++
		}
	}
	return n
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	id := uuid.New()
	s.mu.Lock()
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}
