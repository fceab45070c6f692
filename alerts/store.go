// Package alerts is the alert sink: a bounded, deduplicating history of
// violations reported by the detector service.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 50

type IngestResult string

const (
	Logged           IngestResult = "logged"
	DuplicateIgnored IngestResult = "duplicate_ignored"
)

// Entry is one retained alert.
type Entry struct {
	ID          string  `json:"id"`
	ObjectClass string  `json:"object_class"`
	Confidence  float64 `json:"confidence"`
	Timestamp   string  `json:"timestamp"`
}

// Store keeps the newest alerts first. Dedup only compares against the
// newest entry, so alternating categories are all retained.
type Store struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	now      func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		entries:  make([]Entry, 0, capacity+1),
		capacity: capacity,
		now:      time.Now,
	}
}

// Ingest stamps the violation at receipt and inserts it at the front unless
// it repeats the newest entry's class.
func (s *Store) Ingest(objectClass string, confidence float64) (IngestResult, Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) > 0 && s.entries[0].ObjectClass == objectClass {
		return DuplicateIgnored, Entry{}
	}

	entry := Entry{
		ID:          uuid.New().String(),
		ObjectClass: objectClass,
		Confidence:  confidence,
		Timestamp:   s.now().Format("15:04:05"),
	}

	s.entries = append(s.entries, Entry{})
	copy(s.entries[1:], s.entries)
	s.entries[0] = entry
	if len(s.entries) > s.capacity {
		s.entries = s.entries[:s.capacity]
	}
	return Logged, entry
}

// List returns a copy of the history, newest first.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
