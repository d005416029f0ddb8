package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/basekick-labs/pprzlog/pkg/models"
)

// ErrFrozen is returned by Append once the store has been frozen.
var ErrFrozen = errors.New("store is frozen")

// Store holds parsed records keyed by vehicle id and message name.
// Records of one (vehicle, message) pair keep the order they were appended in.
// A store is filled by a single ingest run, then frozen and shared read-only.
type Store struct {
	mu      sync.RWMutex
	tables  map[int]map[string][]*models.Record
	records int
	frozen  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: make(map[int]map[string][]*models.Record)}
}

// Append adds a record for a vehicle under the record's message name.
func (s *Store) Append(vehicleID int, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrFrozen
	}

	msgs, ok := s.tables[vehicleID]
	if !ok {
		msgs = make(map[string][]*models.Record)
		s.tables[vehicleID] = msgs
	}
	name := rec.Type().Name()
	msgs[name] = append(msgs[name], rec)
	s.records++
	return nil
}

// Freeze makes the store read-only.
func (s *Store) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Len returns the total number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

// Vehicles returns the ids of every vehicle with at least one record, ascending.
func (s *Store) Vehicles() []int {
	s.mu.RLock()
	out := make([]int, 0, len(s.tables))
	for id := range s.tables {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Ints(out)
	return out
}

// Messages returns the names of messages recorded for a vehicle, sorted.
func (s *Store) Messages(vehicleID int) []string {
	s.mu.RLock()
	msgs := s.tables[vehicleID]
	out := make([]string, 0, len(msgs))
	for name := range msgs {
		out = append(out, name)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Records returns the records of one message for a vehicle in append order.
// The returned slice is a copy; the records themselves are shared.
func (s *Store) Records(vehicleID int, message string) []*models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.tables[vehicleID][message]
	if len(recs) == 0 {
		return nil
	}
	out := make([]*models.Record, len(recs))
	copy(out, recs)
	return out
}

// Count returns the number of records of one message for a vehicle.
func (s *Store) Count(vehicleID int, message string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[vehicleID][message])
}
