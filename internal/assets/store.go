package assets

import (
	"sort"
	"sync"

	"github.com/rendis/artgen/pkg/schema"
)

// Store holds a run's collections. Reads return copies.
type Store struct {
	mu   sync.RWMutex
	cols schema.Collections
}

// NewStore creates a Store seeded with initial, which is copied. Records
// without ids are assigned some.
func NewStore(initial schema.Collections) *Store {
	cols := make(schema.Collections, len(initial))
	for name, recs := range initial {
		cols[name] = cloneAll(recs)
	}
	cols.EnsureIDs()
	return &Store{cols: cols}
}

// Get returns a copy of the named collection.
func (s *Store) Get(name string) ([]schema.AssetRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.cols[name]
	if !ok {
		return nil, false
	}
	return cloneAll(recs), true
}

// Has reports whether the named collection exists.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cols[name]
	return ok
}

// Set replaces the named collection.
func (s *Store) Set(name string, recs []schema.AssetRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols[name] = cloneAll(recs)
}

// SetField writes key on every record with the given id, in every
// collection. It reports whether any record matched.
func (s *Store) SetField(assetID, key string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, recs := range s.cols {
		for _, r := range recs {
			if r.ID() == assetID {
				r[key] = schema.DeepCopy(value)
				found = true
			}
		}
	}
	return found
}

// Names returns the collection names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.cols))
	for n := range s.cols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a deep copy of every collection.
func (s *Store) Snapshot() schema.Collections {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(schema.Collections, len(s.cols))
	for n, recs := range s.cols {
		out[n] = cloneAll(recs)
	}
	return out
}

func cloneAll(recs []schema.AssetRecord) []schema.AssetRecord {
	out := make([]schema.AssetRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
