package suspension

import (
	"sort"
	"sync"
	"time"

	"github.com/relaypath/pipeflow/internal/obs"
	"github.com/relaypath/pipeflow/internal/pferrors"
)

// Store is the SuspensionStore facade: bounded, oldest-first eviction by
// CreatedAt, backed by a pluggable Backend. The bound and eviction policy
// live here rather than in Backend so every backend gets them for free.
type Store struct {
	mu      sync.Mutex
	backend Backend
	max     int
}

// New constructs a Store with the given maximum record count (default
// 10000 applies via config.SetDefaults before reaching here) and backend.
func New(max int, backend Backend) *Store {
	if backend == nil {
		backend = newMemoryBackend()
	}
	if max <= 0 {
		max = 10000
	}
	return &Store{backend: backend, max: max}
}

// Upsert stores or updates rec, then evicts the oldest record(s) by
// CreatedAt if the store now exceeds its configured maximum.
func (s *Store) Upsert(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.LastTouchedAt = time.Now()

	if err := s.backend.Upsert(rec); err != nil {
		return pferrors.PersistenceError("suspension_upsert", err)
	}

	s.evictIfOverLocked()
	obs.SuspendedExecutions.Set(float64(len(s.backend.List())))
	return nil
}

func (s *Store) evictIfOverLocked() {
	all := s.backend.List()
	if len(all) <= s.max {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	toEvict := len(all) - s.max
	for i := 0; i < toEvict; i++ {
		s.backend.Delete(all[i].ExecutionID)
	}
}

// Get returns the record for id, or false if absent.
func (s *Store) Get(id string) (*Record, bool) {
	return s.backend.Get(id)
}

// List returns every current record.
func (s *Store) List() []*Record {
	return s.backend.List()
}

// Delete removes the record for id, returning whether one existed.
func (s *Store) Delete(id string) bool {
	removed := s.backend.Delete(id)
	if removed {
		obs.SuspendedExecutions.Set(float64(len(s.backend.List())))
	}
	return removed
}
