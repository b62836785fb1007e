// Package versionstore implements the VersionStore (§4.2): a per-name
// monotonic version history with an active-version pointer.
package versionstore

import (
	"sort"
	"sync"
	"time"

	"github.com/relaypath/pipeflow/internal/pipeline"
)

type slot struct {
	versions []pipeline.Version // index i holds version i+1
	active   int
}

// Store is the per-name version history. One RWMutex guards every name's
// slot, so concurrent updates to different names are serialized.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{slots: make(map[string]*slot)}
}

// RecordVersion allocates the next integer version for name, sets it
// active, and returns the new PipelineVersion.
func (s *Store) RecordVersion(name, structuralHash string, sourceText string) pipeline.Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[name]
	if !ok {
		sl = &slot{}
		s.slots[name] = sl
	}

	v := pipeline.Version{
		Version:        len(sl.versions) + 1,
		StructuralHash: structuralHash,
		CreatedAt:      time.Now(),
		SourceText:     sourceText,
	}
	sl.versions = append(sl.versions, v)
	sl.active = v.Version
	return v
}

// ListVersions returns name's versions, newest first.
func (s *Store) ListVersions(name string) []pipeline.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.slots[name]
	if !ok {
		return nil
	}
	out := make([]pipeline.Version, len(sl.versions))
	copy(out, sl.versions)
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

// ActiveVersion returns the currently active version number for name.
func (s *Store) ActiveVersion(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.slots[name]
	if !ok || sl.active == 0 {
		return 0, false
	}
	return sl.active, true
}

// SetActiveVersion sets the active pointer to v, returning false (no-op)
// if v does not exist under name — this preserves I3 by construction.
func (s *Store) SetActiveVersion(name string, v int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[name]
	if !ok || v < 1 || v > len(sl.versions) {
		return false
	}
	sl.active = v
	return true
}

// GetVersion returns the PipelineVersion record for (name, v).
func (s *Store) GetVersion(name string, v int) (pipeline.Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.slots[name]
	if !ok || v < 1 || v > len(sl.versions) {
		return pipeline.Version{}, false
	}
	return sl.versions[v-1], true
}

// PreviousVersion returns the version with the highest number strictly
// less than the current active version, or false if none exists.
func (s *Store) PreviousVersion(name string) (pipeline.Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.slots[name]
	if !ok || sl.active <= 1 {
		return pipeline.Version{}, false
	}
	return sl.versions[sl.active-2], true
}

// ActiveHash returns the structural hash of the currently active version,
// or false if name has no active version.
func (s *Store) ActiveHash(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.slots[name]
	if !ok || sl.active == 0 {
		return "", false
	}
	return sl.versions[sl.active-1].StructuralHash, true
}

// ReferencesHash reports whether any version entry for any name points at
// hash — consulted by PipelineStore.Remove's I7 check.
func (s *Store) ReferencesHash(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sl := range s.slots {
		for _, v := range sl.versions {
			if v.StructuralHash == hash {
				return true
			}
		}
	}
	return false
}
