package versionstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordVersionAllocatesContiguousSequence(t *testing.T) {
	s := New()

	v1 := s.RecordVersion("p", "h1", "")
	v2 := s.RecordVersion("p", "h2", "")
	v3 := s.RecordVersion("p", "h3", "")

	require.Equal(t, 1, v1.Version)
	require.Equal(t, 2, v2.Version)
	require.Equal(t, 3, v3.Version)

	active, ok := s.ActiveVersion("p")
	require.True(t, ok)
	require.Equal(t, 3, active)
}

func TestDifferentNamesDoNotShareVersionSequences(t *testing.T) {
	s := New()
	s.RecordVersion("a", "h1", "")
	v := s.RecordVersion("b", "h1", "")
	require.Equal(t, 1, v.Version)
}

func TestSetActiveVersionRejectsUnknownVersion(t *testing.T) {
	s := New()
	s.RecordVersion("p", "h1", "")

	require.False(t, s.SetActiveVersion("p", 5))
	require.True(t, s.SetActiveVersion("p", 1))
}

func TestPreviousVersion(t *testing.T) {
	s := New()
	s.RecordVersion("p", "h1", "")
	s.RecordVersion("p", "h2", "")

	prev, ok := s.PreviousVersion("p")
	require.True(t, ok)
	require.Equal(t, 1, prev.Version)
	require.Equal(t, "h1", prev.StructuralHash)

	s.SetActiveVersion("p", 1)
	_, ok = s.PreviousVersion("p")
	require.False(t, ok)
}

func TestListVersionsNewestFirst(t *testing.T) {
	s := New()
	s.RecordVersion("p", "h1", "")
	s.RecordVersion("p", "h2", "")

	vs := s.ListVersions("p")
	require.Len(t, vs, 2)
	require.Equal(t, 2, vs[0].Version)
	require.Equal(t, 1, vs[1].Version)
}

func TestReferencesHash(t *testing.T) {
	s := New()
	s.RecordVersion("p", "h1", "")

	require.True(t, s.ReferencesHash("h1"))
	require.False(t, s.ReferencesHash("h2"))
}
