package profile

import (
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	s := NewFileStore(t.TempDir())

	alice, err := s.Create("Alice", true)
	require.NoError(t, err)
	_, err = uuid.Parse(alice.ID)
	assert.NoError(t, err, "ids are uuids")
	assert.True(t, alice.HasPassword)
	assert.False(t, alice.CreatedAt.IsZero())

	got, err := s.Get(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCreateRejects(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Create("Alice", true)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   string
		err  error
	}{
		{"duplicate", "alice", ErrNameTaken},
		{"empty", "   ", ErrInvalidName},
		{"too long", strings.Repeat("a", MaxNameLength+1), ErrInvalidName},
		{"separator", "a/b", ErrInvalidName},
		{"control", "a\x00b", ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(tt.in, false)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestFindListDelete(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	bob, err := s.Create("bob", false)
	require.NoError(t, err)
	alice, err := s.Create("Alice", true)
	require.NoError(t, err)

	found, err := s.Find("ALICE")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, found.ID)
	found, err = s.Find(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", found.Name)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Alice", list[0].Name)
	assert.Equal(t, "bob", list[1].Name)

	// A second store over the same file sees the same records.
	reopened := NewFileStore(dir)
	require.NoError(t, reopened.Delete(bob.ID))
	_, err = s.Get(bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(bob.ID), ErrNotFound)
}

func TestNamesAreNormalized(t *testing.T) {
	s := NewFileStore(t.TempDir())
	composed, err := s.Create("Caf\u00e9", true)
	require.NoError(t, err)

	found, err := s.Find("Cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, composed.ID, found.ID)

	_, err = s.Create("CAFE\u0301", false)
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestCorruptedRegistry(t *testing.T) {
	s := NewFileStore(t.TempDir())
	require.NoError(t, os.WriteFile(s.Path(), []byte("profiles: [unterminated"), 0600))
	_, err := s.Get("x")
	assert.ErrorIs(t, err, ErrCorrupted)
}
