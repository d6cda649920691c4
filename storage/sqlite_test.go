package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteArtifactStore(t *testing.T) {
	s, err := NewSQLiteArtifactStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	testArtifactStore(t, s)
}

func TestSQLiteArtifactStore_SaveRejectsCommitted(t *testing.T) {
	s, err := NewSQLiteArtifactStore(filepath.Join(t.TempDir(), "artifacts.db"))
	require.NoError(t, err)
	defer s.Close()

	a := newArtifact("a1")
	a.CommitDate = testTime
	assert.Error(t, s.SaveArtifact(context.Background(), "i1", "work", a))

	a.Content = nil
	a.SharedInformation = nil
	require.NoError(t, s.CommitArtifact(context.Background(), "i1", "work", a))
	got, err := s.GetArtifact(context.Background(), "i1", "work")
	require.NoError(t, err)
	assert.Nil(t, got.SharedInformation)
	assert.Empty(t, got.Content)
}
