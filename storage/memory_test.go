package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/types"
)

func TestMemoryStorage(t *testing.T) {
	testStore(t, NewMemoryStorage())
}

func TestMemoryStorage_Isolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	inst := newInstance("i1", "start")
	inst.Trail = []types.Step{{ActivityID: "start", Lineage: []types.Branch{{ForkID: "f", Path: 0}}}}
	require.NoError(t, s.CreateInstance(ctx, inst))

	inst.Trail[0].Lineage[0].Path = 9
	got, _, err := s.LoadInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Trail[0].Lineage[0].Path)

	got.Position[0].ActivityID = "mutated"
	again, _, err := s.LoadInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "start", again.Position[0].ActivityID)
}

func TestMemoryStorage_ClearCompleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	require.NoError(t, s.SaveDefinition(ctx, newDefinition("def")))

	done := newInstance("done", "end")
	done.Trail = []types.Step{{ActivityID: "start"}, {ActivityID: "work", ArtifactID: "a1"}}
	require.NoError(t, s.CreateInstance(ctx, done))
	a := newArtifact("a1")
	a.CommitDate = testTime
	require.NoError(t, s.CommitArtifact(ctx, "done", "work", a))

	running := newInstance("running", "work")
	require.NoError(t, s.CreateInstance(ctx, running))
	require.NoError(t, s.SaveArtifact(ctx, "running", "work", newArtifact("a2")))

	require.NoError(t, s.ClearCompleted(ctx))

	_, _, err := s.LoadInstance(ctx, "done")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = s.GetArtifact(ctx, "done", "work")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	_, _, err = s.LoadInstance(ctx, "running")
	assert.NoError(t, err)
	_, err = s.GetArtifact(ctx, "running", "work")
	assert.NoError(t, err)
}
