package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/types"
)

var testTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newDefinition(id string) types.ProcessDefinition {
	return types.ProcessDefinition{
		ID:      id,
		Name:    "Test Process",
		Version: types.Version{Major: 1},
		Enabled: true,
		StartID: "start",
		Activities: map[string]types.Activity{
			"start": &types.Start{ActivityBase: types.ActivityBase{ID: "start"}, Next: "work"},
			"work":  &types.Normal{ActivityBase: types.ActivityBase{ID: "work"}, Next: "end"},
			"end":   &types.End{ActivityBase: types.ActivityBase{ID: "end"}},
		},
		CreationDate: testTime,
	}
}

func newInstance(id string, at string) types.ProcessInstance {
	return types.ProcessInstance{
		ID:           id,
		Name:         "instance " + id,
		DefinitionID: "def",
		Position:     types.NewPosition(at),
		CreationDate: testTime,
		UpdateDate:   testTime,
	}
}

func newArtifact(id string) types.Artifact {
	return types.Artifact{
		ID:                id,
		Name:              "report",
		ContentType:       "text/plain",
		Content:           []byte("draft"),
		SharedInformation: []types.SharedValue{{Key: "approved", Value: "true"}},
		CreationDate:      testTime,
		SaveDate:          testTime,
	}
}

// testStore runs the behaviour every Store backend shares.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("definitions", func(t *testing.T) {
		def := newDefinition("def")
		require.NoError(t, s.SaveDefinition(ctx, def))
		assert.ErrorIs(t, s.SaveDefinition(ctx, def), ErrDefinitionExists)

		got, err := s.LoadDefinition(ctx, "def")
		require.NoError(t, err)
		assert.Equal(t, "def", got.ID)
		assert.Equal(t, "start", got.StartID)
		assert.Equal(t, types.Version{Major: 1}, got.Version)
		require.Len(t, got.Activities, 3)
		assert.Equal(t, types.KindNormal, got.Activity("work").Kind())

		_, err = s.LoadDefinition(ctx, "missing")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("instances", func(t *testing.T) {
		inst := newInstance("i1", "start")
		require.NoError(t, s.CreateInstance(ctx, inst))
		assert.ErrorIs(t, s.CreateInstance(ctx, inst), ErrInstanceExists)

		got, version, err := s.LoadInstance(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), version)
		assert.Equal(t, inst, got)

		next := got.Clone()
		next.Position = types.NewPosition("work")
		next.Trail = []types.Step{{ActivityID: "start", CommitDate: testTime}}
		require.NoError(t, s.CompareAndSwap(ctx, "i1", version, next))

		stale := got.Clone()
		stale.Position = types.NewPosition("end")
		assert.ErrorIs(t, s.CompareAndSwap(ctx, "i1", version, stale), ErrVersionConflict)

		got, version, err = s.LoadInstance(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), version)
		assert.Equal(t, next, got)

		_, _, err = s.LoadInstance(ctx, "missing")
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		assert.ErrorIs(t, s.CompareAndSwap(ctx, "missing", 1, inst), ErrInstanceNotFound)
	})

	t.Run("concurrent compare and swap", func(t *testing.T) {
		require.NoError(t, s.CreateInstance(ctx, newInstance("race", "start")))
		_, version, err := s.LoadInstance(ctx, "race")
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.CompareAndSwap(ctx, "race", version, newInstance("race", "work"))
			}(i)
		}
		wg.Wait()

		won := 0
		for _, err := range errs {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, ErrVersionConflict)
		}
		assert.Equal(t, 1, won)
	})

	testArtifactStore(t, s)

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.LoadDefinition(cctx, "def")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// testArtifactStore runs the behaviour every ArtifactStore shares.
func testArtifactStore(t *testing.T, s ArtifactStore) {
	ctx := context.Background()

	t.Run("artifacts", func(t *testing.T) {
		_, err := s.GetArtifact(ctx, "i1", "work")
		assert.ErrorIs(t, err, ErrArtifactNotFound)

		a := newArtifact("a1")
		require.NoError(t, s.SaveArtifact(ctx, "i1", "work", a))

		a.Content = []byte("second draft")
		require.NoError(t, s.SaveArtifact(ctx, "i1", "work", a))

		got, err := s.GetArtifact(ctx, "i1", "work")
		require.NoError(t, err)
		assert.Equal(t, a, got)
		assert.False(t, got.Committed())

		assert.Error(t, s.CommitArtifact(ctx, "i1", "work", a), "commit without a commit date")

		a.CommitDate = testTime.Add(time.Minute)
		require.NoError(t, s.CommitArtifact(ctx, "i1", "work", a))

		got, err = s.GetArtifact(ctx, "i1", "work")
		require.NoError(t, err)
		assert.Equal(t, a, got)
		assert.True(t, got.Committed())

		draft := newArtifact("a1")
		assert.ErrorIs(t, s.SaveArtifact(ctx, "i1", "work", draft), ErrAlreadyCommitted)
		assert.ErrorIs(t, s.CommitArtifact(ctx, "i1", "work", a), ErrAlreadyCommitted)

		_, err = s.GetArtifact(ctx, "i2", "work")
		assert.ErrorIs(t, err, ErrArtifactNotFound)
	})

	t.Run("first commit wins", func(t *testing.T) {
		const committers = 6
		var wg sync.WaitGroup
		errs := make([]error, committers)
		for i := 0; i < committers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a := newArtifact("race")
				a.CommitDate = testTime
				errs[i] = s.CommitArtifact(ctx, "race", "work", a)
			}(i)
		}
		wg.Wait()

		won := 0
		for _, err := range errs {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, ErrAlreadyCommitted)
		}
		assert.Equal(t, 1, won)
	})
}
