package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/process-engine/types"
)

type versionedInstance struct {
	inst    types.ProcessInstance
	version uint64
}

// MemoryStorage is an in-memory implementation of Store.
type MemoryStorage struct {
	definitions map[string]types.ProcessDefinition
	instances   map[string]versionedInstance
	artifacts   map[string]types.Artifact
	mu          sync.RWMutex
}

var _ Store = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.ProcessDefinition),
		instances:   make(map[string]versionedInstance),
		artifacts:   make(map[string]types.Artifact),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition stores a published definition.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.ProcessDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.definitions[def.ID]; ok {
			return fmt.Errorf("%w: id=%s", ErrDefinitionExists, def.ID)
		}
		s.definitions[def.ID] = def
		return nil
	})
}

// LoadDefinition retrieves a definition from memory.
func (s *MemoryStorage) LoadDefinition(ctx context.Context, id string) (types.ProcessDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// CreateInstance stores a new instance at version 1.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.ProcessInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; ok {
			return fmt.Errorf("%w: id=%s", ErrInstanceExists, inst.ID)
		}
		s.instances[inst.ID] = versionedInstance{inst: inst.Clone(), version: 1}
		return nil
	})
}

// LoadInstance retrieves an instance and its version from memory.
func (s *MemoryStorage) LoadInstance(ctx context.Context, id string) (types.ProcessInstance, uint64, error) {
	v, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return types.ProcessInstance{}, 0, err
	}
	return v.inst.Clone(), v.version, nil
}

// CompareAndSwap replaces the instance if version is current.
func (s *MemoryStorage) CompareAndSwap(ctx context.Context, id string, version uint64, inst types.ProcessInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.instances[id]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrInstanceNotFound, id)
		}
		if cur.version != version {
			return fmt.Errorf("%w: id=%s have=%d want=%d", ErrVersionConflict, id, cur.version, version)
		}
		s.instances[id] = versionedInstance{inst: inst.Clone(), version: version + 1}
		return nil
	})
}

// GetArtifact retrieves the artifact of an (instance, activity) pair.
func (s *MemoryStorage) GetArtifact(ctx context.Context, instanceID, activityID string) (types.Artifact, error) {
	return getItem(ctx, &s.mu, s.artifacts, artifactKey(instanceID, activityID), ErrArtifactNotFound)
}

// SaveArtifact stores an uncommitted artifact.
func (s *MemoryStorage) SaveArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	return s.putArtifact(ctx, instanceID, activityID, a)
}

// CommitArtifact stores a committed artifact; only the first commit wins.
func (s *MemoryStorage) CommitArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	if !a.Committed() {
		return fmt.Errorf("commit artifact %s: commit date is not set", a.ID)
	}
	return s.putArtifact(ctx, instanceID, activityID, a)
}

func (s *MemoryStorage) putArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	return withContextError(ctx, func() error {
		key := artifactKey(instanceID, activityID)
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.artifacts[key]; ok && cur.Committed() {
			return fmt.Errorf("%w: key=%s", ErrAlreadyCommitted, key)
		}
		s.artifacts[key] = a
		return nil
	})
}

// ClearCompleted removes instances whose position is terminal, together with
// their artifacts.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, v := range s.instances {
			def, ok := s.definitions[v.inst.DefinitionID]
			if !ok || !v.inst.Position.IsTerminal(&def) {
				continue
			}
			delete(s.instances, id)
			for _, step := range v.inst.Trail {
				delete(s.artifacts, artifactKey(id, step.ActivityID))
			}
		}
		return nil
	})
}

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }
