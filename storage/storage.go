package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/process-engine/types"
)

// Errors shared by every backend.
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrDefinitionExists   = errors.New("definition already published")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInstanceExists     = errors.New("instance already exists")
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrVersionConflict    = errors.New("instance version conflict")
	ErrAlreadyCommitted   = errors.New("artifact already committed")
)

// DefinitionStore persists published process definitions. Definitions are
// immutable: publishing an existing id fails with ErrDefinitionExists.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def types.ProcessDefinition) error
	LoadDefinition(ctx context.Context, id string) (types.ProcessDefinition, error)
}

// InstanceStore persists process instances under optimistic concurrency.
type InstanceStore interface {
	// CreateInstance stores a new instance at version 1.
	CreateInstance(ctx context.Context, inst types.ProcessInstance) error
	// LoadInstance returns the instance and its current version.
	LoadInstance(ctx context.Context, id string) (types.ProcessInstance, uint64, error)
	// CompareAndSwap replaces the instance only if its version is still
	// version, otherwise it fails with ErrVersionConflict.
	CompareAndSwap(ctx context.Context, id string, version uint64, inst types.ProcessInstance) error
}

// ArtifactStore persists one artifact per (instance, activity) pair. Once
// committed an artifact can be neither saved nor committed again
// (ErrAlreadyCommitted).
type ArtifactStore interface {
	GetArtifact(ctx context.Context, instanceID, activityID string) (types.Artifact, error)
	SaveArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error
	CommitArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error
}

// Store bundles the three stores a backend usually provides together.
type Store interface {
	DefinitionStore
	InstanceStore
	ArtifactStore
	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// versionedRecord is the stored form of an instance with its version, shared
// by the redis and bolt backends.
type versionedRecord struct {
	Version  uint64                `json:"version"`
	Instance types.ProcessInstance `json:"instance"`
}

func artifactKey(instanceID, activityID string) string {
	return instanceID + "/" + activityID
}
