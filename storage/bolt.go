package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/songzhibin97/process-engine/types"
)

var (
	definitionBucket = []byte("definitions")
	instanceBucket   = []byte("instances")
	artifactBucket   = []byte("artifacts")
)

// BoltStorage is a BoltDB-backed implementation of Store. Every write runs in
// a single bbolt update transaction, which serializes writers.
type BoltStorage struct {
	db *bbolt.DB
}

var _ Store = (*BoltStorage)(nil)

// BoltOptions configures NewBoltStorage.
type BoltOptions struct {
	Path string
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
}

// NewBoltStorage opens (or creates) the database file and its buckets.
func NewBoltStorage(opts BoltOptions) (*BoltStorage, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", opts.Path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{definitionBucket, instanceBucket, artifactBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bolt buckets: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func getFromBolt[T any](tx *bbolt.Tx, bucket []byte, key string, errNotFound error) (T, error) {
	var zero T
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s/%s: %w", bucket, key, err)
	}
	return result, nil
}

func putToBolt(tx *bbolt.Tx, bucket []byte, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (s *BoltStorage) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	return withContextError(ctx, func() error { return s.db.View(fn) })
}

func (s *BoltStorage) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	return withContextError(ctx, func() error { return s.db.Update(fn) })
}

// SaveDefinition stores a definition unless its id is already taken.
func (s *BoltStorage) SaveDefinition(ctx context.Context, def types.ProcessDefinition) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(definitionBucket).Get([]byte(def.ID)) != nil {
			return fmt.Errorf("%w: id=%s", ErrDefinitionExists, def.ID)
		}
		return putToBolt(tx, definitionBucket, def.ID, def)
	})
}

// LoadDefinition retrieves a definition.
func (s *BoltStorage) LoadDefinition(ctx context.Context, id string) (def types.ProcessDefinition, err error) {
	err = s.view(ctx, func(tx *bbolt.Tx) error {
		def, err = getFromBolt[types.ProcessDefinition](tx, definitionBucket, id, ErrDefinitionNotFound)
		return err
	})
	return def, err
}

// CreateInstance stores a new instance at version 1.
func (s *BoltStorage) CreateInstance(ctx context.Context, inst types.ProcessInstance) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(instanceBucket).Get([]byte(inst.ID)) != nil {
			return fmt.Errorf("%w: id=%s", ErrInstanceExists, inst.ID)
		}
		return putToBolt(tx, instanceBucket, inst.ID, versionedRecord{Version: 1, Instance: inst})
	})
}

// LoadInstance retrieves an instance and its version.
func (s *BoltStorage) LoadInstance(ctx context.Context, id string) (types.ProcessInstance, uint64, error) {
	var v versionedRecord
	err := s.view(ctx, func(tx *bbolt.Tx) (err error) {
		v, err = getFromBolt[versionedRecord](tx, instanceBucket, id, ErrInstanceNotFound)
		return err
	})
	if err != nil {
		return types.ProcessInstance{}, 0, err
	}
	return v.Instance, v.Version, nil
}

// CompareAndSwap replaces the instance if version is current.
func (s *BoltStorage) CompareAndSwap(ctx context.Context, id string, version uint64, inst types.ProcessInstance) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		cur, err := getFromBolt[versionedRecord](tx, instanceBucket, id, ErrInstanceNotFound)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return fmt.Errorf("%w: id=%s have=%d want=%d", ErrVersionConflict, id, cur.Version, version)
		}
		return putToBolt(tx, instanceBucket, id, versionedRecord{Version: version + 1, Instance: inst})
	})
}

// GetArtifact retrieves the artifact of an (instance, activity) pair.
func (s *BoltStorage) GetArtifact(ctx context.Context, instanceID, activityID string) (a types.Artifact, err error) {
	err = s.view(ctx, func(tx *bbolt.Tx) error {
		a, err = getFromBolt[types.Artifact](tx, artifactBucket, artifactKey(instanceID, activityID), ErrArtifactNotFound)
		return err
	})
	return a, err
}

// SaveArtifact stores an uncommitted artifact.
func (s *BoltStorage) SaveArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	return s.putArtifact(ctx, instanceID, activityID, a)
}

// CommitArtifact stores a committed artifact; only the first commit wins.
func (s *BoltStorage) CommitArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	if !a.Committed() {
		return fmt.Errorf("commit artifact %s: commit date is not set", a.ID)
	}
	return s.putArtifact(ctx, instanceID, activityID, a)
}

func (s *BoltStorage) putArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	key := artifactKey(instanceID, activityID)
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if data := tx.Bucket(artifactBucket).Get([]byte(key)); data != nil {
			var cur types.Artifact
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("failed to unmarshal %s/%s: %w", artifactBucket, key, err)
			}
			if cur.Committed() {
				return fmt.Errorf("%w: key=%s", ErrAlreadyCommitted, key)
			}
		}
		return putToBolt(tx, artifactBucket, key, a)
	})
}

// Close closes the database file.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
