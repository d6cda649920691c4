package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/process-engine/types"
)

const (
	definitionPrefix = "definition:"
	instancePrefix   = "instance:"
	artifactPrefix   = "artifact:"
)

// ErrNotFound is returned when a key is missing from Redis. Errors returned
// by RedisStorage wrap both ErrNotFound and the specific not-found error.
var ErrNotFound = errors.New("resource not found")

// RedisStorage is a Redis-backed implementation of Store.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces every key, e.g. "process:".
	KeyPrefix string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, prefix: opts.KeyPrefix}, nil
}

func (s *RedisStorage) key(prefix, id string) string {
	return s.prefix + prefix + id
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: %w: key=%s", errNotFound, ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveDefinition stores a definition unless its id is already taken.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.ProcessDefinition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %w", def.ID, err)
		}
		key := s.key(definitionPrefix, def.ID)
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrDefinitionExists, def.ID)
		}
		return nil
	})
}

// LoadDefinition retrieves a definition from Redis.
func (s *RedisStorage) LoadDefinition(ctx context.Context, id string) (types.ProcessDefinition, error) {
	return getFromRedis[types.ProcessDefinition](ctx, s.client, s.key(definitionPrefix, id), ErrDefinitionNotFound)
}

// CreateInstance stores a new instance at version 1.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.ProcessInstance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(versionedRecord{Version: 1, Instance: inst})
		if err != nil {
			return fmt.Errorf("failed to marshal instance %s: %w", inst.ID, err)
		}
		key := s.key(instancePrefix, inst.ID)
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrInstanceExists, inst.ID)
		}
		return nil
	})
}

// LoadInstance retrieves an instance and its version from Redis.
func (s *RedisStorage) LoadInstance(ctx context.Context, id string) (types.ProcessInstance, uint64, error) {
	ri, err := getFromRedis[versionedRecord](ctx, s.client, s.key(instancePrefix, id), ErrInstanceNotFound)
	if err != nil {
		return types.ProcessInstance{}, 0, err
	}
	return ri.Instance, ri.Version, nil
}

// CompareAndSwap replaces the instance inside a WATCH/MULTI transaction.
func (s *RedisStorage) CompareAndSwap(ctx context.Context, id string, version uint64, inst types.ProcessInstance) error {
	return withContextError(ctx, func() error {
		key := s.key(instancePrefix, id)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := getFromRedis[versionedRecord](ctx, tx, key, ErrInstanceNotFound)
			if err != nil {
				return err
			}
			if cur.Version != version {
				return fmt.Errorf("%w: id=%s have=%d want=%d", ErrVersionConflict, id, cur.Version, version)
			}
			data, err := json.Marshal(versionedRecord{Version: version + 1, Instance: inst})
			if err != nil {
				return fmt.Errorf("failed to marshal instance %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%s changed concurrently", ErrVersionConflict, id)
		}
		return err
	})
}

// GetArtifact retrieves the artifact of an (instance, activity) pair.
func (s *RedisStorage) GetArtifact(ctx context.Context, instanceID, activityID string) (types.Artifact, error) {
	return getFromRedis[types.Artifact](ctx, s.client, s.key(artifactPrefix, artifactKey(instanceID, activityID)), ErrArtifactNotFound)
}

// SaveArtifact stores an uncommitted artifact.
func (s *RedisStorage) SaveArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	return s.putArtifact(ctx, instanceID, activityID, a)
}

// CommitArtifact stores a committed artifact; only the first commit wins.
func (s *RedisStorage) CommitArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	if !a.Committed() {
		return fmt.Errorf("commit artifact %s: commit date is not set", a.ID)
	}
	return s.putArtifact(ctx, instanceID, activityID, a)
}

func (s *RedisStorage) putArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	return withContextError(ctx, func() error {
		key := s.key(artifactPrefix, artifactKey(instanceID, activityID))
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact %s: %w", a.ID, err)
		}
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := getFromRedis[types.Artifact](ctx, tx, key, ErrArtifactNotFound)
			if err == nil && cur.Committed() {
				return fmt.Errorf("%w: key=%s", ErrAlreadyCommitted, key)
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: key=%s changed concurrently", ErrAlreadyCommitted, key)
		}
		return err
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
