package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/songzhibin97/process-engine/types"
)

// SQLiteArtifactStore keeps artifacts in a SQLite table with one row per
// (instance, activity). The commit is a conditional update, so a second
// commit of the same pair affects no row and fails with ErrAlreadyCommitted.
type SQLiteArtifactStore struct {
	db *sql.DB
}

var _ ArtifactStore = (*SQLiteArtifactStore)(nil)

// NewSQLiteArtifactStore opens the database at dsn and migrates the schema.
// Use ":memory:" for a throwaway database.
func NewSQLiteArtifactStore(dsn string) (*SQLiteArtifactStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteArtifactStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteArtifactStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		instance_id TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		content BLOB,
		shared JSON,
		creation_date INTEGER NOT NULL,
		save_date INTEGER,
		commit_date INTEGER,
		PRIMARY KEY (instance_id, activity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_committed ON artifacts(instance_id, commit_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetArtifact retrieves the artifact of an (instance, activity) pair.
func (s *SQLiteArtifactStore) GetArtifact(ctx context.Context, instanceID, activityID string) (types.Artifact, error) {
	var (
		a                types.Artifact
		shared           sql.NullString
		created          int64
		saved, committed sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, name, content_type, content, shared, creation_date, save_date, commit_date
		FROM artifacts WHERE instance_id = ? AND activity_id = ?
	`, instanceID, activityID).Scan(&a.ID, &a.Name, &a.ContentType, &a.Content, &shared, &created, &saved, &committed)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Artifact{}, fmt.Errorf("%w: key=%s", ErrArtifactNotFound, artifactKey(instanceID, activityID))
	}
	if err != nil {
		return types.Artifact{}, fmt.Errorf("failed to query artifact: %w", err)
	}
	if shared.Valid && shared.String != "" {
		if err := json.Unmarshal([]byte(shared.String), &a.SharedInformation); err != nil {
			return types.Artifact{}, fmt.Errorf("failed to unmarshal shared information: %w", err)
		}
	}
	a.CreationDate = fromUnixNano(created)
	if saved.Valid {
		a.SaveDate = fromUnixNano(saved.Int64)
	}
	if committed.Valid {
		a.CommitDate = fromUnixNano(committed.Int64)
	}
	return a, nil
}

// SaveArtifact inserts or replaces an uncommitted artifact.
func (s *SQLiteArtifactStore) SaveArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	if a.Committed() {
		return fmt.Errorf("save artifact %s: artifact carries a commit date", a.ID)
	}
	return s.upsert(ctx, instanceID, activityID, a)
}

// CommitArtifact stores a committed artifact; only the first commit wins.
func (s *SQLiteArtifactStore) CommitArtifact(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	if !a.Committed() {
		return fmt.Errorf("commit artifact %s: commit date is not set", a.ID)
	}
	return s.upsert(ctx, instanceID, activityID, a)
}

func (s *SQLiteArtifactStore) upsert(ctx context.Context, instanceID, activityID string, a types.Artifact) error {
	shared, err := json.Marshal(a.SharedInformation)
	if err != nil {
		return fmt.Errorf("failed to marshal shared information: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (instance_id, activity_id, artifact_id, name, content_type, content, shared, creation_date, save_date, commit_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, activity_id) DO UPDATE SET
			artifact_id = excluded.artifact_id,
			name = excluded.name,
			content_type = excluded.content_type,
			content = excluded.content,
			shared = excluded.shared,
			creation_date = excluded.creation_date,
			save_date = excluded.save_date,
			commit_date = excluded.commit_date
		WHERE artifacts.commit_date IS NULL
	`, instanceID, activityID, a.ID, a.Name, a.ContentType, a.Content, string(shared),
		toUnixNano(a.CreationDate), nullTime(a.SaveDate), nullTime(a.CommitDate))
	if err != nil {
		return fmt.Errorf("failed to upsert artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: key=%s", ErrAlreadyCommitted, artifactKey(instanceID, activityID))
	}
	return nil
}

// Close closes the database.
func (s *SQLiteArtifactStore) Close() error {
	return s.db.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
