package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// MetadataStore implements storage.MetadataStore using SQLite.
type MetadataStore struct {
	db *sql.DB
}

// NewMetadataStore opens a SQLite database, configures WAL mode, and creates
// the schema.
func NewMetadataStore(dsn string) (*MetadataStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode allows concurrent readers to proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait instead of returning an immediate SQLITE_BUSY error when the
	// connection is held by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &MetadataStore{db: db}, nil
}

// GetDB exposes the underlying database connection so that the audit store
// can share it.
func (s *MetadataStore) GetDB() *sql.DB {
	return s.db
}

// Insert creates a metadata row with Version set to 1.
func (s *MetadataStore) Insert(ctx context.Context, meta *types.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("%w: session metadata with id is required", storage.ErrInvalidInput)
	}
	if meta.UserID == "" {
		return fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}

	meta.Version = 1
	if meta.Status == "" {
		meta.Status = types.SessionActive
	}

	query := `
		INSERT INTO sessions (
			session_id, user_id, project_path, created_at, updated_at,
			version, status, priority, efficiency_score, summary,
			snapshot_count, has_embedding, key_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		meta.SessionID,
		meta.UserID,
		meta.ProjectPath,
		meta.CreatedAt,
		meta.UpdatedAt,
		meta.Version,
		meta.Status,
		nullableString(meta.Priority),
		meta.EfficiencyScore,
		nullableString(meta.Summary),
		meta.SnapshotCount,
		boolToInt(meta.HasEmbedding),
		nullableString(meta.KeyID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, meta.SessionID)
		}
		return fmt.Errorf("%w: failed to insert session metadata: %v", storage.ErrStorage, err)
	}

	return nil
}

// Get retrieves metadata by session id.
func (s *MetadataStore) Get(ctx context.Context, sessionID string) (*types.SessionMetadata, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	query := `
		SELECT session_id, user_id, project_path, created_at, updated_at,
		       version, status, priority, efficiency_score, summary,
		       snapshot_count, has_embedding, key_id
		FROM sessions
		WHERE session_id = ?
	`

	meta, err := scanMetadata(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get session metadata: %v", storage.ErrStorage, err)
	}

	return meta, nil
}

// Update overwrites metadata iff the stored version equals expectedVersion,
// then increments the version. The compare-and-swap runs in a single
// statement so concurrent writers race on the database, not in Go.
func (s *MetadataStore) Update(ctx context.Context, meta *types.SessionMetadata, expectedVersion int64) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("%w: session metadata with id is required", storage.ErrInvalidInput)
	}

	query := `
		UPDATE sessions SET
			user_id = ?,
			project_path = ?,
			updated_at = ?,
			version = version + 1,
			status = ?,
			priority = ?,
			efficiency_score = ?,
			summary = ?,
			snapshot_count = ?,
			has_embedding = ?,
			key_id = ?
		WHERE session_id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		meta.UserID,
		meta.ProjectPath,
		meta.UpdatedAt,
		meta.Status,
		nullableString(meta.Priority),
		meta.EfficiencyScore,
		nullableString(meta.Summary),
		meta.SnapshotCount,
		boolToInt(meta.HasEmbedding),
		nullableString(meta.KeyID),
		meta.SessionID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to update session metadata: %v", storage.ErrStorage, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to check rows affected: %v", storage.ErrStorage, err)
	}

	if affected == 0 {
		// Either the row is missing or the version advanced. Distinguish so
		// callers can map to the right error.
		if _, getErr := s.Get(ctx, meta.SessionID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: session %s expected version %d", storage.ErrConflict, meta.SessionID, expectedVersion)
	}

	meta.Version = expectedVersion + 1
	return nil
}

// SetStatus transitions a session's lifecycle status without touching the
// version counter.
func (s *MetadataStore) SetStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("%w: failed to set session status: %v", storage.ErrStorage, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to check rows affected: %v", storage.ErrStorage, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// Delete removes the metadata row.
func (s *MetadataStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete session metadata: %v", storage.ErrStorage, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to check rows affected: %v", storage.ErrStorage, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// List retrieves metadata rows with pagination and filtering.
func (s *MetadataStore) List(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.SessionMetadata], error) {
	opts.Normalize()

	var conditions []string
	var args []any

	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, opts.Status)
	}
	if !opts.UpdatedAfter.IsZero() {
		conditions = append(conditions, "updated_at > ?")
		args = append(args, opts.UpdatedAfter)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("%w: failed to count sessions: %v", storage.ErrStorage, err)
	}

	// SortBy/SortOrder are whitelist-validated by Normalize, safe to splice.
	query := fmt.Sprintf(`
		SELECT session_id, user_id, project_path, created_at, updated_at,
		       version, status, priority, efficiency_score, summary,
		       snapshot_count, has_embedding, key_id
		FROM sessions%s
		ORDER BY %s %s
		LIMIT ? OFFSET ?
	`, where, opts.SortBy, opts.SortOrder)

	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list sessions: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	var items []types.SessionMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan session metadata: %v", storage.ErrStorage, err)
		}
		items = append(items, *meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration failed: %v", storage.ErrStorage, err)
	}

	return &storage.PaginatedResult[types.SessionMetadata]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// Close releases the database connection.
func (s *MetadataStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row scanner) (*types.SessionMetadata, error) {
	var meta types.SessionMetadata
	var priority, summary, keyID sql.NullString
	var hasEmbedding int

	err := row.Scan(
		&meta.SessionID,
		&meta.UserID,
		&meta.ProjectPath,
		&meta.CreatedAt,
		&meta.UpdatedAt,
		&meta.Version,
		&meta.Status,
		&priority,
		&meta.EfficiencyScore,
		&summary,
		&meta.SnapshotCount,
		&hasEmbedding,
		&keyID,
	)
	if err != nil {
		return nil, err
	}

	meta.Priority = priority.String
	meta.Summary = summary.String
	meta.KeyID = keyID.String
	meta.HasEmbedding = hasEmbedding != 0

	return &meta, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time check that MetadataStore implements storage.MetadataStore.
var _ storage.MetadataStore = (*MetadataStore)(nil)
