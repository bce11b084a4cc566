package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/sessiond/internal/security"
)

// AuditStore implements security.AuditStore on SQLite, sharing the metadata
// store's database. The table carries no UPDATE or DELETE path; records are
// only ever appended.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store over an existing database connection.
// The schema is expected to exist already (created by NewMetadataStore).
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes one audit record.
func (s *AuditStore) Append(ctx context.Context, rec *security.AuditRecord) error {
	detailsJSON, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (event_id, event_type, actor, resource, details, created_at, integrity, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.EventID,
		rec.EventType,
		rec.Actor,
		nullableString(rec.Resource),
		string(detailsJSON),
		rec.CreatedAt,
		rec.Integrity,
		rec.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	return nil
}

// Last returns the most recent record, or nil when the log is empty.
func (s *AuditStore) Last(ctx context.Context) (*security.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, actor, resource, details, created_at, integrity, prev_hash
		FROM audit_log
		ORDER BY id DESC
		LIMIT 1
	`)

	rec, err := scanAuditRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit head: %w", err)
	}

	return rec, nil
}

// Walk visits every record in append order.
func (s *AuditStore) Walk(ctx context.Context, fn func(rec *security.AuditRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, actor, resource, details, created_at, integrity, prev_hash
		FROM audit_log
		ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to walk audit log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return fmt.Errorf("failed to scan audit record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}

	return rows.Err()
}

func scanAuditRecord(row scanner) (*security.AuditRecord, error) {
	var rec security.AuditRecord
	var resource sql.NullString
	var detailsJSON string

	err := row.Scan(
		&rec.EventID,
		&rec.EventType,
		&rec.Actor,
		&resource,
		&detailsJSON,
		&rec.CreatedAt,
		&rec.Integrity,
		&rec.PrevHash,
	)
	if err != nil {
		return nil, err
	}

	rec.Resource = resource.String
	if detailsJSON != "" && detailsJSON != "null" {
		if err := json.Unmarshal([]byte(detailsJSON), &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}

	return &rec, nil
}

// Compile-time check that AuditStore implements security.AuditStore.
var _ security.AuditStore = (*AuditStore)(nil)
