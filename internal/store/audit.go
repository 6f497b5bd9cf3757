package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AppendAuditLog inserts an audit entry as its own transaction. Mutations
// that must log atomically go through the composite store operations
// instead, which append inside the mutating transaction.
func (s *Store) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendAudit(ctx, tx, entry)
	})
}

// ListAuditLog returns the most recent entries, newest first. A limit of
// 0 returns everything.
func (s *Store) ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	query := `
		SELECT id, pie_id, slice_id, kind, payload, created_at
		FROM audit_log ORDER BY rowid DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var pieID, sliceID sql.NullString
		var payload, createdStr string
		if err := rows.Scan(&e.ID, &pieID, &sliceID, &e.Kind, &payload, &createdStr); err != nil {
			return nil, err
		}
		if pieID.Valid {
			e.PieID = &pieID.String
		}
		if sliceID.Valid {
			e.SliceID = &sliceID.String
		}
		e.Payload = []byte(payload)
		e.CreatedAt = parseTime(createdStr)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func appendAudit(ctx context.Context, q dbtx, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var pieID, sliceID any
	if entry.PieID != nil {
		pieID = *entry.PieID
	}
	if entry.SliceID != nil {
		sliceID = *entry.SliceID
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, pie_id, slice_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, pieID, sliceID, entry.Kind, string(payload), formatTime(entry.CreatedAt))
	return err
}
