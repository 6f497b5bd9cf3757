package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CreatePie inserts a new pie and its pie.created audit entry in one
// transaction. A slug collision returns a ConflictError.
func (s *Store) CreatePie(ctx context.Context, name, slug string) (*Pie, error) {
	pie := &Pie{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: time.Now().UTC(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pies (id, name, slug, created_at)
			VALUES (?, ?, ?, ?)
		`, pie.ID, pie.Name, pie.Slug, formatTime(pie.CreatedAt))
		if err != nil {
			return translateErr(err)
		}

		payload, _ := json.Marshal(map[string]string{"name": name, "slug": slug})
		return appendAudit(ctx, tx, &AuditEntry{
			PieID:   &pie.ID,
			Kind:    KindPieCreated,
			Payload: payload,
		})
	})
	if err != nil {
		return nil, err
	}
	return pie, nil
}

// ListPies returns all pies, newest first.
func (s *Store) ListPies(ctx context.Context) ([]*Pie, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, created_at
		FROM pies ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pies []*Pie
	for rows.Next() {
		var pie Pie
		var createdStr string
		if err := rows.Scan(&pie.ID, &pie.Name, &pie.Slug, &createdStr); err != nil {
			return nil, err
		}
		pie.CreatedAt = parseTime(createdStr)
		pies = append(pies, &pie)
	}
	return pies, rows.Err()
}

// FindPieByIDOrSlug retrieves a pie by id or slug. Returns (nil, nil)
// when no pie matches.
func (s *Store) FindPieByIDOrSlug(ctx context.Context, identifier string) (*Pie, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at
		FROM pies WHERE id = ? OR slug = ?
	`, identifier, identifier)

	var pie Pie
	var createdStr string
	err := row.Scan(&pie.ID, &pie.Name, &pie.Slug, &createdStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pie.CreatedAt = parseTime(createdStr)
	return &pie, nil
}

// DeletePie removes a pie; its slices and their resources go with it via
// cascade, and audit rows referencing them are nulled out.
func (s *Store) DeletePie(ctx context.Context, pieID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pies WHERE id = ?`, pieID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePieCascade removes a pie and all its slices in one transaction,
// writing the full audit trail atomically: slice.stopped for each slice
// that was still running, slice.deleted for each slice (pieId only, so
// the row survives the slice cascade), and finally pie.deleted.
//
// The pie.deleted entry carries the pie id in its payload but leaves the
// row-level pie_id null: a referencing row would be nulled by the
// ON DELETE SET NULL cascade anyway, and this keeps the id readable.
func (s *Store) DeletePieCascade(ctx context.Context, pie *Pie) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, host, status FROM slices WHERE pie_id = ? ORDER BY ordinal
		`, pie.ID)
		if err != nil {
			return err
		}
		type sliceRow struct {
			id, host, status string
		}
		var slices []sliceRow
		for rows.Next() {
			var sr sliceRow
			if err := rows.Scan(&sr.id, &sr.host, &sr.status); err != nil {
				rows.Close()
				return err
			}
			slices = append(slices, sr)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := formatTime(time.Now().UTC())
		for _, sr := range slices {
			if sr.status != StatusStopped {
				if _, err := tx.ExecContext(ctx, `
					UPDATE slices SET status = ?, stopped_at = ? WHERE id = ?
				`, StatusStopped, now, sr.id); err != nil {
					return err
				}
				payload, _ := json.Marshal(map[string]string{"host": sr.host})
				if err := appendAudit(ctx, tx, &AuditEntry{
					PieID:   &pie.ID,
					SliceID: &sr.id,
					Kind:    KindSliceStopped,
					Payload: payload,
				}); err != nil {
					return err
				}
			}

			payload, _ := json.Marshal(map[string]string{
				"pieId":   pie.ID,
				"sliceId": sr.id,
				"host":    sr.host,
			})
			// pieId only: a slice_id reference would be nulled when the
			// slice row goes away below.
			if err := appendAudit(ctx, tx, &AuditEntry{
				PieID:   &pie.ID,
				Kind:    KindSliceDeleted,
				Payload: payload,
			}); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM slices WHERE id = ?`, sr.id); err != nil {
				return err
			}
		}

		payload, _ := json.Marshal(map[string]string{"pieId": pie.ID, "slug": pie.Slug})
		if err := appendAudit(ctx, tx, &AuditEntry{
			Kind:    KindPieDeleted,
			Payload: payload,
		}); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM pies WHERE id = ?`, pie.ID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// formatTime renders a timestamp for storage. UTC, RFC3339 with
// nanoseconds so created_at ordering is stable.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// parseTimePtr parses an optional stored timestamp.
func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
