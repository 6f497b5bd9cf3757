package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NextSliceOrdinal returns max(ordinal)+1 for the pie, starting at 1.
func (s *Store) NextSliceOrdinal(ctx context.Context, pieID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(ordinal), 0) + 1 FROM slices WHERE pie_id = ?
	`, pieID).Scan(&next)
	return next, err
}

// CreateSlice inserts a slice. Collisions on host or (pie_id, ordinal)
// return a ConflictError.
func (s *Store) CreateSlice(ctx context.Context, slice *Slice) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertSlice(ctx, tx, slice)
	})
}

// AddSliceResources inserts a batch of resources for a slice in one
// transaction. Any uniqueness violation ((slice_id, key), allocated_port
// or route_host) fails the whole batch.
func (s *Store) AddSliceResources(ctx context.Context, sliceID string, resources []*SliceResource) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertResources(ctx, tx, sliceID, resources)
	})
}

// CreateSliceWithResources persists a slice, its resource batch and the
// slice.created audit entry in a single transaction, so a conflict on any
// row leaves no partial slice behind.
func (s *Store) CreateSliceWithResources(ctx context.Context, slice *Slice, resources []*SliceResource) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertSlice(ctx, tx, slice); err != nil {
			return err
		}
		if err := insertResources(ctx, tx, slice.ID, resources); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]any{
			"host":    slice.Host,
			"ordinal": slice.Ordinal,
		})
		return appendAudit(ctx, tx, &AuditEntry{
			PieID:   &slice.PieID,
			SliceID: &slice.ID,
			Kind:    KindSliceCreated,
			Payload: payload,
		})
	})
}

func insertSlice(ctx context.Context, q dbtx, slice *Slice) error {
	if slice.ID == "" {
		slice.ID = uuid.NewString()
	}
	if slice.CreatedAt.IsZero() {
		slice.CreatedAt = time.Now().UTC()
	}

	var stoppedAt any
	if slice.StoppedAt != nil {
		stoppedAt = formatTime(*slice.StoppedAt)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO slices (id, pie_id, ordinal, host, status, created_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, slice.ID, slice.PieID, slice.Ordinal, slice.Host, slice.Status,
		formatTime(slice.CreatedAt), stoppedAt)
	return translateErr(err)
}

func insertResources(ctx context.Context, q dbtx, sliceID string, resources []*SliceResource) error {
	for _, res := range resources {
		if res.ID == "" {
			res.ID = uuid.NewString()
		}
		if res.CreatedAt.IsZero() {
			res.CreatedAt = time.Now().UTC()
		}
		res.SliceID = sliceID

		var routeHost any
		if res.RouteHost != "" {
			routeHost = res.RouteHost
		}
		primaryInt := 0
		if res.IsPrimaryHTTP {
			primaryInt = 1
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO slice_resources (id, slice_id, key, allocated_port, protocol, expose, route_host, is_primary_http, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, res.ID, res.SliceID, res.Key, res.AllocatedPort, res.Protocol,
			res.Expose, routeHost, primaryInt, formatTime(res.CreatedAt))
		if err != nil {
			return translateErr(err)
		}
	}
	return nil
}

// UpdateSliceStatus sets a slice's status. stopped_at is set exactly when
// the status first becomes stopped (repeating the transition is a no-op)
// and cleared again on any other status, keeping stopped_at non-null
// if and only if the status is stopped.
func (s *Store) UpdateSliceStatus(ctx context.Context, sliceID, status string) error {
	var res sql.Result
	var err error
	if status == StatusStopped {
		res, err = s.db.ExecContext(ctx, `
			UPDATE slices
			SET status = ?, stopped_at = COALESCE(stopped_at, ?)
			WHERE id = ?
		`, status, formatTime(time.Now().UTC()), sliceID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE slices SET status = ?, stopped_at = NULL WHERE id = ?
		`, status, sliceID)
	}
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// StopSlice idempotently transitions a slice to stopped, appending the
// slice.stopped audit entry in the same transaction when the status
// actually changed. Returns whether a transition happened.
func (s *Store) StopSlice(ctx context.Context, sliceID string) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var pieID, host, status string
		err := tx.QueryRowContext(ctx, `
			SELECT pie_id, host, status FROM slices WHERE id = ?
		`, sliceID).Scan(&pieID, &host, &status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status == StatusStopped {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE slices SET status = ?, stopped_at = ? WHERE id = ?
		`, StatusStopped, formatTime(time.Now().UTC()), sliceID); err != nil {
			return err
		}
		changed = true

		payload, _ := json.Marshal(map[string]string{"host": host})
		return appendAudit(ctx, tx, &AuditEntry{
			PieID:   &pieID,
			SliceID: &sliceID,
			Kind:    KindSliceStopped,
			Payload: payload,
		})
	})
	return changed, err
}

// DeleteSlice removes a slice and, via cascade, its resources.
func (s *Store) DeleteSlice(ctx context.Context, sliceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slices WHERE id = ?`, sliceID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSliceWithAudit removes a slice and appends the slice.deleted
// audit entry in the same transaction. The entry references only the pie
// (a slice_id reference would be nulled by the cascade it describes).
func (s *Store) DeleteSliceWithAudit(ctx context.Context, slice *Slice) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		payload, _ := json.Marshal(map[string]string{
			"pieId":   slice.PieID,
			"sliceId": slice.ID,
			"host":    slice.Host,
		})
		if err := appendAudit(ctx, tx, &AuditEntry{
			PieID:   &slice.PieID,
			Kind:    KindSliceDeleted,
			Payload: payload,
		}); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM slices WHERE id = ?`, slice.ID)
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

// GetSliceByID retrieves a slice by id. Returns (nil, nil) when missing.
func (s *Store) GetSliceByID(ctx context.Context, id string) (*Slice, error) {
	return scanSliceQuery(s.db.QueryRowContext(ctx, `
		SELECT id, pie_id, ordinal, host, status, created_at, stopped_at
		FROM slices WHERE id = ?
	`, id))
}

// GetSliceByHost retrieves a slice by its hostname. Returns (nil, nil)
// when missing.
func (s *Store) GetSliceByHost(ctx context.Context, host string) (*Slice, error) {
	return scanSliceQuery(s.db.QueryRowContext(ctx, `
		SELECT id, pie_id, ordinal, host, status, created_at, stopped_at
		FROM slices WHERE host = ?
	`, host))
}

func scanSliceQuery(row *sql.Row) (*Slice, error) {
	var slice Slice
	var createdStr string
	var stoppedStr sql.NullString

	err := row.Scan(&slice.ID, &slice.PieID, &slice.Ordinal, &slice.Host,
		&slice.Status, &createdStr, &stoppedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slice.CreatedAt = parseTime(createdStr)
	slice.StoppedAt = parseTimePtr(stoppedStr)
	return &slice, nil
}

// ListSlices returns slices with their resources, newest slice first.
// An empty pieID lists slices across all pies.
func (s *Store) ListSlices(ctx context.Context, pieID string) ([]*SliceWithResources, error) {
	query := `
		SELECT id, pie_id, ordinal, host, status, created_at, stopped_at
		FROM slices ORDER BY created_at DESC
	`
	args := []any{}
	if pieID != "" {
		query = `
			SELECT id, pie_id, ordinal, host, status, created_at, stopped_at
			FROM slices WHERE pie_id = ? ORDER BY created_at DESC
		`
		args = append(args, pieID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slices []*SliceWithResources
	for rows.Next() {
		var slice Slice
		var createdStr string
		var stoppedStr sql.NullString
		if err := rows.Scan(&slice.ID, &slice.PieID, &slice.Ordinal, &slice.Host,
			&slice.Status, &createdStr, &stoppedStr); err != nil {
			return nil, err
		}
		slice.CreatedAt = parseTime(createdStr)
		slice.StoppedAt = parseTimePtr(stoppedStr)
		slices = append(slices, &SliceWithResources{Slice: slice})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, swr := range slices {
		resources, err := s.listResources(ctx, swr.ID)
		if err != nil {
			return nil, err
		}
		swr.Resources = resources
	}
	return slices, nil
}

// listResources returns a slice's resources in insertion order.
func (s *Store) listResources(ctx context.Context, sliceID string) ([]*SliceResource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slice_id, key, allocated_port, protocol, expose, route_host, is_primary_http, created_at
		FROM slice_resources WHERE slice_id = ? ORDER BY rowid
	`, sliceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resources := []*SliceResource{}
	for rows.Next() {
		var res SliceResource
		var routeHost sql.NullString
		var primaryInt int
		var createdStr string
		if err := rows.Scan(&res.ID, &res.SliceID, &res.Key, &res.AllocatedPort,
			&res.Protocol, &res.Expose, &routeHost, &primaryInt, &createdStr); err != nil {
			return nil, err
		}
		res.RouteHost = routeHost.String
		res.IsPrimaryHTTP = primaryInt != 0
		res.CreatedAt = parseTime(createdStr)
		resources = append(resources, &res)
	}
	return resources, rows.Err()
}

// AllocatedPorts returns every port currently persisted on a resource.
// The allocator treats these as reserved regardless of slice status.
func (s *Store) AllocatedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT allocated_port FROM slice_resources ORDER BY allocated_port
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// GetHostRoute looks up the route for a hostname: the resource holding
// the route joined with its slice. Returns (nil, nil) when no resource
// routes the host.
func (s *Store) GetHostRoute(ctx context.Context, host string) (*HostRoute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.route_host, r.allocated_port, sl.id, sl.pie_id, sl.status
		FROM slice_resources r
		JOIN slices sl ON sl.id = r.slice_id
		WHERE r.route_host = ?
	`, host)

	var route HostRoute
	err := row.Scan(&route.Host, &route.Port, &route.SliceID, &route.PieID, &route.SliceStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}
