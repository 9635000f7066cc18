package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CanonicalStore provides persistence for merged canonical annotations and
// the emitted-group markers that make dataset generation idempotent.
type CanonicalStore struct {
	db *DB
}

// NewCanonicalStore creates a CanonicalStore backed by the given database.
func NewCanonicalStore(db *DB) *CanonicalStore {
	return &CanonicalStore{db: db}
}

// CommitGroup writes one group's canonical annotations and its emitted
// marker in a single transaction. The marker is the idempotence boundary: a
// group with a marker is never re-emitted, so either both the rows and the
// marker land or neither does.
func (s *CanonicalStore) CommitGroup(ctx context.Context, runID string, projectID int64, groupKey string, annotations []*CanonicalAnnotation) error {
	now := time.Now().UnixNano()

	return retryOnBusy(ctx, func() error {
		return s.db.withTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO canonical_annotations (
					run_id, project_id, group_key, clip_id, track_index, frame,
					xtl, ytl, xbr, ybr, policy, attributes
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, c := range annotations {
				attrs, err := marshalAttributes(c.Attributes)
				if err != nil {
					return fmt.Errorf("marshal attributes for clip %s frame %d: %w", c.ClipID, c.Frame, err)
				}
				if _, err := stmt.ExecContext(ctx,
					runID, projectID, groupKey, c.ClipID, c.TrackIndex, c.Frame,
					c.XTL, c.YTL, c.XBR, c.YBR, c.Policy, attrs); err != nil {
					return err
				}
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO emitted_groups (project_id, group_key, run_id, row_count, emitted_at)
				VALUES (?, ?, ?, ?, ?)`,
				projectID, groupKey, runID, len(annotations), now)
			return err
		})
	})
}

// IsGroupEmitted reports whether a group already carries an emitted marker.
func (s *CanonicalStore) IsGroupEmitted(ctx context.Context, projectID int64, groupKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM emitted_groups WHERE project_id = ? AND group_key = ?`,
		projectID, groupKey).Scan(&n)
	return n > 0, err
}

// ListByProject returns a project's canonical annotations ordered the way
// the dataset artifact orders rows: clip, frame, track.
func (s *CanonicalStore) ListByProject(ctx context.Context, projectID int64) ([]*CanonicalAnnotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, project_id, group_key, clip_id, track_index, frame,
			xtl, ytl, xbr, ybr, policy, attributes
		FROM canonical_annotations WHERE project_id = ?
		ORDER BY clip_id, frame, track_index`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var annotations []*CanonicalAnnotation
	for rows.Next() {
		var c CanonicalAnnotation
		var attrs string
		if err := rows.Scan(&c.ID, &c.RunID, &c.ProjectID, &c.GroupKey, &c.ClipID,
			&c.TrackIndex, &c.Frame, &c.XTL, &c.YTL, &c.XBR, &c.YBR,
			&c.Policy, &attrs); err != nil {
			return nil, err
		}
		c.Attributes, err = unmarshalAttributes(attrs)
		if err != nil {
			return nil, fmt.Errorf("canonical annotation %d: parse attributes: %w", c.ID, err)
		}
		annotations = append(annotations, &c)
	}
	return annotations, rows.Err()
}

// IsEventProcessed reports whether a (task, status) notification already
// carries a processed marker.
func (s *CanonicalStore) IsEventProcessed(ctx context.Context, taskID int64, status string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_events WHERE task_id = ? AND status = ?`,
		taskID, status).Scan(&n)
	return n > 0, err
}

// MarkEventProcessed records that a (task, status) notification has been
// handled. Returns false if the marker already existed. Callers write the
// marker only after processing succeeds, so a failed delivery stays
// unclaimed and the tool's redelivery retries it.
func (s *CanonicalStore) MarkEventProcessed(ctx context.Context, taskID int64, status string) (bool, error) {
	var first bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO processed_events (task_id, status, processed_at)
			VALUES (?, ?, ?)
			ON CONFLICT(task_id, status) DO NOTHING`,
			taskID, status, time.Now().UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		first = n > 0
		return nil
	})
	return first, err
}
