package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// AnnotationStore provides persistence for raw per-annotator annotations.
// Individual rows are never mutated: the ingest path replaces a task's
// export wholesale, so a re-sync after a partial failure converges on the
// tool's current state instead of duplicating rows.
type AnnotationStore struct {
	db *DB
}

// NewAnnotationStore creates an AnnotationStore backed by the given database.
func NewAnnotationStore(db *DB) *AnnotationStore {
	return &AnnotationStore{db: db}
}

// InsertBatch writes a task's exported annotations in one transaction.
func (s *AnnotationStore) InsertBatch(ctx context.Context, annotations []*RawAnnotation) error {
	if len(annotations) == 0 {
		return nil
	}

	return retryOnBusy(ctx, func() error {
		return s.db.withTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO raw_annotations (
					task_id, track_id, frame, xtl, ytl, xbr, ybr, outside, attributes
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, a := range annotations {
				attrs, err := marshalAttributes(a.Attributes)
				if err != nil {
					return fmt.Errorf("marshal attributes for task %d track %d frame %d: %w",
						a.TaskID, a.TrackID, a.Frame, err)
				}
				res, err := stmt.ExecContext(ctx,
					a.TaskID, a.TrackID, a.Frame,
					a.XTL, a.YTL, a.XBR, a.YBR, a.Outside, attrs)
				if err != nil {
					return err
				}
				if a.AnnotationID == 0 {
					if id, err := res.LastInsertId(); err == nil {
						a.AnnotationID = id
					}
				}
			}
			return nil
		})
	})
}

// ReplaceForTask swaps a task's stored annotations for a freshly exported
// set in one transaction. Replaying the same export is a no-op in effect,
// which keeps webhook redelivery and manual re-syncs safe.
func (s *AnnotationStore) ReplaceForTask(ctx context.Context, taskID int64, annotations []*RawAnnotation) error {
	return retryOnBusy(ctx, func() error {
		return s.db.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM raw_annotations WHERE task_id = ?`, taskID); err != nil {
				return err
			}

			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO raw_annotations (
					task_id, track_id, frame, xtl, ytl, xbr, ybr, outside, attributes
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, a := range annotations {
				attrs, err := marshalAttributes(a.Attributes)
				if err != nil {
					return fmt.Errorf("marshal attributes for task %d track %d frame %d: %w",
						taskID, a.TrackID, a.Frame, err)
				}
				if _, err := stmt.ExecContext(ctx,
					taskID, a.TrackID, a.Frame,
					a.XTL, a.YTL, a.XBR, a.YBR, a.Outside, attrs); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListByTask returns a task's annotations ordered by track then frame.
func (s *AnnotationStore) ListByTask(ctx context.Context, taskID int64) ([]*RawAnnotation, error) {
	return s.list(ctx, `
		SELECT annotation_id, task_id, track_id, frame, xtl, ytl, xbr, ybr, outside, attributes
		FROM raw_annotations WHERE task_id = ? ORDER BY track_id, frame`, taskID)
}

// ListByTasks returns annotations for a set of tasks keyed by task id.
func (s *AnnotationStore) ListByTasks(ctx context.Context, taskIDs []int64) (map[int64][]*RawAnnotation, error) {
	byTask := make(map[int64][]*RawAnnotation, len(taskIDs))
	if len(taskIDs) == 0 {
		return byTask, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}

	annotations, err := s.list(ctx, fmt.Sprintf(`
		SELECT annotation_id, task_id, track_id, frame, xtl, ytl, xbr, ybr, outside, attributes
		FROM raw_annotations WHERE task_id IN (%s) ORDER BY task_id, track_id, frame`,
		placeholders), args...)
	if err != nil {
		return nil, err
	}

	for _, a := range annotations {
		byTask[a.TaskID] = append(byTask[a.TaskID], a)
	}
	return byTask, nil
}

// CountByTask returns the number of annotations stored for a task.
func (s *AnnotationStore) CountByTask(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_annotations WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

func (s *AnnotationStore) list(ctx context.Context, query string, args ...any) ([]*RawAnnotation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var annotations []*RawAnnotation
	for rows.Next() {
		var a RawAnnotation
		var attrs string
		if err := rows.Scan(&a.AnnotationID, &a.TaskID, &a.TrackID, &a.Frame,
			&a.XTL, &a.YTL, &a.XBR, &a.YBR, &a.Outside, &attrs); err != nil {
			return nil, err
		}
		a.Attributes, err = unmarshalAttributes(attrs)
		if err != nil {
			return nil, fmt.Errorf("annotation %d: parse attributes: %w", a.AnnotationID, err)
		}
		annotations = append(annotations, &a)
	}
	return annotations, rows.Err()
}
