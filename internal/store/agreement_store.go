package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AgreementStore provides persistence for agreement records and group
// quality-control states.
type AgreementStore struct {
	db *DB
}

// NewAgreementStore creates an AgreementStore backed by the given database.
func NewAgreementStore(db *DB) *AgreementStore {
	return &AgreementStore{db: db}
}

// ReplaceGroupRecords atomically replaces an overlap group's agreement
// records with a freshly computed set. Scoring is a pure function of the
// stored raw annotations, so recomputation swaps the whole set rather than
// mutating individual rows.
func (s *AgreementStore) ReplaceGroupRecords(ctx context.Context, projectID int64, groupKey string, records []*AgreementRecord) error {
	now := time.Now().UnixNano()

	return retryOnBusy(ctx, func() error {
		return s.db.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM agreement_records WHERE project_id = ? AND group_key = ?`,
				projectID, groupKey)
			if err != nil {
				return err
			}

			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO agreement_records (
					record_id, project_id, group_key, kind, scope, value, no_data, computed_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, rec := range records {
				if rec.RecordID == "" {
					rec.RecordID = uuid.New().String()
				}
				if rec.ComputedAt == 0 {
					rec.ComputedAt = now
				}
				rec.ProjectID = projectID
				rec.GroupKey = groupKey
				if _, err := stmt.ExecContext(ctx,
					rec.RecordID, rec.ProjectID, rec.GroupKey, rec.Kind,
					rec.Scope, rec.Value, rec.NoData, rec.ComputedAt); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListGroupRecords returns an overlap group's agreement records ordered by
// kind then scope.
func (s *AgreementStore) ListGroupRecords(ctx context.Context, projectID int64, groupKey string) ([]*AgreementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, project_id, group_key, kind, scope, value, no_data, computed_at
		FROM agreement_records WHERE project_id = ? AND group_key = ?
		ORDER BY kind, scope`, projectID, groupKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AgreementRecord
	for rows.Next() {
		var r AgreementRecord
		if err := rows.Scan(&r.RecordID, &r.ProjectID, &r.GroupKey, &r.Kind,
			&r.Scope, &r.Value, &r.NoData, &r.ComputedAt); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// SetGroupState records the pass/fail outcome for an overlap group.
func (s *AgreementStore) SetGroupState(ctx context.Context, state *GroupState) error {
	if state.UpdatedAt == 0 {
		state.UpdatedAt = time.Now().UnixNano()
	}

	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO qc_groups (project_id, group_key, state, forced, iaa, iaa_no_data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_id, group_key) DO UPDATE SET
				state = excluded.state,
				forced = excluded.forced,
				iaa = excluded.iaa,
				iaa_no_data = excluded.iaa_no_data,
				updated_at = excluded.updated_at`,
			state.ProjectID, state.GroupKey, state.State, state.Forced,
			state.IAA, state.IAANoData, state.UpdatedAt)
		return err
	})
}

// GetGroupState returns an overlap group's state, or nil if quality control
// has never run for it.
func (s *AgreementStore) GetGroupState(ctx context.Context, projectID int64, groupKey string) (*GroupState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, group_key, state, forced, iaa, iaa_no_data, updated_at
		FROM qc_groups WHERE project_id = ? AND group_key = ?`, projectID, groupKey)

	var g GroupState
	err := row.Scan(&g.ProjectID, &g.GroupKey, &g.State, &g.Forced,
		&g.IAA, &g.IAANoData, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroupStates returns all group states for a project ordered by group
// key.
func (s *AgreementStore) ListGroupStates(ctx context.Context, projectID int64) ([]*GroupState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, group_key, state, forced, iaa, iaa_no_data, updated_at
		FROM qc_groups WHERE project_id = ? ORDER BY group_key`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*GroupState
	for rows.Next() {
		var g GroupState
		if err := rows.Scan(&g.ProjectID, &g.GroupKey, &g.State, &g.Forced,
			&g.IAA, &g.IAANoData, &g.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, &g)
	}
	return states, rows.Err()
}

// ListPassedGroups returns the group keys in passed state for a project.
func (s *AgreementStore) ListPassedGroups(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_key FROM qc_groups
		WHERE project_id = ? AND state = ? ORDER BY group_key`,
		projectID, QCPassed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
