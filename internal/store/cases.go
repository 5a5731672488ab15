package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// caseRepo implements CaseRepo on the cases table.
type caseRepo struct {
	db *sql.DB
}

func (r *caseRepo) Upsert(ctx context.Context, rec CaseRecord) (UpsertOutcome, error) {
	levels, err := json.Marshal(nonNil(rec.RecommendedLevels))
	if err != nil {
		return Unchanged, storageErr("upsert case", err)
	}
	if rec.Source == "" {
		rec.Source = SourceRemote
	}
	if rec.SyncedAt.IsZero() {
		rec.SyncedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Unchanged, storageErr("upsert case", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT last_updated FROM cases WHERE case_id = ?`, rec.CaseID).Scan(&stored)
	outcome := Updated
	switch {
	case errors.Is(err, sql.ErrNoRows):
		outcome = Inserted
	case err != nil:
		return Unchanged, storageErr("upsert case", err)
	case rec.LastUpdated.UnixNano() <= stored:
		return Unchanged, nil
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO cases
		(case_id, title, specialty, difficulty, chief_complaint, recommended_levels, full_json, last_updated, source, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (case_id) DO UPDATE SET
			title = excluded.title,
			specialty = excluded.specialty,
			difficulty = excluded.difficulty,
			chief_complaint = excluded.chief_complaint,
			recommended_levels = excluded.recommended_levels,
			full_json = excluded.full_json,
			last_updated = excluded.last_updated,
			source = excluded.source,
			synced_at = excluded.synced_at`,
		rec.CaseID, rec.Title, rec.Specialty, rec.Difficulty, rec.ChiefComplaint, string(levels),
		string(rec.FullJSON), rec.LastUpdated.UnixNano(), string(rec.Source), rec.SyncedAt.UnixNano())
	if err != nil {
		return Unchanged, storageErr("upsert case", err)
	}
	if err := tx.Commit(); err != nil {
		return Unchanged, storageErr("upsert case", err)
	}
	return outcome, nil
}

func (r *caseRepo) Get(ctx context.Context, caseID string) (*CaseRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT case_id, title, specialty, difficulty, chief_complaint,
		recommended_levels, full_json, last_updated, source, synced_at FROM cases WHERE case_id = ?`, caseID)

	var (
		rec             CaseRecord
		levels, full    string
		updated, synced int64
		source          string
	)
	err := row.Scan(&rec.CaseID, &rec.Title, &rec.Specialty, &rec.Difficulty, &rec.ChiefComplaint,
		&levels, &full, &updated, &source, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get case", err)
	}
	if err := json.Unmarshal([]byte(levels), &rec.RecommendedLevels); err != nil {
		return nil, storageErr("get case", err)
	}
	rec.FullJSON = []byte(full)
	rec.LastUpdated = time.Unix(0, updated)
	rec.SyncedAt = time.Unix(0, synced)
	rec.Source = CaseSource(source)
	return &rec, nil
}

func (r *caseRepo) List(ctx context.Context) ([]CaseRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT case_id, title, specialty, difficulty, chief_complaint,
		recommended_levels, last_updated, source, synced_at FROM cases ORDER BY case_id`)
	if err != nil {
		return nil, storageErr("list cases", err)
	}
	defer rows.Close()

	var out []CaseRecord
	for rows.Next() {
		var (
			rec             CaseRecord
			levels, source  string
			updated, synced int64
		)
		if err := rows.Scan(&rec.CaseID, &rec.Title, &rec.Specialty, &rec.Difficulty, &rec.ChiefComplaint,
			&levels, &updated, &source, &synced); err != nil {
			return nil, storageErr("list cases", err)
		}
		if err := json.Unmarshal([]byte(levels), &rec.RecommendedLevels); err != nil {
			return nil, storageErr("list cases", err)
		}
		rec.LastUpdated = time.Unix(0, updated)
		rec.SyncedAt = time.Unix(0, synced)
		rec.Source = CaseSource(source)
		out = append(out, rec)
	}
	return out, storageErr("list cases", rows.Err())
}

func (r *caseRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&n)
	return n, storageErr("count cases", err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
