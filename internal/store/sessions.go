package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// sessionRepo implements SessionRepo on the sessions table.
type sessionRepo struct {
	db *sql.DB
}

const sessionColumns = `session_id, user_id, case_id, completed, created_at, last_modified_at,
	document, push_status, push_error, pushed_at`

func (r *sessionRepo) Save(ctx context.Context, rec SessionRecord) error {
	return storageErr("save session", r.write(ctx, rec, PushPending))
}

func (r *sessionRepo) SaveMerged(ctx context.Context, rec SessionRecord) error {
	return storageErr("save merged session", r.write(ctx, rec, PushOK))
}

func (r *sessionRepo) write(ctx context.Context, rec SessionRecord, status PushStatus) error {
	var pushedAt int64
	if status == PushOK {
		pushedAt = time.Now().UnixNano()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT (session_id) DO UPDATE SET
			completed = excluded.completed,
			last_modified_at = excluded.last_modified_at,
			document = excluded.document,
			push_status = excluded.push_status,
			push_error = '',
			pushed_at = CASE WHEN excluded.pushed_at > 0 THEN excluded.pushed_at ELSE sessions.pushed_at END`,
		rec.SessionID, rec.UserID, rec.CaseID, boolInt(rec.Completed), rec.CreatedAt.UnixNano(),
		rec.LastModifiedAt.UnixNano(), string(rec.Document), string(status), pushedAt)
	return err
}

func (r *sessionRepo) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return rec, nil
}

func (r *sessionRepo) LatestIncomplete(ctx context.Context, userID, caseID string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND case_id = ? AND completed = 0
		ORDER BY last_modified_at DESC LIMIT 1`, userID, caseID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest incomplete session", err)
	}
	return rec, nil
}

func (r *sessionRepo) List(ctx context.Context, f SessionFilter) ([]SessionRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.CaseID != "" {
		where = append(where, "case_id = ?")
		args = append(args, f.CaseID)
	}
	if f.Status != "" {
		where = append(where, "push_status = ?")
		args = append(args, string(f.Status))
	}

	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY last_modified_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("list sessions", err)
		}
		out = append(out, *rec)
	}
	return out, storageErr("list sessions", rows.Err())
}

func (r *sessionRepo) MarkPushed(ctx context.Context, sessionID string, lastModifiedAt time.Time, status PushStatus, pushErr string) (bool, error) {
	var pushedAt int64
	if status == PushOK {
		pushedAt = time.Now().UnixNano()
	}
	res, err := r.db.ExecContext(ctx, `UPDATE sessions
		SET push_status = ?, push_error = ?,
			pushed_at = CASE WHEN ? > 0 THEN ? ELSE pushed_at END
		WHERE session_id = ? AND last_modified_at = ?`,
		string(status), pushErr, pushedAt, pushedAt, sessionID, lastModifiedAt.UnixNano())
	if err != nil {
		return false, storageErr("mark pushed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("mark pushed", err)
	}
	return n > 0, nil
}

func (r *sessionRepo) DeleteForCase(ctx context.Context, userID, caseID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND case_id = ?`, userID, caseID)
	if err != nil {
		return 0, storageErr("delete sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete sessions", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec                       SessionRecord
		completed                 int
		created, modified, pushed int64
		doc, status               string
	)
	if err := row.Scan(&rec.SessionID, &rec.UserID, &rec.CaseID, &completed, &created, &modified,
		&doc, &status, &rec.PushError, &pushed); err != nil {
		return nil, err
	}
	rec.Completed = completed != 0
	rec.CreatedAt = time.Unix(0, created)
	rec.LastModifiedAt = time.Unix(0, modified)
	rec.Document = []byte(doc)
	rec.PushStatus = PushStatus(status)
	if pushed > 0 {
		rec.PushedAt = time.Unix(0, pushed)
	}
	return &rec, nil
}
