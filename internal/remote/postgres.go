package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS case_catalog (
	case_id                TEXT PRIMARY KEY,
	title                  TEXT NOT NULL DEFAULT '',
	specialty              TEXT NOT NULL DEFAULT '',
	difficulty             TEXT NOT NULL DEFAULT '',
	chief_complaint        TEXT NOT NULL DEFAULT '',
	recommended_for_levels TEXT[] NOT NULL DEFAULT '{}',
	full_case_json         TEXT NOT NULL,
	last_updated           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS student_sessions (
	session_id       TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	case_id          TEXT NOT NULL,
	is_completed     BOOLEAN NOT NULL DEFAULT FALSE,
	last_modified_at TIMESTAMPTZ NOT NULL,
	body             JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_student_sessions_user ON student_sessions(user_id, case_id);
`

// PostgresConfig holds connection pool settings for the postgres driver.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// postgresStore implements DocumentStore directly on PostgreSQL.
type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and creates the tables if needed.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (DocumentStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, transportErr("postgres", "connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, transportErr("postgres", "ping", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, transportErr("postgres", "migrate", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) FetchCases(ctx context.Context) ([]CaseDocument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT case_id, title, specialty, difficulty, chief_complaint,
		       recommended_for_levels, full_case_json, last_updated
		FROM case_catalog ORDER BY case_id`)
	if err != nil {
		return nil, transportErr("postgres", "fetch cases", err)
	}
	defer rows.Close()

	var docs []CaseDocument
	for rows.Next() {
		var d CaseDocument
		if err := rows.Scan(&d.CaseID, &d.Title, &d.Specialty, &d.Difficulty, &d.ChiefComplaint,
			&d.RecommendedForLevels, &d.FullCaseJSON, &d.LastUpdated); err != nil {
			return nil, transportErr("postgres", "fetch cases", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, transportErr("postgres", "fetch cases", err)
	}
	return docs, nil
}

func (s *postgresStore) PutCase(ctx context.Context, doc CaseDocument) error {
	levels := doc.RecommendedForLevels
	if levels == nil {
		levels = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO case_catalog (case_id, title, specialty, difficulty, chief_complaint,
			recommended_for_levels, full_case_json, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (case_id) DO UPDATE SET
			title = EXCLUDED.title,
			specialty = EXCLUDED.specialty,
			difficulty = EXCLUDED.difficulty,
			chief_complaint = EXCLUDED.chief_complaint,
			recommended_for_levels = EXCLUDED.recommended_for_levels,
			full_case_json = EXCLUDED.full_case_json,
			last_updated = EXCLUDED.last_updated`,
		doc.CaseID, doc.Title, doc.Specialty, doc.Difficulty, doc.ChiefComplaint,
		levels, doc.FullCaseJSON, doc.LastUpdated)
	return transportErr("postgres", "put case", err)
}

func (s *postgresStore) PutSession(ctx context.Context, doc SessionDocument) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO student_sessions (session_id, user_id, case_id, is_completed, last_modified_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			case_id = EXCLUDED.case_id,
			is_completed = EXCLUDED.is_completed,
			last_modified_at = EXCLUDED.last_modified_at,
			body = EXCLUDED.body`,
		doc.SessionID, doc.UserID, doc.CaseID, doc.Completed, doc.LastModifiedAt, doc.Body)
	return transportErr("postgres", "put session", err)
}

func (s *postgresStore) GetSession(ctx context.Context, sessionID string) (*SessionDocument, error) {
	var d SessionDocument
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, case_id, is_completed, last_modified_at, body
		FROM student_sessions WHERE session_id = $1`, sessionID).
		Scan(&d.SessionID, &d.UserID, &d.CaseID, &d.Completed, &d.LastModifiedAt, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transportErr("postgres", "get session", err)
	}
	d.Body = body
	return &d, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
