package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/supabase-community/supabase-go"
)

const (
	caseTable    = "case_catalog"
	sessionTable = "student_sessions"
)

// SupabaseConfig holds Supabase connection configuration.
type SupabaseConfig struct {
	URL    string
	APIKey string
}

// supabaseStore implements DocumentStore on Supabase PostgREST tables.
type supabaseStore struct {
	client *supabase.Client
}

type caseRow struct {
	CaseID               string    `json:"case_id"`
	Title                string    `json:"title"`
	Specialty            string    `json:"specialty"`
	Difficulty           string    `json:"difficulty"`
	ChiefComplaint       string    `json:"chief_complaint"`
	RecommendedForLevels []string  `json:"recommended_for_levels"`
	FullCaseJSON         string    `json:"full_case_json"`
	LastUpdated          time.Time `json:"last_updated"`
}

type sessionRow struct {
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	CaseID         string          `json:"case_id"`
	IsCompleted    bool            `json:"is_completed"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
	Body           json.RawMessage `json:"body"`
}

// NewSupabaseStore creates a DocumentStore backed by Supabase.
func NewSupabaseStore(cfg SupabaseConfig) (DocumentStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &supabaseStore{client: client}, nil
}

func (s *supabaseStore) FetchCases(ctx context.Context) ([]CaseDocument, error) {
	var rows []caseRow
	_, err := s.client.From(caseTable).
		Select("*", "", false).
		ExecuteTo(&rows)
	if err != nil {
		return nil, transportErr("supabase", "fetch cases", err)
	}

	docs := make([]CaseDocument, len(rows))
	for i, r := range rows {
		docs[i] = CaseDocument(r)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CaseID < docs[j].CaseID })
	return docs, nil
}

func (s *supabaseStore) PutCase(ctx context.Context, doc CaseDocument) error {
	_, _, err := s.client.From(caseTable).
		Upsert(caseRow(doc), "case_id", "minimal", "").
		Execute()
	return transportErr("supabase", "put case", err)
}

func (s *supabaseStore) PutSession(ctx context.Context, doc SessionDocument) error {
	row := sessionRow{
		SessionID:      doc.SessionID,
		UserID:         doc.UserID,
		CaseID:         doc.CaseID,
		IsCompleted:    doc.Completed,
		LastModifiedAt: doc.LastModifiedAt,
		Body:           doc.Body,
	}
	_, _, err := s.client.From(sessionTable).
		Upsert(row, "session_id", "minimal", "").
		Execute()
	return transportErr("supabase", "put session", err)
}

func (s *supabaseStore) GetSession(ctx context.Context, sessionID string) (*SessionDocument, error) {
	var rows []sessionRow
	_, err := s.client.From(sessionTable).
		Select("*", "", false).
		Eq("session_id", sessionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, transportErr("supabase", "get session", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	r := rows[0]
	return &SessionDocument{
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		CaseID:         r.CaseID,
		Completed:      r.IsCompleted,
		LastModifiedAt: r.LastModifiedAt,
		Body:           r.Body,
	}, nil
}

func (s *supabaseStore) Close() error { return nil }
