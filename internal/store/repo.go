package store

import (
	"context"
	"fmt"
	"time"
)

// StorageError reports a failed local read or write. Writes that fail this
// way were not made durable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// QueryOpts configures event queries with filtering and pagination.
type QueryOpts struct {
	Limit  int       // max results (0 = unlimited)
	After  int64     // sequence > After
	Before int64     // sequence < Before
	From   time.Time // timestamp >= From
	To     time.Time // timestamp <= To
}

// CaseSource tells where a stored case definition came from.
type CaseSource string

const (
	SourceRemote  CaseSource = "remote"
	SourceBundled CaseSource = "bundled"
)

// CaseRecord is a stored case definition with its catalog metadata.
type CaseRecord struct {
	CaseID            string
	Title             string
	Specialty         string
	Difficulty        string
	ChiefComplaint    string
	RecommendedLevels []string
	FullJSON          []byte
	LastUpdated       time.Time
	Source            CaseSource
	SyncedAt          time.Time
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome int

const (
	Unchanged UpsertOutcome = iota
	Inserted
	Updated
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// CaseRepo manages stored case definitions.
type CaseRepo interface {
	// Upsert inserts rec when its case is absent and overwrites the stored
	// copy only when rec.LastUpdated is strictly newer.
	Upsert(ctx context.Context, rec CaseRecord) (UpsertOutcome, error)

	// Get returns the stored case, or nil if none exists.
	Get(ctx context.Context, caseID string) (*CaseRecord, error)

	// List returns every stored case ordered by id. FullJSON is omitted.
	List(ctx context.Context) ([]CaseRecord, error)

	// Count returns the number of stored cases.
	Count(ctx context.Context) (int, error)
}

// PushStatus is the remote delivery state of a stored session.
type PushStatus string

const (
	PushPending PushStatus = "pending"
	PushOK      PushStatus = "ok"
	PushFailed  PushStatus = "failed"
)

// SessionRecord is a stored session document with its sync metadata.
type SessionRecord struct {
	SessionID      string
	UserID         string
	CaseID         string
	Completed      bool
	CreatedAt      time.Time
	LastModifiedAt time.Time
	Document       []byte
	PushStatus     PushStatus
	PushError      string
	PushedAt       time.Time
}

// SessionFilter narrows List results. Zero fields match everything.
type SessionFilter struct {
	UserID string
	CaseID string
	Status PushStatus
	Limit  int
}

// SessionRepo manages stored sessions.
type SessionRepo interface {
	// Save writes rec and marks it PushPending.
	Save(ctx context.Context, rec SessionRecord) error

	// SaveMerged writes rec received from the remote store and marks it
	// PushOK, since the remote already holds this version.
	SaveMerged(ctx context.Context, rec SessionRecord) error

	// Get returns the stored session, or nil if none exists.
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)

	// LatestIncomplete returns the most recently modified incomplete session
	// for the user and case, or nil if none exists.
	LatestIncomplete(ctx context.Context, userID, caseID string) (*SessionRecord, error)

	// List returns sessions matching f, newest first.
	List(ctx context.Context, f SessionFilter) ([]SessionRecord, error)

	// MarkPushed records the outcome of pushing the version modified at
	// lastModifiedAt. It reports false when the stored session has since
	// moved on to a newer version, which stays pending.
	MarkPushed(ctx context.Context, sessionID string, lastModifiedAt time.Time, status PushStatus, pushErr string) (bool, error)

	// DeleteForCase removes every session of the user for the case.
	DeleteForCase(ctx context.Context, userID, caseID string) (int, error)
}

// LLMRequestEventData captures the data for a single LLM request event.
type LLMRequestEventData struct {
	Provider     string
	Model        string
	Purpose      string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Success      bool
	ErrorMessage string
}

// LLMRequestEvent is a stored LLM request with its position in the log.
type LLMRequestEvent struct {
	Sequence  int64
	Timestamp time.Time
	LLMRequestEventData
}

// EventRepo provides append and query access to the LLM request log.
type EventRepo interface {
	// AppendLLMRequest records an LLM API call event.
	AppendLLMRequest(ctx context.Context, data LLMRequestEventData) error

	// QueryLLMRequests returns events matching opts, newest first.
	QueryLLMRequests(ctx context.Context, opts QueryOpts) ([]LLMRequestEvent, error)

	// LLMUsageByPurpose aggregates token usage per request purpose.
	LLMUsageByPurpose(ctx context.Context) ([]LLMUsage, error)

	// LLMUsageByModel aggregates token usage per model.
	LLMUsageByModel(ctx context.Context) ([]LLMUsage, error)
}

// LLMUsage is aggregated token usage for one purpose or model.
type LLMUsage struct {
	Key          string
	Calls        int
	Failures     int
	InputTokens  int
	OutputTokens int
	AvgLatencyMs int64
}
