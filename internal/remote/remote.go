// Package remote talks to the shared document store that holds the case
// catalog and the users' session documents, and to the change feed that
// carries session updates between devices.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a document does not exist remotely.
var ErrNotFound = errors.New("remote document not found")

// CaseDocument is a case catalog entry as published by the case authors.
type CaseDocument struct {
	CaseID               string    `json:"caseId"`
	Title                string    `json:"title"`
	Specialty            string    `json:"specialty"`
	Difficulty           string    `json:"difficulty"`
	ChiefComplaint       string    `json:"chiefComplaint"`
	RecommendedForLevels []string  `json:"recommendedForLevels"`
	FullCaseJSON         string    `json:"fullCaseJSON"`
	LastUpdated          time.Time `json:"lastUpdated"`
}

// SessionDocument is a session as stored remotely, keyed by SessionID.
// Body holds the full encoded session.
type SessionDocument struct {
	SessionID      string          `json:"sessionId"`
	UserID         string          `json:"userId"`
	CaseID         string          `json:"caseId"`
	Completed      bool            `json:"isCompleted"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
	Body           json.RawMessage `json:"body"`
}

// Change is a session update announced on the change feed.
type Change struct {
	DeviceID string          `json:"deviceId"`
	Session  SessionDocument `json:"session"`
}

// DocumentStore is the remote document store.
type DocumentStore interface {
	// FetchCases returns every case catalog document.
	FetchCases(ctx context.Context) ([]CaseDocument, error)

	// PutCase inserts or replaces a case catalog document.
	PutCase(ctx context.Context, doc CaseDocument) error

	// PutSession overwrites the session document with the same id.
	PutSession(ctx context.Context, doc SessionDocument) error

	// GetSession returns the session document, or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionDocument, error)

	// Close releases the underlying connections.
	Close() error
}

// ChangeFeed carries session changes between devices.
type ChangeFeed interface {
	// Publish announces a change to subscribers of its session.
	Publish(ctx context.Context, c Change) error

	// Subscribe delivers changes for sessionID until cancel is called or
	// ctx is done. The channel is closed afterwards.
	Subscribe(ctx context.Context, sessionID string) (<-chan Change, func(), error)

	// Close releases the underlying connections.
	Close() error
}

// TransportError reports a failure to reach or talk to a remote backend.
type TransportError struct {
	Op     string
	Driver string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote %s (%s): %v", e.Op, e.Driver, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(driver, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Driver: driver, Err: err}
}

// IsTransport reports whether err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// SessionChannel is the feed channel name for a session.
func SessionChannel(sessionID string) string {
	return "medsim:session:" + sessionID
}
