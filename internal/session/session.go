// Package session holds the student's attempt at a case and the manager that
// owns every live attempt.
//
// A Session is only ever mutated through its methods, each of which checks
// the aggregate's invariants before touching any field and advances
// LastModifiedAt on success. Callers outside the Manager only see Snapshot
// copies.
package session

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/abhisek/medsim/internal/casedef"
)

// ActionKind classifies a performed action.
type ActionKind string

const (
	KindTest      ActionKind = "test"
	KindTreatment ActionKind = "treatment"
	KindManeuver  ActionKind = "maneuver"
)

// Valid reports whether k is a known kind.
func (k ActionKind) Valid() bool {
	switch k {
	case KindTest, KindTreatment, KindManeuver:
		return true
	}
	return false
}

// Sender identifies who wrote a transcript message.
type Sender string

const (
	SenderStudent   Sender = "student"
	SenderPatient   Sender = "patient"
	SenderAttending Sender = "attending"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	switch s {
	case SenderStudent, SenderPatient, SenderAttending:
		return true
	}
	return false
}

// Action is one entry of the append-only action log.
type Action struct {
	Name      string     `json:"name"`
	Kind      ActionKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason,omitempty"`
}

// DifferentialEntry is one candidate diagnosis.
type DifferentialEntry struct {
	Diagnosis  string  `json:"diagnosis"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Message is one line of the chat transcript.
type Message struct {
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one student's attempt at one case.
type Session struct {
	ID             string              `json:"sessionId"`
	CaseID         string              `json:"caseId"`
	UserID         string              `json:"userId"`
	Completed      bool                `json:"isCompleted"`
	Score          *float64            `json:"score,omitempty"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	FinalDiagnosis string              `json:"finalDiagnosis,omitempty"`
	CurrentState   string              `json:"currentStateName"`
	Actions        []Action            `json:"performedActions"`
	Differential   []DifferentialEntry `json:"differentialDiagnosis"`
	Notes          string              `json:"notes"`
	Messages       []Message           `json:"messages"`
	CreatedAt      time.Time           `json:"createdAt"`
	LastModifiedAt time.Time           `json:"lastModifiedAt"`
}

// Snapshot is a detached copy of a Session. Changing it has no effect on the
// session it was taken from.
type Snapshot struct {
	Session
}

// New returns a fresh session positioned at the initial state.
func New(id, userID, caseID string, now time.Time) *Session {
	return &Session{
		ID:             id,
		CaseID:         caseID,
		UserID:         userID,
		CurrentState:   casedef.InitialState,
		Actions:        []Action{},
		Differential:   []DifferentialEntry{},
		Messages:       []Message{},
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.Actions = slices.Clone(s.Actions)
	c.Differential = slices.Clone(s.Differential)
	c.Messages = slices.Clone(s.Messages)
	if s.Score != nil {
		v := *s.Score
		c.Score = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Snapshot returns a detached copy of s.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{Session: *s.Clone()}
}

// HasAction reports whether an action with the given name was performed.
func (s *Session) HasAction(name string) bool {
	return slices.ContainsFunc(s.Actions, func(a Action) bool { return a.Name == name })
}

// OrderedTestNames lists ordered tests in the order they were placed.
func (s *Session) OrderedTestNames() []string {
	var names []string
	for _, a := range s.Actions {
		if a.Kind == KindTest {
			names = append(names, a.Name)
		}
	}
	return names
}

// RecordAction appends a to the log. Names are unique across the log.
func (s *Session) RecordAction(a Action, now time.Time) error {
	const op = "record action"
	if s.Completed {
		return invariant(op, s.ID, ErrCompleted)
	}
	if strings.TrimSpace(a.Name) == "" {
		return invariant(op, s.ID, fmt.Errorf("%w: empty action name", ErrInvalidValue))
	}
	if !a.Kind.Valid() {
		return invariant(op, s.ID, fmt.Errorf("%w: action kind %q", ErrInvalidValue, a.Kind))
	}
	if s.HasAction(a.Name) {
		return invariant(op, s.ID, fmt.Errorf("%w: %q", ErrDuplicateAction, a.Name))
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	s.Actions = append(s.Actions, a)
	s.touch(now)
	return nil
}

// MoveTo sets the current state. The state must exist in c.
func (s *Session) MoveTo(state string, c *casedef.Case, now time.Time) error {
	const op = "move"
	if s.Completed {
		return invariant(op, s.ID, ErrCompleted)
	}
	if _, ok := c.States[state]; !ok {
		return invariant(op, s.ID, fmt.Errorf("%w: %q", ErrUnknownState, state))
	}
	if s.CurrentState == state {
		return nil
	}
	s.CurrentState = state
	s.touch(now)
	return nil
}

// SetDifferential replaces the differential list.
func (s *Session) SetDifferential(entries []DifferentialEntry, now time.Time) error {
	const op = "set differential"
	if s.Completed {
		return invariant(op, s.ID, ErrCompleted)
	}
	for i, e := range entries {
		if math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1 {
			return invariant(op, s.ID, fmt.Errorf("%w: entry %d confidence %v outside [0,1]", ErrInvalidValue, i, e.Confidence))
		}
	}
	s.Differential = slices.Clone(entries)
	if s.Differential == nil {
		s.Differential = []DifferentialEntry{}
	}
	s.touch(now)
	return nil
}

// SetNotes replaces the free-form notes. Notes stay editable after completion.
func (s *Session) SetNotes(notes string, now time.Time) {
	if s.Notes == notes {
		return
	}
	s.Notes = notes
	s.touch(now)
}

// AppendMessage adds a transcript line.
func (s *Session) AppendMessage(m Message, now time.Time) error {
	if !m.Sender.Valid() {
		return invariant("append message", s.ID, fmt.Errorf("%w: sender %q", ErrInvalidValue, m.Sender))
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	s.Messages = append(s.Messages, m)
	s.touch(now)
	return nil
}

// Complete marks the session finished and records its score. A session is
// completed and scored exactly once.
func (s *Session) Complete(finalDiagnosis string, score float64, now time.Time) error {
	const op = "complete"
	if s.Completed || s.Score != nil {
		return invariant(op, s.ID, ErrAlreadyScored)
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return invariant(op, s.ID, fmt.Errorf("%w: score %v outside [0,1]", ErrInvalidValue, score))
	}
	s.Completed = true
	s.FinalDiagnosis = finalDiagnosis
	s.Score = &score
	at := now
	s.CompletedAt = &at
	s.touch(now)
	return nil
}

// touch advances LastModifiedAt. Every successful mutation leaves it strictly
// greater than before, even when the clock has not moved.
func (s *Session) touch(now time.Time) {
	if !now.After(s.LastModifiedAt) {
		now = s.LastModifiedAt.Add(time.Nanosecond)
	}
	s.LastModifiedAt = now
}

// Encode serializes s for local storage and remote documents.
func Encode(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a session produced by Encode.
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("decode session: missing sessionId")
	}
	if s.CurrentState == "" {
		s.CurrentState = casedef.InitialState
	}
	if s.Actions == nil {
		s.Actions = []Action{}
	}
	if s.Differential == nil {
		s.Differential = []DifferentialEntry{}
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	return &s, nil
}
