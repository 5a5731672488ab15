// Package diagnostics gates test ordering behind a justified differential
// diagnosis and joins ordered tests with their results.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/session"
)

// ErrDiagnosticsLocked rejects a test order placed before the student has
// committed to a differential diagnosis.
var ErrDiagnosticsLocked = errors.New("diagnostics locked: add a differential diagnosis first")

// CanOrderTests reports whether at least one differential entry names a
// diagnosis.
func CanOrderTests(s *session.Session) bool {
	for _, e := range s.Differential {
		if strings.TrimSpace(e.Diagnosis) != "" {
			return true
		}
	}
	return false
}

// TestResult is an ordered test joined with its ground-truth result.
type TestResult struct {
	TestName string `json:"testName"`
	Category string `json:"category,omitempty"`
	Result   string `json:"result,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Resolved bool   `json:"resolved"`
}

// ResolvedTestResults returns one entry per ordered test, in order. A test
// the case does not define is returned with Resolved false and no result.
func ResolvedTestResults(s *session.Session, c *casedef.Case) []TestResult {
	out := make([]TestResult, 0, len(s.Actions))
	for _, a := range s.Actions {
		if a.Kind != session.KindTest {
			continue
		}
		tr := TestResult{TestName: a.Name, Reason: a.Reason}
		if it, ok := c.Item(a.Name); ok {
			tr.Category = it.Category
			tr.Result = it.Result
			tr.Resolved = true
		}
		out = append(out, tr)
	}
	return out
}

// OrderableItem is a student-facing test with whether it was ordered.
type OrderableItem struct {
	casedef.StudentItem
	Ordered bool `json:"ordered"`
}

// Orderable lists the case's tests for the student.
func Orderable(c *casedef.StudentCase, s *session.Session) []OrderableItem {
	out := make([]OrderableItem, 0, len(c.OrderableItems))
	for _, it := range c.OrderableItems {
		out = append(out, OrderableItem{StudentItem: it, Ordered: s.HasAction(it.TestName)})
	}
	return out
}

// Performer applies actions to sessions. *session.Manager implements it.
type Performer interface {
	Perform(ctx context.Context, id string, req session.ActionRequest, guards ...session.Guard) (session.Outcome, error)
}

// Orchestrator places test orders through the session manager.
type Orchestrator struct {
	sessions Performer
}

// New returns an Orchestrator ordering through sessions.
func New(sessions Performer) *Orchestrator {
	return &Orchestrator{sessions: sessions}
}

// OrderTest orders testName for the session. It fails with
// ErrDiagnosticsLocked while the differential is empty and with a
// *session.InvariantError for a test the case does not offer. Ordering a test
// twice is a no-op that returns the current session, even once the
// differential has been cleared.
func (o *Orchestrator) OrderTest(ctx context.Context, sessionID, testName, reason string) (session.Snapshot, error) {
	out, err := o.sessions.Perform(ctx, sessionID,
		session.ActionRequest{Name: testName, Kind: session.KindTest, Reason: reason},
		gate, orderable(testName))
	return out.Session, err
}

func gate(s *session.Session, _ *casedef.Case) error {
	if !CanOrderTests(s) {
		return ErrDiagnosticsLocked
	}
	return nil
}

func orderable(testName string) session.Guard {
	return func(s *session.Session, c *casedef.Case) error {
		if _, ok := c.Item(testName); !ok {
			return &session.InvariantError{
				Op:        "order test",
				SessionID: s.ID,
				Err:       fmt.Errorf("%w: %q", session.ErrUnknownItem, testName),
			}
		}
		return nil
	}
}
