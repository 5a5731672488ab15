package casedef

import (
	"fmt"
	"strings"
)

// MalformedCaseError reports a case document that could not be turned into
// a usable Case. It is fatal to displaying that case only.
type MalformedCaseError struct {
	CaseID   string
	Problems []string
	Err      error
}

func (e *MalformedCaseError) Error() string {
	id := e.CaseID
	if id == "" {
		id = "<unknown>"
	}
	if len(e.Problems) > 0 {
		return fmt.Sprintf("malformed case %s:\n  %s", id, strings.Join(e.Problems, "\n  "))
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed case %s: %v", id, e.Err)
	}
	return fmt.Sprintf("malformed case %s", id)
}

func (e *MalformedCaseError) Unwrap() error { return e.Err }
