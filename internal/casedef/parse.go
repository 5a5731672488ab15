package casedef

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Parse turns a raw case document into its full and student-facing
// projections. The document is decoded once; the student projection is built
// from the typed result and shares no maps or slices with it.
//
// Any failure is reported as a *MalformedCaseError; no partial data is
// returned.
func Parse(raw []byte) (*Parsed, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &MalformedCaseError{Err: fmt.Errorf("decode json: %w", err)}
	}
	caseID := peekCaseID(doc)

	if err := validateDocument(doc); err != nil {
		return nil, &MalformedCaseError{CaseID: caseID, Err: err}
	}

	var c Case
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, &MalformedCaseError{CaseID: caseID, Err: fmt.Errorf("decode case: %w", err)}
	}

	if err := checkSchemaVersion(c.SchemaVersion); err != nil {
		return nil, &MalformedCaseError{CaseID: c.ID, Err: err}
	}

	if problems := validateCase(&c); len(problems) > 0 {
		return nil, &MalformedCaseError{CaseID: c.ID, Problems: problems}
	}

	return &Parsed{Full: &c, Student: NewStudentCase(&c)}, nil
}

// peekCaseID pulls caseId out of an undecoded document for error messages.
func peekCaseID(doc any) string {
	m, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["caseId"].(string)
	return id
}
