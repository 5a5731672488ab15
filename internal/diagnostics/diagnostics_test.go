package diagnostics

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/statemachine"
	"github.com/abhisek/medsim/internal/store"
)

func TestCanOrderTests(t *testing.T) {
	tests := []struct {
		name  string
		diffs []session.DifferentialEntry
		want  bool
	}{
		{"empty", nil, false},
		{"all blank", []session.DifferentialEntry{{Diagnosis: ""}, {Diagnosis: "  \t"}}, false},
		{"one named", []session.DifferentialEntry{{Diagnosis: " "}, {Diagnosis: "STEMI"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &session.Session{Differential: tt.diffs}
			assert.Equal(t, tt.want, CanOrderTests(s))
		})
	}
}

func testCase() *casedef.Case {
	return &casedef.Case{
		ID: "stemi-01",
		States: map[string]casedef.State{
			"initial": {
				Description:  "start",
				Consequences: []casedef.Consequence{{Trigger: "order_ecg", Target: "stemi_detected", Probability: 1}},
			},
			"stemi_detected": {Description: "ST elevation"},
		},
		OrderableItems: []casedef.OrderableItem{
			{TestName: "order_ecg", Category: "cardiac", Instructions: "12-lead ECG", Result: "ST elevation in II, III, aVF", Essential: true},
			{TestName: "order_troponin", Category: "lab", Result: "2.4 ng/mL"},
		},
	}
}

func TestResolvedTestResults(t *testing.T) {
	s := &session.Session{Actions: []session.Action{
		{Name: "order_troponin", Kind: session.KindTest, Reason: "rule out MI"},
		{Name: "give_aspirin", Kind: session.KindTreatment},
		{Name: "order_retired_test", Kind: session.KindTest},
		{Name: "order_ecg", Kind: session.KindTest},
	}}

	got := ResolvedTestResults(s, testCase())
	require.Len(t, got, 3)
	assert.Equal(t, TestResult{TestName: "order_troponin", Category: "lab", Result: "2.4 ng/mL", Reason: "rule out MI", Resolved: true}, got[0])
	assert.Equal(t, TestResult{TestName: "order_retired_test"}, got[1])
	assert.Equal(t, "order_ecg", got[2].TestName)
	assert.True(t, got[2].Resolved)
}

func TestOrderable(t *testing.T) {
	c := testCase()
	s := &session.Session{Actions: []session.Action{{Name: "order_ecg", Kind: session.KindTest}}}
	items := Orderable(casedef.NewStudentCase(c), s)
	require.Len(t, items, 2)
	assert.True(t, items[0].Ordered)
	assert.Equal(t, "12-lead ECG", items[0].Instructions)
	assert.False(t, items[1].Ordered)
}

// countingSource records how many draws the state machine made.
type countingSource struct{ n atomic.Int32 }

func (c *countingSource) Float64() float64 {
	c.n.Add(1)
	return 0
}

type staticCases map[string]*casedef.Parsed

func (f staticCases) Get(_ context.Context, id string) (*casedef.Parsed, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("case %s not found", id)
}

func newOrchestrator(t *testing.T) (*Orchestrator, *session.Manager, *countingSource) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := testCase()
	src := &countingSource{}
	mgr := session.NewManager(st.SessionRepo(),
		staticCases{c.ID: {Full: c, Student: casedef.NewStudentCase(c)}},
		session.WithMachine(statemachine.New(src)),
	)
	return New(mgr), mgr, src
}

func TestOrderTestLocked(t *testing.T) {
	o, mgr, src := newOrchestrator(t)
	ctx := context.Background()
	s, err := mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)

	_, err = o.OrderTest(ctx, s.ID, "order_ecg", "")
	assert.ErrorIs(t, err, ErrDiagnosticsLocked)
	assert.Zero(t, src.n.Load(), "locked order must not reach the state machine")

	got, err := mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Actions)
	assert.Equal(t, s.LastModifiedAt, got.LastModifiedAt)
}

func TestOrderTestFlow(t *testing.T) {
	o, mgr, src := newOrchestrator(t)
	ctx := context.Background()
	s, err := mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	_, err = mgr.SetDifferential(ctx, s.ID, []session.DifferentialEntry{{Diagnosis: "STEMI", Confidence: 0.8}})
	require.NoError(t, err)

	snap, err := o.OrderTest(ctx, s.ID, "order_ecg", "chest pain")
	require.NoError(t, err)
	assert.Equal(t, "stemi_detected", snap.CurrentState)
	assert.Equal(t, []string{"order_ecg"}, snap.OrderedTestNames())
	assert.Equal(t, int32(1), src.n.Load())

	// Ordering again is a no-op.
	again, err := o.OrderTest(ctx, s.ID, "order_ecg", "")
	require.NoError(t, err)
	assert.Len(t, again.Actions, 1)
	assert.Equal(t, snap.LastModifiedAt, again.LastModifiedAt)
	assert.Equal(t, int32(1), src.n.Load())

	// Clearing the differential does not turn a repeat order into an error.
	cleared, err := mgr.SetDifferential(ctx, s.ID, nil)
	require.NoError(t, err)
	repeat, err := o.OrderTest(ctx, s.ID, "order_ecg", "")
	require.NoError(t, err)
	assert.Len(t, repeat.Actions, 1)
	assert.Equal(t, cleared.LastModifiedAt, repeat.LastModifiedAt)
	_, err = o.OrderTest(ctx, s.ID, "order_troponin", "")
	assert.ErrorIs(t, err, ErrDiagnosticsLocked)
	_, err = mgr.SetDifferential(ctx, s.ID, []session.DifferentialEntry{{Diagnosis: "STEMI", Confidence: 0.8}})
	require.NoError(t, err)

	// A test the case does not offer is rejected.
	_, err = o.OrderTest(ctx, s.ID, "order_mri", "")
	var ie *session.InvariantError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, session.ErrUnknownItem)

	results := ResolvedTestResults(&again.Session, testCase())
	require.Len(t, results, 1)
	assert.Equal(t, "ST elevation in II, III, aVF", results[0].Result)
	assert.Equal(t, "chest pain", results[0].Reason)
}
