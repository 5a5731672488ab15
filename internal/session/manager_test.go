package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/statemachine"
	"github.com/abhisek/medsim/internal/store"
)

// stemiCase builds a small case whose order_ecg transition fires with the
// given probability.
func stemiCase(p float64) *casedef.Parsed {
	c := &casedef.Case{
		ID:               "stemi-01",
		Diagnosis:        "Inferior ST-elevation myocardial infarction",
		DiagnosisAliases: []string{"STEMI"},
		InitialVitals:    casedef.Vitals{HeartRate: 104},
		States: map[string]casedef.State{
			"initial": {
				Description:  "Diaphoretic man clutching his chest.",
				PhysicalExam: map[string]string{"cardiac": "Tachycardic."},
				Consequences: []casedef.Consequence{{Trigger: "order_ecg", Target: "stemi_detected", Probability: p}},
			},
			"stemi_detected": {
				Description: "ST elevation in the inferior leads.",
				Vitals:      &casedef.Vitals{HeartRate: 110},
			},
		},
		OrderableItems: []casedef.OrderableItem{
			{TestName: "order_ecg", Result: "ST elevation", Essential: true},
			{TestName: "order_troponin", Result: "elevated", Essential: true},
			{TestName: "order_cxr", Result: "normal"},
		},
	}
	return &casedef.Parsed{Full: c, Student: casedef.NewStudentCase(c)}
}

type fakeCases map[string]*casedef.Parsed

func (f fakeCases) Get(_ context.Context, id string) (*casedef.Parsed, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("case %s not found", id)
}

// recorder collects pushes and publications. On every push it checks the
// store already holds that exact version.
type recorder struct {
	t    *testing.T
	repo store.SessionRepo

	mu        sync.Mutex
	pushed    []Snapshot
	published []Snapshot
}

func (r *recorder) UploadSession(s Snapshot) {
	rec, err := r.repo.Get(context.Background(), s.ID)
	if err != nil || rec == nil || !rec.LastModifiedAt.Equal(s.LastModifiedAt) {
		r.t.Errorf("push of %s scheduled before local save (rec=%v err=%v)", s.ID, rec, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, s)
}

func (r *recorder) Publish(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, s)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushed), len(r.published)
}

type fixture struct {
	mgr   *Manager
	repo  store.SessionRepo
	rec   *recorder
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newFixture(t *testing.T, p float64, draw float64) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repo := st.SessionRepo()
	rec := &recorder{t: t, repo: repo}
	clock := &fakeClock{now: t0}
	ids := 0
	mgr := NewManager(repo, fakeCases{"stemi-01": stemiCase(p)},
		WithMachine(statemachine.New(statemachine.Fixed(draw))),
		WithPusher(rec),
		WithPublisher(rec),
		WithClock(clock.Now),
		WithIDGenerator(func() string { ids++; return fmt.Sprintf("sess-%03d", ids) }),
	)
	return &fixture{mgr: mgr, repo: repo, rec: rec, clock: clock}
}

func orderReq(name string) ActionRequest {
	return ActionRequest{Name: name, Kind: KindTest}
}

func TestStartCreatesThenResumes(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()

	first, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	assert.Equal(t, "sess-001", first.ID)
	assert.Equal(t, casedef.InitialState, first.CurrentState)

	again, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "incomplete session should be resumed")

	pushed, published := f.rec.counts()
	assert.Equal(t, 1, pushed)
	assert.Equal(t, 1, published)

	_, _, err = f.mgr.Submit(ctx, first.ID, "STEMI")
	require.NoError(t, err)
	next, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID, "completed session must not be resumed")
}

func TestStartUnknownCase(t *testing.T) {
	f := newFixture(t, 1, 0)
	_, err := f.mgr.Start(context.Background(), "u1", "missing")
	require.Error(t, err)

	_, err = f.mgr.Start(context.Background(), "", "stemi-01")
	var ie *InvariantError
	assert.ErrorAs(t, err, &ie)
}

func TestPerformBasicTransition(t *testing.T) {
	f := newFixture(t, 1.0, 0.5)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)

	out, err := f.mgr.Perform(ctx, s.ID, orderReq("order_ecg"))
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.True(t, out.Transition.Fired)
	assert.Equal(t, "stemi_detected", out.Session.CurrentState)
	require.Len(t, out.Session.Actions, 1)
	assert.Equal(t, "order_ecg", out.Session.Actions[0].Name)

	stored, err := f.repo.Get(ctx, s.ID)
	require.NoError(t, err)
	decoded, err := Decode(stored.Document)
	require.NoError(t, err)
	assert.Equal(t, "stemi_detected", decoded.CurrentState)
}

func TestPerformProbabilityZeroStillRecords(t *testing.T) {
	f := newFixture(t, 0.0, 0)
	ctx := context.Background()

	for i := range 100 {
		s, err := f.mgr.Start(ctx, fmt.Sprintf("user-%d", i), "stemi-01")
		require.NoError(t, err)
		out, err := f.mgr.Perform(ctx, s.ID, orderReq("order_ecg"))
		require.NoError(t, err)
		assert.False(t, out.Transition.Fired)
		assert.Equal(t, casedef.InitialState, out.Session.CurrentState)
		assert.Len(t, out.Session.Actions, 1)
	}
}

func TestPerformIsIdempotent(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)

	first, err := f.mgr.Perform(ctx, s.ID, orderReq("order_troponin"))
	require.NoError(t, err)
	pushedBefore, _ := f.rec.counts()

	second, err := f.mgr.Perform(ctx, s.ID, orderReq("order_troponin"))
	require.NoError(t, err)
	assert.False(t, second.Recorded)
	assert.Len(t, second.Session.Actions, 1)
	assert.Equal(t, first.Session.LastModifiedAt, second.Session.LastModifiedAt)

	pushedAfter, _ := f.rec.counts()
	assert.Equal(t, pushedBefore, pushedAfter, "a no-op must not schedule a push")
}

func TestPerformGuardRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	pushedBefore, _ := f.rec.counts()

	locked := errors.New("locked")
	_, err = f.mgr.Perform(ctx, s.ID, orderReq("order_ecg"), func(*Session, *casedef.Case) error { return locked })
	assert.ErrorIs(t, err, locked)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Actions)
	assert.Equal(t, s.LastModifiedAt, got.LastModifiedAt)
	pushedAfter, _ := f.rec.counts()
	assert.Equal(t, pushedBefore, pushedAfter)
}

// ambiguousCase lets "give_fluids" reach two different states from states
// other than the initial one, which declares no consequence for it.
func ambiguousCase() *casedef.Parsed {
	c := &casedef.Case{
		ID:        "sepsis-01",
		Diagnosis: "Septic shock",
		States: map[string]casedef.State{
			"initial": {Description: "Febrile and hypotensive."},
			"improving": {
				Description:  "Pressure recovering.",
				Consequences: []casedef.Consequence{{Trigger: "give_fluids", Target: "stable", Probability: 1}},
			},
			"worsening": {
				Description:  "Lactate rising.",
				Consequences: []casedef.Consequence{{Trigger: "give_fluids", Target: "shock", Probability: 1}},
			},
			"stable": {Description: "Stable."},
			"shock":  {Description: "In shock."},
		},
	}
	return &casedef.Parsed{Full: c, Student: casedef.NewStudentCase(c)}
}

func TestPerformAmbiguousTriggerRejected(t *testing.T) {
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec := &recorder{t: t, repo: st.SessionRepo()}
	mgr := NewManager(st.SessionRepo(), fakeCases{"sepsis-01": ambiguousCase()},
		WithMachine(statemachine.New(statemachine.Fixed(0))),
		WithPusher(rec),
		WithPublisher(rec),
	)
	ctx := context.Background()
	s, err := mgr.Start(ctx, "u1", "sepsis-01")
	require.NoError(t, err)
	pushedBefore, _ := rec.counts()

	out, err := mgr.Perform(ctx, s.ID, ActionRequest{Name: "give_fluids", Kind: KindTreatment})
	assert.ErrorIs(t, err, statemachine.ErrAmbiguousTrigger)
	var ie *InvariantError
	assert.ErrorAs(t, err, &ie)
	assert.False(t, out.Recorded)

	got, err := mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Actions)
	assert.Equal(t, casedef.InitialState, got.CurrentState)
	assert.Equal(t, s.LastModifiedAt, got.LastModifiedAt)
	pushedAfter, _ := rec.counts()
	assert.Equal(t, pushedBefore, pushedAfter)
}

func TestPerformDuplicateSkipsGuards(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	first, err := f.mgr.Perform(ctx, s.ID, orderReq("order_ecg"))
	require.NoError(t, err)

	locked := errors.New("locked")
	again, err := f.mgr.Perform(ctx, s.ID, orderReq("order_ecg"), func(*Session, *casedef.Case) error { return locked })
	require.NoError(t, err)
	assert.False(t, again.Recorded)
	assert.Equal(t, first.Session.LastModifiedAt, again.Session.LastModifiedAt)
}

func TestPerformUnknownSession(t *testing.T) {
	f := newFixture(t, 1, 0)
	_, err := f.mgr.Perform(context.Background(), "nope", orderReq("order_ecg"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitScoresOnce(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	for _, name := range []string{"order_ecg", "order_troponin"} {
		_, err := f.mgr.Perform(ctx, s.ID, orderReq(name))
		require.NoError(t, err)
	}

	snap, res, err := f.mgr.Submit(ctx, s.ID, "stemi")
	require.NoError(t, err)
	require.NotNil(t, snap.Score)
	assert.InDelta(t, 1.0, *snap.Score, 1e-9)
	assert.InDelta(t, res.Score, *snap.Score, 1e-9)
	assert.True(t, snap.Completed)

	_, _, err = f.mgr.Submit(ctx, s.ID, "anxiety")
	assert.ErrorIs(t, err, ErrAlreadyScored)

	_, err = f.mgr.Perform(ctx, s.ID, orderReq("order_cxr"))
	assert.ErrorIs(t, err, ErrCompleted)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, *got.Score, 1e-9)
}

func TestLocalEditsAdvanceLastModified(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)

	prev := s.LastModifiedAt
	steps := []func() (Snapshot, error){
		func() (Snapshot, error) {
			return f.mgr.SetDifferential(ctx, s.ID, []DifferentialEntry{{Diagnosis: "STEMI", Confidence: 0.6}})
		},
		func() (Snapshot, error) { return f.mgr.SetNotes(ctx, s.ID, "ECG first") },
		func() (Snapshot, error) { return f.mgr.AppendMessage(ctx, s.ID, SenderStudent, "Any chest pain before?") },
	}
	for i, step := range steps {
		snap, err := step()
		require.NoError(t, err, "step %d", i)
		assert.True(t, snap.LastModifiedAt.After(prev), "step %d", i)
		prev = snap.LastModifiedAt
	}

	// Setting identical notes is not a mutation.
	snap, err := f.mgr.SetNotes(ctx, s.ID, "ECG first")
	require.NoError(t, err)
	assert.Equal(t, prev, snap.LastModifiedAt)
}

func TestView(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)

	v, err := f.mgr.View(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 104, v.Vitals.HeartRate)
	assert.Equal(t, "Tachycardic.", v.PhysicalExam["cardiac"])

	_, err = f.mgr.Perform(ctx, s.ID, orderReq("order_ecg"))
	require.NoError(t, err)
	v, err = f.mgr.View(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 110, v.Vitals.HeartRate)
	assert.Equal(t, "ST elevation in the inferior leads.", v.Description)
}

func TestMergeRemote(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	local, err := f.mgr.SetNotes(ctx, s.ID, "local")
	require.NoError(t, err)

	t.Run("older remote keeps local and re-queues it", func(t *testing.T) {
		older := local.Clone()
		older.Notes = "stale"
		older.LastModifiedAt = local.LastModifiedAt.Add(-time.Minute)
		pushedBefore, _ := f.rec.counts()

		snap, outcome, err := f.mgr.MergeRemote(ctx, older)
		require.NoError(t, err)
		assert.Equal(t, MergeKeptLocal, outcome)
		assert.Equal(t, "local", snap.Notes)
		pushedAfter, _ := f.rec.counts()
		assert.Equal(t, pushedBefore+1, pushedAfter)
	})

	t.Run("equal version is ignored", func(t *testing.T) {
		same := local.Clone()
		_, outcome, err := f.mgr.MergeRemote(ctx, same)
		require.NoError(t, err)
		assert.Equal(t, MergeIgnored, outcome)
	})

	t.Run("newer remote replaces local and notifies", func(t *testing.T) {
		newer := local.Clone()
		newer.Notes = "from tablet"
		newer.CurrentState = "stemi_detected"
		newer.LastModifiedAt = local.LastModifiedAt.Add(time.Minute)
		_, publishedBefore := f.rec.counts()

		snap, outcome, err := f.mgr.MergeRemote(ctx, newer)
		require.NoError(t, err)
		assert.Equal(t, MergeReplaced, outcome)
		assert.Equal(t, "from tablet", snap.Notes)
		_, publishedAfter := f.rec.counts()
		assert.Equal(t, publishedBefore+1, publishedAfter)

		got, err := f.mgr.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "stemi_detected", got.CurrentState)
		rec, err := f.repo.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, store.PushOK, rec.PushStatus)
	})

	t.Run("unknown session is adopted", func(t *testing.T) {
		other := New("remote-only", "u1", "stemi-01", t0)
		_, outcome, err := f.mgr.MergeRemote(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, MergeAdopted, outcome)
	})

	t.Run("unknown state is rejected", func(t *testing.T) {
		bad := local.Clone()
		bad.CurrentState = "nowhere"
		bad.LastModifiedAt = bad.LastModifiedAt.Add(time.Hour)
		_, _, err := f.mgr.MergeRemote(ctx, bad)
		assert.ErrorIs(t, err, ErrUnknownState)
	})
}

func TestReset(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	_, err = f.mgr.Start(ctx, "u2", "stemi-01")
	require.NoError(t, err)

	n, err := f.mgr.Reset(ctx, "u1", "stemi-01")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.mgr.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := f.mgr.List(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Zero(t, lockCount(f.mgr), "released locks must not stay in the map")
}

func lockCount(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func TestConcurrentActionsOnOneSession(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	s, err := f.mgr.Start(ctx, "u1", "stemi-01")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Perform(ctx, s.ID, ActionRequest{Name: fmt.Sprintf("maneuver_%d", i%10), Kind: KindManeuver})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Actions, 10)
	for i := 1; i < len(got.Actions); i++ {
		assert.False(t, got.Actions[i].Timestamp.Before(got.Actions[i-1].Timestamp))
	}
	assert.Zero(t, lockCount(f.mgr))
}
