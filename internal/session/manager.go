package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/evaluation"
	"github.com/abhisek/medsim/internal/statemachine"
	"github.com/abhisek/medsim/internal/store"
)

// CaseSource resolves a case id to its parsed definition.
type CaseSource interface {
	Get(ctx context.Context, caseID string) (*casedef.Parsed, error)
}

// Pusher schedules a background push of a locally saved session. It must
// not block.
type Pusher interface {
	UploadSession(s Snapshot)
}

// Publisher tells observers of a session that it changed.
type Publisher interface {
	Publish(s Snapshot)
}

// Guard is a precondition checked under the session lock before an action
// is applied. A non-nil error rejects the action with no side effects.
type Guard func(s *Session, c *casedef.Case) error

// ActionRequest describes a student action.
type ActionRequest struct {
	Name   string
	Kind   ActionKind
	Reason string
}

// Outcome is the result of Perform.
type Outcome struct {
	Session    Snapshot
	Transition statemachine.Transition

	// Recorded is false when the action had already been performed and the
	// call was a no-op.
	Recorded bool
}

// MergeOutcome tells what MergeRemote did with a remote copy.
type MergeOutcome int

const (
	MergeAdopted   MergeOutcome = iota // no local copy existed
	MergeReplaced                      // remote was newer and replaced local
	MergeKeptLocal                     // local was newer and was queued for push
	MergeIgnored                       // both copies carry the same version
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeAdopted:
		return "adopted"
	case MergeReplaced:
		return "replaced"
	case MergeKeptLocal:
		return "kept_local"
	default:
		return "ignored"
	}
}

// View is what the student sees of a session: the redacted case and the
// clinical picture of the current state.
type View struct {
	Session      Snapshot             `json:"session"`
	Case         *casedef.StudentCase `json:"case"`
	Description  string               `json:"description"`
	Vitals       casedef.Vitals       `json:"vitals"`
	PhysicalExam map[string]string    `json:"physicalExam,omitempty"`
}

// Manager is the single owner of live sessions. Every mutation of a session,
// local or merged from the remote store, runs under that session's lock and
// is written to the local store before observers or the push queue hear of
// it.
type Manager struct {
	repo    store.SessionRepo
	cases   CaseSource
	machine *statemachine.Machine
	pusher  Pusher
	pub     Publisher
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string

	mu    sync.Mutex
	locks map[string]*keyLock
	live  map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithMachine sets the state machine. The default draws from a randomly
// seeded source.
func WithMachine(mc *statemachine.Machine) Option {
	return func(m *Manager) { m.machine = mc }
}

// WithPusher sets where saved sessions are queued for remote push.
func WithPusher(p Pusher) Option {
	return func(m *Manager) { m.pusher = p }
}

// WithPublisher sets who is told about session changes.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides uuid session ids.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager returns a Manager persisting to repo and resolving cases
// through cases.
func NewManager(repo store.SessionRepo, cases CaseSource, opts ...Option) *Manager {
	m := &Manager{
		repo:  repo,
		cases: cases,
		log:   zerolog.Nop(),
		now:   time.Now,
		newID: uuid.NewString,
		locks: make(map[string]*keyLock),
		live:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.machine == nil {
		m.machine = statemachine.New(nil)
	}
	return m
}

// SetSync attaches the push queue and publisher after construction, for
// wiring where the sync engine itself depends on the Manager.
func (m *Manager) SetSync(p Pusher, pub Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pusher = p
	m.pub = pub
}

// Start resumes the newest incomplete session of the user for the case, or
// creates a new one positioned at the initial state.
func (m *Manager) Start(ctx context.Context, userID, caseID string) (Snapshot, error) {
	const op = "start"
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(caseID) == "" {
		return Snapshot{}, invariant(op, "", fmt.Errorf("%w: user and case are required", ErrInvalidValue))
	}
	if _, err := m.cases.Get(ctx, caseID); err != nil {
		return Snapshot{}, err
	}

	unlock := m.lock("start:" + userID + "/" + caseID)
	defer unlock()

	rec, err := m.repo.LatestIncomplete(ctx, userID, caseID)
	if err != nil {
		return Snapshot{}, err
	}
	if rec != nil {
		unlockSession := m.lock(rec.SessionID)
		defer unlockSession()
		s, err := m.load(ctx, rec.SessionID)
		if err != nil {
			return Snapshot{}, err
		}
		m.log.Debug().Str("session_id", s.ID).Str("case_id", caseID).Msg("resumed session")
		return s.Snapshot(), nil
	}

	s := New(m.newID(), userID, caseID, m.now())
	unlockSession := m.lock(s.ID)
	defer unlockSession()
	if err := m.persist(ctx, s); err != nil {
		return Snapshot{}, err
	}
	m.setLive(s)
	snap := s.Snapshot()
	m.announce(snap)
	m.log.Info().Str("session_id", s.ID).Str("case_id", caseID).Str("user_id", userID).Msg("started session")
	return snap, nil
}

// Get returns the current snapshot of a session.
func (m *Manager) Get(ctx context.Context, id string) (Snapshot, error) {
	unlock := m.lock(id)
	defer unlock()
	s, err := m.load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// List returns the user's sessions, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]Snapshot, error) {
	recs, err := m.repo.List(ctx, store.SessionFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		s, err := Decode(rec.Document)
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("skipping undecodable session")
			continue
		}
		out = append(out, s.Snapshot())
	}
	return out, nil
}

// View returns the student-facing picture of the session's current state.
func (m *Manager) View(ctx context.Context, id string) (View, error) {
	snap, err := m.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	p, err := m.cases.Get(ctx, snap.CaseID)
	if err != nil {
		return View{}, err
	}
	v := View{
		Session: snap,
		Case:    p.Student,
		Vitals:  p.Student.EffectiveVitals(snap.CurrentState),
	}
	if st, ok := p.Student.States[snap.CurrentState]; ok {
		v.Description = st.Description
		v.PhysicalExam = st.PhysicalExam
	}
	return v, nil
}

// Perform applies a student action. An action already in the log is a no-op
// and skips the guards. Otherwise the guards run, the state machine decides
// the transition and the action is recorded whether or not the state
// changed. A trigger that is ambiguous across states is rejected and nothing
// is recorded.
func (m *Manager) Perform(ctx context.Context, id string, req ActionRequest, guards ...Guard) (Outcome, error) {
	const op = "perform"
	var out Outcome
	snap, err := m.mutate(ctx, id, func(s *Session, p *casedef.Parsed, now time.Time) (bool, error) {
		if s.Completed {
			return false, invariant(op, id, ErrCompleted)
		}
		if s.HasAction(req.Name) {
			return false, nil
		}
		for _, g := range guards {
			if err := g(s, p.Full); err != nil {
				return false, err
			}
		}

		tr, err := m.machine.Apply(s.CurrentState, req.Name, p.Full.States)
		switch {
		case errors.Is(err, statemachine.ErrAmbiguousTrigger):
			m.log.Warn().Err(err).Str("session_id", id).Str("case_id", s.CaseID).Str("action", req.Name).
				Msg("ambiguous trigger rejected")
			return false, invariant(op, id, err)
		case errors.Is(err, statemachine.ErrUnknownState):
			return false, invariant(op, id, fmt.Errorf("%w: %w", ErrUnknownState, err))
		case err != nil:
			return false, err
		}

		if err := s.RecordAction(Action{Name: req.Name, Kind: req.Kind, Reason: req.Reason}, now); err != nil {
			return false, err
		}
		if tr.Fired {
			if err := s.MoveTo(tr.To, p.Full, now); err != nil {
				return false, err
			}
		}
		out.Transition = tr
		out.Recorded = true
		return true, nil
	})
	out.Session = snap
	if err == nil && out.Recorded {
		m.log.Debug().Str("session_id", id).Str("action", req.Name).
			Str("from", out.Transition.From).Str("to", out.Transition.To).Bool("fired", out.Transition.Fired).
			Msg("action applied")
	}
	return out, err
}

// SetDifferential replaces the session's differential diagnosis.
func (m *Manager) SetDifferential(ctx context.Context, id string, entries []DifferentialEntry) (Snapshot, error) {
	return m.mutate(ctx, id, func(s *Session, _ *casedef.Parsed, now time.Time) (bool, error) {
		return true, s.SetDifferential(entries, now)
	})
}

// SetNotes replaces the session's notes.
func (m *Manager) SetNotes(ctx context.Context, id, notes string) (Snapshot, error) {
	return m.mutate(ctx, id, func(s *Session, _ *casedef.Parsed, now time.Time) (bool, error) {
		if s.Notes == notes {
			return false, nil
		}
		s.SetNotes(notes, now)
		return true, nil
	})
}

// AppendMessage adds a line to the transcript.
func (m *Manager) AppendMessage(ctx context.Context, id string, sender Sender, content string) (Snapshot, error) {
	return m.mutate(ctx, id, func(s *Session, _ *casedef.Parsed, now time.Time) (bool, error) {
		return true, s.AppendMessage(Message{Sender: sender, Content: content}, now)
	})
}

// Submit completes the session with the student's final diagnosis and sets
// its score. A session is submitted at most once.
func (m *Manager) Submit(ctx context.Context, id, finalDiagnosis string) (Snapshot, evaluation.Result, error) {
	var res evaluation.Result
	snap, err := m.mutate(ctx, id, func(s *Session, p *casedef.Parsed, now time.Time) (bool, error) {
		if s.Completed {
			return false, invariant("submit", id, ErrAlreadyScored)
		}
		res = evaluation.Score(p.Full, s.OrderedTestNames(), finalDiagnosis)
		return true, s.Complete(finalDiagnosis, res.Score, now)
	})
	if err == nil {
		m.log.Info().Str("session_id", id).Float64("score", res.Score).Msg("session submitted")
	}
	return snap, res, err
}

// Reset hard-deletes every local session of the user for the case. It
// returns how many were removed.
func (m *Manager) Reset(ctx context.Context, userID, caseID string) (int, error) {
	recs, err := m.repo.List(ctx, store.SessionFilter{UserID: userID, CaseID: caseID})
	if err != nil {
		return 0, err
	}
	n, err := m.repo.DeleteForCase(ctx, userID, caseID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	for _, rec := range recs {
		delete(m.live, rec.SessionID)
	}
	m.mu.Unlock()
	m.log.Info().Str("user_id", userID).Str("case_id", caseID).Int("deleted", n).Msg("reset progress")
	return n, nil
}

// MergeRemote reconciles a session received from the remote store with the
// local copy. The copy with the later LastModifiedAt wins. A newer local
// copy is queued for push again so the remote catches up.
func (m *Manager) MergeRemote(ctx context.Context, remote *Session) (Snapshot, MergeOutcome, error) {
	const op = "merge"
	unlock := m.lock(remote.ID)
	defer unlock()

	p, err := m.cases.Get(ctx, remote.CaseID)
	if err != nil {
		return Snapshot{}, MergeIgnored, err
	}
	if _, ok := p.Full.States[remote.CurrentState]; !ok {
		return Snapshot{}, MergeIgnored, invariant(op, remote.ID, fmt.Errorf("%w: %q", ErrUnknownState, remote.CurrentState))
	}

	cur, err := m.load(ctx, remote.ID)
	outcome := MergeReplaced
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = MergeAdopted
	case err != nil:
		return Snapshot{}, MergeIgnored, err
	case remote.LastModifiedAt.Equal(cur.LastModifiedAt):
		return cur.Snapshot(), MergeIgnored, nil
	case remote.LastModifiedAt.Before(cur.LastModifiedAt):
		snap := cur.Snapshot()
		if pusher, _ := m.syncTargets(); pusher != nil {
			pusher.UploadSession(snap)
		}
		return snap, MergeKeptLocal, nil
	}

	incoming := remote.Clone()
	data, err := Encode(incoming)
	if err != nil {
		return Snapshot{}, MergeIgnored, err
	}
	if err := m.repo.SaveMerged(ctx, record(incoming, data)); err != nil {
		return Snapshot{}, MergeIgnored, err
	}
	m.setLive(incoming)
	snap := incoming.Snapshot()
	if _, pub := m.syncTargets(); pub != nil {
		pub.Publish(snap)
	}
	m.log.Debug().Str("session_id", remote.ID).Stringer("outcome", outcome).Msg("merged remote session")
	return snap, outcome, nil
}

type mutation func(s *Session, p *casedef.Parsed, now time.Time) (changed bool, err error)

// mutate runs fn on a copy of the session and commits the copy only when fn
// succeeds and reports a change. The committed copy is saved locally before
// it is queued for push and published.
func (m *Manager) mutate(ctx context.Context, id string, fn mutation) (Snapshot, error) {
	unlock := m.lock(id)
	defer unlock()

	cur, err := m.load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	p, err := m.cases.Get(ctx, cur.CaseID)
	if err != nil {
		return cur.Snapshot(), err
	}

	work := cur.Clone()
	changed, err := fn(work, p, m.now())
	if err != nil || !changed {
		return cur.Snapshot(), err
	}
	if err := m.persist(ctx, work); err != nil {
		return cur.Snapshot(), err
	}
	m.setLive(work)
	snap := work.Snapshot()
	m.announce(snap)
	return snap, nil
}

func (m *Manager) syncTargets() (Pusher, Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pusher, m.pub
}

func (m *Manager) announce(snap Snapshot) {
	pusher, pub := m.syncTargets()
	if pusher != nil {
		pusher.UploadSession(snap)
	}
	if pub != nil {
		pub.Publish(snap)
	}
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return m.repo.Save(ctx, record(s, data))
}

func record(s *Session, data []byte) store.SessionRecord {
	return store.SessionRecord{
		SessionID:      s.ID,
		UserID:         s.UserID,
		CaseID:         s.CaseID,
		Completed:      s.Completed,
		CreatedAt:      s.CreatedAt,
		LastModifiedAt: s.LastModifiedAt,
		Document:       data,
	}
}

// load returns the live session, reading it from the store on first use.
// The caller must hold the session lock.
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	rec, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s, err = Decode(rec.Document)
	if err != nil {
		return nil, err
	}
	m.setLive(s)
	return s, nil
}

func (m *Manager) setLive(s *Session) {
	m.mu.Lock()
	m.live[s.ID] = s
	m.mu.Unlock()
}

// keyLock is a mutex shared by everyone waiting on the same key. It is
// dropped from the map when the last holder releases it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release func.
func (m *Manager) lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
