package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abhisek/medsim/internal/auth"
	"github.com/abhisek/medsim/internal/diagnostics"
	"github.com/abhisek/medsim/internal/evaluation"
	"github.com/abhisek/medsim/internal/narrator"
	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/statemachine"
	"github.com/abhisek/medsim/internal/store"
)

type caseSummary struct {
	CaseID            string    `json:"caseId"`
	Title             string    `json:"title"`
	Specialty         string    `json:"specialty"`
	Difficulty        string    `json:"difficulty"`
	ChiefComplaint    string    `json:"chiefComplaint"`
	RecommendedLevels []string  `json:"recommendedLevels"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

func userID(r *http.Request) string {
	id, _ := auth.UserIDFrom(r.Context())
	return id
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Cases.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]caseSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, caseSummary{
			CaseID:            rec.CaseID,
			Title:             rec.Title,
			Specialty:         rec.Specialty,
			Difficulty:        rec.Difficulty,
			ChiefComplaint:    rec.ChiefComplaint,
			RecommendedLevels: rec.RecommendedLevels,
			LastUpdated:       rec.LastUpdated,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Cases.Get(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Student)
}

func (s *Server) resetProgress(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Sessions.Reset(r.Context(), userID(r), chi.URLParam(r, "caseID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaseID string `json:"caseId"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.deps.Sessions.Start(r.Context(), userID(r), req.CaseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Sessions.List(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// owned loads the session named in the path and checks it belongs to the
// caller. Another user's session is reported as not found.
func (s *Server) owned(w http.ResponseWriter, r *http.Request) (session.Snapshot, bool) {
	snap, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err == nil && snap.UserID != userID(r) {
		err = session.ErrNotFound
	}
	if err != nil {
		s.fail(w, r, err)
		return session.Snapshot{}, false
	}
	return snap, true
}

type viewResponse struct {
	session.View
	Orderable     []diagnostics.OrderableItem `json:"orderable"`
	CanOrderTests bool                        `json:"canOrderTests"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	v, err := s.deps.Sessions.View(r.Context(), snap.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{
		View:          v,
		Orderable:     diagnostics.Orderable(v.Case, &v.Session.Session),
		CanOrderTests: diagnostics.CanOrderTests(&v.Session.Session),
	})
}

// transitionView is the student-visible part of a transition. Probabilities
// and draws stay server side.
type transitionView struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Changed bool   `json:"changed"`
}

type actionResponse struct {
	Session    session.Snapshot `json:"session"`
	Transition *transitionView  `json:"transition,omitempty"`
	Recorded   bool             `json:"recorded"`
}

func (s *Server) performAction(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	var req struct {
		Name   string             `json:"name"`
		Kind   session.ActionKind `json:"kind"`
		Reason string             `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	if req.Kind == session.KindTest {
		before := len(snap.Actions)
		out, err := s.deps.Orderer.OrderTest(r.Context(), snap.ID, req.Name, req.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{Session: out, Recorded: len(out.Actions) > before})
		return
	}

	out, err := s.deps.Sessions.Perform(r.Context(), snap.ID, session.ActionRequest{Name: req.Name, Kind: req.Kind, Reason: req.Reason})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := actionResponse{Session: out.Session, Recorded: out.Recorded}
	if out.Recorded {
		resp.Transition = newTransitionView(out.Transition)
	}
	writeJSON(w, http.StatusOK, resp)
}

func newTransitionView(t statemachine.Transition) *transitionView {
	to := t.From
	if t.Fired {
		to = t.To
	}
	return &transitionView{From: t.From, To: to, Changed: t.Changed()}
}

func (s *Server) setDifferential(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	var req struct {
		Entries []session.DifferentialEntry `json:"entries"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.deps.Sessions.SetDifferential(r.Context(), snap.ID, req.Entries)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setNotes(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.deps.Sessions.SetNotes(r.Context(), snap.ID, req.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) testResults(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Cases.Get(r.Context(), snap.CaseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diagnostics.ResolvedTestResults(&snap.Session, p.Full))
}

type messageRequest struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

// sendMessage records the student's line, then streams the patient's reply
// as server-sent events: "chunk" events carry text, a final "done" event
// carries the updated session.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.fail(w, r, errBadRequest)
		return
	}
	p, err := s.deps.Cases.Get(r.Context(), snap.CaseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err = s.deps.Sessions.AppendMessage(r.Context(), snap.ID, session.SenderStudent, req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sse, err := newEventStream(w)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	reply, err := s.deps.Narrator.PatientReply(r.Context(), narrator.Input{
		Case:         p.Full,
		Transcript:   snap.Messages,
		CurrentState: snap.CurrentState,
		Role:         narrator.RolePatient,
		Language:     req.Language,
	}, func(chunk string) error {
		return sse.send("chunk", map[string]string{"text": chunk})
	})
	if err != nil {
		s.log.Debug().Err(err).Str("session_id", snap.ID).Msg("patient reply stopped")
	}
	if reply.Text == "" {
		return
	}

	// The reply is kept even when the client went away mid-stream.
	out, err := s.deps.Sessions.AppendMessage(context.WithoutCancel(r.Context()), snap.ID, session.SenderPatient, reply.Text)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", snap.ID).Msg("failed to record patient reply")
		_ = sse.send("error", errorBody{Error: "reply not saved", Code: "storage", Retryable: true})
		return
	}
	_ = sse.send("done", map[string]any{"session": out, "fallback": reply.Fallback})
}

func (s *Server) requestHint(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	var req struct {
		Language string `json:"language"`
	}
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	p, err := s.deps.Cases.Get(r.Context(), snap.CaseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	hint, err := s.deps.Narrator.AttendingHint(r.Context(), narrator.Input{
		Case:         p.Full,
		Transcript:   snap.Messages,
		CurrentState: snap.CurrentState,
		Role:         narrator.RoleAttending,
		Language:     req.Language,
		OrderedTests: snap.OrderedTestNames(),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.deps.Sessions.AppendMessage(r.Context(), snap.ID, session.SenderAttending, hint.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hint": hint, "session": out})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	var req struct {
		FinalDiagnosis string `json:"finalDiagnosis"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, res, err := s.deps.Sessions.Submit(r.Context(), snap.ID, req.FinalDiagnosis)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Session    session.Snapshot  `json:"session"`
		Evaluation evaluation.Result `json:"evaluation"`
		Diagnosis  string            `json:"diagnosis"`
	}{out, res, diagnosisOf(r.Context(), s.deps.Cases, out.CaseID)})
}

// diagnosisOf returns the ground truth once the session is completed, for
// the debrief.
func diagnosisOf(ctx context.Context, cases Cases, caseID string) string {
	p, err := cases.Get(ctx, caseID)
	if err != nil {
		return ""
	}
	return p.Full.Diagnosis
}

// events streams every change to the session. The current session is sent
// first so a client never misses the state it subscribed at.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	ch, cancel := s.deps.Sync.Subscribe(snap.ID)
	defer cancel()

	// Changes from other devices arrive through the subscription above.
	watchCtx, stopWatch := context.WithCancel(r.Context())
	defer stopWatch()
	go func() {
		if err := s.deps.Sync.Watch(watchCtx, snap.ID); err != nil {
			s.log.Warn().Err(err).Str("session_id", snap.ID).Msg("watch stopped")
		}
	}()

	sse, err := newEventStream(w)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := sse.send("session", snap); err != nil {
		return
	}

	tick := time.NewTicker(s.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.send("session", ev.Session); err != nil {
				return
			}
		case <-tick.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.owned(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Sync.Status(r.Context(), snap.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]store.PushStatus{"status": st})
}

