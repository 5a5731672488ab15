package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/medsim/internal/auth"
	"github.com/abhisek/medsim/internal/catalog"
	"github.com/abhisek/medsim/internal/diagnostics"
	"github.com/abhisek/medsim/internal/llm"
	"github.com/abhisek/medsim/internal/narrator"
	"github.com/abhisek/medsim/internal/remote"
	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/statemachine"
	"github.com/abhisek/medsim/internal/store"
	"github.com/abhisek/medsim/internal/syncer"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	server   *httptest.Server
	verifier *auth.Verifier
	mock     *llm.MockProvider
	mgr      *session.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	bundled, err := catalog.Bundled()
	require.NoError(t, err)
	for _, bc := range bundled {
		_, err := st.CaseRepo().Upsert(ctx, catalog.Record(bc.Parsed.Full, bc.Raw, catalog.BundledUpdatedAt, store.SourceBundled))
		require.NoError(t, err)
	}
	cat := catalog.New(st.CaseRepo())

	mgr := session.NewManager(st.SessionRepo(), cat,
		session.WithMachine(statemachine.New(statemachine.Fixed(0))))
	engine := syncer.New(syncer.Deps{
		Remote:   remote.NewMemoryStore(),
		Cases:    st.CaseRepo(),
		Sessions: st.SessionRepo(),
		Catalog:  cat,
		Merger:   mgr,
	})
	t.Cleanup(engine.Close)
	mgr.SetSync(engine, engine)

	v, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)
	mock := llm.NewMockProvider()

	srv := New(Deps{
		Sessions: mgr,
		Cases:    cat,
		Orderer:  diagnostics.New(mgr),
		Narrator: narrator.New(mock, narrator.DefaultConfig(), zerolog.Nop()),
		Sync:     engine,
		Identity: v,
	}, Options{CORSOrigins: []string{"http://localhost:3000"}, Heartbeat: time.Hour}, zerolog.Nop())

	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return &harness{server: hs, verifier: v, mock: mock, mgr: mgr}
}

func (h *harness) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := h.verifier.Issue(user, "")
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, user, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, user))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) start(t *testing.T, user string) session.Snapshot {
	t.Helper()
	resp := h.do(t, user, http.MethodPost, "/sessions", map[string]string{"caseId": "stemi-01"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[session.Snapshot](t, resp)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, "", http.MethodGet, "/cases", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCases(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, "u1", http.MethodGet, "/cases", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]caseSummary](t, resp)
	require.NotEmpty(t, list)

	resp = h.do(t, "u1", http.MethodGet, "/cases/stemi-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"diagnosis"`)
	assert.NotContains(t, string(raw), `"probability"`)
	assert.NotContains(t, string(raw), `"result"`)

	resp = h.do(t, "u1", http.MethodGet, "/cases/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "case_not_found", decodeBody[errorBody](t, resp).Code)
}

func TestSessionFlow(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, "u1")
	base := "/sessions/" + snap.ID

	// Tests are locked until a differential exists.
	resp := h.do(t, "u1", http.MethodPost, base+"/actions", map[string]string{"name": "order_ecg", "kind": "test"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "diagnostics_locked", decodeBody[errorBody](t, resp).Code)

	resp = h.do(t, "u1", http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[map[string]any](t, resp)
	assert.Equal(t, false, view["canOrderTests"])

	resp = h.do(t, "u1", http.MethodPut, base+"/differential", map[string]any{
		"entries": []map[string]any{{"diagnosis": "Acute coronary syndrome", "confidence": 0.7}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, "u1", http.MethodPost, base+"/actions", map[string]string{"name": "order_ecg", "kind": "test", "reason": "chest pain"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	act := decodeBody[actionResponse](t, resp)
	assert.True(t, act.Recorded)
	assert.Equal(t, "stemi_detected", act.Session.CurrentState)

	resp = h.do(t, "u1", http.MethodPost, base+"/actions", map[string]string{"name": "order_mri", "kind": "test"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unknown_item", decodeBody[errorBody](t, resp).Code)

	resp = h.do(t, "u1", http.MethodPost, base+"/actions", map[string]string{"name": "give_aspirin", "kind": "treatment"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	act = decodeBody[actionResponse](t, resp)
	require.NotNil(t, act.Transition)
	assert.Equal(t, transitionView{From: "stemi_detected", To: "stabilizing", Changed: true}, *act.Transition)

	resp = h.do(t, "u1", http.MethodGet, base+"/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decodeBody[[]diagnostics.TestResult](t, resp)
	require.Len(t, results, 1)
	assert.Equal(t, "order_ecg", results[0].TestName)
	assert.NotEmpty(t, results[0].Result)

	resp = h.do(t, "u1", http.MethodPut, base+"/notes", map[string]string{"notes": "ST elevation inferior leads"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, "u1", http.MethodPost, base+"/submit", map[string]string{"finalDiagnosis": "Inferior STEMI"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decodeBody[map[string]any](t, resp)
	assert.NotEmpty(t, sub["diagnosis"])
	assert.Contains(t, sub, "evaluation")

	resp = h.do(t, "u1", http.MethodPost, base+"/submit", map[string]string{"finalDiagnosis": "again"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "session_completed", decodeBody[errorBody](t, resp).Code)

	resp = h.do(t, "u1", http.MethodGet, base+"/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, "u1", http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]session.Snapshot](t, resp), 1)
}

func TestSessionOwnership(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, "u1")

	resp := h.do(t, "u2", http.MethodGet, "/sessions/"+snap.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, "u2", http.MethodPut, "/sessions/"+snap.ID+"/notes", map[string]string{"notes": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResetProgress(t *testing.T) {
	h := newHarness(t)
	h.start(t, "u1")

	resp := h.do(t, "u1", http.MethodDelete, "/cases/stemi-01/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"deleted": 1}, decodeBody[map[string]int](t, resp))
}

func TestBadRequest(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, "u1")

	resp := h.do(t, "u1", http.MethodPut, "/sessions/"+snap.ID+"/notes", map[string]string{"unexpected": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(t, "u1", http.MethodPost, "/sessions/"+snap.ID+"/messages", map[string]string{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// readEvents parses an SSE body into (event, data) pairs.
func readEvents(t *testing.T, r io.Reader) [][2]string {
	t.Helper()
	var (
		out   [][2]string
		event string
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			out = append(out, [2]string{event, strings.TrimPrefix(line, "data: ")})
		}
	}
	return out
}

func TestSendMessageStreamsReply(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, "u1")
	h.mock.AddResponse(llm.MockResponse{Chunks: []string{"It feels ", "like an elephant ", "on my chest."}})

	resp := h.do(t, "u1", http.MethodPost, "/sessions/"+snap.ID+"/messages", messageRequest{Content: "Describe the pain."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.Len(t, events, 4)
	assert.Equal(t, "chunk", events[0][0])
	assert.JSONEq(t, `{"text":"It feels "}`, events[0][1])
	assert.Equal(t, "done", events[3][0])

	var done struct {
		Session  session.Snapshot `json:"session"`
		Fallback bool             `json:"fallback"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[3][1]), &done))
	assert.False(t, done.Fallback)
	require.Len(t, done.Session.Messages, 2)
	assert.Equal(t, session.SenderStudent, done.Session.Messages[0].Sender)
	assert.Equal(t, "It feels like an elephant on my chest.", done.Session.Messages[1].Content)
}

func TestSendMessageFallback(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, "u1")
	h.mock.AddResponse(llm.MockResponse{Err: &llm.ErrProviderUnavailable{}})

	resp := h.do(t, "u1", http.MethodPost, "/sessions/"+snap.ID+"/messages", messageRequest{Content: "Any allergies?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp.Body)
	require.Len(t, events, 2)
	assert.Contains(t, events[1][1], `"fallback":true`)
}

func TestRequestHint(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, "u1")
	h.mock.AddResponse(llm.MockResponse{Content: json.RawMessage(`{"hint":"What would an ECG show you?","focus":"tests"}`)})

	resp := h.do(t, "u1", http.MethodPost, "/sessions/"+snap.ID+"/hint", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Hint    narrator.Hint    `json:"hint"`
		Session session.Snapshot `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "tests", out.Hint.Focus)
	require.Len(t, out.Session.Messages, 1)
	assert.Equal(t, session.SenderAttending, out.Session.Messages[0].Sender)
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/sessions/"+snap.ID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token(t, "u1"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				lines <- data
			}
		}
	}()

	next := func() session.Snapshot {
		t.Helper()
		select {
		case data, ok := <-lines:
			require.True(t, ok, "stream closed")
			var s session.Snapshot
			require.NoError(t, json.Unmarshal([]byte(data), &s))
			return s
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return session.Snapshot{}
	}

	first := next()
	assert.Equal(t, snap.ID, first.ID)

	_, err = h.mgr.SetNotes(context.Background(), snap.ID, "watching")
	require.NoError(t, err)
	changed := next()
	assert.Equal(t, "watching", changed.Notes)
}

func TestClassifyAmbiguousTrigger(t *testing.T) {
	err := &session.InvariantError{
		Op:        "perform",
		SessionID: "s1",
		Err:       &statemachine.AmbiguousTriggerError{Action: "give_fluids", Targets: []string{"shock", "stable"}},
	}
	status, body := classify(err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ambiguous_trigger", body.Code)
	assert.NotContains(t, body.Error, "shock")
}
