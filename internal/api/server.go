// Package api is the HTTP bridge a UI shell uses to drive the simulator:
// JSON endpoints for cases and sessions, and server-sent events for streamed
// patient replies and session changes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/abhisek/medsim/internal/auth"
	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/evaluation"
	"github.com/abhisek/medsim/internal/narrator"
	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/store"
	"github.com/abhisek/medsim/internal/syncer"
)

// Sessions is the part of session.Manager the bridge uses.
type Sessions interface {
	Start(ctx context.Context, userID, caseID string) (session.Snapshot, error)
	Get(ctx context.Context, id string) (session.Snapshot, error)
	List(ctx context.Context, userID string) ([]session.Snapshot, error)
	View(ctx context.Context, id string) (session.View, error)
	Perform(ctx context.Context, id string, req session.ActionRequest, guards ...session.Guard) (session.Outcome, error)
	SetDifferential(ctx context.Context, id string, entries []session.DifferentialEntry) (session.Snapshot, error)
	SetNotes(ctx context.Context, id, notes string) (session.Snapshot, error)
	AppendMessage(ctx context.Context, id string, sender session.Sender, content string) (session.Snapshot, error)
	Submit(ctx context.Context, id, finalDiagnosis string) (session.Snapshot, evaluation.Result, error)
	Reset(ctx context.Context, userID, caseID string) (int, error)
}

// Cases resolves and lists case definitions.
type Cases interface {
	Get(ctx context.Context, caseID string) (*casedef.Parsed, error)
	List(ctx context.Context) ([]store.CaseRecord, error)
}

// Orderer places gated diagnostic test orders.
type Orderer interface {
	OrderTest(ctx context.Context, sessionID, testName, reason string) (session.Snapshot, error)
}

// Narrator voices the patient and the attending.
type Narrator interface {
	PatientReply(ctx context.Context, in narrator.Input, onChunk func(string) error) (narrator.Reply, error)
	AttendingHint(ctx context.Context, in narrator.Input) (narrator.Hint, error)
}

// Sync exposes session change subscriptions and push status.
type Sync interface {
	Subscribe(sessionID string) (<-chan syncer.Event, func())
	Watch(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (store.PushStatus, error)
}

// Deps holds the collaborators of a Server.
type Deps struct {
	Sessions Sessions
	Cases    Cases
	Orderer  Orderer
	Narrator Narrator
	Sync     Sync
	Identity auth.Identity
}

// Options tunes the HTTP surface.
type Options struct {
	CORSOrigins []string

	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
}

// Server serves the bridge.
type Server struct {
	deps      Deps
	log       zerolog.Logger
	heartbeat time.Duration
	router    chi.Router
}

// New builds a Server and its routes.
func New(deps Deps, opts Options, log zerolog.Logger) *Server {
	s := &Server{deps: deps, log: log, heartbeat: opts.Heartbeat}
	if s.heartbeat <= 0 {
		s.heartbeat = 25 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(pr chi.Router) {
		pr.Use(auth.Middleware(deps.Identity))

		pr.Get("/cases", s.listCases)
		pr.Get("/cases/{caseID}", s.getCase)
		pr.Delete("/cases/{caseID}/progress", s.resetProgress)

		pr.Post("/sessions", s.startSession)
		pr.Get("/sessions", s.listSessions)
		pr.Route("/sessions/{sessionID}", func(sr chi.Router) {
			sr.Get("/", s.getSession)
			sr.Post("/actions", s.performAction)
			sr.Put("/differential", s.setDifferential)
			sr.Put("/notes", s.setNotes)
			sr.Get("/results", s.testResults)
			sr.Post("/messages", s.sendMessage)
			sr.Post("/hint", s.requestHint)
			sr.Post("/submit", s.submit)
			sr.Get("/events", s.events)
			sr.Get("/sync", s.syncStatus)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
