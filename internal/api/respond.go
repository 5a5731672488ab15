package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/catalog"
	"github.com/abhisek/medsim/internal/diagnostics"
	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/statemachine"
	"github.com/abhisek/medsim/internal/store"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

var errBadRequest = errors.New("bad request")

// classify maps a domain error onto an HTTP status and a stable code.
func classify(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	var (
		inv       *session.InvariantError
		malformed *casedef.MalformedCaseError
		storage   *store.StorageError
	)
	switch {
	case errors.Is(err, errBadRequest):
		body.Code = "bad_request"
		return http.StatusBadRequest, body
	case errors.Is(err, session.ErrNotFound):
		body.Code = "session_not_found"
		return http.StatusNotFound, body
	case errors.Is(err, catalog.ErrCaseNotFound):
		body.Code = "case_not_found"
		return http.StatusNotFound, body
	case errors.Is(err, diagnostics.ErrDiagnosticsLocked):
		body.Code = "diagnostics_locked"
		return http.StatusConflict, body
	case errors.Is(err, statemachine.ErrAmbiguousTrigger):
		body.Code = "ambiguous_trigger"
		body.Error = "action is ambiguous for this case"
		return http.StatusConflict, body
	case errors.As(err, &inv):
		switch {
		case errors.Is(err, session.ErrCompleted), errors.Is(err, session.ErrAlreadyScored):
			body.Code = "session_completed"
			return http.StatusConflict, body
		case errors.Is(err, session.ErrUnknownItem):
			body.Code = "unknown_item"
		default:
			body.Code = "invalid"
		}
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &malformed):
		body.Code = "malformed_case"
		body.Retryable = true
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &storage):
		body.Code = "storage"
		body.Retryable = true
		return http.StatusServiceUnavailable, body
	}
	body.Code = "internal"
	body.Error = "internal error"
	return http.StatusInternalServerError, body
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	ev := s.log.Debug()
	if status >= 500 {
		ev = s.log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, body)
}
