package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/abhisek/medsim/internal/remote"
	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/store"
)

// pushQueue holds at most one snapshot waiting for upload. A newer snapshot
// replaces the waiting one.
type pushQueue struct {
	pending *session.Snapshot
	running bool
}

// UploadSession queues the snapshot for upload and returns immediately.
func (e *Engine) UploadSession(s session.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}

	q, ok := e.queues[s.ID]
	if !ok {
		q = &pushQueue{}
		e.queues[s.ID] = q
	}
	if q.pending != nil {
		e.log.Debug().Str("session_id", s.ID).Msg("coalesced queued push")
	}
	q.pending = &s
	if !q.running {
		q.running = true
		go e.drain(s.ID, q)
	}
}

// drain uploads queued snapshots for one session until the queue is empty.
func (e *Engine) drain(id string, q *pushQueue) {
	for {
		e.mu.Lock()
		snap := q.pending
		q.pending = nil
		if snap == nil || e.ctx.Err() != nil {
			q.running = false
			delete(e.queues, id)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		e.push(*snap)
	}
}

func (e *Engine) push(s session.Snapshot) {
	log := e.log.With().Str("session_id", s.ID).Str("case_id", s.CaseID).Logger()

	doc, err := Document(s)
	if err != nil {
		log.Error().Err(err).Msg("encode session for push")
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.pushTimeout)
	defer cancel()
	err = e.remote.PutSession(ctx, doc)

	status, msg := store.PushOK, ""
	if err != nil {
		status, msg = store.PushFailed, err.Error()
		log.Warn().Err(err).Msg("session push failed")
	}

	// The push outcome is recorded even when the engine is closing.
	local, done := context.WithTimeout(context.WithoutCancel(e.ctx), e.pushTimeout)
	defer done()
	current, merr := e.sessions.MarkPushed(local, s.ID, s.LastModifiedAt, status, msg)
	if merr != nil {
		log.Error().Err(merr).Msg("record push status")
		return
	}
	if !current {
		log.Debug().Msg("session changed during push")
	}
	if err != nil || e.feed == nil {
		return
	}
	if err := e.feed.Publish(ctx, remote.Change{DeviceID: e.deviceID, Session: doc}); err != nil {
		log.Warn().Err(err).Msg("publish change")
	}
}

// Document converts a session snapshot to its remote form.
func Document(s session.Snapshot) (remote.SessionDocument, error) {
	body, err := session.Encode(&s.Session)
	if err != nil {
		return remote.SessionDocument{}, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return remote.SessionDocument{
		SessionID:      s.ID,
		UserID:         s.UserID,
		CaseID:         s.CaseID,
		Completed:      s.Completed,
		LastModifiedAt: s.LastModifiedAt,
		Body:           body,
	}, nil
}

// Pending reports whether an upload for the session is queued or running.
func (e *Engine) Pending(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.queues[sessionID]
	return ok
}

// Status returns the push status of the session. A queued or running upload
// reports PushPending.
func (e *Engine) Status(ctx context.Context, sessionID string) (store.PushStatus, error) {
	if e.Pending(sessionID) {
		return store.PushPending, nil
	}
	rec, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	return rec.PushStatus, nil
}

// Flush waits until every queued upload has finished or ctx is done.
func (e *Engine) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		n := len(e.queues)
		e.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RetryPending queues every stored session whose last push failed or never
// happened. It returns how many sessions were queued.
func (e *Engine) RetryPending(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []store.PushStatus{store.PushFailed, store.PushPending} {
		recs, err := e.sessions.List(ctx, store.SessionFilter{Status: status})
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			s, err := session.Decode(rec.Document)
			if err != nil {
				e.log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("skip undecodable session")
				continue
			}
			e.UploadSession(s.Snapshot())
			n++
		}
	}
	if n > 0 {
		e.log.Info().Int("sessions", n).Msg("retrying unpushed sessions")
	}
	return n, nil
}
