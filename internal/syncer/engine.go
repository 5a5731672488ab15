// Package syncer keeps the local store and the remote document store in
// step. All reads and writes go to the local store first; the engine moves
// data to and from the remote in the background and never blocks a caller
// on the network.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abhisek/medsim/internal/catalog"
	"github.com/abhisek/medsim/internal/remote"
	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/store"
)

const (
	defaultParseWorkers = 4
	defaultPushTimeout  = 15 * time.Second
	subscriberBuffer    = 8
)

// Merger reconciles a remote session copy with the local one.
type Merger interface {
	MergeRemote(ctx context.Context, remote *session.Session) (session.Snapshot, session.MergeOutcome, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Remote   remote.DocumentStore
	Cases    store.CaseRepo
	Sessions store.SessionRepo
	Catalog  *catalog.Catalog
	Merger   Merger
}

// Engine implements session.Pusher and session.Publisher.
type Engine struct {
	remote   remote.DocumentStore
	feed     remote.ChangeFeed
	cases    store.CaseRepo
	sessions store.SessionRepo
	catalog  *catalog.Catalog
	merger   Merger
	log      zerolog.Logger
	now      func() time.Time

	deviceID     string
	parseWorkers int
	pushTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queues  map[string]*pushQueue
	subs    map[string]map[int]chan Event
	nextSub int
}

// Event is delivered to session subscribers whenever the session changes,
// locally or through a remote merge.
type Event struct {
	Session session.Snapshot
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeed sets the change feed used to exchange session updates between
// devices.
func WithFeed(f remote.ChangeFeed) Option {
	return func(e *Engine) { e.feed = f }
}

// WithDeviceID sets the id this device stamps on published changes.
func WithDeviceID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.deviceID = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithParseWorkers bounds how many case documents are parsed at once.
func WithParseWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parseWorkers = n
		}
	}
}

// WithPushTimeout bounds a single session upload.
func WithPushTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pushTimeout = d
		}
	}
}

// New returns an Engine. Close must be called to stop its workers.
func New(d Deps, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		remote:       d.Remote,
		cases:        d.Cases,
		sessions:     d.Sessions,
		catalog:      d.Catalog,
		merger:       d.Merger,
		log:          zerolog.Nop(),
		now:          time.Now,
		deviceID:     uuid.NewString(),
		parseWorkers: defaultParseWorkers,
		pushTimeout:  defaultPushTimeout,
		ctx:          ctx,
		cancel:       cancel,
		queues:       make(map[string]*pushQueue),
		subs:         make(map[string]map[int]chan Event),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeviceID returns the id stamped on changes published by this engine.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// Close stops the push workers and closes every subscription. In-flight
// pushes are cancelled, not awaited.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, subs := range e.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(e.subs, id)
	}
}

// Subscribe delivers an Event for every change to the session until cancel
// is called. A subscriber that falls behind by more than the channel buffer
// misses events.
func (e *Engine) Subscribe(sessionID string) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if e.ctx.Err() != nil {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	if e.subs[sessionID] == nil {
		e.subs[sessionID] = make(map[int]chan Event)
	}
	e.subs[sessionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[sessionID][id]; ok {
				delete(e.subs[sessionID], id)
				if len(e.subs[sessionID]) == 0 {
					delete(e.subs, sessionID)
				}
				close(c)
			}
		})
	}
}

// Publish notifies the session's subscribers.
func (e *Engine) Publish(s session.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs[s.ID] {
		select {
		case ch <- Event{Session: s}:
		default:
			e.log.Debug().Str("session_id", s.ID).Msg("subscriber full, event dropped")
		}
	}
}

// Subscribers returns how many subscriptions the session has.
func (e *Engine) Subscribers(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[sessionID])
}

// ApplyRemoteSessionUpdate merges a session document received from the
// remote store into the local one.
func (e *Engine) ApplyRemoteSessionUpdate(ctx context.Context, doc remote.SessionDocument) (session.MergeOutcome, error) {
	s, err := session.Decode(doc.Body)
	if err != nil {
		return session.MergeIgnored, fmt.Errorf("decode remote session %s: %w", doc.SessionID, err)
	}
	if s.ID != doc.SessionID {
		return session.MergeIgnored, fmt.Errorf("remote session document %s carries session %s", doc.SessionID, s.ID)
	}
	_, outcome, err := e.merger.MergeRemote(ctx, s)
	if err != nil {
		return outcome, err
	}
	e.log.Debug().Str("session_id", s.ID).Stringer("outcome", outcome).Msg("applied remote session")
	return outcome, nil
}

// PullSession fetches the remote copy of the session and merges it. A
// session the remote does not know is left alone.
func (e *Engine) PullSession(ctx context.Context, sessionID string) (session.MergeOutcome, error) {
	doc, err := e.remote.GetSession(ctx, sessionID)
	if errors.Is(err, remote.ErrNotFound) {
		return session.MergeIgnored, nil
	}
	if err != nil {
		return session.MergeIgnored, err
	}
	return e.ApplyRemoteSessionUpdate(ctx, *doc)
}

// Watch keeps the session in step with other devices until ctx is done. It
// first pulls the current remote copy, then applies every change announced
// on the feed. Changes published by this device are skipped.
func (e *Engine) Watch(ctx context.Context, sessionID string) error {
	log := e.log.With().Str("session_id", sessionID).Logger()
	if _, err := e.PullSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Msg("initial pull failed")
	}
	if e.feed == nil {
		<-ctx.Done()
		return nil
	}

	changes, cancel, err := e.feed.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.DeviceID == e.deviceID {
				continue
			}
			if _, err := e.ApplyRemoteSessionUpdate(ctx, c.Session); err != nil {
				log.Warn().Err(err).Str("device_id", c.DeviceID).Msg("remote change rejected")
			}
		}
	}
}
