package remote

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errFeedClosed = errors.New("feed closed")

// MemoryStore keeps documents in process memory. Failures can be injected
// to simulate an unreachable backend.
type MemoryStore struct {
	mu       sync.RWMutex
	cases    map[string]CaseDocument
	sessions map[string]SessionDocument
	fail     error
	puts     int
}

// NewMemoryStore returns an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:    make(map[string]CaseDocument),
		sessions: make(map[string]SessionDocument),
	}
}

// FailWith makes every later call fail with a TransportError wrapping err.
// A nil err restores normal operation.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// SessionPuts returns how many PutSession calls succeeded.
func (m *MemoryStore) SessionPuts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

func (m *MemoryStore) FetchCases(ctx context.Context) ([]CaseDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, transportErr("memory", "fetch cases", m.fail)
	}
	docs := make([]CaseDocument, 0, len(m.cases))
	for _, d := range m.cases {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CaseID < docs[j].CaseID })
	return docs, nil
}

func (m *MemoryStore) PutCase(ctx context.Context, doc CaseDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return transportErr("memory", "put case", m.fail)
	}
	m.cases[doc.CaseID] = doc
	return nil
}

func (m *MemoryStore) PutSession(ctx context.Context, doc SessionDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return transportErr("memory", "put session", m.fail)
	}
	doc.Body = append([]byte(nil), doc.Body...)
	m.sessions[doc.SessionID] = doc
	m.puts++
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*SessionDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, transportErr("memory", "get session", m.fail)
	}
	doc, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	doc.Body = append([]byte(nil), doc.Body...)
	return &doc, nil
}

func (m *MemoryStore) Close() error { return nil }

// memoryFeed fans changes out to in-process subscribers.
type memoryFeed struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Change
	nextID int
	closed bool
}

// NewMemoryFeed returns an in-process change feed.
func NewMemoryFeed() ChangeFeed {
	return &memoryFeed{subs: make(map[string]map[int]chan Change)}
}

// Publish delivers c to every subscriber of its session. A subscriber whose
// buffer is full misses the change.
func (f *memoryFeed) Publish(ctx context.Context, c Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[c.Session.SessionID] {
		select {
		case ch <- c:
		default:
		}
	}
	return nil
}

func (f *memoryFeed) Subscribe(ctx context.Context, sessionID string) (<-chan Change, func(), error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, nil, transportErr("memory", "subscribe", errFeedClosed)
	}
	id := f.nextID
	f.nextID++
	ch := make(chan Change, 16)
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[int]chan Change)
	}
	f.subs[sessionID][id] = ch
	f.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			f.mu.Lock()
			if _, ok := f.subs[sessionID][id]; ok {
				delete(f.subs[sessionID], id)
				close(ch)
			}
			f.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

func (f *memoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, subs := range f.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
	return nil
}
