package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// MockResponse is a canned response for the MockProvider.
type MockResponse struct {
	Content json.RawMessage
	Usage   Usage
	Err     error

	// Chunks, when set, are streamed in order instead of splitting Content.
	Chunks []string

	// FailAfter, when positive together with Err, makes Stream deliver that
	// many chunks before failing with Err.
	FailAfter int
}

// MockProvider is a deterministic Provider for tests and offline use. It
// returns canned responses in FIFO order and records all requests.
type MockProvider struct {
	mu        sync.Mutex
	responses []MockResponse
	Calls     []Request
}

// NewMockProvider creates a MockProvider with the given canned responses.
func NewMockProvider(responses ...MockResponse) *MockProvider {
	return &MockProvider{responses: responses}
}

func (m *MockProvider) next(req Request) (MockResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)
	if len(m.responses) == 0 {
		return MockResponse{}, false
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, true
}

// Generate returns the next canned response, or ErrProviderUnavailable when
// the queue is empty.
func (m *MockProvider) Generate(_ context.Context, req Request) (*Response, error) {
	resp, ok := m.next(req)
	if !ok {
		return nil, &ErrProviderUnavailable{}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if err := validateResponse(req.Schema, resp.Content); err != nil {
		return nil, err
	}
	return &Response{Content: resp.Content, Usage: resp.Usage, Model: "mock", StopReason: "end"}, nil
}

// Stream delivers the next canned response chunk by chunk. Without
// explicit Chunks, Content is split after each space.
func (m *MockProvider) Stream(ctx context.Context, req Request, onChunk func(string) error) (*Response, error) {
	resp, ok := m.next(req)
	if !ok {
		return nil, &ErrProviderUnavailable{}
	}
	if resp.Err != nil && resp.FailAfter <= 0 {
		return nil, resp.Err
	}

	chunks := resp.Chunks
	if chunks == nil {
		chunks = strings.SplitAfter(string(resp.Content), " ")
	}
	var text strings.Builder
	for i, c := range chunks {
		if resp.Err != nil && i == resp.FailAfter {
			return nil, &ErrStreamInterrupted{Partial: text.String(), Err: resp.Err}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c == "" {
			continue
		}
		text.WriteString(c)
		if err := onChunk(c); err != nil {
			return nil, err
		}
	}
	if resp.Err != nil {
		return nil, &ErrStreamInterrupted{Partial: text.String(), Err: resp.Err}
	}
	return &Response{Content: json.RawMessage(text.String()), Usage: resp.Usage, Model: "mock", StopReason: "end"}, nil
}

// ModelID returns "mock".
func (m *MockProvider) ModelID() string {
	return "mock"
}

// AddResponse appends a canned response to the queue.
func (m *MockProvider) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// CallCount returns the number of Generate and Stream calls made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
