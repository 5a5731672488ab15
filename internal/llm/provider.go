// Package llm wraps the hosted language models that voice the simulated
// patient and the attending physician.
package llm

import (
	"context"
	"encoding/json"
)

// Provider generates model output for a Request.
type Provider interface {
	// Generate returns the complete response. When req.Schema is set the
	// provider asks for JSON output and validates it against the schema.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream returns the response text incrementally through onChunk and
	// the assembled response at the end. An error from onChunk stops the
	// stream and is returned. Schema is ignored.
	Stream(ctx context.Context, req Request, onChunk func(chunk string) error) (*Response, error)

	// ModelID returns the configured model identifier.
	ModelID() string
}

// Request describes what to send to the model.
type Request struct {
	System   string
	Messages []Message

	// Schema, when set, requests JSON output that conforms to it.
	Schema *Schema

	MaxTokens   int
	Temperature float64
}

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Role is the message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Schema is a JSON Schema for structured output. Name is kebab-case and is
// used as the schema or tool name by the providers.
type Schema struct {
	Name        string
	Description string
	Definition  map[string]any
}

// Response holds the model output.
type Response struct {
	// Content is the validated JSON object for schema requests and the raw
	// text otherwise.
	Content json.RawMessage

	Usage Usage
	Model string

	// StopReason is one of "end", "max_tokens" or "error".
	StopReason string
}

// Text returns Content as a string.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Content)
}

// Usage tracks token consumption for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
