package llm

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrRateLimit is a 429 from the vendor. RetryAfter is zero when the
// response carried no hint; the retry loop then uses its own backoff.
type ErrRateLimit struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *ErrRateLimit) Unwrap() error { return e.Err }

// ErrInvalidResponse carries structured output that failed schema
// validation, such as an attending hint missing its text.
type ErrInvalidResponse struct {
	Content json.RawMessage
	Err     error
}

func (e *ErrInvalidResponse) Error() string {
	return fmt.Sprintf("model output failed validation: %v", e.Err)
}

func (e *ErrInvalidResponse) Unwrap() error { return e.Err }

// ErrProviderUnavailable wraps network failures and 5xx answers. The
// narrator treats it like any other failure and falls back to canned text.
type ErrProviderUnavailable struct {
	Err error
}

func (e *ErrProviderUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("LLM provider unavailable: %v", e.Err)
	}
	return "LLM provider unavailable"
}

func (e *ErrProviderUnavailable) Unwrap() error { return e.Err }

// ErrMaxTokensExceeded means the reply hit the token cap. Content holds
// whatever was produced.
type ErrMaxTokensExceeded struct {
	Content json.RawMessage
}

func (e *ErrMaxTokensExceeded) Error() string {
	return fmt.Sprintf("model reply truncated at max tokens (%d bytes kept)", len(e.Content))
}

// ErrStreamInterrupted is a stream that broke after its first chunk.
// Chunks already handed to the caller are in Partial and are never retried.
type ErrStreamInterrupted struct {
	Partial string
	Err     error
}

func (e *ErrStreamInterrupted) Error() string {
	return fmt.Sprintf("LLM stream interrupted after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *ErrStreamInterrupted) Unwrap() error { return e.Err }
