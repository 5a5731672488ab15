package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/abhisek/medsim/internal/store"
)

// LoggingProvider is a decorator that records every request as an event in
// the local store.
type LoggingProvider struct {
	inner     Provider
	provider  string
	eventRepo store.EventRepo
	log       zerolog.Logger
}

// WithLogging wraps a Provider with event logging. name identifies the
// provider in the recorded events.
func WithLogging(p Provider, name string, repo store.EventRepo, log zerolog.Logger) Provider {
	return &LoggingProvider{inner: p, provider: name, eventRepo: repo, log: log}
}

func (l *LoggingProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := l.inner.Generate(ctx, req)
	l.record(ctx, resp, err, start)
	return resp, err
}

func (l *LoggingProvider) Stream(ctx context.Context, req Request, onChunk func(string) error) (*Response, error) {
	start := time.Now()
	resp, err := l.inner.Stream(ctx, req, onChunk)
	l.record(ctx, resp, err, start)
	return resp, err
}

// record stores request metadata only. Prompts and replies carry the
// student's conversation and stay out of the log.
func (l *LoggingProvider) record(ctx context.Context, resp *Response, err error, start time.Time) {
	data := store.LLMRequestEventData{
		Provider:  l.provider,
		Model:     l.inner.ModelID(),
		Purpose:   PurposeFrom(ctx),
		LatencyMs: time.Since(start).Milliseconds(),
		Success:   err == nil,
	}
	if resp != nil {
		data.InputTokens = resp.Usage.InputTokens
		data.OutputTokens = resp.Usage.OutputTokens
		data.Model = resp.Model
	}
	if err != nil {
		data.ErrorMessage = err.Error()
	}

	ev := l.log.Debug()
	if err != nil {
		ev = l.log.Warn().Err(err)
	}
	ev.Str("purpose", data.Purpose).Str("model", data.Model).
		Int64("latency_ms", data.LatencyMs).Int("output_tokens", data.OutputTokens).
		Msg("llm request")

	if l.eventRepo == nil {
		return
	}
	// A failed write must not fail the request.
	if logErr := l.eventRepo.AppendLLMRequest(context.WithoutCancel(ctx), data); logErr != nil {
		l.log.Warn().Err(logErr).Msg("failed to record LLM request event")
	}
}

func (l *LoggingProvider) ModelID() string {
	return l.inner.ModelID()
}
