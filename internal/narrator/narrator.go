// Package narrator voices the simulated patient and the supervising
// attending through a language model. Model failures never reach the
// student: a canned message is shown instead.
package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/llm"
	"github.com/abhisek/medsim/internal/session"
)

// Role is who the narrator speaks as.
type Role string

const (
	RolePatient   Role = "patient"
	RoleAttending Role = "attending"
)

// Input is everything the narrator needs to produce a line.
type Input struct {
	Case         *casedef.Case
	Transcript   []session.Message
	CurrentState string
	Role         Role
	Language     string

	// OrderedTests lists the investigations already ordered. Only the
	// attending uses it.
	OrderedTests []string
}

// Reply is a finished patient reply.
type Reply struct {
	// Text is everything delivered through onChunk.
	Text string

	// Fallback is true when the model failed and canned text was used.
	Fallback bool
}

// Hint is an attending hint.
type Hint struct {
	Text     string `json:"hint"`
	Focus    string `json:"focus,omitempty"`
	Fallback bool   `json:"fallback"`
}

// ErrInvalidInput is returned when an Input lacks a case.
var ErrInvalidInput = errors.New("narrator: input has no case")

// Narrator produces patient replies and attending hints.
type Narrator struct {
	provider llm.Provider
	config   Config
	log      zerolog.Logger
}

// New creates a Narrator. A nil provider makes every call fall back.
func New(provider llm.Provider, cfg Config, log zerolog.Logger) *Narrator {
	def := DefaultConfig()
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = def.DefaultLanguage
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = def.FallbackReply
	}
	if cfg.FallbackHint == "" {
		cfg.FallbackHint = def.FallbackHint
	}
	return &Narrator{provider: provider, config: cfg, log: log}
}

func (n *Narrator) language(in Input) string {
	if l := strings.TrimSpace(in.Language); l != "" {
		return l
	}
	return n.config.DefaultLanguage
}

// PatientReply streams the patient's answer to the transcript through
// onChunk, which may be nil. When the model fails, before or during the stream, the canned
// reply is delivered instead and no error is returned. Errors are returned
// only for a bad Input, a cancelled ctx, or an error from onChunk.
func (n *Narrator) PatientReply(ctx context.Context, in Input, onChunk func(string) error) (Reply, error) {
	if in.Case == nil {
		return Reply{}, ErrInvalidInput
	}
	log := n.log.With().Str("case_id", in.Case.ID).Str("role", string(RolePatient)).Logger()

	var delivered strings.Builder
	emit := func(c string) error {
		delivered.WriteString(c)
		if onChunk == nil {
			return nil
		}
		return onChunk(c)
	}

	var (
		resp *llm.Response
		err  error
	)
	if n.provider == nil {
		err = errors.New("no LLM provider configured")
	} else {
		req := llm.Request{
			System:      patientSystem(in.Case, in.CurrentState, n.language(in)),
			Messages:    transcriptMessages(in.Transcript, session.SenderPatient, n.config.MaxTranscript),
			MaxTokens:   n.config.MaxTokens,
			Temperature: n.config.Temperature,
		}
		var chunkErr error
		resp, err = n.provider.Stream(llm.WithPurpose(ctx, llm.PurposePatientReply), req, func(c string) error {
			if cerr := emit(c); cerr != nil {
				chunkErr = cerr
				return cerr
			}
			return nil
		})
		if chunkErr != nil {
			return Reply{Text: delivered.String()}, chunkErr
		}
	}

	if err == nil && strings.TrimSpace(resp.Text()) != "" {
		return Reply{Text: delivered.String()}, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return Reply{Text: delivered.String()}, cerr
	}
	if err == nil {
		err = errors.New("empty reply")
	}
	log.Warn().Err(err).Int("partial_bytes", delivered.Len()).Msg("patient reply failed; using fallback")

	fallback := n.config.FallbackReply
	if d := delivered.String(); d != "" && !strings.HasSuffix(d, " ") {
		fallback = " " + fallback
	}
	if cerr := emit(fallback); cerr != nil {
		return Reply{Text: delivered.String(), Fallback: true}, cerr
	}
	return Reply{Text: delivered.String(), Fallback: true}, nil
}

// AttendingHint asks the attending for a single hint. Model failures and
// malformed output yield the canned hint.
func (n *Narrator) AttendingHint(ctx context.Context, in Input) (Hint, error) {
	if in.Case == nil {
		return Hint{}, ErrInvalidInput
	}
	hint, err := n.hint(ctx, in)
	if err == nil {
		return hint, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return Hint{}, cerr
	}
	n.log.Warn().Err(err).Str("case_id", in.Case.ID).Str("role", string(RoleAttending)).
		Msg("attending hint failed; using fallback")
	return Hint{Text: n.config.FallbackHint, Fallback: true}, nil
}

func (n *Narrator) hint(ctx context.Context, in Input) (Hint, error) {
	if n.provider == nil {
		return Hint{}, errors.New("no LLM provider configured")
	}
	req := llm.Request{
		System:      attendingSystem(in.Case, in.CurrentState, in.OrderedTests, n.language(in)),
		Messages:    transcriptMessages(in.Transcript, session.SenderAttending, n.config.MaxTranscript),
		Schema:      HintSchema,
		MaxTokens:   n.config.HintMaxTokens,
		Temperature: n.config.Temperature,
	}
	resp, err := n.provider.Generate(llm.WithPurpose(ctx, llm.PurposeAttendingHint), req)
	if err != nil {
		return Hint{}, fmt.Errorf("generate hint: %w", err)
	}
	var h Hint
	if err := json.Unmarshal(resp.Content, &h); err != nil {
		return Hint{}, fmt.Errorf("parse hint: %w", err)
	}
	h.Text = strings.TrimSpace(h.Text)
	if h.Text == "" {
		return Hint{}, errors.New("empty hint")
	}
	h.Fallback = false
	return h, nil
}
