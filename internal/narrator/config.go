package narrator

// Config controls how the Narrator talks to the model.
type Config struct {
	// MaxTokens is the token budget for a patient reply.
	MaxTokens int

	// HintMaxTokens is the token budget for an attending hint.
	HintMaxTokens int

	// Temperature controls output randomness (0.0-1.0).
	Temperature float64

	// MaxTranscript is how many of the most recent transcript messages are
	// sent with each request. Zero sends all of them.
	MaxTranscript int

	// DefaultLanguage is used when an Input names no language.
	DefaultLanguage string

	// FallbackReply and FallbackHint are shown when the model fails.
	FallbackReply string
	FallbackHint  string
}

// DefaultConfig returns the recommended defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:       400,
		HintMaxTokens:   300,
		Temperature:     0.7,
		MaxTranscript:   30,
		DefaultLanguage: "English",
		FallbackReply:   "I'm sorry, I'm not feeling well enough to answer that right now. Could you ask me again?",
		FallbackHint:    "Review the chief complaint and vital signs, then decide which test would most change your management.",
	}
}
