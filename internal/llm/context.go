package llm

import "context"

// Purposes recorded with each logged request. The narrator tags every call
// with one of them so usage can be split between patient dialogue and
// attending hints.
const (
	PurposePatientReply  = "patient-reply"
	PurposeAttendingHint = "attending-hint"

	purposeUnknown = "unknown"
)

type purposeKey struct{}

// WithPurpose tags ctx so the request log can attribute the call.
func WithPurpose(ctx context.Context, purpose string) context.Context {
	return context.WithValue(ctx, purposeKey{}, purpose)
}

// PurposeFrom returns the tag set by WithPurpose, or "unknown" for an
// untagged call.
func PurposeFrom(ctx context.Context) string {
	if v, ok := ctx.Value(purposeKey{}).(string); ok && v != "" {
		return v
	}
	return purposeUnknown
}
