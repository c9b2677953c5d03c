package oidcflow

// Provider errors translate into these codes as an internal abstraction over
// OpenID Connect errors. The client application renders them to the end user.
const (
	// ErrCodeUnknown is the fallback for unrecognized provider errors.
	ErrCodeUnknown = "E0"

	// ErrCodeUserAborted means the end user interrupted the flow.
	ErrCodeUserAborted = "E1"

	// ErrCodeUpstream means we failed to communicate with the provider.
	ErrCodeUpstream = "E505"
)

// mapProviderError translates the provider's callback error parameters into
// an internal error code.
func mapProviderError(errorDescription string) string {
	switch errorDescription {
	case "mitid_user_aborted", "user_aborted":
		return ErrCodeUserAborted
	default:
		return ErrCodeUnknown
	}
}
