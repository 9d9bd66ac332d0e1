package refresh

// Signal is an in-process notification about token lifecycle events that a
// frontend (CLI, embedding application) may want to surface to the user.
type Signal string

const (
	// SignalTokenExpiring fires when the access token enters the refresh
	// threshold window.
	SignalTokenExpiring Signal = "auth:token_expiring"

	// SignalRefreshTokenExpiring fires when the refresh token itself is
	// about to expire, meaning a re-login is coming up.
	SignalRefreshTokenExpiring Signal = "auth:refresh_token_expiring"

	// SignalRefreshTokenInvalid fires when the provider rejected the stored
	// refresh token.
	SignalRefreshTokenInvalid Signal = "auth:refresh_token_invalid"

	// SignalSessionExpired fires when every refresh avenue has been
	// exhausted and the session is over.
	SignalSessionExpired Signal = "auth:session_expired"
)

// Notifier receives token lifecycle signals. Implementations must not block;
// the orchestrator calls them inline.
type Notifier interface {
	Notify(signal Signal, detail map[string]string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(signal Signal, detail map[string]string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(signal Signal, detail map[string]string) {
	f(signal, detail)
}
