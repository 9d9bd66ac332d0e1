// Package authsync propagates authentication state changes between processes
// that share one credential store. When one process logs in, logs out, or
// refreshes a token, its siblings find out and update themselves instead of
// acting on stale credentials.
//
// Two transports are provided: MemoryChannel for listeners inside one process,
// and FileChannel for separate OS processes, which exchanges short-lived event
// files under the credential directory.
package authsync

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened to the authentication state.
type EventType string

const (
	EventLogin          EventType = "login"
	EventLogout         EventType = "logout"
	EventTokenRefresh   EventType = "token_refresh"
	EventSessionExpired EventType = "session_expired"
	EventAuthError      EventType = "auth_error"
)

// MaxEventAge is how old a received event may be before it is discarded.
// Stale events typically belong to a previous process generation.
const MaxEventAge = 30 * time.Second

// Event is one authentication state change notification.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Payload     map[string]string `json:"payload,omitempty"`
	TimestampMs int64             `json:"timestamp_ms"`

	// Origin identifies the emitting channel instance so a channel can skip
	// its own events.
	Origin string `json:"origin"`
}

// Age returns how long ago the event was emitted.
func (e Event) Age() time.Duration {
	return time.Since(time.UnixMilli(e.TimestampMs))
}

func newEvent(origin string, eventType EventType, payload map[string]string) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Payload:     payload,
		TimestampMs: time.Now().UnixMilli(),
		Origin:      origin,
	}
}

// Handlers holds the callbacks invoked when events arrive from other
// processes or listeners. Nil fields are skipped.
type Handlers struct {
	OnLogin          func(Event)
	OnLogout         func(Event)
	OnTokenRefresh   func(Event)
	OnSessionExpired func(Event)
	OnAuthError      func(Event)
}

func (h Handlers) dispatch(event Event) {
	switch event.Type {
	case EventLogin:
		if h.OnLogin != nil {
			h.OnLogin(event)
		}
	case EventLogout:
		if h.OnLogout != nil {
			h.OnLogout(event)
		}
	case EventTokenRefresh:
		if h.OnTokenRefresh != nil {
			h.OnTokenRefresh(event)
		}
	case EventSessionExpired:
		if h.OnSessionExpired != nil {
			h.OnSessionExpired(event)
		}
	case EventAuthError:
		if h.OnAuthError != nil {
			h.OnAuthError(event)
		}
	}
}

// Channel broadcasts authentication events to other interested parties.
// Broadcasting is best-effort: a failed broadcast never blocks the local
// state change that triggered it.
type Channel interface {
	// Broadcast emits an event of the given type to the channel's listeners.
	Broadcast(eventType EventType, payload map[string]string) error

	// Close releases the channel's resources. Further broadcasts fail.
	Close() error
}
