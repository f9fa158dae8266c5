package chat

// EventKind identifies what changed in the engine.
type EventKind int

const (
	// EventSessionChanged fires when the active session changes.
	EventSessionChanged EventKind = iota
	// EventSessionLoaded fires when the active session was refreshed from the server.
	EventSessionLoaded
	// EventPendingAdded fires right after a message is echoed locally.
	EventPendingAdded
	// EventSent fires when the server accepted the message and waiting begins.
	EventSent
	// EventSendFailed fires when the send request failed and the echo was rolled back.
	EventSendFailed
	// EventSnapshot fires for each session snapshot that does not carry the reply yet.
	EventSnapshot
	// EventReplyReceived fires when the assistant reply was detected.
	EventReplyReceived
	// EventPollFailed fires when waiting for the reply failed.
	EventPollFailed
	// EventTimedOut fires when no reply arrived before the reply timeout.
	EventTimedOut
)

func (k EventKind) String() string {
	switch k {
	case EventSessionChanged:
		return "session_changed"
	case EventSessionLoaded:
		return "session_loaded"
	case EventPendingAdded:
		return "pending_added"
	case EventSent:
		return "sent"
	case EventSendFailed:
		return "send_failed"
	case EventSnapshot:
		return "snapshot"
	case EventReplyReceived:
		return "reply_received"
	case EventPollFailed:
		return "poll_failed"
	case EventTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends an exchange.
func (k EventKind) Terminal() bool {
	switch k {
	case EventSendFailed, EventReplyReceived, EventPollFailed, EventTimedOut:
		return true
	default:
		return false
	}
}

// Event describes a change in the engine together with the resulting view.
type Event struct {
	Kind      EventKind
	SessionID string
	Err       error
	View      View
}
