package bus

import "time"

// Event is a state change published for rendering collaborators.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Kinds published by the sync core. Subscribers filter by namespace prefix
// such as "message." or "call.".
const (
	ConversationBound   = "conversation.bound"
	ConversationUnbound = "conversation.unbound"

	MessageAppended   = "message.appended"
	MessageUpdated    = "message.updated"
	MessageRemoved    = "message.removed"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
	MessageRead       = "message.read"

	PinChanged = "pin.changed"

	TypingChanged = "typing.changed"

	CallStateChanged = "call.state_changed"

	SearchScrollTo = "search.scroll_to"
	SearchCleared  = "search.cleared"

	UploadStaged = "upload.staged"
	UploadFailed = "upload.failed"

	SessionStatusChanged = "session.status_changed"

	SyncResynced      = "sync.resynced"
	SyncHistoryLoaded = "sync.history_loaded"

	OutboxDrained = "outbox.drained"
)
