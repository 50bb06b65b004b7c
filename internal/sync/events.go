package sync

import (
	"time"

	"github.com/matheus3301/parley/internal/model"
)

// Payloads published on the bus. Every payload names its conversation so a
// subscriber that raced a rebind can discard stale updates.

// Bound is the payload of conversation.bound and conversation.unbound.
type Bound struct {
	Conversation model.ConversationKey `json:"conversationKey"`
}

// MessageChange is the payload of message.appended and message.updated.
type MessageChange struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	Message      model.Message         `json:"message"`
}

// MessageRemoval is the payload of message.removed.
type MessageRemoval struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	MessageID    string                `json:"messageId"`
}

// SendAck is the payload of message.send_ack.
type SendAck struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	ClientID     string                `json:"clientId"`
	MessageID    string                `json:"messageId"`
}

// SendFailed is the payload of message.send_failed.
type SendFailed struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	ClientID     string                `json:"clientId"`
	Error        string                `json:"error"`
}

// ReadChange is the payload of message.read.
type ReadChange struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	SenderID     string                `json:"senderId"`
	Count        int                   `json:"count"`
}

// PinsChanged is the payload of pin.changed.
type PinsChanged struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	Pins         []model.PinnedEntry   `json:"pins"`
}

// Resynced is the payload of sync.resynced and sync.history_loaded.
type Resynced struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	Messages     int                   `json:"messages"`
	Pins         int                   `json:"pins"`
	HasMore      bool                  `json:"hasMore"`
}

// View is a consistent copy of the bound conversation.
type View struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	Messages     []model.Message       `json:"messages"`
	Pins         []model.PinnedEntry   `json:"pins"`
	HasMore      bool                  `json:"hasMore"`
	Syncing      bool                  `json:"syncing"`
	LastResync   *time.Time            `json:"lastResync,omitempty"`
}
