// Package transport is the push side of the backend: a persistent websocket
// that delivers conversation events and call signals, and carries outbound
// requests that the authority acknowledges.
package transport

import (
	"time"

	"github.com/matheus3301/parley/internal/model"
)

// Event is an inbound event. The set of implementations is closed; consumers
// switch over the concrete types.
type Event interface {
	event()
}

// MessageCreated carries a durable message broadcast to every participant,
// including its sender.
type MessageCreated struct {
	Message model.Message
}

// MessageEdited replaces the content of a known message.
type MessageEdited struct {
	Conversation model.ConversationKey
	ID           string
	Content      string
	UpdatedAt    time.Time
}

// MessageDeleted removes a message.
type MessageDeleted struct {
	Conversation model.ConversationKey
	ID           string
}

// MessagePinned adds a pin.
type MessagePinned struct {
	Conversation model.ConversationKey
	Entry        model.PinnedEntry
}

// MessageUnpinned removes a pin.
type MessageUnpinned struct {
	Conversation model.ConversationKey
	MessageID    string
}

// MessagesRead reports that ReaderID has read the thread.
type MessagesRead struct {
	Conversation model.ConversationKey
	ReaderID     string
}

// Typing is a remote typing indicator update.
type Typing struct {
	Conversation model.ConversationKey
	UserID       string
	IsTyping     bool
}

// SignalType names a call signaling step.
type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAccept SignalType = "accept"
	SignalReject SignalType = "reject"
	SignalEnd    SignalType = "end"
)

// CallSignal is a call signaling message, in either direction.
type CallSignal struct {
	Type       SignalType
	RoomID     string
	CallerID   string
	ReceiverID string
	Reason     string
}

// Connected is emitted after every successful dial. Reconnect is false only
// for the first connection of a Run.
type Connected struct {
	Reconnect bool
}

// Disconnected is emitted when an established connection drops.
type Disconnected struct {
	Err error
}

func (MessageCreated) event()  {}
func (MessageEdited) event()   {}
func (MessageDeleted) event()  {}
func (MessagePinned) event()   {}
func (MessageUnpinned) event() {}
func (MessagesRead) event()    {}
func (Typing) event()          {}
func (CallSignal) event()      {}
func (Connected) event()       {}
func (Disconnected) event()    {}
