package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/parley/internal/model"
)

// Envelope is the JSON frame exchanged over the websocket.
type Envelope struct {
	Event     string          `json:"event"`
	Channel   string          `json:"channel,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound event names.
const (
	EvMessageNew      = "message:new"
	EvMessageEdited   = "message:edited"
	EvMessageDeleted  = "message:deleted"
	EvMessagePinned   = "message:pinned"
	EvMessageUnpinned = "message:unpinned"
	EvMessagesRead    = "message:read"
	EvTyping          = "typing"
	EvAck             = "ack"
)

// Outbound operation names.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSend        = "message:send"
	OpEdit        = "message:edit"
	OpDelete      = "message:delete"
	OpPin         = "message:pin"
	OpUnpin       = "message:unpin"
	OpMarkRead    = "message:markRead"
	OpTyping      = "typing"
)

// CallEventName returns the wire name of a signal, e.g. "call:offer".
func CallEventName(t SignalType) string {
	return "call:" + string(t)
}

// Ack answers a request; RequestID ties it to the request envelope.
type Ack struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type editedPayload struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type deletedPayload struct {
	ID string `json:"id"`
}

type unpinnedPayload struct {
	MessageID string `json:"messageId"`
}

type readPayload struct {
	ConversationKey string `json:"conversationKey,omitempty"`
	ReaderID        string `json:"readerId"`
}

// TypingPayload is the body of a typing frame in both directions.
type TypingPayload struct {
	ConversationKey string `json:"conversationKey"`
	UserID          string `json:"userId,omitempty"`
	IsTyping        bool   `json:"isTyping"`
}

// SignalPayload is the body of a call signaling frame in both directions.
type SignalPayload struct {
	RoomID     string `json:"roomId"`
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
	Reason     string `json:"reason,omitempty"`
}

// Decode turns an inbound envelope into a typed event. Acks are not events
// and are rejected here; the connection routes them to waiting requests.
func Decode(env Envelope) (Event, error) {
	var key model.ConversationKey
	if env.Channel != "" {
		k, err := model.ParseConversationKey(env.Channel)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		key = k
	}

	switch env.Event {
	case EvMessageNew:
		var m model.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if m.ConversationKey.IsZero() {
			m.ConversationKey = key
		}
		return MessageCreated{Message: m}, nil
	case EvMessageEdited:
		var p editedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return MessageEdited{Conversation: key, ID: p.ID, Content: p.Content, UpdatedAt: p.UpdatedAt}, nil
	case EvMessageDeleted:
		var p deletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return MessageDeleted{Conversation: key, ID: p.ID}, nil
	case EvMessagePinned:
		var e model.PinnedEntry
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return MessagePinned{Conversation: key, Entry: e}, nil
	case EvMessageUnpinned:
		var p unpinnedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return MessageUnpinned{Conversation: key, MessageID: p.MessageID}, nil
	case EvMessagesRead:
		var p readPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return MessagesRead{Conversation: key, ReaderID: p.ReaderID}, nil
	case EvTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.ConversationKey != "" {
			k, err := model.ParseConversationKey(p.ConversationKey)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", env.Event, err)
			}
			key = k
		}
		return Typing{Conversation: key, UserID: p.UserID, IsTyping: p.IsTyping}, nil
	case CallEventName(SignalOffer), CallEventName(SignalAccept), CallEventName(SignalReject), CallEventName(SignalEnd):
		var p SignalPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return CallSignal{
			Type:       SignalType(env.Event[len("call:"):]),
			RoomID:     p.RoomID,
			CallerID:   p.CallerID,
			ReceiverID: p.ReceiverID,
			Reason:     p.Reason,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

// Encode renders an event as the envelope the authority would push. The
// websocket client never needs it; relays and tests do.
func Encode(evt Event) (Envelope, error) {
	var (
		name    string
		channel model.ConversationKey
		payload any
	)
	switch e := evt.(type) {
	case MessageCreated:
		name, channel, payload = EvMessageNew, e.Message.ConversationKey, e.Message
	case MessageEdited:
		name, channel, payload = EvMessageEdited, e.Conversation, editedPayload{ID: e.ID, Content: e.Content, UpdatedAt: e.UpdatedAt}
	case MessageDeleted:
		name, channel, payload = EvMessageDeleted, e.Conversation, deletedPayload{ID: e.ID}
	case MessagePinned:
		name, channel, payload = EvMessagePinned, e.Conversation, e.Entry
	case MessageUnpinned:
		name, channel, payload = EvMessageUnpinned, e.Conversation, unpinnedPayload{MessageID: e.MessageID}
	case MessagesRead:
		name, channel, payload = EvMessagesRead, e.Conversation, readPayload{ConversationKey: e.Conversation.String(), ReaderID: e.ReaderID}
	case Typing:
		name, channel, payload = EvTyping, e.Conversation, TypingPayload{ConversationKey: e.Conversation.String(), UserID: e.UserID, IsTyping: e.IsTyping}
	case CallSignal:
		name, payload = CallEventName(e.Type), SignalPayload{RoomID: e.RoomID, CallerID: e.CallerID, ReceiverID: e.ReceiverID, Reason: e.Reason}
	default:
		return Envelope{}, fmt.Errorf("event %T has no wire form", evt)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: name, Channel: channel.String(), Payload: raw}, nil
}
