package model

import "time"

// DeliveryState is the local-only delivery status of a message.
type DeliveryState string

const (
	// StatePending is an optimistic entry whose send is in flight.
	StatePending DeliveryState = "pending"
	// StateQueued is an optimistic entry journaled while disconnected.
	StateQueued DeliveryState = "queued"
	// StateSent means the authority assigned a durable id.
	StateSent DeliveryState = "sent"
	// StateFailed is a send that was rejected or could not be delivered.
	StateFailed DeliveryState = "failed"
)

// Message is a chat message in a direct thread or community channel.
type Message struct {
	ID              string          `json:"id,omitempty"`
	ClientID        string          `json:"clientId,omitempty"`
	SenderID        string          `json:"senderId"`
	ConversationKey ConversationKey `json:"conversationKey"`
	Content         string          `json:"content,omitempty"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       *time.Time      `json:"updatedAt,omitempty"`
	Edited          bool            `json:"edited"`
	IsRead          bool            `json:"isRead"`

	State DeliveryState `json:"state,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Confirmed reports whether the authority has assigned a durable id.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// Clone returns a deep copy so snapshots never alias store internals.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.UpdatedAt != nil {
		t := *m.UpdatedAt
		m.UpdatedAt = &t
	}
	return m
}

// Attachment describes an uploaded file embedded in a message.
type Attachment struct {
	FileURL      string  `json:"fileUrl"`
	ThumbnailURL *string `json:"thumbnailUrl,omitempty"`
	FileName     string  `json:"fileName"`
	FileType     string  `json:"fileType"`
	FileSize     int64   `json:"fileSize"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	ProviderRef  string  `json:"providerRef"`
}

// Complete reports whether the attachment carries everything a message needs
// to reference it.
func (a Attachment) Complete() bool {
	return a.FileURL != "" && a.ProviderRef != "" && a.FileType != ""
}

// PinnedEntry is a pin with a denormalized snapshot of the pinned message.
type PinnedEntry struct {
	MessageID string    `json:"messageId"`
	PinnedBy  string    `json:"pinnedBy"`
	PinnedAt  time.Time `json:"pinnedAt"`

	Content   string    `json:"content,omitempty"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Member is a platform user as returned by the member lookup endpoint.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// HistoryPage is one page of message history, newest first.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}
