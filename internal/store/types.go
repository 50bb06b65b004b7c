package store

import "github.com/matheus3301/parley/internal/model"

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is a send journaled while the transport was unavailable.
type OutboxEntry struct {
	ID              int64
	ClientMsgID     string
	ConversationKey string
	Content         string
	Attachments     []model.Attachment
	Status          string
	ErrorMessage    string
	ServerMsgID     string
	Attempts        int
	CreatedAt       int64
	UpdatedAt       int64
}
