package api

import (
	"encoding/json"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/call"
	"github.com/matheus3301/parley/internal/core"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/search"
	chatsync "github.com/matheus3301/parley/internal/sync"
)

// Result reports the outcome of an operation. Domain failures travel here
// rather than as gRPC errors so callers can branch on Code.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

func resultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	return Result{Message: err.Error(), Code: string(apperr.CodeOf(err))}
}

// Err turns a failed result back into a classified error.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	code := apperr.Code(r.Code)
	if code == "" {
		code = apperr.CodeInternal
	}
	return apperr.New(code, r.Message)
}

type Empty struct{}

type OpenRequest struct {
	// Conversation is a key in "kind:id" form, e.g. "direct:u42".
	Conversation string `json:"conversation"`
}

type ViewResponse struct {
	Result
	View chatsync.View `json:"view"`
}

type SnapshotResponse struct {
	Result
	Snapshot core.Snapshot `json:"snapshot"`
}

type LoadOlderResponse struct {
	Result
	Added   int  `json:"added"`
	HasMore bool `json:"hasMore"`
}

type SendRequest struct {
	Content string `json:"content"`
}

type ClientIDRequest struct {
	ClientID string `json:"clientId"`
}

type IDRequest struct {
	ID string `json:"id"`
}

type EditRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type MessageResponse struct {
	Result
	Message *model.Message `json:"message,omitempty"`
}

type MarkReadRequest struct {
	PeerID string `json:"peerId,omitempty"`
}

type MarkReadResponse struct {
	Result
	Count int `json:"count"`
}

type AttachRequest struct {
	Paths []string `json:"paths"`
}

type IndexRequest struct {
	Index int `json:"index"`
}

type AttachResponse struct {
	Result
	Added   []model.Attachment `json:"added,omitempty"`
	Pending []model.Attachment `json:"pending"`
}

type SearchRequest struct {
	Query string `json:"query"`
}

type MoveRequest struct {
	Delta int `json:"delta"`
}

type SearchResponse struct {
	Result
	Cursor search.Cursor `json:"cursor"`
}

type MemberResponse struct {
	Result
	Member *model.Member `json:"member,omitempty"`
}

type StartCallRequest struct {
	ReceiverID string `json:"receiverId"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type CallResponse struct {
	Result
	RoomID string     `json:"roomId,omitempty"`
	Muted  bool       `json:"muted"`
	State  call.State `json:"state"`
}

type StatusResponse struct {
	Session      string `json:"session"`
	Status       string `json:"status"`
	SinceUnixMs  int64  `json:"sinceUnixMs"`
	UptimeMs     int64  `json:"uptimeMs"`
	Pid          int    `json:"pid"`
	Conversation string `json:"conversation,omitempty"`
}

type WatchRequest struct {
	// Namespace filters events by kind prefix such as "message."; empty
	// receives everything.
	Namespace string `json:"namespace"`
}

// EventEnvelope carries one bus event to a watcher.
type EventEnvelope struct {
	EventID          string `json:"eventId"`
	OccurredAtUnixMs int64  `json:"occurredAtUnixMs"`
	Kind             string `json:"kind"`
	PayloadVersion   int    `json:"payloadVersion"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
