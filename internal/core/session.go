// Package core holds the session context: the one object that owns the
// synchronizer, typing controller, call machine, upload staging and search
// indexer of a user session and routes inbound push events to them.
package core

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/call"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/outbox"
	"github.com/matheus3301/parley/internal/search"
	"github.com/matheus3301/parley/internal/status"
	chatsync "github.com/matheus3301/parley/internal/sync"
	"github.com/matheus3301/parley/internal/transport"
	"github.com/matheus3301/parley/internal/typing"
	"github.com/matheus3301/parley/internal/upload"
)

const reasonConnectionLost = "connection lost"

// Components are the parts a Session composes. Outbox may be nil.
type Components struct {
	Status  *status.Machine
	Sync    *chatsync.Synchronizer
	Typing  *typing.Controller
	Call    *call.Machine
	Staging *upload.Staging
	Search  *search.Indexer
	Outbox  *outbox.Sender
}

// Snapshot is everything a rendering collaborator needs to draw the session.
type Snapshot struct {
	Status  status.State       `json:"status"`
	View    chatsync.View      `json:"view"`
	Typing  typing.State       `json:"typing"`
	Call    call.State         `json:"call"`
	Pending []model.Attachment `json:"pendingAttachments"`
	Search  search.Cursor      `json:"search"`
}

// Session is the explicitly owned context of one user session.
type Session struct {
	c      Components
	bus    *bus.Bus
	logger *zap.Logger

	wg sync.WaitGroup
}

// New creates a session from its components.
func New(c Components, b *bus.Bus, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{c: c, bus: b, logger: logger}
}

// Run consumes events until ctx is cancelled or the channel is closed. Events
// are routed in arrival order by this single goroutine.
func (s *Session) Run(ctx context.Context, events <-chan transport.Event) error {
	if err := s.c.Status.Walk(status.Connecting); err != nil {
		s.logger.Warn("status transition failed", zap.Error(err))
	}
	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.Route(ctx, evt)
		}
	}
}

// Route dispatches one inbound event.
func (s *Session) Route(ctx context.Context, evt transport.Event) {
	switch e := evt.(type) {
	case transport.Connected:
		s.walk(status.Syncing)
		// Resync runs beside the router so that events arriving meanwhile
		// reach the synchronizer's replay buffer.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.resync(ctx, e.Reconnect)
		}()

	case transport.Disconnected:
		s.walk(status.Reconnecting)
		s.c.Call.Fail(reasonConnectionLost)

	case transport.Typing:
		s.c.Typing.Observe(e)

	case transport.CallSignal:
		s.c.Call.HandleSignal(ctx, e)

	default:
		s.c.Sync.Apply(evt)
		s.c.Search.Refresh(s.c.Sync.Messages())
	}
}

func (s *Session) resync(ctx context.Context, reconnect bool) {
	if err := s.c.Sync.Resync(ctx); err != nil {
		s.logger.Warn("resync after connect failed", zap.Bool("reconnect", reconnect), zap.Error(err))
	} else {
		s.c.Search.Refresh(s.c.Sync.Messages())
	}
	s.walk(status.Ready)
	if s.c.Outbox != nil {
		s.c.Outbox.Kick()
	}
}

func (s *Session) walk(to status.State) {
	if err := s.c.Status.Walk(to); err != nil {
		s.logger.Warn("status transition failed", zap.String("to", string(to)), zap.Error(err))
	}
}

// Open binds key and resets every conversation-scoped component.
func (s *Session) Open(ctx context.Context, key model.ConversationKey) error {
	if err := key.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid conversation", err)
	}
	s.c.Typing.Reset(key)
	s.c.Staging.Clear()
	s.c.Search.Clear()
	return s.c.Sync.Bind(ctx, key)
}

// Close unbinds the conversation and ends any call, as when the user
// navigates away.
func (s *Session) Close(ctx context.Context) {
	s.c.Typing.Reset(model.ConversationKey{})
	s.c.Staging.Clear()
	s.c.Search.Clear()
	s.c.Sync.Unbind(ctx)
	s.c.Call.Reset(ctx)
}

// Send sends content with the staged attachments. The attachments leave
// staging before the message is issued; they are put back only when the
// message is refused outright. Attachments staged meanwhile stay for the
// next message.
func (s *Session) Send(ctx context.Context, content string) (model.Message, error) {
	atts, gen := s.c.Staging.Take()
	m, err := s.c.Sync.Send(ctx, content, atts)
	if err != nil && (apperr.HasCode(err, apperr.CodeValidation) || errors.Is(err, apperr.ErrNotBound)) {
		s.c.Staging.Restore(gen, atts)
		return m, err
	}
	s.c.Typing.Sent()
	s.c.Search.Refresh(s.c.Sync.Messages())
	return m, err
}

// LoadOlder merges the next older history page.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	n, err := s.c.Sync.LoadOlder(ctx)
	if n > 0 {
		s.c.Search.Refresh(s.c.Sync.Messages())
	}
	return n, err
}

// Edit changes the content of one of the local user's messages.
func (s *Session) Edit(ctx context.Context, id, content string) (model.Message, error) {
	m, err := s.c.Sync.Edit(ctx, id, content)
	s.c.Search.Refresh(s.c.Sync.Messages())
	return m, err
}

// Delete removes one of the local user's messages.
func (s *Session) Delete(ctx context.Context, id string) error {
	err := s.c.Sync.Delete(ctx, id)
	s.c.Search.Refresh(s.c.Sync.Messages())
	return err
}

// Search runs query over the bound conversation.
func (s *Session) Search(query string) (search.Cursor, error) {
	return s.c.Search.Search(query, s.c.Sync.Messages())
}

// Snapshot returns the current state of every component.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Status:  s.c.Status.Current(),
		View:    s.c.Sync.View(),
		Typing:  s.c.Typing.State(),
		Call:    s.c.Call.State(),
		Pending: s.c.Staging.Pending(),
		Search:  s.c.Search.Current(),
	}
}

// Sync returns the channel synchronizer.
func (s *Session) Sync() *chatsync.Synchronizer { return s.c.Sync }

// Typing returns the typing controller.
func (s *Session) Typing() *typing.Controller { return s.c.Typing }

// Call returns the call machine.
func (s *Session) Call() *call.Machine { return s.c.Call }

// Staging returns the attachment staging area.
func (s *Session) Staging() *upload.Staging { return s.c.Staging }

// Indexer returns the search indexer.
func (s *Session) Indexer() *search.Indexer { return s.c.Search }

// Status returns the connection status machine.
func (s *Session) Status() *status.Machine { return s.c.Status }
