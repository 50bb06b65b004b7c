package sync

import (
	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/transport"
)

// conversationOf returns the conversation a push event belongs to. Typing,
// call and connection events are not conversation state and report false.
func conversationOf(evt transport.Event) (model.ConversationKey, bool) {
	switch e := evt.(type) {
	case transport.MessageCreated:
		return e.Message.ConversationKey, true
	case transport.MessageEdited:
		return e.Conversation, true
	case transport.MessageDeleted:
		return e.Conversation, true
	case transport.MessagePinned:
		return e.Conversation, true
	case transport.MessageUnpinned:
		return e.Conversation, true
	case transport.MessagesRead:
		return e.Conversation, true
	}
	return model.ConversationKey{}, false
}

// Apply handles an inbound conversation event. Events for any conversation
// other than the bound one are dropped; events that arrive during a resync
// are buffered and replayed once the fetched state is installed. Applying the
// same event twice leaves the state unchanged.
func (s *Synchronizer) Apply(evt transport.Event) {
	key, ok := conversationOf(evt)
	if !ok {
		return
	}

	var out pubs
	s.mu.Lock()
	if s.key.IsZero() || key != s.key {
		s.mu.Unlock()
		s.logger.Debug("dropping event for unbound conversation", zap.Stringer("conversation", key))
		return
	}
	if s.syncing {
		s.buffered = append(s.buffered, evt)
		s.mu.Unlock()
		return
	}
	s.applyLocked(evt, &out)
	s.mu.Unlock()

	out.publish(s.bus)
}

func (s *Synchronizer) applyLocked(evt transport.Event, out *pubs) {
	switch e := evt.(type) {
	case transport.MessageCreated:
		s.metrics.EventApplied("message_created")
		s.applyCreatedLocked(e.Message, out)

	case transport.MessageEdited:
		s.metrics.EventApplied("message_edited")
		cur, ok := s.msgs.Get(e.ID)
		if !ok {
			return
		}
		if cur.Edited && cur.Content == e.Content && cur.UpdatedAt != nil && cur.UpdatedAt.Equal(e.UpdatedAt) {
			return
		}
		if _, err := s.msgs.ReplaceByID(e.ID, e.Content, e.UpdatedAt); err != nil {
			return
		}
		m, _ := s.msgs.Get(e.ID)
		out.add(bus.MessageUpdated, MessageChange{Conversation: s.key, Message: m})
		if s.pins.IsPinned(e.ID) {
			s.refreshPinLocked(m, out)
		}

	case transport.MessageDeleted:
		s.metrics.EventApplied("message_deleted")
		_, err := s.msgs.RemoveByID(e.ID)
		_, hadPin := s.pins.Retract(e.ID)
		if err == nil {
			out.add(bus.MessageRemoved, MessageRemoval{Conversation: s.key, MessageID: e.ID})
		}
		if hadPin {
			s.pinsChangedLocked(out)
		}

	case transport.MessagePinned:
		s.metrics.EventApplied("message_pinned")
		added, err := s.pins.Pin(e.Entry)
		if err != nil || !added {
			return
		}
		s.pinsChangedLocked(out)

	case transport.MessageUnpinned:
		s.metrics.EventApplied("message_unpinned")
		if _, ok := s.pins.Retract(e.MessageID); ok {
			s.pinsChangedLocked(out)
		}

	case transport.MessagesRead:
		s.metrics.EventApplied("messages_read")
		// A peer reading the thread marks our messages read; our own read
		// from another device marks the peer's.
		sender := s.selfID
		if e.ReaderID == s.selfID {
			if s.key.Kind != model.Direct {
				return
			}
			sender = s.key.ID
		}
		if n := s.msgs.MarkRead(sender); n > 0 {
			out.add(bus.MessageRead, ReadChange{Conversation: s.key, SenderID: sender, Count: n})
		}

	case transport.Typing, transport.CallSignal, transport.Connected, transport.Disconnected:
		// routed by the session, never conversation state
	}
}

func (s *Synchronizer) applyCreatedLocked(m model.Message, out *pubs) {
	if m.ID == "" {
		s.logger.Warn("dropping broadcast without durable id", zap.String("client_id", m.ClientID))
		return
	}
	m.State = model.StateSent
	m.Error = ""

	if m.ClientID != "" && s.msgs.HasClientID(m.ClientID) {
		prev, _ := s.msgs.GetByClientID(m.ClientID)
		merged, err := s.msgs.MergeByClientID(m)
		if err != nil {
			s.logger.Warn("merge by client id failed", zap.String("client_id", m.ClientID), zap.Error(err))
			return
		}
		if !prev.Confirmed() {
			out.add(bus.MessageSendAck, SendAck{Conversation: s.key, ClientID: m.ClientID, MessageID: m.ID})
		}
		out.add(bus.MessageUpdated, MessageChange{Conversation: s.key, Message: merged})
		return
	}

	if _, exists := s.msgs.Get(m.ID); exists {
		if err := s.msgs.Upsert(m); err != nil {
			s.logger.Warn("upsert failed", zap.String("id", m.ID), zap.Error(err))
			return
		}
		stored, _ := s.msgs.Get(m.ID)
		out.add(bus.MessageUpdated, MessageChange{Conversation: s.key, Message: stored})
		return
	}

	if err := s.msgs.Append(m); err != nil {
		s.logger.Warn("append failed", zap.String("id", m.ID), zap.Error(err))
		return
	}
	out.add(bus.MessageAppended, MessageChange{Conversation: s.key, Message: m})
}

// refreshPinLocked keeps a pin's content snapshot in step with an edit.
func (s *Synchronizer) refreshPinLocked(m model.Message, out *pubs) {
	entry, ok := s.pins.Retract(m.ID)
	if !ok {
		return
	}
	entry.Content = m.Content
	_, _ = s.pins.Pin(entry)
	s.pinsChangedLocked(out)
}
