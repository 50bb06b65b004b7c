package sync

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/store"
	"github.com/matheus3301/parley/internal/transport"
)

type sendPayload struct {
	ClientID    string             `json:"clientId"`
	Content     string             `json:"content,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

type editPayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type idPayload struct {
	ID string `json:"id"`
}

type pinPayload struct {
	MessageID string `json:"messageId"`
}

type readPayload struct {
	PeerID string `json:"peerId"`
}

// boundLocked returns the bound key and epoch, or ErrNotBound.
func (s *Synchronizer) boundLocked() (model.ConversationKey, uint64, error) {
	if s.key.IsZero() {
		return model.ConversationKey{}, 0, apperr.ErrNotBound
	}
	return s.key, s.epoch, nil
}

func (s *Synchronizer) request(ctx context.Context, op string, key model.ConversationKey, payload, out any) error {
	err := s.tr.Request(ctx, op, key, payload, out)
	s.metrics.Outbound(op, err)
	if err != nil {
		return apperr.Transport(op, err)
	}
	return nil
}

// Send appends an optimistic message and delivers it. The returned message
// carries the client id the entry can be addressed by. While the transport is
// down the entry is queued and journaled instead, and Send succeeds.
func (s *Synchronizer) Send(ctx context.Context, content string, attachments []model.Attachment) (model.Message, error) {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return model.Message{}, apperr.ErrEmptyMessage
	}

	s.mu.Lock()
	key, ep, err := s.boundLocked()
	if err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	m := model.Message{
		ClientID:        uuid.NewString(),
		SenderID:        s.selfID,
		ConversationKey: key,
		Content:         content,
		Attachments:     attachments,
		CreatedAt:       s.now(),
		State:           model.StatePending,
	}
	if err := s.msgs.Append(m); err != nil {
		s.mu.Unlock()
		return model.Message{}, apperr.Wrap(apperr.CodeInternal, "append optimistic message", err)
	}
	s.mu.Unlock()
	s.bus.Emit(bus.MessageAppended, MessageChange{Conversation: key, Message: m})

	if !s.tr.Connected() {
		return s.queue(ep, m)
	}
	return s.deliver(ctx, ep, m)
}

// Retry re-sends a failed message.
func (s *Synchronizer) Retry(ctx context.Context, clientID string) (model.Message, error) {
	s.mu.Lock()
	_, ep, err := s.boundLocked()
	if err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	m, ok := s.msgs.GetByClientID(clientID)
	if !ok {
		s.mu.Unlock()
		return model.Message{}, apperr.ErrMessageNotFound
	}
	if m.State != model.StateFailed {
		s.mu.Unlock()
		return model.Message{}, apperr.FailedPrecondition("only failed messages can be retried")
	}
	_ = s.msgs.MarkPending(clientID)
	m.State, m.Error = model.StatePending, ""
	s.mu.Unlock()
	s.bus.Emit(bus.MessageUpdated, MessageChange{Conversation: m.ConversationKey, Message: m})

	if !s.tr.Connected() {
		return s.queue(ep, m)
	}
	return s.deliver(ctx, ep, m)
}

func (s *Synchronizer) deliver(ctx context.Context, ep uint64, m model.Message) (model.Message, error) {
	var durable model.Message
	err := s.request(ctx, transport.OpSend, m.ConversationKey, sendPayload{
		ClientID:    m.ClientID,
		Content:     m.Content,
		Attachments: m.Attachments,
	}, &durable)

	if apperr.HasCode(err, apperr.CodeNotConnected) {
		return s.queue(ep, m)
	}
	s.settleJournal(m.ClientID, durable.ID, err)

	var out pubs
	s.mu.Lock()
	if ep != s.epoch {
		s.mu.Unlock()
		if err != nil {
			return model.Message{}, err
		}
		return durable, nil
	}
	if err != nil {
		if s.msgs.MarkFailed(m.ClientID, err.Error()) == nil {
			failed, _ := s.msgs.GetByClientID(m.ClientID)
			out.add(bus.MessageUpdated, MessageChange{Conversation: s.key, Message: failed})
		}
		out.add(bus.MessageSendFailed, SendFailed{Conversation: s.key, ClientID: m.ClientID, Error: err.Error()})
		s.mu.Unlock()
		out.publish(s.bus)
		s.logger.Warn("send failed", zap.String("client_id", m.ClientID), zap.Error(err))
		return model.Message{}, err
	}
	merged := s.confirmLocked(m, durable, &out)
	s.mu.Unlock()
	out.publish(s.bus)
	return merged, nil
}

// confirmLocked folds an acknowledged message into its optimistic entry. The
// broadcast of the same message may already have done so.
func (s *Synchronizer) confirmLocked(m, durable model.Message, out *pubs) model.Message {
	if durable.ClientID == "" {
		durable.ClientID = m.ClientID
	}
	if durable.ConversationKey.IsZero() {
		durable.ConversationKey = m.ConversationKey
	}
	if durable.ID == "" {
		s.logger.Warn("send acknowledged without durable id", zap.String("client_id", m.ClientID))
		return m
	}
	prev, _ := s.msgs.GetByClientID(durable.ClientID)
	merged, err := s.msgs.MergeByClientID(durable)
	if err != nil {
		s.logger.Warn("merge acknowledged message failed", zap.String("client_id", m.ClientID), zap.Error(err))
		return durable
	}
	if !prev.Confirmed() {
		out.add(bus.MessageSendAck, SendAck{Conversation: s.key, ClientID: durable.ClientID, MessageID: durable.ID})
		out.add(bus.MessageUpdated, MessageChange{Conversation: s.key, Message: merged})
	}
	return merged
}

// settleJournal records the outcome of a direct delivery on the journal row
// of an earlier queued attempt, if there is one, so the next resync does not
// reinstall a send that has since been settled.
func (s *Synchronizer) settleJournal(clientID, messageID string, sendErr error) {
	if s.db == nil {
		return
	}
	row, err := s.db.GetOutbox(clientID)
	if err != nil {
		s.logger.Warn("read journaled send failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	if row == nil || row.Status == store.OutboxSent {
		return
	}
	if sendErr != nil {
		err = s.db.MarkOutboxFailed(clientID, sendErr.Error())
	} else {
		err = s.db.MarkOutboxSent(clientID, messageID)
	}
	if err != nil {
		s.logger.Warn("settle journaled send failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// queue journals m for delivery after reconnect.
func (s *Synchronizer) queue(ep uint64, m model.Message) (model.Message, error) {
	if s.db == nil {
		s.mu.Lock()
		if ep == s.epoch {
			_ = s.msgs.MarkFailed(m.ClientID, apperr.ErrNotConnected.Error())
		}
		s.mu.Unlock()
		return model.Message{}, apperr.ErrNotConnected
	}
	err := s.db.QueueOutbox(store.OutboxEntry{
		ClientMsgID:     m.ClientID,
		ConversationKey: m.ConversationKey.String(),
		Content:         m.Content,
		Attachments:     m.Attachments,
	})

	var out pubs
	s.mu.Lock()
	if ep == s.epoch {
		if err != nil {
			_ = s.msgs.MarkFailed(m.ClientID, err.Error())
			out.add(bus.MessageSendFailed, SendFailed{Conversation: s.key, ClientID: m.ClientID, Error: err.Error()})
		} else {
			_ = s.msgs.MarkQueued(m.ClientID)
		}
		if cur, ok := s.msgs.GetByClientID(m.ClientID); ok {
			out.add(bus.MessageUpdated, MessageChange{Conversation: s.key, Message: cur})
			m = cur
		}
	}
	s.mu.Unlock()
	out.publish(s.bus)

	if err != nil {
		return model.Message{}, apperr.Wrap(apperr.CodeInternal, "journal queued send", err)
	}
	s.logger.Info("send queued until reconnect", zap.String("client_id", m.ClientID))
	m.State = model.StateQueued
	return m, nil
}

// Dispatch delivers a journaled send and returns the durable message id. It
// updates the optimistic entry when its conversation is still bound.
func (s *Synchronizer) Dispatch(ctx context.Context, e store.OutboxEntry) (string, error) {
	key, err := model.ParseConversationKey(e.ConversationKey)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, "invalid journaled conversation", err)
	}

	s.mu.Lock()
	if s.key == key && s.msgs.MarkPending(e.ClientMsgID) == nil {
		cur, _ := s.msgs.GetByClientID(e.ClientMsgID)
		s.mu.Unlock()
		s.bus.Emit(bus.MessageUpdated, MessageChange{Conversation: key, Message: cur})
	} else {
		s.mu.Unlock()
	}

	var durable model.Message
	err = s.request(ctx, transport.OpSend, key, sendPayload{
		ClientID:    e.ClientMsgID,
		Content:     e.Content,
		Attachments: e.Attachments,
	}, &durable)

	var out pubs
	s.mu.Lock()
	bound := s.key == key && s.msgs.HasClientID(e.ClientMsgID)
	switch {
	case err != nil && apperr.HasCode(err, apperr.CodeNotConnected):
		if bound {
			_ = s.msgs.MarkQueued(e.ClientMsgID)
		}
	case err != nil:
		if bound && s.msgs.MarkFailed(e.ClientMsgID, err.Error()) == nil {
			cur, _ := s.msgs.GetByClientID(e.ClientMsgID)
			out.add(bus.MessageUpdated, MessageChange{Conversation: key, Message: cur})
		}
		out.add(bus.MessageSendFailed, SendFailed{Conversation: key, ClientID: e.ClientMsgID, Error: err.Error()})
	case bound:
		m, _ := s.msgs.GetByClientID(e.ClientMsgID)
		s.confirmLocked(m, durable, &out)
	default:
		out.add(bus.MessageSendAck, SendAck{Conversation: key, ClientID: e.ClientMsgID, MessageID: durable.ID})
	}
	s.mu.Unlock()
	out.publish(s.bus)

	if err != nil {
		return "", err
	}
	return durable.ID, nil
}

// Edit replaces the content of one of the local user's messages within the
// edit window. The change is applied optimistically and undone on failure.
func (s *Synchronizer) Edit(ctx context.Context, id, content string) (model.Message, error) {
	s.mu.Lock()
	key, ep, err := s.boundLocked()
	if err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	m, ok := s.msgs.Get(id)
	if !ok {
		s.mu.Unlock()
		return model.Message{}, apperr.ErrMessageNotFound
	}
	if s.now().Sub(m.CreatedAt) > s.editWindow {
		s.mu.Unlock()
		return model.Message{}, apperr.EditWindowExpired(s.editWindow)
	}
	if m.SenderID != s.selfID {
		s.mu.Unlock()
		return model.Message{}, apperr.ErrNotSender
	}
	if strings.TrimSpace(content) == "" {
		s.mu.Unlock()
		return model.Message{}, apperr.ErrEmptyContent
	}
	if !s.tr.Connected() {
		s.mu.Unlock()
		return model.Message{}, apperr.ErrNotConnected
	}
	prev, _ := s.msgs.ReplaceByID(id, content, s.now())
	edited, _ := s.msgs.Get(id)
	s.mu.Unlock()
	s.bus.Emit(bus.MessageUpdated, MessageChange{Conversation: key, Message: edited})

	if err := s.request(ctx, transport.OpEdit, key, editPayload{ID: id, Content: content}, nil); err != nil {
		s.mu.Lock()
		restored := ep == s.epoch && s.stillOptimisticLocked(edited) && s.msgs.Overwrite(prev) == nil
		s.mu.Unlock()
		if restored {
			s.bus.Emit(bus.MessageUpdated, MessageChange{Conversation: key, Message: prev})
		}
		return model.Message{}, err
	}
	return edited, nil
}

// stillOptimisticLocked reports whether the entry still holds the optimistic
// edit, i.e. no remote edit landed while the request was in flight.
func (s *Synchronizer) stillOptimisticLocked(edited model.Message) bool {
	cur, ok := s.msgs.Get(edited.ID)
	if !ok || cur.Content != edited.Content {
		return false
	}
	if cur.UpdatedAt == nil || edited.UpdatedAt == nil {
		return cur.UpdatedAt == edited.UpdatedAt
	}
	return cur.UpdatedAt.Equal(*edited.UpdatedAt)
}

// Delete removes one of the local user's messages together with its pin.
// Both are restored if the authority rejects the deletion.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	var out pubs
	s.mu.Lock()
	key, ep, err := s.boundLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	m, ok := s.msgs.Get(id)
	if !ok {
		s.mu.Unlock()
		return apperr.ErrMessageNotFound
	}
	if m.SenderID != s.selfID {
		s.mu.Unlock()
		return apperr.ErrNotSender
	}
	if !s.tr.Connected() {
		s.mu.Unlock()
		return apperr.ErrNotConnected
	}
	removed, _ := s.msgs.RemoveByID(id)
	pin, hadPin := s.pins.Retract(id)
	out.add(bus.MessageRemoved, MessageRemoval{Conversation: key, MessageID: id})
	if hadPin {
		s.pinsChangedLocked(&out)
	}
	s.mu.Unlock()
	out.publish(s.bus)

	if err := s.request(ctx, transport.OpDelete, key, idPayload{ID: id}, nil); err != nil {
		out = out[:0]
		s.mu.Lock()
		if ep == s.epoch {
			if s.msgs.Restore(removed) == nil {
				out.add(bus.MessageAppended, MessageChange{Conversation: key, Message: removed.Message})
			}
			if hadPin {
				if added, _ := s.pins.Pin(pin); added {
					s.pinsChangedLocked(&out)
				}
			}
		}
		s.mu.Unlock()
		out.publish(s.bus)
		return err
	}
	return nil
}

// Pin pins a message. Pinning an already pinned message succeeds without
// contacting the authority.
func (s *Synchronizer) Pin(ctx context.Context, id string) error {
	var out pubs
	s.mu.Lock()
	key, ep, err := s.boundLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	m, ok := s.msgs.Get(id)
	if !ok {
		s.mu.Unlock()
		return apperr.ErrMessageNotFound
	}
	if s.pins.IsPinned(id) {
		s.mu.Unlock()
		return nil
	}
	if !s.tr.Connected() {
		s.mu.Unlock()
		return apperr.ErrNotConnected
	}
	entry := model.PinnedEntry{
		MessageID: id,
		PinnedBy:  s.selfID,
		PinnedAt:  s.now(),
		Content:   m.Content,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
	if _, err := s.pins.Pin(entry); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pinsChangedLocked(&out)
	s.mu.Unlock()
	out.publish(s.bus)

	if err := s.request(ctx, transport.OpPin, key, pinPayload{MessageID: id}, nil); err != nil {
		out = out[:0]
		s.mu.Lock()
		if ep == s.epoch {
			if _, ok := s.pins.Retract(id); ok {
				s.pinsChangedLocked(&out)
			}
		}
		s.mu.Unlock()
		out.publish(s.bus)
		return err
	}
	return nil
}

// Unpin removes a pin. Unpinning a message that is not pinned is NotFound.
func (s *Synchronizer) Unpin(ctx context.Context, id string) error {
	var out pubs
	s.mu.Lock()
	key, ep, err := s.boundLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.pins.IsPinned(id) {
		s.mu.Unlock()
		return apperr.ErrPinNotFound
	}
	if !s.tr.Connected() {
		s.mu.Unlock()
		return apperr.ErrNotConnected
	}
	entry, _ := s.pins.Unpin(id)
	s.pinsChangedLocked(&out)
	s.mu.Unlock()
	out.publish(s.bus)

	if err := s.request(ctx, transport.OpUnpin, key, pinPayload{MessageID: id}, nil); err != nil {
		out = out[:0]
		s.mu.Lock()
		if ep == s.epoch {
			if added, _ := s.pins.Pin(entry); added {
				s.pinsChangedLocked(&out)
			}
		}
		s.mu.Unlock()
		out.publish(s.bus)
		return err
	}
	return nil
}

// MarkRead marks peerID's messages in the bound direct thread as read. An
// empty peerID means the thread's peer.
func (s *Synchronizer) MarkRead(ctx context.Context, peerID string) (int, error) {
	s.mu.Lock()
	key, ep, err := s.boundLocked()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if key.Kind != model.Direct {
		s.mu.Unlock()
		return 0, apperr.ErrDirectOnly
	}
	if peerID == "" {
		peerID = key.ID
	}
	if peerID != key.ID {
		s.mu.Unlock()
		return 0, apperr.Validation("peer is not part of this conversation")
	}
	if !s.tr.Connected() {
		s.mu.Unlock()
		return 0, apperr.ErrNotConnected
	}
	s.mu.Unlock()

	if err := s.request(ctx, transport.OpMarkRead, key, readPayload{PeerID: peerID}, nil); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if ep != s.epoch {
		s.mu.Unlock()
		return 0, nil
	}
	n := s.msgs.MarkRead(peerID)
	s.mu.Unlock()
	if n > 0 {
		s.bus.Emit(bus.MessageRead, ReadChange{Conversation: key, SenderID: peerID, Count: n})
	}
	return n, nil
}
