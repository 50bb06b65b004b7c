// Package messages holds the ordered, per-conversation message collection
// that rendering reads from. Ordering is by authority timestamp, with ties
// broken by the order in which entries reached the store.
package messages

import (
	"sort"
	"time"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/model"
)

type entry struct {
	msg model.Message
	seq uint64
}

// Store is an ordered map of messages keyed by durable id, or by client id
// while a message is unconfirmed. It is not safe for concurrent use; the
// synchronizer serializes access together with the pin registry.
type Store struct {
	key      model.ConversationKey
	entries  []*entry
	byID     map[string]*entry
	byClient map[string]*entry
	nextSeq  uint64
}

// Removed is a message taken out of the store that can be put back at its
// original position.
type Removed struct {
	Message model.Message
	seq     uint64
}

// New creates an empty store for one conversation.
func New(key model.ConversationKey) *Store {
	return &Store{
		key:      key,
		byID:     make(map[string]*entry),
		byClient: make(map[string]*entry),
	}
}

// Key returns the conversation the store belongs to.
func (s *Store) Key() model.ConversationKey {
	return s.key
}

// Len returns the number of messages.
func (s *Store) Len() int {
	return len(s.entries)
}

// Append adds a new message. It fails if the message has neither a durable nor
// a client id, or if either id is already present.
func (s *Store) Append(m model.Message) error {
	if err := s.checkNew(m); err != nil {
		return err
	}
	s.insert(&entry{msg: m.Clone(), seq: s.seq()})
	return nil
}

// Upsert appends m, or replaces the entry with the same durable id while
// keeping its arrival sequence.
func (s *Store) Upsert(m model.Message) error {
	if m.ID == "" {
		return apperr.Validation("upsert requires a durable id")
	}
	e, ok := s.byID[m.ID]
	if !ok {
		return s.Append(m)
	}
	if m.ClientID == "" {
		m.ClientID = e.msg.ClientID
	}
	if m.ClientID != "" && m.ClientID != e.msg.ClientID {
		if other, taken := s.byClient[m.ClientID]; taken && other != e {
			return apperr.Newf(apperr.CodeAlreadyExists, "client id %s belongs to another message", m.ClientID)
		}
	}
	s.replace(e, m)
	return nil
}

// MergeByClientID folds a confirmed message into the optimistic entry that
// carries the same client id. The entry keeps its arrival sequence and is
// repositioned by the confirmed timestamp. Attributes the confirmation leaves
// out keep their optimistic values. A separately stored copy of the durable
// id is dropped so the two never coexist.
func (s *Store) MergeByClientID(confirmed model.Message) (model.Message, error) {
	if confirmed.ClientID == "" || confirmed.ID == "" {
		return model.Message{}, apperr.Validation("merge requires both client and durable ids")
	}
	e, ok := s.byClient[confirmed.ClientID]
	if !ok {
		return model.Message{}, apperr.Newf(apperr.CodeNotFound, "no message with client id %s", confirmed.ClientID)
	}
	if dup, ok := s.byID[confirmed.ID]; ok && dup != e {
		s.drop(dup)
	}
	merged := e.msg
	merged.ID = confirmed.ID
	if !confirmed.CreatedAt.IsZero() {
		merged.CreatedAt = confirmed.CreatedAt
	}
	if confirmed.SenderID != "" {
		merged.SenderID = confirmed.SenderID
	}
	if confirmed.Content != "" {
		merged.Content = confirmed.Content
	}
	if confirmed.Attachments != nil {
		merged.Attachments = confirmed.Attachments
	}
	if confirmed.UpdatedAt != nil {
		merged.UpdatedAt = confirmed.UpdatedAt
	}
	merged.Edited = merged.Edited || confirmed.Edited
	merged.IsRead = merged.IsRead || confirmed.IsRead
	merged.State = model.StateSent
	merged.Error = ""
	s.replace(e, merged)
	return e.msg.Clone(), nil
}

// ReplaceByID applies an edit and returns the message as it was before.
func (s *Store) ReplaceByID(id, content string, updatedAt time.Time) (model.Message, error) {
	e, ok := s.byID[id]
	if !ok {
		return model.Message{}, apperr.ErrMessageNotFound
	}
	prev := e.msg.Clone()
	e.msg.Content = content
	e.msg.Edited = true
	t := updatedAt
	e.msg.UpdatedAt = &t
	return prev, nil
}

// Overwrite replaces the entry identified by m's durable or client id in
// place. It is used to roll back optimistic edits.
func (s *Store) Overwrite(m model.Message) error {
	e := s.lookup(m)
	if e == nil {
		return apperr.ErrMessageNotFound
	}
	s.replace(e, m)
	return nil
}

// RemoveByID deletes a message by durable id.
func (s *Store) RemoveByID(id string) (Removed, error) {
	e, ok := s.byID[id]
	if !ok {
		return Removed{}, apperr.ErrMessageNotFound
	}
	s.drop(e)
	return Removed{Message: e.msg.Clone(), seq: e.seq}, nil
}

// Restore puts a removed message back where it was.
func (s *Store) Restore(r Removed) error {
	if err := s.checkNew(r.Message); err != nil {
		return err
	}
	s.insert(&entry{msg: r.Message.Clone(), seq: r.seq})
	return nil
}

// MarkFailed flags an unconfirmed message as failed with a reason.
func (s *Store) MarkFailed(clientID, reason string) error {
	return s.setState(clientID, model.StateFailed, reason)
}

// MarkQueued flags an unconfirmed message as waiting for connectivity.
func (s *Store) MarkQueued(clientID string) error {
	return s.setState(clientID, model.StateQueued, "")
}

// MarkPending flags an unconfirmed message as in flight again.
func (s *Store) MarkPending(clientID string) error {
	return s.setState(clientID, model.StatePending, "")
}

// MarkRead flips IsRead on every message sent by senderID and returns how
// many changed.
func (s *Store) MarkRead(senderID string) int {
	n := 0
	for _, e := range s.entries {
		if e.msg.SenderID == senderID && !e.msg.IsRead {
			e.msg.IsRead = true
			n++
		}
	}
	return n
}

// Reset installs an authoritative history page (newest first, as the API
// returns it). Confirmed entries up to the page's newest timestamp are
// discarded; newer ones and unconfirmed local entries survive unless the page
// contains their confirmation.
func (s *Store) Reset(page []model.Message) {
	var newest time.Time
	for _, m := range page {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	var local []*entry
	for _, e := range s.entries {
		if !e.msg.Confirmed() || (!newest.IsZero() && e.msg.CreatedAt.After(newest)) {
			local = append(local, e)
		}
	}
	s.entries = nil
	s.byID = make(map[string]*entry)
	s.byClient = make(map[string]*entry)
	for _, e := range local {
		s.insert(e)
	}
	s.Merge(page)
}

// Merge adds the messages of a history page that are not yet present,
// folding confirmations of local entries. Existing durable entries win.
func (s *Store) Merge(page []model.Message) int {
	added := 0
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i]
		if m.ID == "" {
			continue
		}
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		if m.ClientID != "" {
			if _, ok := s.byClient[m.ClientID]; ok {
				if _, err := s.MergeByClientID(m); err == nil {
					continue
				}
			}
		}
		if m.State == "" {
			m.State = model.StateSent
		}
		if err := s.Append(m); err == nil {
			added++
		}
	}
	return added
}

// Get returns the message with the given durable id.
func (s *Store) Get(id string) (model.Message, bool) {
	e, ok := s.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return e.msg.Clone(), true
}

// GetByClientID returns the message with the given client id.
func (s *Store) GetByClientID(clientID string) (model.Message, bool) {
	e, ok := s.byClient[clientID]
	if !ok {
		return model.Message{}, false
	}
	return e.msg.Clone(), true
}

// HasClientID reports whether an entry carries clientID.
func (s *Store) HasClientID(clientID string) bool {
	_, ok := s.byClient[clientID]
	return ok
}

// Snapshot returns the messages ordered by createdAt ascending.
func (s *Store) Snapshot() []model.Message {
	out := make([]model.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

func (s *Store) checkNew(m model.Message) error {
	if m.ID == "" && m.ClientID == "" {
		return apperr.Validation("message has neither durable nor client id")
	}
	if !s.key.IsZero() && m.ConversationKey != s.key {
		return apperr.Newf(apperr.CodeValidation, "message belongs to %s, store holds %s", m.ConversationKey, s.key)
	}
	if m.ID != "" {
		if _, ok := s.byID[m.ID]; ok {
			return apperr.Newf(apperr.CodeAlreadyExists, "message %s already stored", m.ID)
		}
	}
	if m.ClientID != "" {
		if _, ok := s.byClient[m.ClientID]; ok {
			return apperr.Newf(apperr.CodeAlreadyExists, "client id %s already stored", m.ClientID)
		}
	}
	return nil
}

func (s *Store) setState(clientID string, state model.DeliveryState, reason string) error {
	e, ok := s.byClient[clientID]
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "no message with client id %s", clientID)
	}
	if e.msg.Confirmed() {
		return apperr.FailedPrecondition("message is already confirmed")
	}
	e.msg.State = state
	e.msg.Error = reason
	return nil
}

func (s *Store) lookup(m model.Message) *entry {
	if m.ID != "" {
		if e, ok := s.byID[m.ID]; ok {
			return e
		}
	}
	if m.ClientID != "" {
		if e, ok := s.byClient[m.ClientID]; ok {
			return e
		}
	}
	return nil
}

func (s *Store) seq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

func before(a, b *entry) bool {
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *Store) insert(e *entry) {
	i := sort.Search(len(s.entries), func(i int) bool { return before(e, s.entries[i]) })
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	if e.msg.ID != "" {
		s.byID[e.msg.ID] = e
	}
	if e.msg.ClientID != "" {
		s.byClient[e.msg.ClientID] = e
	}
	if e.seq > s.nextSeq {
		s.nextSeq = e.seq
	}
}

func (s *Store) drop(e *entry) {
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if e.msg.ID != "" && s.byID[e.msg.ID] == e {
		delete(s.byID, e.msg.ID)
	}
	if e.msg.ClientID != "" && s.byClient[e.msg.ClientID] == e {
		delete(s.byClient, e.msg.ClientID)
	}
}

// replace swaps e's message and repositions it, keeping its sequence.
func (s *Store) replace(e *entry, m model.Message) {
	s.drop(e)
	e.msg = m.Clone()
	s.insert(e)
}
