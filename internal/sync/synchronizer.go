// Package sync binds the session to one conversation at a time and keeps its
// message store and pin registry consistent with the remote authority.
package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/messages"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/pins"
	"github.com/matheus3301/parley/internal/store"
	"github.com/matheus3301/parley/internal/transport"
)

const (
	DefaultEditWindow = 15 * time.Minute
	DefaultPageSize   = 50
)

// Transport is the push connection used for subscriptions and acknowledged
// requests. *transport.Client implements it.
type Transport interface {
	Connected() bool
	Subscribe(ctx context.Context, key model.ConversationKey) error
	Unsubscribe(ctx context.Context, key model.ConversationKey) error
	Request(ctx context.Context, op string, key model.ConversationKey, payload, out any) error
}

// History fetches authoritative state. *restapi.Client implements it.
type History interface {
	History(ctx context.Context, key model.ConversationKey, page, limit int) (model.HistoryPage, error)
	Pins(ctx context.Context, key model.ConversationKey) ([]model.PinnedEntry, error)
}

// Metrics observes synchronizer activity.
type Metrics interface {
	EventApplied(kind string)
	Outbound(op string, err error)
	Resync(err error)
}

type nopMetrics struct{}

func (nopMetrics) EventApplied(string)    {}
func (nopMetrics) Outbound(string, error) {}
func (nopMetrics) Resync(error)           {}

// Options configures a Synchronizer.
type Options struct {
	SelfID     string
	EditWindow time.Duration
	PageSize   int
	Now        func() time.Time
}

// Synchronizer is the channel synchronizer of one session. State is guarded
// by mu, which is never held across a network call; asynchronous results
// carry the epoch they were started under and are dropped if it changed.
type Synchronizer struct {
	selfID     string
	editWindow time.Duration
	pageSize   int
	now        func() time.Time

	tr      Transport
	api     History
	db      *store.DB
	recon   *Reconciler
	bus     *bus.Bus
	logger  *zap.Logger
	metrics Metrics

	mu       sync.Mutex
	epoch    uint64
	key      model.ConversationKey
	msgs     *messages.Store
	pins     *pins.Registry
	page     int
	hasMore  bool
	syncing  bool
	buffered []transport.Event
	// lastResync is the checkpoint of the bound conversation.
	lastResync time.Time
}

// New creates an unbound synchronizer. db may be nil, in which case sends
// issued while disconnected fail instead of being journaled.
func New(opts Options, tr Transport, api History, db *store.DB, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	if opts.EditWindow <= 0 {
		opts.EditWindow = DefaultEditWindow
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		selfID:     opts.SelfID,
		editWindow: opts.EditWindow,
		pageSize:   opts.PageSize,
		now:        opts.Now,
		tr:         tr,
		api:        api,
		db:         db,
		bus:        b,
		logger:     logger,
		metrics:    nopMetrics{},
		msgs:       messages.New(model.ConversationKey{}),
		pins:       pins.New(),
	}
	if db != nil {
		s.recon = NewReconciler(db, logger)
	}
	return s
}

// SetMetrics installs a metrics observer.
func (s *Synchronizer) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SelfID returns the id of the local user.
func (s *Synchronizer) SelfID() string {
	return s.selfID
}

// Key returns the bound conversation, zero when unbound.
func (s *Synchronizer) Key() model.ConversationKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// View returns a copy of the bound conversation's state.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Conversation: s.key,
		Messages:     s.msgs.Snapshot(),
		Pins:         s.pins.List(),
		HasMore:      s.hasMore,
		Syncing:      s.syncing,
	}
	if !s.lastResync.IsZero() {
		t := s.lastResync
		v.LastResync = &t
	}
	return v
}

// Messages returns the ordered message snapshot.
func (s *Synchronizer) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs.Snapshot()
}

// Bind switches to key: interest in the previous conversation is dropped
// together with its state, the transport subscribes to key and a full resync
// installs history and pins. Events arriving during the resync are buffered
// and replayed afterwards.
func (s *Synchronizer) Bind(ctx context.Context, key model.ConversationKey) error {
	if err := key.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid conversation", err)
	}

	s.mu.Lock()
	prev := s.key
	s.epoch++
	ep := s.epoch
	s.key = key
	s.msgs = messages.New(key)
	s.pins = pins.New()
	s.page, s.hasMore = 0, false
	s.syncing = true
	s.buffered = nil
	s.lastResync = time.Time{}
	s.mu.Unlock()

	s.loadCheckpoint(ep, key)
	if !prev.IsZero() && prev != key {
		if err := s.tr.Unsubscribe(ctx, prev); err != nil {
			s.logger.Warn("unsubscribe failed", zap.Stringer("conversation", prev), zap.Error(err))
		}
		s.bus.Emit(bus.ConversationUnbound, Bound{Conversation: prev})
	}
	if err := s.tr.Subscribe(ctx, key); err != nil {
		s.logger.Warn("subscribe failed", zap.Stringer("conversation", key), zap.Error(err))
	}
	s.bus.Emit(bus.ConversationBound, Bound{Conversation: key})
	s.logger.Info("conversation bound", zap.Stringer("conversation", key))

	return s.resync(ctx, ep)
}

// Unbind drops the bound conversation and its state.
func (s *Synchronizer) Unbind(ctx context.Context) {
	s.mu.Lock()
	prev := s.key
	s.epoch++
	s.key = model.ConversationKey{}
	s.msgs = messages.New(model.ConversationKey{})
	s.pins = pins.New()
	s.page, s.hasMore, s.syncing = 0, false, false
	s.buffered = nil
	s.lastResync = time.Time{}
	s.mu.Unlock()

	if prev.IsZero() {
		return
	}
	if err := s.tr.Unsubscribe(ctx, prev); err != nil {
		s.logger.Warn("unsubscribe failed", zap.Stringer("conversation", prev), zap.Error(err))
	}
	s.bus.Emit(bus.ConversationUnbound, Bound{Conversation: prev})
}

// Resync refetches history and pins of the bound conversation, e.g. after
// the transport reconnected.
func (s *Synchronizer) Resync(ctx context.Context) error {
	s.mu.Lock()
	if s.key.IsZero() {
		s.mu.Unlock()
		return nil
	}
	ep := s.epoch
	s.syncing = true
	s.mu.Unlock()
	return s.resync(ctx, ep)
}

func (s *Synchronizer) resync(ctx context.Context, ep uint64) error {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()

	var (
		page    model.HistoryPage
		pinList []model.PinnedEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		page, err = s.api.History(gctx, key, 1, s.pageSize)
		return err
	})
	g.Go(func() error {
		var err error
		pinList, err = s.api.Pins(gctx, key)
		return err
	})
	err := g.Wait()
	s.metrics.Resync(err)
	journal := s.journaled(key)
	at := s.now()

	var out pubs
	s.mu.Lock()
	if ep != s.epoch {
		s.mu.Unlock()
		return nil
	}
	for _, m := range journal {
		if !s.msgs.HasClientID(m.ClientID) {
			_ = s.msgs.Append(m)
		}
	}
	if err == nil {
		s.msgs.Reset(page.Messages)
		s.pins.Reset(pinList)
		s.page, s.hasMore = 1, page.HasMore
		s.lastResync = at
	}
	for _, evt := range s.buffered {
		s.applyLocked(evt, &out)
	}
	s.buffered = nil
	s.syncing = false
	summary := Resynced{Conversation: key, Messages: s.msgs.Len(), Pins: s.pins.Len(), HasMore: s.hasMore}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("resync failed", zap.Stringer("conversation", key), zap.Error(err))
		out.publish(s.bus)
		return apperr.Transport("resync "+key.String(), err)
	}
	out.add(bus.SyncResynced, summary)
	out.publish(s.bus)
	if s.recon != nil {
		if err := s.recon.RecordResync(key, at); err != nil {
			s.logger.Warn("checkpoint failed", zap.Error(err))
		}
	}
	s.logger.Info("conversation resynced",
		zap.Stringer("conversation", key),
		zap.Int("messages", summary.Messages),
		zap.Int("pins", summary.Pins),
	)
	return nil
}

// loadCheckpoint shows the previous resync of key until a new one lands.
func (s *Synchronizer) loadCheckpoint(ep uint64, key model.ConversationKey) {
	if s.recon == nil {
		return
	}
	at, ok, err := s.recon.LastResync(key)
	if err != nil {
		s.logger.Warn("read checkpoint failed", zap.Stringer("conversation", key), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.mu.Lock()
	if ep == s.epoch && s.lastResync.IsZero() {
		s.lastResync = at
	}
	s.mu.Unlock()
}

// journaled returns the unsent journal rows of key as optimistic entries, so
// a queued or failed send is still shown after the conversation was left.
func (s *Synchronizer) journaled(key model.ConversationKey) []model.Message {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.OutboxByConversation(key.String())
	if err != nil {
		s.logger.Warn("read journaled sends failed", zap.Stringer("conversation", key), zap.Error(err))
		return nil
	}
	out := make([]model.Message, 0, len(rows))
	for _, e := range rows {
		m := model.Message{
			ClientID:        e.ClientMsgID,
			SenderID:        s.selfID,
			ConversationKey: key,
			Content:         e.Content,
			Attachments:     e.Attachments,
			CreatedAt:       time.UnixMilli(e.CreatedAt),
			State:           model.StateQueued,
		}
		switch e.Status {
		case store.OutboxSending:
			m.State = model.StatePending
		case store.OutboxFailed:
			m.State, m.Error = model.StateFailed, e.ErrorMessage
		}
		out = append(out, m)
	}
	return out
}

// LoadOlder fetches the next older history page and merges it. It returns
// the number of messages added.
func (s *Synchronizer) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.key.IsZero() {
		s.mu.Unlock()
		return 0, apperr.ErrNotBound
	}
	if !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	ep, key, next := s.epoch, s.key, s.page+1
	s.mu.Unlock()

	page, err := s.api.History(ctx, key, next, s.pageSize)
	if err != nil {
		return 0, apperr.Transport("load history", err)
	}

	s.mu.Lock()
	if ep != s.epoch {
		s.mu.Unlock()
		return 0, nil
	}
	added := s.msgs.Merge(page.Messages)
	s.page, s.hasMore = next, page.HasMore
	summary := Resynced{Conversation: key, Messages: s.msgs.Len(), Pins: s.pins.Len(), HasMore: s.hasMore}
	s.mu.Unlock()

	s.bus.Emit(bus.SyncHistoryLoaded, summary)
	return added, nil
}

// pubs collects bus events under the lock for publication after it is released.
type pubs []bus.Event

func (p *pubs) add(kind string, payload any) {
	*p = append(*p, bus.Event{Kind: kind, Payload: payload})
}

func (p pubs) publish(b *bus.Bus) {
	if b == nil {
		return
	}
	for _, evt := range p {
		b.Publish(evt)
	}
}

func (s *Synchronizer) pinsChangedLocked(out *pubs) {
	out.add(bus.PinChanged, PinsChanged{Conversation: s.key, Pins: s.pins.List()})
}
