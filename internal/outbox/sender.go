// Package outbox drains sends that were journaled while the push connection
// was down.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
)

const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultMaxAttempts = 5
	DefaultRetention   = 24 * time.Hour
)

// Dispatcher delivers one journaled send and returns the durable message id.
// *sync.Synchronizer implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, e store.OutboxEntry) (string, error)
}

// Options configures a Sender.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// Retention is how long sent entries are kept before pruning.
	Retention time.Duration
}

// Drained summarizes one pass over the outbox.
type Drained struct {
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Requeued int `json:"requeued"`
}

// Sender polls the outbox and hands queued entries to the dispatcher while
// the transport is connected.
type Sender struct {
	db        *store.DB
	dispatch  Dispatcher
	connected func() bool
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates an outbox sender. connected gates every drain pass.
func NewSender(opts Options, db *store.DB, d Dispatcher, connected func() bool, b *bus.Bus, logger *zap.Logger) *Sender {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:        db,
		dispatch:  d,
		connected: connected,
		bus:       b,
		logger:    logger,
		opts:      opts,
		kick:      make(chan struct{}, 1),
	}
}

// Start recovers entries stuck in 'sending' by a previous run and begins
// polling.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RecoverOutbox(); err != nil {
		s.logger.Error("failed to recover outbox", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("recovered interrupted sends", zap.Int64("count", n))
	}
	s.prune()

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-progress pass to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Kick requests a drain pass without waiting for the next tick, e.g. right
// after the transport reconnected.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Drain(ctx)
		case <-s.kick:
			s.Drain(ctx)
		case <-pruneTicker.C:
			s.prune()
		case <-ctx.Done():
			return
		}
	}
}

// Drain makes one pass over the queued entries, oldest first. A pass stops
// at the first entry that could not be delivered for lack of a connection.
func (s *Sender) Drain(ctx context.Context) Drained {
	var res Drained
	if s.connected != nil && !s.connected() {
		return res
	}
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return res
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			break
		}
		if entry.Attempts >= s.opts.MaxAttempts {
			s.logger.Warn("giving up on journaled send",
				zap.String("client_msg_id", entry.ClientMsgID),
				zap.Int("attempts", entry.Attempts))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, "too many attempts")
			res.Failed++
			continue
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		serverMsgID, err := s.dispatch.Dispatch(ctx, entry)
		if apperr.HasCode(err, apperr.CodeNotConnected) {
			_ = s.db.RequeueOutbox(entry.ClientMsgID)
			res.Requeued++
			break
		}
		if err != nil {
			s.logger.Error("failed to send journaled message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			res.Failed++
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.logger.Info("journaled message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", serverMsgID))
		res.Sent++
	}

	if res != (Drained{}) {
		s.bus.Emit(bus.OutboxDrained, res)
	}
	return res
}

func (s *Sender) prune() {
	n, err := s.db.PruneOutbox(time.Now().Add(-s.opts.Retention))
	if err != nil {
		s.logger.Warn("failed to prune outbox", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("pruned sent outbox entries", zap.Int64("count", n))
	}
}
