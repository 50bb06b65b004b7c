// Package typing debounces the local "is typing" signal and tracks remote
// typing indicators for the bound conversation.
package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/transport"
)

const (
	DefaultIdle      = 2 * time.Second
	DefaultRemoteTTL = 5 * time.Second

	emitTimeout = 5 * time.Second
)

// Emitter delivers the local typing state to other participants.
type Emitter interface {
	SendTyping(ctx context.Context, key model.ConversationKey, isTyping bool) error
}

// State is the remote typing indicator of a conversation.
type State struct {
	Conversation model.ConversationKey `json:"conversationKey"`
	IsTyping     bool                  `json:"isTyping"`
	UserID       string                `json:"typingUserId,omitempty"`
}

// Options configures a Controller.
type Options struct {
	SelfID    string
	Idle      time.Duration
	RemoteTTL time.Duration
}

// Controller owns the typing state of one session.
type Controller struct {
	selfID  string
	idle    time.Duration
	ttl     time.Duration
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.Mutex
	key       model.ConversationKey
	local     bool
	idleTimer *time.Timer
	gen       uint64
	remote    map[string]*remoteTyper
}

type remoteTyper struct {
	at    time.Time
	timer *time.Timer
}

// NewController creates a controller. A nil bus or logger is tolerated.
func NewController(opts Options, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Controller {
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.RemoteTTL <= 0 {
		opts.RemoteTTL = DefaultRemoteTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		selfID:  opts.SelfID,
		idle:    opts.Idle,
		ttl:     opts.RemoteTTL,
		emitter: emitter,
		bus:     b,
		logger:  logger,
		remote:  make(map[string]*remoteTyper),
	}
}

// Reset switches the controller to key. A pending local "typing" for the
// previous conversation is withdrawn and remote indicators are dropped.
func (c *Controller) Reset(key model.ConversationKey) {
	c.mu.Lock()
	prev, wasTyping := c.key, c.local
	c.stopLocalLocked()
	hadRemote := len(c.remote) > 0
	c.clearRemoteLocked()
	c.key = key
	c.mu.Unlock()

	if wasTyping {
		c.emit(prev, false)
	}
	if hadRemote {
		c.bus.Emit(bus.TypingChanged, State{Conversation: prev})
	}
}

// InputChanged records a keystroke. The first keystroke after idle emits
// typing=true; every keystroke re-arms the idle timer.
func (c *Controller) InputChanged() {
	c.mu.Lock()
	if c.key.IsZero() {
		c.mu.Unlock()
		return
	}
	start := !c.local
	c.local = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.gen++
	gen := c.gen
	c.idleTimer = time.AfterFunc(c.idle, func() { c.expire(gen) })
	key := c.key
	c.mu.Unlock()

	if start {
		c.emit(key, true)
	}
}

// Sent withdraws the local typing state immediately.
func (c *Controller) Sent() {
	c.mu.Lock()
	wasTyping, key := c.local, c.key
	c.stopLocalLocked()
	c.mu.Unlock()

	if wasTyping {
		c.emit(key, false)
	}
}

// Typing reports whether the local user is currently marked as typing.
func (c *Controller) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.local {
		c.mu.Unlock()
		return
	}
	c.local = false
	c.idleTimer = nil
	key := c.key
	c.mu.Unlock()

	c.emit(key, false)
}

func (c *Controller) stopLocalLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.gen++
	c.local = false
}

func (c *Controller) emit(key model.ConversationKey, isTyping bool) {
	if c.emitter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := c.emitter.SendTyping(ctx, key, isTyping); err != nil {
		c.logger.Debug("typing emit failed",
			zap.Stringer("conversation", key),
			zap.Bool("typing", isTyping),
			zap.Error(err),
		)
	}
}

// Observe applies a remote typing event. Echoes of the local user and events
// for other conversations are ignored.
func (c *Controller) Observe(evt transport.Typing) {
	if evt.UserID == "" || evt.UserID == c.selfID {
		return
	}
	c.mu.Lock()
	if evt.Conversation != c.key {
		c.mu.Unlock()
		return
	}
	if prev, ok := c.remote[evt.UserID]; ok {
		prev.timer.Stop()
		delete(c.remote, evt.UserID)
	}
	if evt.IsTyping {
		userID, key := evt.UserID, c.key
		rt := &remoteTyper{at: time.Now()}
		rt.timer = time.AfterFunc(c.ttl, func() { c.lapse(key, userID, rt) })
		c.remote[userID] = rt
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.bus.Emit(bus.TypingChanged, st)
}

// lapse drops a remote indicator that was not refreshed within the TTL.
func (c *Controller) lapse(key model.ConversationKey, userID string, rt *remoteTyper) {
	c.mu.Lock()
	if c.key != key || c.remote[userID] != rt {
		c.mu.Unlock()
		return
	}
	delete(c.remote, userID)
	st := c.stateLocked()
	c.mu.Unlock()

	c.bus.Emit(bus.TypingChanged, st)
}

// State returns the remote indicator for the current conversation.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	st := State{Conversation: c.key}
	var latest time.Time
	for id, rt := range c.remote {
		if !st.IsTyping || rt.at.After(latest) {
			st.IsTyping = true
			st.UserID = id
			latest = rt.at
		}
	}
	return st
}

func (c *Controller) clearRemoteLocked() {
	for id, rt := range c.remote {
		rt.timer.Stop()
		delete(c.remote, id)
	}
}
