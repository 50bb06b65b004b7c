package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/model"
)

// Options tunes the websocket client. Zero values fall back to defaults.
type Options struct {
	URL   string
	Token string

	RequestTimeout time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64

	// ReconnectEvery paces dial attempts; the first attempt is immediate.
	ReconnectEvery time.Duration

	Dialer *websocket.Dialer
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 20 * time.Second
	defaultMaxMessageSize = 512 * 1024
	defaultReconnectEvery = 2 * time.Second

	eventBufSize  = 256
	egressBufSize = 64
)

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.ReconnectEvery <= 0 {
		o.ReconnectEvery = defaultReconnectEvery
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Client is a reconnecting websocket connection to the push endpoint.
// Subscriptions survive reconnects: every new connection re-sends them.
type Client struct {
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter
	events  chan Event

	mu      sync.Mutex
	conn    *connection
	subs    map[string]model.ConversationKey
	pending map[string]chan Ack
}

type connection struct {
	ws     *websocket.Conn
	egress chan Envelope
	done   chan struct{}
	once   sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// NewClient creates a client. Nothing is dialed until Run.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Client{
		opts:    opts,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectEvery), 1),
		events:  make(chan Event, eventBufSize),
		subs:    make(map[string]model.ConversationKey),
		pending: make(map[string]chan Ack),
	}
}

// Events returns the inbound event stream, including Connected and
// Disconnected markers. It is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials, serves and redials until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	first := true
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("push dial failed", zap.String("url", c.opts.URL), zap.Error(err))
			continue
		}

		conn := c.attach(ws)
		go c.writePump(ctx, conn)
		readErr := make(chan error, 1)
		go func() {
			err := c.readPump(ctx, conn)
			c.detach(conn)
			readErr <- err
		}()

		// Interest is restored before Connected is announced, so a resync
		// triggered by it never starts ahead of the subscription.
		c.resubscribe(ctx)
		c.logger.Info("push connected", zap.Bool("reconnect", !first))
		c.deliver(ctx, Connected{Reconnect: !first})
		first = false

		err = <-readErr
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("push disconnected", zap.Error(err))
		c.deliver(ctx, Disconnected{Err: err})
	}
}

func (c *Client) attach(ws *websocket.Conn) *connection {
	conn := &connection{
		ws:     ws,
		egress: make(chan Envelope, egressBufSize),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn
}

// detach drops the connection and fails every request still waiting for an ack.
func (c *Client) detach(conn *connection) {
	conn.close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) deliver(ctx context.Context, evt Event) {
	select {
	case c.events <- evt:
	case <-ctx.Done():
	}
}

func (c *Client) readPump(ctx context.Context, conn *connection) error {
	conn.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		var env Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			return err
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if env.Event == EvAck {
			c.resolve(env)
			continue
		}
		evt, err := Decode(env)
		if err != nil {
			c.logger.Warn("dropping undecodable push frame", zap.String("event", env.Event), zap.Error(err))
			continue
		}
		c.deliver(ctx, evt)
	}
}

func (c *Client) writePump(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteWait))
			return
		case <-conn.done:
			return
		case env := <-conn.egress:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.ws.WriteJSON(env); err != nil {
				c.logger.Warn("push write failed", zap.String("event", env.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) resolve(env Envelope) {
	var ack Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		ack = Ack{OK: false, Error: fmt.Sprintf("malformed ack: %v", err)}
	}
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	delete(c.pending, env.RequestID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for unknown request", zap.String("request_id", env.RequestID))
		return
	}
	ch <- ack
}

func (c *Client) resubscribe(ctx context.Context) {
	c.mu.Lock()
	keys := make([]model.ConversationKey, 0, len(c.subs))
	for _, k := range c.subs {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		if err := c.Request(ctx, OpSubscribe, k, subscribePayload{ConversationKey: k.String()}, nil); err != nil {
			c.logger.Warn("resubscribe failed", zap.Stringer("conversation", k), zap.Error(err))
		}
	}
}

type subscribePayload struct {
	ConversationKey string `json:"conversationKey"`
}

// Subscribe registers interest in a conversation. While disconnected the
// interest is recorded and sent on the next connection.
func (c *Client) Subscribe(ctx context.Context, key model.ConversationKey) error {
	c.mu.Lock()
	c.subs[key.String()] = key
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Request(ctx, OpSubscribe, key, subscribePayload{ConversationKey: key.String()}, nil)
}

// Unsubscribe drops interest in a conversation. The remote side is told on a
// best-effort basis.
func (c *Client) Unsubscribe(ctx context.Context, key model.ConversationKey) error {
	c.mu.Lock()
	delete(c.subs, key.String())
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Notify(ctx, OpUnsubscribe, key, subscribePayload{ConversationKey: key.String()})
}

// Request sends op and waits for the matching ack. A rejected ack is returned
// as an *apperr.Error with the code the authority supplied. When out is
// non-nil the ack data is decoded into it.
func (c *Client) Request(ctx context.Context, op string, key model.ConversationKey, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	id := uuid.NewString()
	ch := make(chan Ack, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return apperr.ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	env := Envelope{Event: op, Channel: key.String(), RequestID: id, Payload: raw}
	if err := c.enqueue(ctx, conn, env); err != nil {
		return err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return apperr.ErrNotConnected
		}
		if !ack.OK {
			return rejected(op, ack)
		}
		if out != nil && len(ack.Data) > 0 {
			if err := json.Unmarshal(ack.Data, out); err != nil {
				return apperr.Transport(op, fmt.Errorf("decode ack data: %w", err))
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperr.Transport(op, fmt.Errorf("no ack within %s", c.opts.RequestTimeout))
		}
		return ctx.Err()
	}
}

// Notify sends op without waiting for an ack.
func (c *Client) Notify(ctx context.Context, op string, key model.ConversationKey, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperr.ErrNotConnected
	}
	return c.enqueue(ctx, conn, Envelope{Event: op, Channel: key.String(), Payload: raw})
}

// Signal sends a call signaling frame.
func (c *Client) Signal(ctx context.Context, sig CallSignal) error {
	env, err := Encode(sig)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperr.ErrNotConnected
	}
	return c.enqueue(ctx, conn, env)
}

// SendTyping publishes the local typing state for a conversation.
func (c *Client) SendTyping(ctx context.Context, key model.ConversationKey, isTyping bool) error {
	return c.Notify(ctx, OpTyping, key, TypingPayload{ConversationKey: key.String(), IsTyping: isTyping})
}

func (c *Client) enqueue(ctx context.Context, conn *connection, env Envelope) error {
	select {
	case conn.egress <- env:
		return nil
	case <-conn.done:
		return apperr.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func rejected(op string, ack Ack) error {
	code := apperr.Code(ack.Code)
	if code == "" {
		code = apperr.CodeTransport
	}
	msg := ack.Error
	if msg == "" {
		msg = op + " rejected"
	}
	return apperr.New(code, msg)
}
